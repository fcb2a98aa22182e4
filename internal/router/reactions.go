// ABOUTME: Reaction-driven actions on delivered responses and retry notices.
// ABOUTME: Delete and regenerate are author-only; retry claims go through the coordinator.

package router

import (
	"context"
	"errors"

	"github.com/merbudd/techiee/internal/retry"
	"github.com/merbudd/techiee/internal/tracker"
)

func (r *Router) handleReaction(ctx context.Context, ev Event) {
	emoji := normalizeEmoji(ev.Emoji)
	if emoji != normalizeEmoji(deleteEmoji) && emoji != normalizeEmoji(retryEmoji) {
		return
	}

	if entry, ok := r.tracker.Lookup(ev.TargetID); ok {
		r.handleResponseReaction(ctx, ev, entry, emoji)
		return
	}
	if emoji == normalizeEmoji(retryEmoji) {
		r.handleRetryReaction(ctx, ev)
	}
}

// handleResponseReaction runs the delete and regenerate actions on a
// tracked response. Only the user who asked for the response may act on it.
func (r *Router) handleResponseReaction(ctx context.Context, ev Event, entry tracker.Entry, emoji string) {
	logger := r.logger.With(
		"response_id", entry.ResponseID,
		"reactor", ev.Author.ID,
		"author", entry.AuthorID)

	if ev.Author.ID != entry.AuthorID {
		logger.Info("reaction from non-author rejected")
		r.removeReaction(ctx, ev)
		return
	}

	switch emoji {
	case normalizeEmoji(deleteEmoji):
		for _, id := range entry.PartIDs {
			if err := r.platform.Redact(ctx, ev.RoomID, id); err != nil {
				logger.Warn("failed to redact response part", "message_id", id, "error", err)
			}
		}
		r.tracker.RemoveResponse(entry)
		if err := r.store.RemoveModelTurn(entry.Request.Key, entry.ModelTurnID); err != nil {
			logger.Error("deleted response's turn missing from history", "error", err)
		}
		logger.Info("response deleted by author")

	case normalizeEmoji(retryEmoji):
		logger.Info("regenerating response", "attempt", entry.Attempts+1)
		// Clear the triggering reaction so the affordance can be used again.
		r.removeReaction(ctx, ev)

		var extras []string
		if len(entry.PartIDs) > 1 {
			extras = entry.PartIDs[1:]
		}
		e := entry
		r.dispatch(ctx, entry.Request, dispatchOpts{
			editTarget:    entry.PartIDs[0],
			redactExtras:  extras,
			replaceTurnID: entry.ModelTurnID,
			oldEntry:      &e,
		})
	}
}

// handleRetryReaction turns a 🔄 on a transient-error notice into a claim
// and, when the claim holds, replays the chain's request so the notice
// becomes the real response.
func (r *Router) handleRetryReaction(ctx context.Context, ev Event) {
	chain, err := r.retry.Claim(ev.TargetID, ev.Author.ID)
	if err != nil {
		if errors.Is(err, retry.ErrUnknownChain) {
			// A stray 🔄 on something we never tracked.
			return
		}
		r.logger.Debug("retry claim rejected",
			"notice_id", ev.TargetID, "reactor", ev.Author.ID, "reason", err)
		r.removeReaction(ctx, ev)
		return
	}

	r.logger.Info("retry claimed",
		"chain_id", chain.ID, "notice_id", chain.NoticeID, "attempts", chain.Attempts)
	r.removeReaction(ctx, ev)
	r.dispatch(ctx, chain.Request, dispatchOpts{
		editTarget: chain.NoticeID,
		noticeID:   chain.NoticeID,
	})
}

func (r *Router) removeReaction(ctx context.Context, ev Event) {
	if err := r.platform.Redact(ctx, ev.RoomID, ev.EventID); err != nil {
		r.logger.Debug("failed to remove reaction", "reaction_id", ev.EventID, "error", err)
	}
}
