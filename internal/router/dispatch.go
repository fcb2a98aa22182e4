// ABOUTME: The generation path: eligibility, content aggregation, dispatch, and result application.
// ABOUTME: One code path serves first sends, retry replays, and regenerates.

package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/merbudd/techiee/internal/content"
	"github.com/merbudd/techiee/internal/conversation"
	"github.com/merbudd/techiee/internal/genai"
	"github.com/merbudd/techiee/internal/retry"
	"github.com/merbudd/techiee/internal/scope"
	"github.com/merbudd/techiee/internal/tracker"
)

// dispatchOpts selects between the three delivery modes sharing dispatch:
// a first send (zero value), a retry replay (editTarget and noticeID set to
// the error notice), and a regenerate (editTarget set to the delivered
// response, replaceTurnID and oldEntry set).
type dispatchOpts struct {
	editTarget    string         // edit this message into the response instead of sending new
	redactExtras  []string       // stale split parts to redact after a successful edit
	replaceTurnID string         // replace this model turn in place instead of appending
	noticeID      string         // live retry chain, when replaying a claim
	oldEntry      *tracker.Entry // tracker entry superseded by a regenerate
}

func (r *Router) handleMessage(ctx context.Context, ev Event) {
	meta := scope.Meta{
		UserID:        ev.Author.ID,
		RoomID:        ev.RoomID,
		ThreadID:      ev.ThreadID,
		Direct:        ev.Direct,
		TrackedRoom:   r.isTrackedRoom(ev.RoomID),
		TrackedThread: r.isTrackedThread(ev.ThreadID),
		Mentioned:     ev.Mentioned,
		WindowOpen:    r.store.HasOpenWindow(scope.WindowKey(ev.Author.ID, ev.RoomID)),
	}
	key, ok := scope.Resolve(meta)
	if !ok {
		r.logger.Debug("no scope claims event, dropping",
			"room", ev.RoomID, "sender", ev.Author.ID)
		return
	}

	if remaining, ok := r.cooldown.Allow(ev.Author.ID, chatCommand); !ok {
		r.sendNotice(ctx, ev.RoomID, ev.ThreadID,
			fmt.Sprintf("You're sending messages a little fast. Try again in %s.", remaining.Round(time.Second)))
		return
	}

	req, ok := r.buildRequest(ctx, ev, key)
	if !ok {
		return
	}
	r.dispatch(ctx, req, dispatchOpts{})
}

// buildRequest resolves the event's attachments and reply chain into a
// replayable request. Everything network-dependent happens here, exactly
// once; retry and regenerate reuse the result as-is.
func (r *Router) buildRequest(ctx context.Context, ev Event, key scope.Key) (conversation.Request, bool) {
	actx, cancel := context.WithTimeout(ctx, r.opts.AttachTimeout)
	defer cancel()

	parts, err := r.platform.Resolve(actx, ev.Parts)
	if err != nil {
		r.surfaceResolveFailure(ctx, ev, err)
		return conversation.Request{}, false
	}

	var ancestors []content.Part
	if ev.ReplyToID != "" {
		chain, err := r.platform.Ancestors(actx, ev.RoomID, ev.ReplyToID, r.opts.MaxAncestors)
		if err != nil {
			r.logger.Warn("failed to collect reply chain, continuing without it",
				"room", ev.RoomID, "error", err)
		}
		for _, anc := range chain {
			resolved, err := r.platform.Resolve(actx, anc.Parts)
			if err != nil {
				r.logger.Debug("ancestor attachment fetch failed, using placeholder",
					"error", err)
				resolved = placeholders(anc.Parts)
			}
			ancestors = append(ancestors, attributedParts(anc, resolved)...)
		}
	}

	return conversation.Request{
		ID:        uuid.New().String(),
		Key:       key,
		Author:    ev.Author,
		Parts:     parts,
		Ancestors: ancestors,
		RoomID:    ev.RoomID,
		ThreadID:  ev.ThreadID,
		EventID:   ev.EventID,
	}, true
}

func (r *Router) surfaceResolveFailure(ctx context.Context, ev Event, err error) {
	r.logger.Warn("failed to resolve attachments",
		"room", ev.RoomID, "sender", ev.Author.ID, "error", err)
	if errors.Is(err, context.DeadlineExceeded) {
		r.sendNotice(ctx, ev.RoomID, ev.ThreadID,
			fmt.Sprintf("Timed out after %s waiting for the attachment to process. Please try again.",
				r.opts.AttachTimeout))
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	r.sendNotice(ctx, ev.RoomID, ev.ThreadID,
		"Couldn't fetch an attachment from this message. Please re-upload and try again.")
}

// dispatch runs one generation attempt end to end. The caller's snapshot
// and appends happen under the record lock; the generation call and all
// platform traffic happen outside it.
func (r *Router) dispatch(ctx context.Context, req conversation.Request, opts dispatchOpts) {
	logger := r.logger.With("request_id", req.ID, "key", req.Key.String())

	if hasUnresolved(req.Parts) {
		// Replay snapshots carry fetched media; an unresolved reference
		// here means the snapshot is incomplete and must not be sent.
		logger.Warn("request snapshot holds unresolved attachments, refusing to generate")
		r.failFastReplay(ctx, req, opts,
			"The original attachments are no longer available, so this request cannot be replayed.")
		return
	}

	snap := r.store.Snapshot(req.Key)
	if opts.replaceTurnID == "" && req.UserTurnID == "" {
		userTurn := r.store.AppendTurn(req.Key, conversation.Turn{
			Role:   conversation.RoleUser,
			Author: req.Author,
			Parts:  req.Parts,
		})
		req.UserTurnID = userTurn.ID
	}

	genReq := genai.Request{
		Context:    req.Ancestors,
		Parts:      r.withStandInPrompt(req.Parts),
		History:    historyExcluding(snap.Turns, req.UserTurnID, opts.replaceTurnID),
		Fragments:  snap.Fragments,
		Persona:    snap.Persona,
		Depth:      snap.Depth,
		Attributed: req.Key.Kind == scope.KindThread,
		Author:     req.Author,
	}

	lease := r.typing.Acquire(ctx, req.RoomID)
	defer lease.Release()

	resp, err := r.generator.Generate(ctx, genReq)
	if err != nil {
		r.handleFailure(ctx, req, opts, err)
		return
	}
	r.applySuccess(ctx, req, opts, resp)
}

// applySuccess delivers the response, records the model turn, and swaps
// tracker state, in that order: the tracker must never reference a message
// that was not delivered.
func (r *Router) applySuccess(ctx context.Context, req conversation.Request, opts dispatchOpts, resp *genai.Response) {
	logger := r.logger.With("request_id", req.ID, "key", req.Key.String())
	text := renderResponse(resp)

	var partIDs []string
	if opts.editTarget != "" {
		if err := r.platform.Edit(ctx, req.RoomID, opts.editTarget, text); err != nil {
			logger.Error("failed to edit response into place",
				"target", opts.editTarget, "error", err)
			if opts.noticeID != "" {
				// The chain cannot make progress if its notice is gone.
				r.retry.Resolve(opts.noticeID)
			}
			return
		}
		partIDs = []string{opts.editTarget}
		for _, extra := range opts.redactExtras {
			if err := r.platform.Redact(ctx, req.RoomID, extra); err != nil {
				logger.Debug("failed to redact stale response part",
					"message_id", extra, "error", err)
			}
		}
	} else {
		ids, err := r.platform.Deliver(ctx, Outgoing{
			RoomID:    req.RoomID,
			ThreadID:  req.ThreadID,
			ReplyToID: r.replyTarget(req),
			Markdown:  text,
			Media:     resp.Media,
		})
		if err != nil {
			logger.Error("failed to deliver response", "error", err)
			return
		}
		partIDs = ids
	}
	if len(partIDs) == 0 {
		logger.Error("delivery reported success but produced no message IDs")
		return
	}

	modelParts := responseParts(resp)
	turnID := opts.replaceTurnID
	if turnID != "" {
		if err := r.store.ReplaceModelTurn(req.Key, turnID, modelParts); err != nil {
			// The turn was trimmed or deleted since; append so history
			// still matches what is visible in the room.
			logger.Warn("regenerated turn no longer in history, appending instead", "error", err)
			turnID = r.appendModelTurn(req, modelParts).ID
		}
	} else {
		turnID = r.appendModelTurn(req, modelParts).ID
	}

	if opts.oldEntry != nil {
		r.tracker.RemoveResponse(*opts.oldEntry)
	}
	entry := tracker.Entry{
		ResponseID:  partIDs[0],
		Request:     req,
		AuthorID:    req.Author.ID,
		ModelTurnID: turnID,
		PartIDs:     partIDs,
	}
	if opts.oldEntry != nil {
		entry.Attempts = opts.oldEntry.Attempts + 1
		entry.CreatedAt = opts.oldEntry.CreatedAt
	}
	r.tracker.Register(entry)

	r.seedReactions(ctx, req.RoomID, partIDs[0])

	if opts.noticeID != "" {
		r.retry.Resolve(opts.noticeID)
	}
	logger.Info("response delivered",
		"messages", len(partIDs),
		"edited", opts.editTarget != "",
		"chars", len(text))
}

func (r *Router) appendModelTurn(req conversation.Request, parts []content.Part) conversation.Turn {
	return r.store.AppendTurn(req.Key, conversation.Turn{
		Role:   conversation.RoleModel,
		Author: conversation.Author{ID: r.opts.SelfID, Name: r.opts.SelfName},
		Parts:  parts,
	})
}

// seedReactions adds the delete and regenerate affordances to the primary
// response message so they are one tap away.
func (r *Router) seedReactions(ctx context.Context, roomID, messageID string) {
	for _, emoji := range []string{deleteEmoji, retryEmoji} {
		if err := r.platform.React(ctx, roomID, messageID, emoji); err != nil {
			r.logger.Debug("failed to seed reaction",
				"message_id", messageID, "emoji", emoji, "error", err)
		}
	}
}

// handleFailure maps a classified generation error to exactly one user
// outcome. Transient errors feed the retry workflow; everything else is a
// single terminal notice.
func (r *Router) handleFailure(ctx context.Context, req conversation.Request, opts dispatchOpts, err error) {
	logger := r.logger.With("request_id", req.ID, "key", req.Key.String())

	switch {
	case errors.Is(err, context.Canceled):
		logger.Debug("generation canceled", "error", err)
	case errors.Is(err, genai.ErrTransient):
		r.handleTransient(ctx, req, opts, err)
	default:
		r.handleTerminal(ctx, req, opts, err)
	}
}

func (r *Router) handleTransient(ctx context.Context, req conversation.Request, opts dispatchOpts, err error) {
	logger := r.logger.With("request_id", req.ID, "key", req.Key.String())

	if opts.noticeID != "" {
		attempts, exhausted := r.retry.FailAgain(opts.noticeID)
		logger.Warn("retry attempt failed upstream",
			"attempts", attempts, "exhausted", exhausted, "error", err)
		return
	}
	if opts.replaceTurnID != "" {
		// The delivered response stays as it is; the reaction affordance
		// on it already offers another attempt.
		logger.Warn("regenerate failed upstream", "error", err)
		r.sendNotice(ctx, req.RoomID, req.ThreadID,
			"Couldn't regenerate just now, the model is overloaded. React with 🔄 to try again.")
		return
	}

	logger.Warn("transient upstream failure, arming retry", "error", err)
	noticeID := r.sendNotice(ctx, req.RoomID, req.ThreadID, r.retry.InitialText())
	if noticeID == "" {
		return
	}
	r.retry.Arm(retry.Chain{
		ID:        uuid.New().String(),
		NoticeID:  noticeID,
		RoomID:    req.RoomID,
		Request:   req,
		Requester: req.Author.ID,
	})
}

func (r *Router) handleTerminal(ctx context.Context, req conversation.Request, opts dispatchOpts, err error) {
	logger := r.logger.With("request_id", req.ID, "key", req.Key.String())
	text := terminalText(err)

	if classified(err) {
		logger.Warn("generation failed", "error", err)
	} else {
		logger.Error("generation failed with unclassified error", "error", err)
	}

	if opts.noticeID != "" {
		// The retry notice becomes the terminal message; the chain is done.
		if editErr := r.platform.Edit(ctx, req.RoomID, opts.noticeID, text); editErr != nil {
			logger.Error("failed to edit terminal text into retry notice", "error", editErr)
		}
		r.retry.Resolve(opts.noticeID)
		return
	}
	r.sendNotice(ctx, req.RoomID, req.ThreadID, text)
}

// failFastReplay surfaces an incomplete-snapshot replay as a single
// malformed-input style notice and closes any chain involved.
func (r *Router) failFastReplay(ctx context.Context, req conversation.Request, opts dispatchOpts, text string) {
	if opts.noticeID != "" {
		if err := r.platform.Edit(ctx, req.RoomID, opts.noticeID, text); err != nil {
			r.logger.Error("failed to edit notice", "error", err)
		}
		r.retry.Resolve(opts.noticeID)
		return
	}
	r.sendNotice(ctx, req.RoomID, req.ThreadID, text)
}

func terminalText(err error) string {
	switch {
	case errors.Is(err, genai.ErrQuota):
		return "The generation service refused the request (quota or permissions). Please try again later."
	case errors.Is(err, genai.ErrTimeout):
		return "The request timed out before the model finished. Please try again."
	case errors.Is(err, genai.ErrMalformed):
		return "The service could not process this input. Try rephrasing or removing an attachment."
	case errors.Is(err, genai.ErrEmpty):
		return "The model returned an empty response. Try rephrasing."
	default:
		return "Something went wrong on my end. The details have been logged."
	}
}

func classified(err error) bool {
	return errors.Is(err, genai.ErrTransient) ||
		errors.Is(err, genai.ErrQuota) ||
		errors.Is(err, genai.ErrTimeout) ||
		errors.Is(err, genai.ErrMalformed) ||
		errors.Is(err, genai.ErrEmpty)
}

// replyTarget picks the event to reply to. In shared rooms the response
// anchors to the triggering message; DMs and threads read fine without.
func (r *Router) replyTarget(req conversation.Request) string {
	switch req.Key.Kind {
	case scope.KindTracked, scope.KindMention, scope.KindWindow:
		return req.EventID
	default:
		return ""
	}
}

// withStandInPrompt appends a text prompt when the message is bare media
// or a bare link, so the model always has an instruction to act on.
func (r *Router) withStandInPrompt(parts []content.Part) []content.Part {
	if content.HasText(parts) {
		return parts
	}
	if content.HasMedia(parts) {
		return append(append([]content.Part{}, parts...), content.Text{Text: r.opts.MediaPrompt})
	}
	for _, p := range parts {
		if _, ok := p.(content.URL); ok {
			return append(append([]content.Part{}, parts...), content.Text{Text: r.opts.LinkPrompt})
		}
	}
	return parts
}

func renderResponse(resp *genai.Response) string {
	if len(resp.Citations) == 0 {
		return resp.Text
	}
	var b strings.Builder
	b.WriteString(resp.Text)
	b.WriteString("\n\nSources:")
	for _, c := range resp.Citations {
		b.WriteString("\n- ")
		b.WriteString(c)
	}
	return b.String()
}

// responseParts builds the stored model turn: the text, any generated
// media, and one embed per citation so replayed history keeps its sources.
func responseParts(resp *genai.Response) []content.Part {
	parts := []content.Part{content.Text{Text: resp.Text}}
	for _, m := range resp.Media {
		blob := content.Blob{MIME: m.MIME, Data: m.Data, Name: m.Name}
		switch {
		case strings.HasPrefix(m.MIME, "image/"):
			parts = append(parts, content.Image{Blob: blob})
		case strings.HasPrefix(m.MIME, "video/"):
			parts = append(parts, content.Video{Blob: blob})
		default:
			parts = append(parts, content.Document{Blob: blob})
		}
	}
	for _, c := range resp.Citations {
		parts = append(parts, content.Embed{Title: "Source", URL: c})
	}
	return parts
}

// attributedParts prefixes one ancestor's parts with a timestamped author
// header so shared context reads as a transcript.
func attributedParts(anc Ancestor, parts []content.Part) []content.Part {
	header := fmt.Sprintf("[%s] %s:", anc.At.UTC().Format("2006-01-02 15:04"), anc.Author.Name)
	out := make([]content.Part, 0, len(parts)+1)
	out = append(out, content.Text{Text: header})
	out = append(out, parts...)
	return out
}

// placeholders swaps unresolved media for its textual description.
func placeholders(parts []content.Part) []content.Part {
	out := make([]content.Part, 0, len(parts))
	for _, p := range parts {
		if m, ok := p.(content.Media); ok && !m.Resolved() {
			out = append(out, content.Text{Text: p.Describe()})
			continue
		}
		out = append(out, p)
	}
	return out
}

func hasUnresolved(parts []content.Part) bool {
	for _, p := range parts {
		if m, ok := p.(content.Media); ok && !m.Resolved() {
			return true
		}
	}
	return false
}

func historyExcluding(turns []conversation.Turn, exclude ...string) []conversation.Turn {
	drop := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		if id != "" {
			drop[id] = true
		}
	}
	if len(drop) == 0 {
		return turns
	}
	kept := make([]conversation.Turn, 0, len(turns))
	for _, t := range turns {
		if !drop[t.ID] {
			kept = append(kept, t)
		}
	}
	return kept
}
