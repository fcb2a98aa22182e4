// ABOUTME: Command handling: help, thread, thinking, persona, forget, context, settings.
// ABOUTME: Commands act on the conversation key their room and sender resolve to.

package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/merbudd/techiee/internal/content"
	"github.com/merbudd/techiee/internal/conversation"
	"github.com/merbudd/techiee/internal/scope"
)

const defaultHelpText = `**Commands**
- help: show this message.
- thread <name>: start a shared thread that I follow without mentions.
- thinking <minimal|low|medium|high>: set how hard I reason here.
- persona <text|default>: set or clear my persona for this conversation.
- forget [all]: clear this conversation's history ("all" also clears settings).
- context [messages] [uses]: load recent room history into my next few replies.
- settings: show this conversation's current settings.

I reply to direct messages, mentions, tracked rooms, and my threads. React
with 🗑️ on one of my responses to delete it, or 🔄 to regenerate it.`

func (r *Router) handleCommand(ctx context.Context, ev Event) {
	command := strings.ToLower(strings.TrimSpace(ev.Command))
	args := strings.TrimSpace(ev.Args)
	logger := r.logger.With("command", command, "sender", ev.Author.ID, "room", ev.RoomID)

	if remaining, ok := r.cooldown.Allow(ev.Author.ID, command); !ok {
		logger.Debug("command on cooldown", "remaining", remaining)
		r.sendNotice(ctx, ev.RoomID, ev.ThreadID,
			fmt.Sprintf("You can use %q again in %s.", command, remaining.Round(time.Second)))
		return
	}

	logger.Info("command received", "args_len", len(args))
	key := r.commandKey(ev)

	switch command {
	case "help":
		r.cmdHelp(ctx, ev)
	case "settings":
		r.cmdSettings(ctx, ev, key)
	case "thinking":
		r.cmdThinking(ctx, ev, key, args)
	case "persona":
		r.cmdPersona(ctx, ev, key, args)
	case "forget":
		r.cmdForget(ctx, ev, key, args)
	case "context":
		r.cmdContext(ctx, ev, key, args)
	case "thread":
		r.cmdThread(ctx, ev, args)
	default:
		r.sendNotice(ctx, ev.RoomID, ev.ThreadID,
			fmt.Sprintf("Unknown command %q. Try \"help\".", command))
	}
}

// commandKey resolves the conversation a command acts on. In a room no
// scope claims, commands act on the would-be auto-respond window, so a
// context load and the messages that follow land in one conversation.
func (r *Router) commandKey(ev Event) scope.Key {
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
	if key, ok := scope.Resolve(meta); ok {
		return key
	}
	return scope.WindowKey(ev.Author.ID, ev.RoomID)
}

func (r *Router) cmdHelp(ctx context.Context, ev Event) {
	text := r.opts.HelpText
	if text == "" {
		text = defaultHelpText
	}
	r.sendNotice(ctx, ev.RoomID, ev.ThreadID, text)
}

func (r *Router) cmdSettings(ctx context.Context, ev Event, key scope.Key) {
	snap := r.store.Snapshot(key)

	var b strings.Builder
	b.WriteString("**Current settings**\n")
	persona := "default"
	if snap.Persona != "" {
		persona = fmt.Sprintf("%q", snap.Persona)
	}
	fmt.Fprintf(&b, "- Persona: %s\n", persona)
	fmt.Fprintf(&b, "- Reasoning depth: %s\n", snap.Depth)
	fmt.Fprintf(&b, "- History: %d of %d turns", len(snap.Turns), r.store.MaxTurns())
	if len(snap.Fragments) > 0 {
		b.WriteString("\n- Loaded context:")
		for _, f := range snap.Fragments {
			fmt.Fprintf(&b, "\n  - %s (%d uses left)", f.Label, f.RemainingUses)
		}
	}
	r.sendNotice(ctx, ev.RoomID, ev.ThreadID, b.String())
}

func (r *Router) cmdThinking(ctx context.Context, ev Event, key scope.Key, args string) {
	if args == "" {
		snap := r.store.Snapshot(key)
		r.sendNotice(ctx, ev.RoomID, ev.ThreadID,
			fmt.Sprintf("Reasoning depth here is %s. Options: minimal, low, medium, high.", snap.Depth))
		return
	}

	depth, err := conversation.ParseDepth(strings.ToLower(args))
	if err != nil {
		r.sendNotice(ctx, ev.RoomID, ev.ThreadID,
			fmt.Sprintf("%q is not a reasoning depth. Options: minimal, low, medium, high.", args))
		return
	}
	r.store.ApplySettings(key, conversation.Settings{Depth: &depth})
	r.sendNotice(ctx, ev.RoomID, ev.ThreadID,
		fmt.Sprintf("Reasoning depth set to %s for this conversation.", depth))
}

func (r *Router) cmdPersona(ctx context.Context, ev Event, key scope.Key, args string) {
	switch {
	case args == "":
		snap := r.store.Snapshot(key)
		if snap.Persona == "" {
			r.sendNotice(ctx, ev.RoomID, ev.ThreadID,
				"No persona set here. Use \"persona <text>\" to set one or \"persona default\" to clear it.")
			return
		}
		r.sendNotice(ctx, ev.RoomID, ev.ThreadID,
			fmt.Sprintf("Current persona: %q", snap.Persona))

	case strings.EqualFold(args, "default"):
		clear := ""
		r.store.ApplySettings(key, conversation.Settings{Persona: &clear})
		r.sendNotice(ctx, ev.RoomID, ev.ThreadID, "Persona cleared back to the default.")

	default:
		persona := args
		r.store.ApplySettings(key, conversation.Settings{Persona: &persona})
		r.sendNotice(ctx, ev.RoomID, ev.ThreadID, "Persona updated for this conversation.")
	}
}

func (r *Router) cmdForget(ctx context.Context, ev Event, key scope.Key, args string) {
	if strings.EqualFold(args, "all") {
		r.store.ResetAll(key)
		r.sendNotice(ctx, ev.RoomID, ev.ThreadID,
			"Forgotten everything in this conversation, settings included.")
		return
	}
	r.store.Reset(key)
	r.sendNotice(ctx, ev.RoomID, ev.ThreadID, "Forgotten our conversation here. Settings survive.")
}

// cmdContext loads recent room history as a context fragment. In a room no
// scope claims, this opens the auto-respond window: the fragment's key is
// the window key, and the window stays open while the fragment has uses.
func (r *Router) cmdContext(ctx context.Context, ev Event, key scope.Key, args string) {
	count, uses := r.opts.HistoryFetch, r.opts.WindowUses
	fields := strings.Fields(args)
	if len(fields) > 0 {
		n, err := strconv.Atoi(fields[0])
		if err != nil || n < 1 {
			r.sendNotice(ctx, ev.RoomID, ev.ThreadID,
				"Usage: context [messages] [uses], both positive numbers.")
			return
		}
		count = min(n, 100)
	}
	if len(fields) > 1 {
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			r.sendNotice(ctx, ev.RoomID, ev.ThreadID,
				"Usage: context [messages] [uses], both positive numbers.")
			return
		}
		uses = min(n, 25)
	}

	hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	history, err := r.platform.History(hctx, ev.RoomID, count)
	if err != nil {
		r.logger.Warn("failed to fetch room history", "room", ev.RoomID, "error", err)
		r.sendNotice(ctx, ev.RoomID, ev.ThreadID, "Couldn't fetch this room's history. Please try again.")
		return
	}
	if len(history) == 0 {
		r.sendNotice(ctx, ev.RoomID, ev.ThreadID, "There's no recent history to load here.")
		return
	}

	var b strings.Builder
	for _, msg := range history {
		line := content.Flatten(msg.Parts)
		if strings.TrimSpace(line) == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", msg.At.UTC().Format("2006-01-02 15:04"), msg.Author.Name, line)
	}

	r.store.LoadFragments(key, []conversation.Fragment{{
		Label:         fmt.Sprintf("last %d room messages", len(history)),
		Text:          b.String(),
		RemainingUses: uses,
	}})
	r.logger.Info("context loaded",
		"key", key.String(), "messages", len(history), "uses", uses)
	r.sendNotice(ctx, ev.RoomID, ev.ThreadID,
		fmt.Sprintf("Loaded %d messages of context. I'll keep them in mind for my next %d replies here.",
			len(history), uses))
}

// cmdThread starts a bot-managed thread. Its root message becomes the
// shared conversation key for everyone who replies in the thread.
func (r *Router) cmdThread(ctx context.Context, ev Event, args string) {
	name := args
	if name == "" {
		name = "New thread"
	}

	ids, err := r.platform.Deliver(ctx, Outgoing{
		RoomID:   ev.RoomID,
		Markdown: fmt.Sprintf("🧵 **%s**\nReply in this thread and I'll follow the whole conversation.", name),
	})
	if err != nil || len(ids) == 0 {
		r.logger.Error("failed to create thread root", "room", ev.RoomID, "error", err)
		r.sendNotice(ctx, ev.RoomID, ev.ThreadID, "Couldn't start the thread. Please try again.")
		return
	}

	r.TrackThread(ids[0])
	r.logger.Info("thread created", "root", ids[0], "name", name)
}
