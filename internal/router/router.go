// ABOUTME: Request router composing scope resolution, cooldowns, the store, typing, and generation.
// ABOUTME: Owns the inbound event queue; one goroutine per event, no lock held across network calls.

package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/merbudd/techiee/internal/content"
	"github.com/merbudd/techiee/internal/conversation"
	"github.com/merbudd/techiee/internal/cooldown"
	"github.com/merbudd/techiee/internal/genai"
	"github.com/merbudd/techiee/internal/retry"
	"github.com/merbudd/techiee/internal/tracker"
	"github.com/merbudd/techiee/internal/typing"
)

// Reaction keys for the affordances seeded on delivered responses.
const (
	deleteEmoji = "\U0001F5D1️" // 🗑️
	retryEmoji  = "\U0001F504"       // 🔄
)

// chatCommand is the cooldown bucket for plain conversational messages.
const chatCommand = "chat"

// EventKind discriminates inbound events.
type EventKind int

const (
	KindMessage EventKind = iota
	KindReaction
	KindCommand
)

func (k EventKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindReaction:
		return "reaction"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Event is one inbound platform event, already parsed by the bridge.
type Event struct {
	Kind    EventKind
	RoomID  string
	EventID string
	Author  conversation.Author

	// Message fields.
	Parts     []content.Part
	ThreadID  string // thread root the event belongs to, if any
	ReplyToID string // replied-to event for genuine replies, not thread fallbacks
	Direct    bool
	Mentioned bool

	// Reaction fields.
	TargetID string // the message reacted to
	Emoji    string

	// Command fields.
	Command string
	Args    string
}

// Ancestor is one message from a reply chain or room history, ready for
// attribution.
type Ancestor struct {
	Author conversation.Author
	At     time.Time
	Parts  []content.Part
}

// Outgoing is a response ready for the platform to render and send.
type Outgoing struct {
	RoomID    string
	ThreadID  string // attach to this thread root, if set
	ReplyToID string // reply to this event, if set
	Markdown  string
	Media     []genai.Media
}

// Platform is everything the router needs from the chat surface. The
// bridge implements it over the homeserver client.
type Platform interface {
	// Deliver renders and sends a response, splitting long text across
	// messages as needed. Returns every message ID produced, in order.
	Deliver(ctx context.Context, out Outgoing) ([]string, error)
	// Edit replaces an existing message's content with new markdown.
	Edit(ctx context.Context, roomID, eventID, markdown string) error
	// Notice posts a service notice and returns its event ID.
	Notice(ctx context.Context, roomID, threadID, text string) (string, error)
	// Redact removes a message or reaction.
	Redact(ctx context.Context, roomID, eventID string) error
	// React adds a reaction to a message.
	React(ctx context.Context, roomID, eventID, emoji string) error
	// Ancestors walks a reply chain upward from an event, returning at
	// most limit messages, oldest first.
	Ancestors(ctx context.Context, roomID, eventID string, limit int) ([]Ancestor, error)
	// History returns the most recent room messages, oldest first.
	History(ctx context.Context, roomID string, limit int) ([]Ancestor, error)
	// Resolve fetches attachment references into binary parts. Parts that
	// are not attachments pass through unchanged, in order.
	Resolve(ctx context.Context, parts []content.Part) ([]content.Part, error)
}

// Generator produces model responses. genai.Client implements it.
type Generator interface {
	Generate(ctx context.Context, req genai.Request) (*genai.Response, error)
}

// Deps are the owned services the router composes. All are required.
type Deps struct {
	Platform  Platform
	Generator Generator
	Store     *conversation.Store
	Typing    *typing.Coordinator
	Tracker   *tracker.Tracker
	Retry     *retry.Coordinator
	Cooldown  *cooldown.Gate
}

// Options tunes router behavior. Zero values fall back to defaults.
type Options struct {
	SelfID        string
	SelfName      string
	TrackedRooms  []string
	MaxAncestors  int           // reply-chain depth cap
	AttachTimeout time.Duration // bound on attachment fetch and processing
	QueueSize     int
	HistoryFetch  int    // default message count for the context command
	WindowUses    int    // responses an auto-respond window lasts for
	HelpText      string // overrides the built-in help text when set
	MediaPrompt   string // stand-in prompt for bare media messages
	LinkPrompt    string // stand-in prompt for bare link messages
}

// Router pulls events off the queue and drives every conversation workflow:
// generation, retries, reaction actions, and commands.
type Router struct {
	platform  Platform
	generator Generator
	store     *conversation.Store
	typing    *typing.Coordinator
	tracker   *tracker.Tracker
	retry     *retry.Coordinator
	cooldown  *cooldown.Gate

	opts         Options
	trackedRooms map[string]bool

	mu             sync.RWMutex
	trackedThreads map[string]bool

	events chan Event
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a router. Deps are owned by the caller; the router never
// closes them.
func New(deps Deps, opts Options, logger *slog.Logger) *Router {
	if opts.MaxAncestors <= 0 {
		opts.MaxAncestors = 10
	}
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = 120 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.HistoryFetch <= 0 {
		opts.HistoryFetch = 25
	}
	if opts.WindowUses <= 0 {
		opts.WindowUses = 5
	}
	if opts.MediaPrompt == "" {
		opts.MediaPrompt = "Describe this."
	}
	if opts.LinkPrompt == "" {
		opts.LinkPrompt = "Summarize this link."
	}
	if logger == nil {
		logger = slog.Default()
	}

	tracked := make(map[string]bool, len(opts.TrackedRooms))
	for _, room := range opts.TrackedRooms {
		tracked[room] = true
	}

	return &Router{
		platform:       deps.Platform,
		generator:      deps.Generator,
		store:          deps.Store,
		typing:         deps.Typing,
		tracker:        deps.Tracker,
		retry:          deps.Retry,
		cooldown:       deps.Cooldown,
		opts:           opts,
		trackedRooms:   tracked,
		trackedThreads: make(map[string]bool),
		events:         make(chan Event, opts.QueueSize),
		logger:         logger.With("component", "router"),
	}
}

// Enqueue hands an event to the router without blocking the caller. Events
// arriving while the queue is full are dropped with a warning; the sync
// loop must never stall behind a slow generation.
func (r *Router) Enqueue(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("event queue full, dropping event",
			"kind", ev.Kind.String(),
			"room", ev.RoomID,
			"sender", ev.Author.ID)
	}
}

// Run consumes the event queue until ctx is cancelled, handling each event
// in its own goroutine so distinct conversations proceed concurrently.
// On return every in-flight handler has finished.
func (r *Router) Run(ctx context.Context) {
	r.logger.Info("router running", "queue_size", cap(r.events), "tracked_rooms", len(r.trackedRooms))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("router stopping, waiting for in-flight handlers")
			r.wg.Wait()
			return
		case ev := <-r.events:
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.handle(ctx, ev)
			}()
		}
	}
}

func (r *Router) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case KindMessage:
		r.handleMessage(ctx, ev)
	case KindReaction:
		r.handleReaction(ctx, ev)
	case KindCommand:
		r.handleCommand(ctx, ev)
	default:
		r.logger.Warn("unknown event kind", "kind", int(ev.Kind))
	}
}

func (r *Router) isTrackedRoom(roomID string) bool {
	return r.trackedRooms[roomID]
}

// TrackThread marks a thread root as bot-managed so every message under it
// joins the shared thread conversation.
func (r *Router) TrackThread(rootID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackedThreads[rootID] = true
}

func (r *Router) isTrackedThread(threadID string) bool {
	if threadID == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trackedThreads[threadID]
}

// sendNotice posts a notice, logging delivery failures. Returns the notice
// event ID, or empty when the post failed.
func (r *Router) sendNotice(ctx context.Context, roomID, threadID, text string) string {
	id, err := r.platform.Notice(ctx, roomID, threadID, text)
	if err != nil {
		r.logger.Error("failed to post notice", "room", roomID, "error", err)
		return ""
	}
	return id
}

// normalizeEmoji strips the variation selector clients inconsistently
// append to emoji reaction keys.
func normalizeEmoji(key string) string {
	return strings.TrimSuffix(strings.TrimSpace(key), "️")
}
