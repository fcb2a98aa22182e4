// ABOUTME: Matrix bridge core: login, sync loop, and event parsing into router events.
// ABOUTME: Own messages, notices, and pre-start history are filtered before the router sees anything.

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/merbudd/techiee/internal/content"
	"github.com/merbudd/techiee/internal/conversation"
	"github.com/merbudd/techiee/internal/router"
)

// typingTimeout is how long one typing signal stays visible on the server.
const typingTimeout = 30 * time.Second

// networkTimeout bounds individual Matrix API calls.
const networkTimeout = 10 * time.Second

// sendTimeout bounds message sends, which can carry large bodies.
const sendTimeout = 30 * time.Second

// Events is where the bridge hands parsed platform events. The router
// implements it.
type Events interface {
	Enqueue(ev router.Event)
}

// Options configures the bridge connection and behavior.
type Options struct {
	Homeserver    string
	Username      string
	Password      string
	DisplayName   string // profile name set after login
	CommandPrefix string // messages starting with this become commands
	MaxFetchBytes int64  // attachment download cap
	SplitLength   int    // outgoing messages longer than this are split
}

// Bridge connects a Matrix homeserver to the router. It parses sync events
// into router events and implements the router's Platform interface on the
// way back out.
type Bridge struct {
	client *mautrix.Client
	opts   Options
	sink   Events
	crypto *cryptohelper.CryptoHelper
	logger *slog.Logger

	mu          sync.RWMutex
	directRooms map[id.RoomID]bool
	names       map[id.UserID]string
	files       map[string]*event.EncryptedFileInfo
}

// NewBridge creates a bridge. Call Login, optionally EnableEncryption, then
// Attach a sink before Run.
func NewBridge(opts Options, logger *slog.Logger) (*Bridge, error) {
	if opts.Homeserver == "" {
		return nil, errors.New("matrix: homeserver is required")
	}
	if opts.MaxFetchBytes <= 0 {
		opts.MaxFetchBytes = 20 << 20
	}
	if opts.SplitLength <= 0 {
		opts.SplitLength = 4000
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mautrix.NewClient(opts.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Bridge{
		client:      client,
		opts:        opts,
		logger:      logger.With("component", "matrix"),
		directRooms: make(map[id.RoomID]bool),
		names:       make(map[id.UserID]string),
		files:       make(map[string]*event.EncryptedFileInfo),
	}, nil
}

// Login authenticates with the homeserver using password login and stores
// the credentials on the client.
func (b *Bridge) Login(ctx context.Context) error {
	_, err := b.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: b.opts.Username,
		},
		Password:                 b.opts.Password,
		InitialDeviceDisplayName: "techiee",
		StoreCredentials:         true,
		StoreHomeserverURL:       true,
	})
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}
	b.logger.Info("logged in", "user_id", b.client.UserID, "device_id", b.client.DeviceID)

	if b.opts.DisplayName != "" {
		if err := b.client.SetDisplayName(ctx, b.opts.DisplayName); err != nil {
			b.logger.Warn("failed to set display name", "error", err)
		}
	}
	return nil
}

// UserID returns the logged-in user ID. Empty before Login.
func (b *Bridge) UserID() string {
	return b.client.UserID.String()
}

// Attach sets the sink that receives parsed events. Must be called before
// Run.
func (b *Bridge) Attach(sink Events) {
	b.sink = sink
}

// EnsureJoined joins the given rooms, logging failures. Used at startup so
// tracked rooms do not depend on a pending invite.
func (b *Bridge) EnsureJoined(ctx context.Context, roomIDs []string) {
	for _, room := range roomIDs {
		jctx, cancel := context.WithTimeout(ctx, networkTimeout)
		_, err := b.client.JoinRoomByID(jctx, id.RoomID(room))
		cancel()
		if err != nil {
			b.logger.Warn("failed to join room", "room", room, "error", err)
			continue
		}
		b.logger.Debug("joined room", "room", room)
	}
}

// Close releases crypto resources, if encryption was enabled.
func (b *Bridge) Close() error {
	if b.crypto != nil {
		return b.crypto.Close()
	}
	return nil
}

// Run starts syncing and blocks until ctx is cancelled or the sync loop
// fails.
func (b *Bridge) Run(ctx context.Context) error {
	if b.sink == nil {
		return errors.New("matrix: no event sink attached")
	}

	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}

	// Skip everything that happened before this run; old conversations are
	// history, not work.
	(&mautrix.OldEventIgnorer{UserID: b.client.UserID}).Register(syncer)
	syncer.OnEventType(event.EventMessage, b.handleMessage)
	syncer.OnEventType(event.EventSticker, b.handleSticker)
	syncer.OnEventType(event.EventReaction, b.handleReaction)
	syncer.OnEventType(event.StateMember, b.handleMember)

	b.logger.Info("matrix bridge running",
		"homeserver", b.opts.Homeserver, "user_id", b.client.UserID)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		return nil
	case err := <-syncErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("matrix sync: %w", err)
		}
		return nil
	}
}

func (b *Bridge) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.client.UserID {
		return
	}
	msg, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	// Notices are bot output by convention; responding to them invites
	// loops between bots.
	if msg.MsgType == event.MsgNotice {
		return
	}

	msg.RemoveReplyFallback()
	threadID := msg.RelatesTo.GetThreadParent()
	replyTo := genuineReplyTo(msg.RelatesTo)

	mentioned := b.isMentioned(msg)
	body := b.stripSelfPrefix(msg.Body)

	if isCommand(body, b.opts.CommandPrefix) {
		command, args := parseCommand(strings.TrimSpace(body), b.opts.CommandPrefix)
		if command == "" {
			return
		}
		b.sink.Enqueue(router.Event{
			Kind:     router.KindCommand,
			RoomID:   evt.RoomID.String(),
			EventID:  evt.ID.String(),
			Author:   b.author(ctx, evt.Sender),
			ThreadID: threadID.String(),
			Direct:   b.isDirectRoom(evt.RoomID),
			Command:  command,
			Args:     args,
		})
		return
	}

	parts := b.buildParts(msg, body)
	if len(parts) == 0 {
		return
	}

	b.logger.Debug("message received",
		"room", evt.RoomID, "sender", evt.Sender, "parts", len(parts))

	b.sink.Enqueue(router.Event{
		Kind:      router.KindMessage,
		RoomID:    evt.RoomID.String(),
		EventID:   evt.ID.String(),
		Author:    b.author(ctx, evt.Sender),
		Parts:     parts,
		ThreadID:  threadID.String(),
		ReplyToID: replyTo.String(),
		Direct:    b.isDirectRoom(evt.RoomID),
		Mentioned: mentioned,
	})
}

// handleSticker turns m.sticker events into single-part messages. The
// sticker body is its alt text, which doubles as the name the model sees.
func (b *Bridge) handleSticker(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.client.UserID {
		return
	}
	msg, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	blob, ok := b.blobFrom(msg)
	if !ok {
		return
	}
	threadID := msg.RelatesTo.GetThreadParent()

	b.sink.Enqueue(router.Event{
		Kind:     router.KindMessage,
		RoomID:   evt.RoomID.String(),
		EventID:  evt.ID.String(),
		Author:   b.author(ctx, evt.Sender),
		Parts:    []content.Part{content.Sticker{Blob: blob}},
		ThreadID: threadID.String(),
		Direct:   b.isDirectRoom(evt.RoomID),
	})
}

func (b *Bridge) handleReaction(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.client.UserID {
		return
	}
	reaction, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok {
		return
	}
	rel := reaction.RelatesTo
	if rel.Type != event.RelAnnotation || rel.EventID == "" {
		return
	}

	b.sink.Enqueue(router.Event{
		Kind:     router.KindReaction,
		RoomID:   evt.RoomID.String(),
		EventID:  evt.ID.String(),
		Author:   b.author(ctx, evt.Sender),
		TargetID: rel.EventID.String(),
		Emoji:    rel.Key,
	})
}

// handleMember auto-joins invites and records which rooms are direct chats.
func (b *Bridge) handleMember(ctx context.Context, evt *event.Event) {
	member, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok {
		return
	}
	if evt.GetStateKey() != b.client.UserID.String() {
		return
	}
	if member.Membership != event.MembershipInvite {
		return
	}

	if member.IsDirect {
		b.mu.Lock()
		b.directRooms[evt.RoomID] = true
		b.mu.Unlock()
	}

	b.logger.Info("accepting invite", "room", evt.RoomID, "direct", member.IsDirect)
	jctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := b.client.JoinRoomByID(jctx, evt.RoomID); err != nil {
		b.logger.Error("failed to join invited room", "room", evt.RoomID, "error", err)
	}
}

func (b *Bridge) isDirectRoom(roomID id.RoomID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.directRooms[roomID]
}

// MarkDirect records a room as a direct chat. Used when loading persisted
// state or when config pins a room as direct.
func (b *Bridge) MarkDirect(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.directRooms[id.RoomID(roomID)] = true
}

func (b *Bridge) isMentioned(msg *event.MessageEventContent) bool {
	if msg.Mentions != nil && msg.Mentions.Has(b.client.UserID) {
		return true
	}
	// Older clients skip the mentions block; fall back to the pill href.
	return strings.Contains(msg.FormattedBody, string(b.client.UserID))
}

// stripSelfPrefix drops the "Name: " prefix clients prepend for mentions so
// the model sees only what the user actually typed.
func (b *Bridge) stripSelfPrefix(body string) string {
	trimmed := strings.TrimSpace(body)
	for _, name := range []string{b.opts.DisplayName, b.client.UserID.Localpart(), string(b.client.UserID)} {
		if name == "" {
			continue
		}
		if len(trimmed) > len(name) && strings.EqualFold(trimmed[:len(name)], name) && trimmed[len(name)] == ':' {
			return strings.TrimSpace(trimmed[len(name)+1:])
		}
	}
	return trimmed
}

// isCommand reports whether body is the command prefix alone or followed
// by a word. "!t help" is a command when the prefix is "!t"; "!two" is not.
func isCommand(body, prefix string) bool {
	if prefix == "" {
		return false
	}
	trimmed := strings.TrimSpace(body)
	return trimmed == prefix || strings.HasPrefix(trimmed, prefix+" ")
}

// parseCommand splits "!prefix command args" into its command and argument
// string. An empty command (bare prefix) returns "".
func parseCommand(body, prefix string) (string, string) {
	rest := strings.TrimSpace(strings.TrimPrefix(body, prefix))
	if rest == "" {
		return "", ""
	}
	fields := strings.SplitN(rest, " ", 2)
	command := strings.ToLower(fields[0])
	args := ""
	if len(fields) > 1 {
		args = strings.TrimSpace(fields[1])
	}
	return command, args
}

var (
	urlPattern      = regexp.MustCompile(`https?://\S+`)
	emoticonPattern = regexp.MustCompile(`<img[^>]*data-mx-emoticon[^>]*>`)
	emoticonName    = regexp.MustCompile(`(?:alt|title)=["']:?([^"':>]+?):?["']`)
)

// buildParts converts one message into ordered content parts. Media stays
// a reference; the router resolves it on its own clock.
func (b *Bridge) buildParts(msg *event.MessageEventContent, body string) []content.Part {
	switch msg.MsgType {
	case event.MsgText, event.MsgEmote:
		if strings.TrimSpace(body) == "" {
			return nil
		}
		parts := []content.Part{content.Text{Text: body}}
		for _, url := range urlPattern.FindAllString(body, 3) {
			parts = append(parts, content.URL{URL: strings.TrimRight(url, ".,)>")})
		}
		return append(parts, customEmoticons(msg.FormattedBody)...)

	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		blob, ok := b.blobFrom(msg)
		if !ok {
			return nil
		}
		parts := []content.Part{}
		if caption := attachmentCaption(msg); caption != "" {
			parts = append(parts, content.Text{Text: caption})
		}
		return append(parts, mediaPart(msg.MsgType, blob))

	default:
		return nil
	}
}

// mediaPart wraps a media reference in the variant matching its message
// type. Audio and plain files both travel as documents; the MIME type
// carries the distinction.
func mediaPart(msgType event.MessageType, blob content.Blob) content.Part {
	switch msgType {
	case event.MsgImage:
		return content.Image{Blob: blob}
	case event.MsgVideo:
		return content.Video{Blob: blob}
	default:
		return content.Document{Blob: blob}
	}
}

// customEmoticons extracts MSC2545 image emoticons from a formatted body.
// The plain body carries only their shortcodes; the img tags confirm they
// are custom emoji rather than literal colon text.
func customEmoticons(formatted string) []content.Part {
	var parts []content.Part
	for _, tag := range emoticonPattern.FindAllString(formatted, 8) {
		m := emoticonName.FindStringSubmatch(tag)
		if m == nil {
			continue
		}
		parts = append(parts, content.Emoji{Name: m[1]})
	}
	return parts
}

// blobFrom extracts the media reference from a message. Encrypted files
// keep their key material in a side table for Resolve.
func (b *Bridge) blobFrom(msg *event.MessageEventContent) (content.Blob, bool) {
	var uri string
	if msg.File != nil {
		uri = string(msg.File.URL)
		b.mu.Lock()
		if len(b.files) > 512 {
			b.files = make(map[string]*event.EncryptedFileInfo)
		}
		b.files[uri] = msg.File
		b.mu.Unlock()
	} else {
		uri = string(msg.URL)
	}
	if uri == "" {
		return content.Blob{}, false
	}

	blob := content.Blob{URL: uri, Name: msg.Body}
	if msg.FileName != "" {
		blob.Name = msg.FileName
	}
	if msg.Info != nil {
		blob.MIME = msg.Info.MimeType
		blob.Size = int64(msg.Info.Size)
	}
	return blob, true
}

// attachmentCaption returns the user's caption when the body is not just
// the filename.
func attachmentCaption(msg *event.MessageEventContent) string {
	if msg.FileName == "" || msg.Body == msg.FileName {
		return ""
	}
	return msg.Body
}

// genuineReplyTo returns the replied-to event, ignoring the thread
// fallback relation every threaded message carries.
func genuineReplyTo(rel *event.RelatesTo) id.EventID {
	if rel == nil || rel.InReplyTo == nil {
		return ""
	}
	if rel.Type == event.RelThread && rel.IsFallingBack {
		return ""
	}
	return rel.InReplyTo.EventID
}

// author resolves a sender to an attributed author, caching display names.
func (b *Bridge) author(ctx context.Context, userID id.UserID) conversation.Author {
	b.mu.RLock()
	name, ok := b.names[userID]
	b.mu.RUnlock()
	if ok {
		return conversation.Author{ID: userID.String(), Name: name}
	}

	name = userID.Localpart()
	nctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if resp, err := b.client.GetDisplayName(nctx, userID); err == nil && resp.DisplayName != "" {
		name = resp.DisplayName
	}

	b.mu.Lock()
	b.names[userID] = name
	b.mu.Unlock()
	return conversation.Author{ID: userID.String(), Name: name}
}
