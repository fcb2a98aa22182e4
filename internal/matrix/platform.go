// ABOUTME: Outbound half of the bridge: sending, editing, reactions, typing, and media fetch.
// ABOUTME: Implements the router's platform surface over the homeserver client.

package matrix

import (
	"context"
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/merbudd/techiee/internal/content"
	"github.com/merbudd/techiee/internal/conversation"
	"github.com/merbudd/techiee/internal/router"
)

// Deliver renders markdown, splits it into chunks the homeserver will
// accept, and sends each chunk. Generated media follows as uploads. All
// produced event IDs come back in send order.
func (b *Bridge) Deliver(ctx context.Context, out router.Outgoing) ([]string, error) {
	var ids []string
	for i, chunk := range splitMessage(out.Markdown, b.opts.SplitLength) {
		msg := renderMarkdown(event.MsgText, chunk)
		replyTo := ""
		if i == 0 {
			replyTo = out.ReplyToID
		}
		applyRelation(&msg, out.ThreadID, replyTo)

		eventID, err := b.send(ctx, out.RoomID, &msg)
		if err != nil {
			return ids, fmt.Errorf("sending chunk %d: %w", i+1, err)
		}
		ids = append(ids, eventID)
	}

	for _, media := range out.Media {
		eventID, err := b.sendMedia(ctx, out.RoomID, out.ThreadID, media.Name, media.MIME, media.Data)
		if err != nil {
			return ids, fmt.Errorf("sending media: %w", err)
		}
		ids = append(ids, eventID)
	}
	return ids, nil
}

// Edit replaces a sent message's content in place.
func (b *Bridge) Edit(ctx context.Context, roomID, eventID, markdown string) error {
	msg := renderMarkdown(event.MsgText, markdown)
	msg.SetEdit(id.EventID(eventID))
	if _, err := b.send(ctx, roomID, &msg); err != nil {
		return fmt.Errorf("editing message: %w", err)
	}
	return nil
}

// Notice posts a service notice. Notices use the notice message type so
// other bots leave them alone.
func (b *Bridge) Notice(ctx context.Context, roomID, threadID, text string) (string, error) {
	msg := renderMarkdown(event.MsgNotice, text)
	applyRelation(&msg, threadID, "")
	eventID, err := b.send(ctx, roomID, &msg)
	if err != nil {
		return "", fmt.Errorf("sending notice: %w", err)
	}
	return eventID, nil
}

// UpdateNotice edits an existing notice, keeping the notice message type.
func (b *Bridge) UpdateNotice(ctx context.Context, roomID, noticeID, text string) error {
	msg := renderMarkdown(event.MsgNotice, text)
	msg.SetEdit(id.EventID(noticeID))
	if _, err := b.send(ctx, roomID, &msg); err != nil {
		return fmt.Errorf("updating notice: %w", err)
	}
	return nil
}

// Redact removes a message or reaction.
func (b *Bridge) Redact(ctx context.Context, roomID, eventID string) error {
	rctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := b.client.RedactEvent(rctx, id.RoomID(roomID), id.EventID(eventID)); err != nil {
		return fmt.Errorf("redacting event: %w", err)
	}
	return nil
}

// React adds an emoji reaction to a message.
func (b *Bridge) React(ctx context.Context, roomID, eventID, emoji string) error {
	rctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := b.client.SendReaction(rctx, id.RoomID(roomID), id.EventID(eventID), emoji); err != nil {
		return fmt.Errorf("sending reaction: %w", err)
	}
	return nil
}

// StartTyping shows the typing indicator. The server clears it after the
// typing timeout unless renewed.
func (b *Bridge) StartTyping(ctx context.Context, roomID string) error {
	return b.setTyping(ctx, roomID, true, typingTimeout)
}

// StopTyping clears the typing indicator.
func (b *Bridge) StopTyping(ctx context.Context, roomID string) error {
	return b.setTyping(ctx, roomID, false, 0)
}

func (b *Bridge) setTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := b.client.UserTyping(tctx, id.RoomID(roomID), typing, timeout); err != nil {
		return fmt.Errorf("setting typing state: %w", err)
	}
	return nil
}

// Ancestors walks the reply chain upward from eventID, following genuine
// reply relations. Returns at most limit messages, oldest first. A fetch
// failure ends the walk; whatever was collected still comes back.
func (b *Bridge) Ancestors(ctx context.Context, roomID, eventID string, limit int) ([]router.Ancestor, error) {
	var chain []router.Ancestor
	current := id.EventID(eventID)
	for len(chain) < limit && current != "" {
		evt, msg, err := b.fetchMessage(ctx, id.RoomID(roomID), current)
		if err != nil {
			reverse(chain)
			return chain, fmt.Errorf("fetching ancestor %s: %w", current, err)
		}
		if msg == nil {
			break
		}
		chain = append(chain, b.ancestorFrom(ctx, evt, msg))
		current = genuineReplyTo(msg.RelatesTo)
	}
	reverse(chain)
	return chain, nil
}

// History returns the room's most recent message events, oldest first.
func (b *Bridge) History(ctx context.Context, roomID string, limit int) ([]router.Ancestor, error) {
	hctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	resp, err := b.client.Messages(hctx, id.RoomID(roomID), "", "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching room history: %w", err)
	}

	var history []router.Ancestor
	for _, evt := range resp.Chunk {
		msg := b.parseMessage(ctx, evt)
		if msg == nil {
			continue
		}
		history = append(history, b.ancestorFrom(ctx, evt, msg))
	}
	reverse(history)
	return history, nil
}

// Resolve downloads every unresolved media part, decrypting when the
// original event carried encryption keys. Oversized media becomes a text
// placeholder instead of failing the whole message.
func (b *Bridge) Resolve(ctx context.Context, parts []content.Part) ([]content.Part, error) {
	resolved := make([]content.Part, 0, len(parts))
	for _, part := range parts {
		media, ok := part.(content.Media)
		if !ok || media.Resolved() {
			resolved = append(resolved, part)
			continue
		}

		ref := media.Ref()
		if ref.Size > b.opts.MaxFetchBytes {
			b.logger.Warn("media exceeds fetch cap, describing instead",
				"part", part.Describe(), "size", ref.Size)
			resolved = append(resolved, content.Text{
				Text: fmt.Sprintf("%s was too large to process", part.Describe()),
			})
			continue
		}

		data, err := b.fetchBlob(ctx, ref)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, media.WithData(data))
	}
	return resolved, nil
}

func (b *Bridge) fetchBlob(ctx context.Context, ref content.Blob) ([]byte, error) {
	uri, err := id.ParseContentURI(ref.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing media URI: %w", err)
	}

	data, err := b.client.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("downloading media: %w", err)
	}

	b.mu.RLock()
	file := b.files[ref.URL]
	b.mu.RUnlock()
	if file != nil {
		data, err = file.DecryptInPlace(data)
		if err != nil {
			return nil, fmt.Errorf("decrypting media: %w", err)
		}
	}
	return data, nil
}

// send posts message content with the send timeout.
func (b *Bridge) send(ctx context.Context, roomID string, msg *event.MessageEventContent) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	resp, err := b.client.SendMessageEvent(sctx, id.RoomID(roomID), event.EventMessage, msg)
	if err != nil {
		return "", err
	}
	return resp.EventID.String(), nil
}

// sendMedia uploads bytes to the content repository and sends a media
// message pointing at them.
func (b *Bridge) sendMedia(ctx context.Context, roomID, threadID, name, mime string, data []byte) (string, error) {
	uctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	upload, err := b.client.UploadBytes(uctx, data, mime)
	if err != nil {
		return "", fmt.Errorf("uploading media: %w", err)
	}

	if name == "" {
		name = "attachment"
	}
	msg := event.MessageEventContent{
		MsgType: msgTypeForMIME(mime),
		Body:    name,
		URL:     upload.ContentURI.CUString(),
		Info:    &event.FileInfo{MimeType: mime, Size: len(data)},
	}
	applyRelation(&msg, threadID, "")
	return b.send(ctx, roomID, &msg)
}

// fetchMessage fetches one event and parses it as a message, decrypting if
// needed. Returns a nil message for non-message events.
func (b *Bridge) fetchMessage(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, *event.MessageEventContent, error) {
	fctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	evt, err := b.client.GetEvent(fctx, roomID, eventID)
	if err != nil {
		return nil, nil, err
	}
	return evt, b.parseMessage(ctx, evt), nil
}

// parseMessage turns a raw event into message content, attempting
// decryption for encrypted events. Non-message events return nil.
func (b *Bridge) parseMessage(ctx context.Context, evt *event.Event) *event.MessageEventContent {
	if evt.Type == event.EventEncrypted && b.client.Crypto != nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			return nil
		}
		decrypted, err := b.client.Crypto.Decrypt(ctx, evt)
		if err != nil {
			b.logger.Debug("failed to decrypt fetched event", "event_id", evt.ID, "error", err)
			return nil
		}
		evt = decrypted
	}
	if evt.Type != event.EventMessage {
		return nil
	}
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			return nil
		}
	}
	msg, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return nil
	}
	msg.RemoveReplyFallback()
	return msg
}

// ancestorFrom converts a fetched message into attribution material for
// the model's context.
func (b *Bridge) ancestorFrom(ctx context.Context, evt *event.Event, msg *event.MessageEventContent) router.Ancestor {
	author := b.author(ctx, evt.Sender)
	if evt.Sender == b.client.UserID {
		author = b.selfAuthor()
	}
	parts := b.buildParts(msg, msg.Body)
	if len(parts) == 0 && strings.TrimSpace(msg.Body) != "" {
		parts = []content.Part{content.Text{Text: msg.Body}}
	}
	return router.Ancestor{
		Author: author,
		At:     time.UnixMilli(evt.Timestamp).UTC(),
		Parts:  parts,
	}
}

func (b *Bridge) selfAuthor() conversation.Author {
	name := b.opts.DisplayName
	if name == "" {
		name = b.client.UserID.Localpart()
	}
	return conversation.Author{ID: b.client.UserID.String(), Name: name}
}

// applyRelation attaches thread or reply relations to outgoing content.
// Thread messages carry a reply fallback for clients without thread
// support.
func applyRelation(msg *event.MessageEventContent, threadID, replyTo string) {
	if threadID != "" {
		rel := &event.RelatesTo{Type: event.RelThread, EventID: id.EventID(threadID)}
		if replyTo != "" {
			rel.InReplyTo = &event.InReplyTo{EventID: id.EventID(replyTo)}
		} else {
			rel.InReplyTo = &event.InReplyTo{EventID: id.EventID(threadID)}
			rel.IsFallingBack = true
		}
		msg.RelatesTo = rel
		return
	}
	if replyTo != "" {
		msg.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: id.EventID(replyTo)}}
	}
}

func msgTypeForMIME(mime string) event.MessageType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return event.MsgImage
	case strings.HasPrefix(mime, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(mime, "audio/"):
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

func reverse(chain []router.Ancestor) {
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
}
