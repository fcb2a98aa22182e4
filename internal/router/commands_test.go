// ABOUTME: Tests for command handling and the conversation keys commands act on.
// ABOUTME: Covers settings commands, context loading, and thread creation.

package router

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merbudd/techiee/internal/content"
	"github.com/merbudd/techiee/internal/conversation"
	"github.com/merbudd/techiee/internal/scope"
)

func commandEvent(command, args string) Event {
	return Event{
		Kind:    KindCommand,
		RoomID:  "!dm:example.org",
		EventID: "$cmd-1",
		Author:  alice,
		Direct:  true,
		Command: command,
		Args:    args,
	}
}

func lastNoticeText(t *testing.T, h *harness) string {
	t.Helper()
	notices := h.platform.noticeTexts()
	require.NotEmpty(t, notices, "expected the command to post a notice")
	return notices[len(notices)-1]
}

func TestRouter_Command_HelpListsCommands(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	h.router.handle(context.Background(), commandEvent("help", ""))

	text := lastNoticeText(t, h)
	for _, name := range []string{"thread", "thinking", "persona", "forget", "context", "settings"} {
		assert.Contains(t, text, name)
	}
}

func TestRouter_Command_HelpOverride(t *testing.T) {
	h := newHarness(t, harnessConfig{opts: Options{HelpText: "custom help"}})

	h.router.handle(context.Background(), commandEvent("help", ""))

	assert.Equal(t, "custom help", lastNoticeText(t, h))
}

func TestRouter_Command_ThinkingUpdatesDepth(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	h.router.handle(ctx, commandEvent("thinking", "high"))

	assert.Contains(t, lastNoticeText(t, h), "high")
	snap := h.store.Snapshot(dmKey())
	assert.Equal(t, conversation.DepthHigh, snap.Depth)
}

func TestRouter_Command_ThinkingRejectsUnknown(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	h.router.handle(ctx, commandEvent("thinking", "galaxy-brain"))

	assert.Contains(t, lastNoticeText(t, h), "not a reasoning depth")
	snap := h.store.Snapshot(dmKey())
	assert.Equal(t, conversation.DefaultDepth, snap.Depth, "a rejected depth must not change settings")
}

func TestRouter_Command_ThinkingShowsCurrent(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	h.router.handle(ctx, commandEvent("thinking", "low"))
	h.router.handle(ctx, commandEvent("thinking", ""))

	assert.Contains(t, lastNoticeText(t, h), "low")
}

func TestRouter_Command_PersonaLifecycle(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	h.router.handle(ctx, commandEvent("persona", "a weary lighthouse keeper"))
	assert.Equal(t, "a weary lighthouse keeper", h.store.Snapshot(dmKey()).Persona)

	h.router.handle(ctx, commandEvent("persona", ""))
	assert.Contains(t, lastNoticeText(t, h), "lighthouse keeper")

	h.router.handle(ctx, commandEvent("persona", "default"))
	assert.Empty(t, h.store.Snapshot(dmKey()).Persona, "persona default clears the override")

	h.router.handle(ctx, commandEvent("persona", ""))
	assert.Contains(t, lastNoticeText(t, h), "No persona set")
}

func TestRouter_Command_ForgetClearsHistoryKeepsSettings(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	h.router.handle(ctx, commandEvent("thinking", "high"))
	h.router.handle(ctx, dmEvent("remember this"))
	require.Len(t, h.store.Snapshot(dmKey()).Turns, 2)

	h.router.handle(ctx, commandEvent("forget", ""))

	snap := h.store.Snapshot(dmKey())
	assert.Empty(t, snap.Turns)
	assert.Equal(t, conversation.DepthHigh, snap.Depth, "plain forget keeps settings")
}

func TestRouter_Command_ForgetAllClearsSettings(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	h.router.handle(ctx, commandEvent("thinking", "high"))
	h.router.handle(ctx, commandEvent("forget", "all"))

	snap := h.store.Snapshot(dmKey())
	assert.Empty(t, snap.Turns)
	assert.Equal(t, conversation.DefaultDepth, snap.Depth, "forget all resets settings too")
}

func TestRouter_Command_SettingsShowsState(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	h.router.handle(ctx, commandEvent("thinking", "high"))
	h.router.handle(ctx, commandEvent("persona", "a pirate"))
	h.router.handle(ctx, commandEvent("settings", ""))

	text := lastNoticeText(t, h)
	assert.Contains(t, text, "high")
	assert.Contains(t, text, "a pirate")
	assert.Contains(t, text, "turns")
}

func TestRouter_Command_ContextOpensWindow(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	room := "!lounge:example.org"

	bob := conversation.Author{ID: "@bob:example.org", Name: "Bob"}
	h.platform.history = []Ancestor{
		{Author: bob, At: time.Now(), Parts: []content.Part{content.Text{Text: "anyone seen the deploy doc?"}}},
		{Author: alice, At: time.Now(), Parts: []content.Part{content.Text{Text: "it moved to the wiki"}}},
	}

	cmd := commandEvent("context", "")
	cmd.RoomID = room
	cmd.Direct = false
	h.router.handle(ctx, cmd)

	assert.Contains(t, lastNoticeText(t, h), "Loaded 2 messages")
	key := scope.WindowKey(alice.ID, room)
	require.True(t, h.store.HasOpenWindow(key), "a context load outside any scope opens the window")

	snap := h.store.Snapshot(key)
	require.Len(t, snap.Fragments, 1)
	assert.Contains(t, snap.Fragments[0].Text, "deploy doc")
	assert.Contains(t, snap.Fragments[0].Text, "Bob", "loaded history carries attribution")
	assert.Equal(t, 5, snap.Fragments[0].RemainingUses)

	// The open window now makes the user's plain messages eligible.
	msg := dmEvent("so where is it?")
	msg.RoomID = room
	msg.Direct = false
	h.router.handle(ctx, msg)

	require.Equal(t, 1, h.platform.deliveredCount())
	require.Equal(t, 1, h.gen.calls())
	require.Len(t, h.gen.request(0).Fragments, 1, "the loaded context rides along with generation")
}

func TestRouter_Command_ContextExplicitCounts(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	h.platform.history = []Ancestor{
		{Author: alice, At: time.Now(), Parts: []content.Part{content.Text{Text: "only line"}}},
	}

	h.router.handle(ctx, commandEvent("context", "10 2"))

	snap := h.store.Snapshot(dmKey())
	require.Len(t, snap.Fragments, 1)
	assert.Equal(t, 2, snap.Fragments[0].RemainingUses)
}

func TestRouter_Command_ContextRejectsBadArgs(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	h.router.handle(ctx, commandEvent("context", "soon"))

	assert.Contains(t, lastNoticeText(t, h), "Usage")
	h.platform.mu.Lock()
	calls := h.platform.historyCalls
	h.platform.mu.Unlock()
	assert.Zero(t, calls, "bad arguments should not trigger a history fetch")
}

func TestRouter_Command_ContextEmptyHistory(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	h.router.handle(context.Background(), commandEvent("context", ""))

	assert.Contains(t, lastNoticeText(t, h), "no recent history")
	assert.Empty(t, h.store.Snapshot(dmKey()).Fragments)
}

func TestRouter_Command_ThreadCreatesTrackedThread(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	room := "!lounge:example.org"

	cmd := commandEvent("thread", "Deploy planning")
	cmd.RoomID = room
	cmd.Direct = false
	h.router.handle(ctx, cmd)

	require.Equal(t, 1, h.platform.deliveredCount())
	root := h.platform.lastDelivered()
	assert.Contains(t, root.Markdown, "Deploy planning")

	h.platform.mu.Lock()
	rootID := h.platform.deliveredIDs[0]
	h.platform.mu.Unlock()
	require.True(t, h.router.isTrackedThread(rootID))

	// Messages under the new root join the shared thread conversation.
	msg := dmEvent("count me in")
	msg.RoomID = room
	msg.Direct = false
	msg.ThreadID = rootID
	h.router.handle(ctx, msg)

	require.Equal(t, 1, h.gen.calls())
	threadKey := scope.Key{Kind: scope.KindThread, RoomID: rootID}
	assert.Len(t, h.store.Snapshot(threadKey).Turns, 2)
}

func TestRouter_Command_UnknownCommand(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	h.router.handle(context.Background(), commandEvent("dance", ""))

	text := lastNoticeText(t, h)
	assert.Contains(t, text, "Unknown command")
	assert.Contains(t, text, "dance")
}

func TestRouter_Command_CooldownDenied(t *testing.T) {
	h := newHarness(t, harnessConfig{cooldowns: map[string]time.Duration{"forget": time.Minute}})
	ctx := context.Background()

	h.router.handle(ctx, commandEvent("forget", ""))
	h.router.handle(ctx, commandEvent("forget", ""))

	notices := h.platform.noticeTexts()
	require.Len(t, notices, 2)
	assert.Contains(t, notices[0], "Forgotten")
	assert.Contains(t, notices[1], "again in")
}

func TestRouter_Command_CaseInsensitive(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	h.router.handle(context.Background(), commandEvent("HELP", ""))

	assert.True(t, strings.Contains(lastNoticeText(t, h), "Commands"))
}
