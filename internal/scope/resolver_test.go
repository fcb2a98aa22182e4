// ABOUTME: Tests for conversation key resolution priority and eligibility.
// ABOUTME: Validates the thread > DM > tracked > mention > window ordering.

package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_TrackedThread(t *testing.T) {
	key, ok := Resolve(Meta{
		UserID:        "@alice:example.org",
		RoomID:        "!room:example.org",
		ThreadID:      "$thread-root",
		TrackedThread: true,
	})

	require.True(t, ok)
	assert.Equal(t, KindThread, key.Kind)
	assert.Equal(t, "$thread-root", key.RoomID)
	// Thread context is shared, so the key must not carry the sender
	assert.Empty(t, key.UserID)
}

func TestResolve_ThreadBeatsMention(t *testing.T) {
	// A mention inside a tracked thread still belongs to the thread context
	key, ok := Resolve(Meta{
		UserID:        "@alice:example.org",
		ThreadID:      "$thread-root",
		TrackedThread: true,
		Mentioned:     true,
	})

	require.True(t, ok)
	assert.Equal(t, KindThread, key.Kind)
}

func TestResolve_DirectRoom(t *testing.T) {
	key, ok := Resolve(Meta{
		UserID: "@alice:example.org",
		RoomID: "!dm:example.org",
		Direct: true,
	})

	require.True(t, ok)
	assert.Equal(t, KindDM, key.Kind)
	assert.Equal(t, "@alice:example.org", key.UserID)
}

func TestResolve_TrackedRoom_PerUserPerRoom(t *testing.T) {
	alice, ok := Resolve(Meta{UserID: "@alice:example.org", RoomID: "!r:x", TrackedRoom: true})
	require.True(t, ok)
	bob, ok := Resolve(Meta{UserID: "@bob:example.org", RoomID: "!r:x", TrackedRoom: true})
	require.True(t, ok)
	aliceElsewhere, ok := Resolve(Meta{UserID: "@alice:example.org", RoomID: "!other:x", TrackedRoom: true})
	require.True(t, ok)

	assert.Equal(t, KindTracked, alice.Kind)
	assert.Equal(t, "!r:x", alice.RoomID)
	assert.NotEqual(t, alice, bob, "users sharing a tracked room must get distinct keys")
	assert.NotEqual(t, alice, aliceElsewhere, "the same user in two tracked rooms gets distinct keys")
}

func TestResolve_Mention(t *testing.T) {
	key, ok := Resolve(Meta{UserID: "@alice:example.org", RoomID: "!r:x", Mentioned: true})

	require.True(t, ok)
	assert.Equal(t, KindMention, key.Kind)
	assert.Equal(t, "@alice:example.org", key.UserID)
	assert.Equal(t, "!r:x", key.RoomID)
}

func TestResolve_MentionDistinctFromTracked(t *testing.T) {
	mention, ok := Resolve(Meta{UserID: "@alice:example.org", RoomID: "!r:x", Mentioned: true})
	require.True(t, ok)
	tracked, ok := Resolve(Meta{UserID: "@alice:example.org", RoomID: "!r:x", TrackedRoom: true})
	require.True(t, ok)

	assert.NotEqual(t, mention, tracked, "mention and tracked keys in the same room must stay separate")
}

func TestResolve_OpenWindow(t *testing.T) {
	key, ok := Resolve(Meta{UserID: "@alice:example.org", RoomID: "!r:x", WindowOpen: true})

	require.True(t, ok)
	assert.Equal(t, KindWindow, key.Kind)
	assert.Equal(t, "!r:x", key.RoomID)
}

func TestResolve_Ineligible(t *testing.T) {
	// Plain message in an untracked room with no mention and no window
	_, ok := Resolve(Meta{UserID: "@alice:example.org", RoomID: "!r:x"})

	assert.False(t, ok)
}

func TestResolve_DMBeatsTracked(t *testing.T) {
	key, ok := Resolve(Meta{
		UserID:      "@alice:example.org",
		RoomID:      "!dm:example.org",
		Direct:      true,
		TrackedRoom: true,
	})

	require.True(t, ok)
	assert.Equal(t, KindDM, key.Kind)
}

func TestWindowKey(t *testing.T) {
	key := WindowKey("@alice:example.org", "!r:x")

	assert.Equal(t, KindWindow, key.Kind)
	assert.Equal(t, "@alice:example.org", key.UserID)
	assert.Equal(t, "!r:x", key.RoomID)
}

func TestKey_String_Shapes(t *testing.T) {
	assert.Equal(t, "dm/@a:x", Key{Kind: KindDM, UserID: "@a:x"}.String())
	assert.Equal(t, "thread/$root", Key{Kind: KindThread, RoomID: "$root"}.String())
	assert.Equal(t, "tracked/@a:x/!r:x", Key{Kind: KindTracked, UserID: "@a:x", RoomID: "!r:x"}.String())
	assert.Equal(t, "window/@a:x/!r:x", Key{Kind: KindWindow, UserID: "@a:x", RoomID: "!r:x"}.String())
}
