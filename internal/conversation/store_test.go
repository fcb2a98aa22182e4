// ABOUTME: Tests for the per-key conversation store.
// ABOUTME: Validates history bounds, turn mutation rules, fragments, and concurrency.

package conversation

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merbudd/techiee/internal/content"
	"github.com/merbudd/techiee/internal/scope"
)

func dmKey(user string) scope.Key {
	return scope.Key{Kind: scope.KindDM, UserID: user}
}

func textTurn(role Role, author, text string) Turn {
	return Turn{
		Role:   role,
		Author: Author{ID: author, Name: author},
		Parts:  []content.Part{content.Text{Text: text}},
	}
}

// appendExchange records a full question/answer pair the way the router
// does: user turn before the call, model turn after it.
func appendExchange(s *Store, key scope.Key, question, answer string) (Turn, Turn) {
	q := s.AppendTurn(key, textTurn(RoleUser, "@alice:example.org", question))
	a := s.AppendTurn(key, textTurn(RoleModel, "@bot:example.org", answer))
	return q, a
}

func turnText(t Turn) string {
	return content.TextOnly(t.Parts)
}

func TestStore_AppendTurn_AssignsIdentity(t *testing.T) {
	s := NewStore(30, nil)
	key := dmKey("@alice:example.org")

	turn := s.AppendTurn(key, textTurn(RoleUser, "@alice:example.org", "hello"))

	assert.NotEmpty(t, turn.ID, "append should assign a turn ID")
	assert.False(t, turn.At.IsZero(), "append should timestamp the turn")
	assert.Equal(t, RoleUser, turn.Role)

	snap := s.Snapshot(key)
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, turn.ID, snap.Turns[0].ID)
}

func TestStore_AppendTurn_TrimsOldestFirst(t *testing.T) {
	s := NewStore(6, nil)
	key := dmKey("@alice:example.org")

	for i := 1; i <= 5; i++ {
		appendExchange(s, key, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}

	snap := s.Snapshot(key)
	require.Len(t, snap.Turns, 6, "history should be capped at the bound")
	assert.Equal(t, "q3", turnText(snap.Turns[0]), "oldest turns should be dropped first")
	assert.Equal(t, "a5", turnText(snap.Turns[5]))
}

func TestStore_AppendTurn_FailedExchangeKeepsUserTurn(t *testing.T) {
	s := NewStore(30, nil)
	key := dmKey("@alice:example.org")

	// The router appends the user turn before calling the model. When the
	// call fails no model turn arrives, and the user turn must survive so
	// a retry resumes from the same point.
	s.AppendTurn(key, textTurn(RoleUser, "@alice:example.org", "doomed question"))

	snap := s.Snapshot(key)
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, RoleUser, snap.Turns[0].Role)
	assert.Equal(t, "doomed question", turnText(snap.Turns[0]))
}

func TestStore_Snapshot_IsIsolatedCopy(t *testing.T) {
	s := NewStore(30, nil)
	key := dmKey("@alice:example.org")
	appendExchange(s, key, "q", "a")

	snap := s.Snapshot(key)
	snap.Turns[0].Parts = []content.Part{content.Text{Text: "mutated"}}
	snap.Persona = "mutated"

	fresh := s.Snapshot(key)
	assert.Equal(t, "q", turnText(fresh.Turns[0]), "mutating a snapshot should not touch the store")
	assert.Empty(t, fresh.Persona)
}

func TestStore_Snapshot_NewKeyHasDefaults(t *testing.T) {
	s := NewStore(30, nil)

	snap := s.Snapshot(dmKey("@new:example.org"))

	assert.Empty(t, snap.Turns)
	assert.Empty(t, snap.Persona)
	assert.Equal(t, DefaultDepth, snap.Depth)
	assert.Empty(t, snap.Fragments)
}

func TestStore_RemoveModelTurn_KeepsUserTurn(t *testing.T) {
	s := NewStore(30, nil)
	key := dmKey("@alice:example.org")
	_, answer := appendExchange(s, key, "q", "a")

	err := s.RemoveModelTurn(key, answer.ID)
	require.NoError(t, err)

	snap := s.Snapshot(key)
	require.Len(t, snap.Turns, 1, "only the model turn should be removed")
	assert.Equal(t, RoleUser, snap.Turns[0].Role)
}

func TestStore_RemoveModelTurn_RejectsUserTurn(t *testing.T) {
	s := NewStore(30, nil)
	key := dmKey("@alice:example.org")
	question, _ := appendExchange(s, key, "q", "a")

	err := s.RemoveModelTurn(key, question.ID)
	assert.ErrorIs(t, err, ErrNotModelTurn)

	snap := s.Snapshot(key)
	assert.Len(t, snap.Turns, 2, "a rejected removal should change nothing")
}

func TestStore_RemoveModelTurn_NotFound(t *testing.T) {
	s := NewStore(30, nil)
	key := dmKey("@alice:example.org")

	err := s.RemoveModelTurn(key, "no-such-turn")
	assert.ErrorIs(t, err, ErrTurnNotFound)
}

func TestStore_ReplaceModelTurn_InPlace(t *testing.T) {
	s := NewStore(30, nil)
	key := dmKey("@alice:example.org")
	appendExchange(s, key, "q1", "a1")
	_, answer := appendExchange(s, key, "q2", "a2")
	appendExchange(s, key, "q3", "a3")

	err := s.ReplaceModelTurn(key, answer.ID, []content.Part{content.Text{Text: "a2 regenerated"}})
	require.NoError(t, err)

	snap := s.Snapshot(key)
	require.Len(t, snap.Turns, 6, "replace must never append a duplicate")
	assert.Equal(t, answer.ID, snap.Turns[3].ID, "the turn keeps its ID")
	assert.Equal(t, "a2 regenerated", turnText(snap.Turns[3]), "content replaced in place")
	assert.Equal(t, "a3", turnText(snap.Turns[5]), "later turns keep their positions")
}

func TestStore_ApplySettings_PartialUpdate(t *testing.T) {
	s := NewStore(30, nil)
	key := dmKey("@alice:example.org")

	persona := "a dry-witted librarian"
	s.ApplySettings(key, Settings{Persona: &persona})

	depth := DepthHigh
	s.ApplySettings(key, Settings{Depth: &depth})

	snap := s.Snapshot(key)
	assert.Equal(t, persona, snap.Persona, "depth update should not clobber persona")
	assert.Equal(t, DepthHigh, snap.Depth)

	clear := ""
	s.ApplySettings(key, Settings{Persona: &clear})
	assert.Empty(t, s.Snapshot(key).Persona, "empty persona clears back to default")
	assert.Equal(t, DepthHigh, s.Snapshot(key).Depth)
}

func TestStore_Settings_IsolatedPerKey(t *testing.T) {
	s := NewStore(30, nil)
	alice := scope.Key{Kind: scope.KindTracked, UserID: "@alice:example.org"}
	bob := scope.Key{Kind: scope.KindTracked, UserID: "@bob:example.org"}

	persona := "pirate"
	s.ApplySettings(alice, Settings{Persona: &persona})

	assert.Equal(t, "pirate", s.Snapshot(alice).Persona)
	assert.Empty(t, s.Snapshot(bob).Persona, "one user's persona must be invisible to another")
}

func TestStore_Reset_KeepsSettings(t *testing.T) {
	s := NewStore(30, nil)
	key := dmKey("@alice:example.org")
	appendExchange(s, key, "q", "a")
	s.LoadFragments(key, []Fragment{{Label: "earlier", Text: "ctx", RemainingUses: 3}})
	persona := "poet"
	s.ApplySettings(key, Settings{Persona: &persona})

	s.Reset(key)

	snap := s.Snapshot(key)
	assert.Empty(t, snap.Turns)
	assert.Empty(t, snap.Fragments)
	assert.Equal(t, "poet", snap.Persona, "plain reset keeps settings")
}

func TestStore_ResetAll_ClearsSettings(t *testing.T) {
	s := NewStore(30, nil)
	key := dmKey("@alice:example.org")
	appendExchange(s, key, "q", "a")
	persona := "poet"
	depth := DepthLow
	s.ApplySettings(key, Settings{Persona: &persona, Depth: &depth})

	s.ResetAll(key)

	snap := s.Snapshot(key)
	assert.Empty(t, snap.Turns)
	assert.Empty(t, snap.Persona)
	assert.Equal(t, DefaultDepth, snap.Depth)
}

func TestStore_Fragments_ConsumedPerExchange(t *testing.T) {
	s := NewStore(30, nil)
	key := scope.WindowKey("@alice:example.org", "!room:example.org")

	s.LoadFragments(key, []Fragment{{Label: "room history", Text: "earlier chatter", RemainingUses: 5}})
	require.True(t, s.HasOpenWindow(key))

	for i := 0; i < 4; i++ {
		appendExchange(s, key, "q", "a")
		assert.True(t, s.HasOpenWindow(key), "window should stay open through exchange %d", i+1)
	}

	// The fifth exchange still sees the fragment in its snapshot.
	snap := s.Snapshot(key)
	require.Len(t, snap.Fragments, 1)
	assert.Equal(t, 1, snap.Fragments[0].RemainingUses)

	appendExchange(s, key, "q", "a")
	assert.False(t, s.HasOpenWindow(key), "a fragment with a 5-use lifetime should be gone after the fifth exchange")
	assert.Empty(t, s.Snapshot(key).Fragments)
}

func TestStore_Fragments_FailedExchangeDoesNotConsume(t *testing.T) {
	s := NewStore(30, nil)
	key := scope.WindowKey("@alice:example.org", "!room:example.org")
	s.LoadFragments(key, []Fragment{{Text: "ctx", RemainingUses: 1}})

	// A user turn with no answering model turn is a failed exchange.
	s.AppendTurn(key, textTurn(RoleUser, "@alice:example.org", "q"))

	assert.True(t, s.HasOpenWindow(key), "failures should not burn fragment uses")
}

func TestStore_LoadFragments_IgnoresSpent(t *testing.T) {
	s := NewStore(30, nil)
	key := dmKey("@alice:example.org")

	s.LoadFragments(key, []Fragment{
		{Text: "live", RemainingUses: 2},
		{Text: "spent", RemainingUses: 0},
	})

	snap := s.Snapshot(key)
	require.Len(t, snap.Fragments, 1)
	assert.Equal(t, "live", snap.Fragments[0].Text)
}

func TestStore_HasOpenWindow_UnknownKey(t *testing.T) {
	s := NewStore(30, nil)
	assert.False(t, s.HasOpenWindow(scope.WindowKey("@x:example.org", "!r:example.org")))
}

func TestStore_ConcurrentDistinctKeys(t *testing.T) {
	s := NewStore(30, nil)

	var wg sync.WaitGroup
	for u := 0; u < 10; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			key := dmKey(fmt.Sprintf("@user%d:example.org", u))
			for i := 0; i < 10; i++ {
				appendExchange(s, key, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
			}
		}(u)
	}
	wg.Wait()

	for u := 0; u < 10; u++ {
		snap := s.Snapshot(dmKey(fmt.Sprintf("@user%d:example.org", u)))
		assert.Len(t, snap.Turns, 20, "each key should see exactly its own writes")
	}
}

func TestStore_ConcurrentSameKey_TotalOrder(t *testing.T) {
	s := NewStore(200, nil)
	key := scope.Key{Kind: scope.KindThread, RoomID: "$thread:example.org"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			appendExchange(s, key, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
		}(i)
	}
	wg.Wait()

	snap := s.Snapshot(key)
	require.Len(t, snap.Turns, 100, "every append should land exactly once")

	users, models := 0, 0
	seen := make(map[string]bool, 100)
	for _, turn := range snap.Turns {
		require.False(t, seen[turn.ID], "turn IDs must be unique")
		seen[turn.ID] = true
		switch turn.Role {
		case RoleUser:
			users++
		case RoleModel:
			models++
		}
	}
	assert.Equal(t, 50, users)
	assert.Equal(t, 50, models)
}

func TestParseDepth(t *testing.T) {
	for _, valid := range []string{"minimal", "low", "medium", "high"} {
		d, err := ParseDepth(valid)
		require.NoError(t, err)
		assert.Equal(t, Depth(valid), d)
	}

	_, err := ParseDepth("galaxy-brain")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "galaxy-brain")
}
