// ABOUTME: Tests for the bounded delivered-response tracker.
// ABOUTME: Validates LRU eviction, idle expiry, multi-part registration, and concurrency safety.

package tracker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryFor(id, author string) Entry {
	return Entry{ResponseID: id, AuthorID: author}
}

func TestTracker_Lookup_Unknown(t *testing.T) {
	tr := New(time.Hour, 100, nil)
	defer tr.Close()

	_, ok := tr.Lookup("never-registered")
	assert.False(t, ok)
}

func TestTracker_RegisterAndLookup(t *testing.T) {
	tr := New(time.Hour, 100, nil)
	defer tr.Close()

	tr.Register(entryFor("$m1", "@alice:x"))

	got, ok := tr.Lookup("$m1")
	require.True(t, ok)
	assert.Equal(t, "@alice:x", got.AuthorID)
	assert.Equal(t, 1, got.Attempts)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestTracker_Register_MultiPartResponse(t *testing.T) {
	tr := New(time.Hour, 100, nil)
	defer tr.Close()

	e := entryFor("$p1", "@alice:x")
	e.PartIDs = []string{"$p1", "$p2", "$p3"}
	tr.Register(e)

	// Every split part is actionable and leads back to the same response
	for _, id := range e.PartIDs {
		got, ok := tr.Lookup(id)
		require.True(t, ok, "part %s", id)
		assert.Equal(t, []string{"$p1", "$p2", "$p3"}, got.PartIDs)
	}
	assert.Equal(t, 3, tr.Len())
}

func TestTracker_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	tr := New(time.Hour, 3, nil)
	defer tr.Close()

	tr.Register(entryFor("$a", "@u:x"))
	tr.Register(entryFor("$b", "@u:x"))
	tr.Register(entryFor("$c", "@u:x"))

	// Touch $a so $b becomes the least recently used
	_, ok := tr.Lookup("$a")
	require.True(t, ok)

	tr.Register(entryFor("$d", "@u:x"))

	_, ok = tr.Lookup("$b")
	assert.False(t, ok, "least recently used entry must be evicted")
	for _, id := range []string{"$a", "$c", "$d"} {
		_, ok := tr.Lookup(id)
		assert.True(t, ok, "entry %s must survive", id)
	}
	assert.Equal(t, 3, tr.Len())
}

func TestTracker_CapacityNeverExceeded(t *testing.T) {
	tr := New(time.Hour, 10, nil)
	defer tr.Close()

	for i := 0; i < 100; i++ {
		tr.Register(entryFor(fmt.Sprintf("$m%d", i), "@u:x"))
		assert.LessOrEqual(t, tr.Len(), 10)
	}
	assert.Equal(t, 10, tr.Len())
}

func TestTracker_Lookup_ExpiredEntry(t *testing.T) {
	tr := New(20*time.Millisecond, 100, nil)
	defer tr.Close()

	tr.Register(entryFor("$m1", "@alice:x"))
	time.Sleep(40 * time.Millisecond)

	// Expired entries are gone even before the background sweep runs
	_, ok := tr.Lookup("$m1")
	assert.False(t, ok)
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_Lookup_BumpsExpiry(t *testing.T) {
	tr := New(50*time.Millisecond, 100, nil)
	defer tr.Close()

	tr.Register(entryFor("$m1", "@alice:x"))

	// Keep touching the entry; it must stay alive past the original TTL
	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		_, ok := tr.Lookup("$m1")
		require.True(t, ok, "touch %d", i)
	}
}

func TestTracker_RunSweep_RemovesIdleEntries(t *testing.T) {
	tr := New(10*time.Millisecond, 100, nil)
	defer tr.Close()

	tr.Register(entryFor("$m1", "@alice:x"))
	tr.Register(entryFor("$m2", "@alice:x"))
	time.Sleep(25 * time.Millisecond)

	tr.runSweep()

	assert.Equal(t, 0, tr.Len())
}

func TestTracker_RemoveResponse_DropsAllParts(t *testing.T) {
	tr := New(time.Hour, 100, nil)
	defer tr.Close()

	e := entryFor("$p1", "@alice:x")
	e.PartIDs = []string{"$p1", "$p2"}
	tr.Register(e)

	got, ok := tr.Lookup("$p2")
	require.True(t, ok)
	tr.RemoveResponse(got)

	_, ok = tr.Lookup("$p1")
	assert.False(t, ok)
	_, ok = tr.Lookup("$p2")
	assert.False(t, ok)
}

func TestTracker_Register_ReplacesSupersededEntry(t *testing.T) {
	tr := New(time.Hour, 100, nil)
	defer tr.Close()

	old := entryFor("$p1", "@alice:x")
	old.PartIDs = []string{"$p1", "$p2"}
	tr.Register(old)

	// A regenerate edits the primary message and redacts the extras, so
	// the replacement entry covers only the primary.
	got, ok := tr.Lookup("$p1")
	require.True(t, ok)
	tr.RemoveResponse(got)

	replacement := entryFor("$p1", "@alice:x")
	replacement.Attempts = got.Attempts + 1
	tr.Register(replacement)

	_, ok = tr.Lookup("$p2")
	assert.False(t, ok, "the redacted extra part should no longer be actionable")
	fresh, ok := tr.Lookup("$p1")
	require.True(t, ok)
	assert.Equal(t, 2, fresh.Attempts)
}

func TestTracker_CloseIsIdempotent(t *testing.T) {
	tr := New(time.Hour, 100, nil)

	tr.Close()
	tr.Close()
}

func TestTracker_ConcurrentAccess(t *testing.T) {
	tr := New(time.Hour, 50, nil)
	defer tr.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				id := fmt.Sprintf("$m%d-%d", n, j)
				tr.Register(entryFor(id, "@u:x"))
				if e, ok := tr.Lookup(id); ok && j%3 == 0 {
					tr.RemoveResponse(e)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, tr.Len(), 50)
}
