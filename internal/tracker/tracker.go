// ABOUTME: Bounded registry of delivered responses eligible for reaction actions.
// ABOUTME: LRU-evicted at capacity, with a background sweep expiring idle entries.

package tracker

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/merbudd/techiee/internal/conversation"
)

// Entry records everything needed to authorize and replay actions on one
// delivered response: who asked for it, the exact request to replay, and
// every message the response was split across.
type Entry struct {
	ResponseID  string               // message ID the entry is registered under
	Request     conversation.Request // resolved request, replayable as-is
	AuthorID    string               // requester; the only user allowed to act
	ModelTurnID string               // the model turn this response produced
	PartIDs     []string             // all delivered message IDs for the response
	Attempts    int                  // generation attempts, including regenerates
	CreatedAt   time.Time
	AccessedAt  time.Time
}

type trackerEntry struct {
	entry   Entry
	element *list.Element
}

// Tracker is a thread-safe, size-bounded, idle-expiring map of delivered
// responses. When capacity is reached the least recently used entry is
// evicted; a background goroutine independently expires entries that have
// not been touched within the TTL.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*trackerEntry
	order   *list.List // response IDs, least recently used at the front
	ttl     time.Duration
	maxSize int
	logger  *slog.Logger
	done    chan struct{}
	closed  bool
}

// New creates a tracker holding at most maxSize entries, expiring entries
// idle longer than ttl.
func New(ttl time.Duration, maxSize int, logger *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	tr := &Tracker{
		entries: make(map[string]*trackerEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		logger:  logger.With("component", "tracker"),
		done:    make(chan struct{}),
	}
	go tr.sweep()
	return tr
}

// Register records a delivered response under every message it was split
// across. Evicts the least recently used entries if capacity is exceeded.
func (tr *Tracker) Register(entry Entry) {
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.AccessedAt = now
	if entry.Attempts == 0 {
		entry.Attempts = 1
	}
	ids := entry.PartIDs
	if len(ids) == 0 {
		ids = []string{entry.ResponseID}
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, id := range ids {
		e := entry
		e.ResponseID = id
		tr.putLocked(id, e)
	}
}

// putLocked inserts or refreshes a single entry. Must be called with mu held.
func (tr *Tracker) putLocked(id string, entry Entry) {
	if existing, ok := tr.entries[id]; ok {
		existing.entry = entry
		tr.order.MoveToBack(existing.element)
		return
	}

	for len(tr.entries) >= tr.maxSize {
		tr.evictOldestLocked()
	}

	elem := tr.order.PushBack(id)
	tr.entries[id] = &trackerEntry{entry: entry, element: elem}
}

// evictOldestLocked drops the least recently used entry. Must be called
// with mu held.
func (tr *Tracker) evictOldestLocked() {
	front := tr.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	tr.order.Remove(front)
	delete(tr.entries, id)
	tr.logger.Debug("evicted tracked response", "response_id", id)
}

// Lookup returns a copy of the entry for a message ID and marks it as
// recently used. The second return is false for unknown or expired entries.
func (tr *Tracker) Lookup(responseID string) (Entry, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	te, ok := tr.entries[responseID]
	if !ok {
		return Entry{}, false
	}
	if time.Since(te.entry.AccessedAt) > tr.ttl {
		tr.order.Remove(te.element)
		delete(tr.entries, responseID)
		return Entry{}, false
	}
	te.entry.AccessedAt = time.Now()
	tr.order.MoveToBack(te.element)
	return te.entry, true
}

// RemoveResponse drops every message ID belonging to the entry, so a
// deleted or superseded multi-part response leaves nothing actionable
// behind.
func (tr *Tracker) RemoveResponse(entry Entry) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	ids := entry.PartIDs
	if len(ids) == 0 {
		ids = []string{entry.ResponseID}
	}
	for _, id := range ids {
		if te, ok := tr.entries[id]; ok {
			tr.order.Remove(te.element)
			delete(tr.entries, id)
		}
	}
}

// Len returns the current number of tracked message IDs.
func (tr *Tracker) Len() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.entries)
}

// sweep runs in a background goroutine, expiring idle entries so reaction
// affordances eventually go quiet on their own.
func (tr *Tracker) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tr.runSweep()
		case <-tr.done:
			return
		}
	}
}

// runSweep removes all entries idle past the TTL.
func (tr *Tracker) runSweep() {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	now := time.Now()
	for id, te := range tr.entries {
		if now.Sub(te.entry.AccessedAt) > tr.ttl {
			tr.order.Remove(te.element)
			delete(tr.entries, id)
		}
	}
}

// Close stops the background sweep. Safe to call multiple times.
func (tr *Tracker) Close() {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if !tr.closed {
		close(tr.done)
		tr.closed = true
	}
}
