// ABOUTME: In-memory conversation store with per-key serialized mutation.
// ABOUTME: History is the source of truth for what the model has seen, not a side effect.

package conversation

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/merbudd/techiee/internal/content"
	"github.com/merbudd/techiee/internal/scope"
)

var (
	// ErrTurnNotFound means a delete or regenerate action referenced a turn
	// that is no longer in history. Callers treat this as an internal
	// invariant violation and log it.
	ErrTurnNotFound = errors.New("conversation: turn not found")

	// ErrNotModelTurn means a mutation addressed a user turn. Only model
	// turns may be removed or replaced.
	ErrNotModelTurn = errors.New("conversation: turn is not a model turn")
)

// record holds one key's state. All mutation happens under the record's own
// mutex so operations on the same key observe a total order while distinct
// keys proceed fully concurrently.
type record struct {
	mu        sync.Mutex
	turns     []Turn
	persona   string
	depth     Depth
	fragments []Fragment
}

// Store owns every conversation record. The store-level lock guards only the
// record map; it is never held across a record operation.
type Store struct {
	mu       sync.RWMutex
	records  map[scope.Key]*record
	maxTurns int
	logger   *slog.Logger
}

// NewStore creates a store that keeps at most maxTurns turns per key.
func NewStore(maxTurns int, logger *slog.Logger) *Store {
	if maxTurns <= 0 {
		maxTurns = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records:  make(map[scope.Key]*record),
		maxTurns: maxTurns,
		logger:   logger.With("component", "conversation"),
	}
}

// get returns the record for a key, creating it on first use.
func (s *Store) get(key scope.Key) *record {
	s.mu.RLock()
	r, ok := s.records[key]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.records[key]; ok {
		return r
	}
	r = &record{depth: DefaultDepth}
	s.records[key] = r
	return r
}

// MaxTurns reports the history bound the store trims to.
func (s *Store) MaxTurns() int {
	return s.maxTurns
}

// Snapshot copies a key's state for dispatch. The copy is taken under the
// record lock and the lock is released before the caller goes near the
// network.
func (s *Store) Snapshot(key scope.Key) Snapshot {
	r := s.get(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Key:     key,
		Persona: r.persona,
		Depth:   r.depth,
	}
	snap.Turns = make([]Turn, len(r.turns))
	copy(snap.Turns, r.turns)
	snap.Fragments = make([]Fragment, len(r.fragments))
	copy(snap.Fragments, r.fragments)
	return snap
}

// AppendTurn records one turn, assigning its ID and timestamp. The user
// side of an exchange is appended before the generation call so a failed
// attempt keeps the user's words in history; the model side lands after
// delivery. A model append marks a completed exchange: it consumes one use
// from every loaded fragment and trims history to the bound.
func (s *Store) AppendTurn(key scope.Key, turn Turn) Turn {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.At.IsZero() {
		turn.At = time.Now()
	}

	r := s.get(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.turns = append(r.turns, turn)
	if turn.Role == RoleModel {
		r.consumeFragments()
	}
	r.trim(s.maxTurns)

	s.logger.Debug("turn recorded",
		"key", key.String(),
		"role", string(turn.Role),
		"turns", len(r.turns),
		"fragments", len(r.fragments))
	return turn
}

// ReplaceModelTurn swaps the content of an existing model turn in place.
// The turn keeps its ID and position, so history never grows a duplicate
// from a regenerate.
func (s *Store) ReplaceModelTurn(key scope.Key, turnID string, parts []content.Part) error {
	r := s.get(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	i, err := r.findTurn(turnID)
	if err != nil {
		return err
	}
	if r.turns[i].Role != RoleModel {
		return ErrNotModelTurn
	}
	r.turns[i].Parts = parts
	r.turns[i].At = time.Now()
	return nil
}

// RemoveModelTurn deletes a model turn from history. The user turn that
// prompted it stays.
func (s *Store) RemoveModelTurn(key scope.Key, turnID string) error {
	r := s.get(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	i, err := r.findTurn(turnID)
	if err != nil {
		return err
	}
	if r.turns[i].Role != RoleModel {
		return ErrNotModelTurn
	}
	r.turns = append(r.turns[:i], r.turns[i+1:]...)
	return nil
}

// ApplySettings updates persona and reasoning depth. Nil fields keep their
// current value; an explicit empty persona restores the default.
func (s *Store) ApplySettings(key scope.Key, settings Settings) {
	r := s.get(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	if settings.Persona != nil {
		r.persona = *settings.Persona
	}
	if settings.Depth != nil {
		r.depth = *settings.Depth
	}
}

// Reset clears history and loaded fragments. Persona and depth survive.
func (s *Store) Reset(key scope.Key) {
	r := s.get(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.turns = nil
	r.fragments = nil
}

// ResetAll clears everything the key has accumulated, settings included.
func (s *Store) ResetAll(key scope.Key) {
	r := s.get(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.turns = nil
	r.fragments = nil
	r.persona = ""
	r.depth = DefaultDepth
}

// LoadFragments attaches context fragments to a key. Fragments with no uses
// left are ignored.
func (s *Store) LoadFragments(key scope.Key, frags []Fragment) {
	r := s.get(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range frags {
		if f.RemainingUses > 0 {
			r.fragments = append(r.fragments, f)
		}
	}
	s.logger.Debug("fragments loaded", "key", key.String(), "fragments", len(r.fragments))
}

// HasOpenWindow reports whether a key still has live fragments. The
// auto-respond window for a (user, room) pair stays open exactly as long as
// this is true.
func (s *Store) HasOpenWindow(key scope.Key) bool {
	s.mu.RLock()
	r, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fragments) > 0
}

// findTurn returns the index of a turn by ID. Must be called with the
// record lock held.
func (r *record) findTurn(turnID string) (int, error) {
	for i := range r.turns {
		if r.turns[i].ID == turnID {
			return i, nil
		}
	}
	return 0, ErrTurnNotFound
}

// consumeFragments burns one use from each fragment and drops the ones that
// hit zero. Must be called with the record lock held.
func (r *record) consumeFragments() {
	kept := r.fragments[:0]
	for _, f := range r.fragments {
		f.RemainingUses--
		if f.RemainingUses > 0 {
			kept = append(kept, f)
		}
	}
	r.fragments = kept
}

// trim drops the oldest turns until history fits the bound. Whole turns
// only; a turn's parts are never split. Must be called with the record
// lock held.
func (r *record) trim(maxTurns int) {
	excess := len(r.turns) - maxTurns
	if excess <= 0 {
		return
	}
	r.turns = append([]Turn(nil), r.turns[excess:]...)
}
