// ABOUTME: Per-user per-command cooldown gate consulted before command admission.
// ABOUTME: Purely local bookkeeping; checking and arming are a single atomic step.

package cooldown

import (
	"log/slog"
	"sync"
	"time"
)

type pair struct {
	userID  string
	command string
}

// Gate enforces per-command cooldown windows per user. Commands without a
// configured window are always admitted and never recorded.
type Gate struct {
	mu      sync.Mutex
	windows map[string]time.Duration
	next    map[pair]time.Time
	now     func() time.Time
	logger  *slog.Logger
	done    chan struct{}
	closed  bool
}

// New creates a gate with per-command windows. A background goroutine
// prunes expired entries so idle users do not accumulate state.
func New(windows map[string]time.Duration, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		windows: windows,
		next:    make(map[pair]time.Time),
		now:     time.Now,
		logger:  logger.With("component", "cooldown"),
		done:    make(chan struct{}),
	}
	go g.prune()
	return g
}

// Allow reports whether the user may run the command now. Admission arms
// the cooldown in the same step, so two concurrent invocations can never
// both pass. When blocked, the remaining wait is returned.
func (g *Gate) Allow(userID, command string) (time.Duration, bool) {
	window, ok := g.windows[command]
	if !ok || window <= 0 {
		return 0, true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	p := pair{userID: userID, command: command}
	if until, exists := g.next[p]; exists && now.Before(until) {
		return until.Sub(now), false
	}
	g.next[p] = now.Add(window)
	return 0, true
}

// prune periodically drops expired entries.
func (g *Gate) prune() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.runPrune()
		case <-g.done:
			return
		}
	}
}

func (g *Gate) runPrune() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for p, until := range g.next {
		if now.After(until) {
			delete(g.next, p)
		}
	}
}

// Close stops the background prune. Safe to call multiple times.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		close(g.done)
		g.closed = true
	}
}
