// ABOUTME: Refcounted typing indicator coordinator shared by overlapping requests.
// ABOUTME: One indicator per room, active exactly while any request holds a lease.

package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Signaler is the platform side of the typing indicator. Implementations
// apply their own network timeouts; emission errors are logged here and
// never block request processing.
type Signaler interface {
	StartTyping(ctx context.Context, roomID string) error
	StopTyping(ctx context.Context, roomID string) error
}

// lease tracks the indicator state for one room.
type lease struct {
	count      int
	lastActive time.Time
	stopTimer  *time.Timer
	stopGen    uint64 // invalidates stale grace timers
	pruned     bool   // force-released by the sweeper; next release is a no-op
}

// Coordinator multiplexes many in-flight requests onto one typing indicator
// per room. The first acquisition starts the indicator, the last release
// schedules a stop after a short grace so back-to-back requests do not
// flicker it. A background loop renews the platform signal while held and
// force-releases leases that look leaked.
type Coordinator struct {
	mu       sync.Mutex
	leases   map[string]*lease
	signaler Signaler
	grace    time.Duration
	renew    time.Duration
	maxLife  time.Duration
	logger   *slog.Logger
	done     chan struct{}
	closed   bool
}

// New creates a coordinator. grace is how long the indicator lingers after
// the last release, renew how often the platform signal is re-emitted while
// held, and maxLife the age at which a still-held lease is presumed leaked
// and force-released.
func New(signaler Signaler, grace, renew, maxLife time.Duration, logger *slog.Logger) *Coordinator {
	if grace <= 0 {
		grace = 150 * time.Millisecond
	}
	if renew <= 0 {
		renew = 20 * time.Second
	}
	if maxLife <= 0 {
		maxLife = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		leases:   make(map[string]*lease),
		signaler: signaler,
		grace:    grace,
		renew:    renew,
		maxLife:  maxLife,
		logger:   logger.With("component", "typing"),
		done:     make(chan struct{}),
	}
	go c.maintain()
	return c
}

// Lease is one request's hold on a room's typing indicator. Release is
// idempotent, so callers can release on every exit path without counting.
type Lease struct {
	c      *Coordinator
	roomID string
	once   sync.Once
}

// Acquire increments the room's hold count, starting the indicator on the
// zero-to-one transition. Every Acquire must be paired with Release.
func (c *Coordinator) Acquire(ctx context.Context, roomID string) *Lease {
	c.mu.Lock()
	l, ok := c.leases[roomID]
	if !ok {
		l = &lease{}
		c.leases[roomID] = l
	}
	l.count++
	l.lastActive = time.Now()
	l.pruned = false
	start := l.count == 1
	if l.stopTimer != nil {
		// A grace stop is pending; cancel it instead of re-starting
		l.stopTimer.Stop()
		l.stopTimer = nil
		start = false
	}
	c.mu.Unlock()

	if start {
		if err := c.signaler.StartTyping(ctx, roomID); err != nil {
			c.logger.Debug("failed to start typing indicator", "room", roomID, "error", err)
		}
	}
	return &Lease{c: c, roomID: roomID}
}

// Release gives up the hold. On the last release the stop is deferred by
// the grace period and cancelled again if a new request arrives in time.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.c.release(l.roomID)
	})
}

func (c *Coordinator) release(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.leases[roomID]
	if !ok {
		c.logger.Error("typing release for unknown room", "room", roomID)
		return
	}
	if l.count == 0 {
		if l.pruned {
			c.logger.Debug("release after stale prune", "room", roomID)
		} else {
			c.logger.Error("typing lease released below zero", "room", roomID)
		}
		return
	}

	l.count--
	l.lastActive = time.Now()
	if l.count > 0 {
		return
	}

	l.stopGen++
	gen := l.stopGen
	l.stopTimer = time.AfterFunc(c.grace, func() {
		c.graceStop(roomID, gen)
	})
}

// graceStop fires after the grace period. It only emits the stop if no new
// acquisition arrived in the meantime.
func (c *Coordinator) graceStop(roomID string, gen uint64) {
	c.mu.Lock()
	l, ok := c.leases[roomID]
	if !ok || l.count != 0 || l.stopGen != gen {
		c.mu.Unlock()
		return
	}
	l.stopTimer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.signaler.StopTyping(ctx, roomID); err != nil {
		c.logger.Debug("failed to stop typing indicator", "room", roomID, "error", err)
	}
}

// maintain renews the platform signal for held rooms and force-releases
// leases that have been held past maxLife, which only happens when a holder
// leaked its lease.
func (c *Coordinator) maintain() {
	ticker := time.NewTicker(c.renew)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) sweep() {
	now := time.Now()
	var renewRooms, staleRooms []string

	c.mu.Lock()
	for roomID, l := range c.leases {
		if l.count == 0 {
			continue
		}
		if now.Sub(l.lastActive) > c.maxLife {
			l.count = 0
			l.pruned = true
			l.stopGen++
			if l.stopTimer != nil {
				l.stopTimer.Stop()
				l.stopTimer = nil
			}
			staleRooms = append(staleRooms, roomID)
			continue
		}
		renewRooms = append(renewRooms, roomID)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, roomID := range staleRooms {
		c.logger.Warn("force-releasing stale typing lease", "room", roomID)
		if err := c.signaler.StopTyping(ctx, roomID); err != nil {
			c.logger.Debug("failed to stop typing indicator", "room", roomID, "error", err)
		}
	}
	for _, roomID := range renewRooms {
		if err := c.signaler.StartTyping(ctx, roomID); err != nil {
			c.logger.Debug("failed to renew typing indicator", "room", roomID, "error", err)
		}
	}
}

// Close stops the maintenance loop and force-stops every active indicator
// so shutdown leaves no room stuck typing. Safe to call multiple times.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)

	var active []string
	for roomID, l := range c.leases {
		pending := l.stopTimer != nil
		if pending {
			l.stopTimer.Stop()
			l.stopTimer = nil
		}
		// Held rooms and rooms inside their grace window both still show
		// the indicator, so both need an explicit stop
		if l.count > 0 || pending {
			active = append(active, roomID)
		}
		l.count = 0
		l.stopGen++
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, roomID := range active {
		if err := c.signaler.StopTyping(ctx, roomID); err != nil {
			c.logger.Debug("failed to stop typing indicator", "room", roomID, "error", err)
		}
	}
}
