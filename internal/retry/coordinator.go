// ABOUTME: Retry workflow for transient generation failures, keyed by the error notice.
// ABOUTME: Countdown gating, requester-only claims, bounded attempts, replaced-not-duplicated output.

package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/merbudd/techiee/internal/conversation"
)

var (
	// ErrUnknownChain means the notice has no pending retry, usually
	// because it was already resolved or expired.
	ErrUnknownChain = errors.New("retry: no pending retry for this notice")

	// ErrNotRequester means someone other than the original requester
	// tried to trigger the retry.
	ErrNotRequester = errors.New("retry: only the original requester may retry")

	// ErrNotReady means the countdown has not elapsed yet.
	ErrNotReady = errors.New("retry: countdown still running")

	// ErrInFlight means a retry for this chain is already executing.
	ErrInFlight = errors.New("retry: attempt already in flight")
)

// Chain is one failed request awaiting a retry. The stored request is
// replayed exactly; on success the error notice is edited into the real
// response so the failure leaves no residue.
type Chain struct {
	ID        string
	NoticeID  string // message carrying the error text and the retry affordance
	RoomID    string
	Request   conversation.Request
	Requester string
	Attempts  int // retries performed so far
}

type chainState struct {
	chain    Chain
	ready    bool
	inFlight bool
	timer    *time.Timer
	gen      uint64
}

// Notifier edits the error notice as the workflow progresses.
type Notifier interface {
	UpdateNotice(ctx context.Context, roomID, noticeID, text string) error
}

// Coordinator tracks pending retry chains. The retry affordance stays inert
// until the countdown elapses, only the original requester can claim it,
// and attempts are bounded.
type Coordinator struct {
	mu          sync.Mutex
	chains      map[string]*chainState // keyed by notice ID
	notifier    Notifier
	countdown   time.Duration
	maxAttempts int
	logger      *slog.Logger
	closed      bool
}

// New creates a coordinator. countdown is how long the affordance stays
// inert after each failure; maxAttempts bounds retries per chain.
func New(notifier Notifier, countdown time.Duration, maxAttempts int, logger *slog.Logger) *Coordinator {
	if countdown <= 0 {
		countdown = 3 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		chains:      make(map[string]*chainState),
		notifier:    notifier,
		countdown:   countdown,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "retry"),
	}
}

// MaxAttempts returns the configured retry bound.
func (c *Coordinator) MaxAttempts() int {
	return c.maxAttempts
}

// InitialText is the notice text to post when a chain is first armed.
func (c *Coordinator) InitialText() string {
	return CountdownText(c.countdown, 0, c.maxAttempts)
}

// Arm registers a chain and starts its countdown. The caller has already
// posted the notice with InitialText.
func (c *Coordinator) Arm(chain Chain) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	st := &chainState{chain: chain}
	c.chains[chain.NoticeID] = st
	c.startCountdownLocked(st)
	c.mu.Unlock()

	c.logger.Info("retry chain armed",
		"chain_id", chain.ID,
		"notice_id", chain.NoticeID,
		"requester", chain.Requester,
		"attempts", chain.Attempts)
}

// startCountdownLocked schedules the tick that flips the chain to ready.
// Must be called with mu held.
func (c *Coordinator) startCountdownLocked(st *chainState) {
	st.ready = false
	st.gen++
	gen := st.gen
	noticeID := st.chain.NoticeID

	remaining := c.countdown
	interval := remaining
	if remaining >= time.Second {
		interval = time.Second
	}
	st.timer = time.AfterFunc(interval, func() {
		c.tick(noticeID, gen, remaining-interval)
	})
}

// tick advances the visible countdown once a second and marks the chain
// ready when it reaches zero.
func (c *Coordinator) tick(noticeID string, gen uint64, remaining time.Duration) {
	c.mu.Lock()
	st, ok := c.chains[noticeID]
	if !ok || st.gen != gen {
		c.mu.Unlock()
		return
	}

	var text string
	if remaining <= 0 {
		st.ready = true
		st.timer = nil
		text = ReadyText(st.chain.Attempts, c.maxAttempts)
	} else {
		text = CountdownText(remaining, st.chain.Attempts, c.maxAttempts)
		interval := remaining
		if remaining >= time.Second {
			interval = time.Second
		}
		st.timer = time.AfterFunc(interval, func() {
			c.tick(noticeID, gen, remaining-interval)
		})
	}
	roomID := st.chain.RoomID
	c.mu.Unlock()

	c.updateNotice(roomID, noticeID, text)
}

// Claim validates a retry trigger and marks the chain in flight. The
// returned chain is a copy; the caller replays its request and reports the
// outcome via Succeed or FailAgain.
func (c *Coordinator) Claim(noticeID, userID string) (Chain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.chains[noticeID]
	if !ok {
		return Chain{}, ErrUnknownChain
	}
	if st.chain.Requester != userID {
		return Chain{}, ErrNotRequester
	}
	if !st.ready {
		return Chain{}, ErrNotReady
	}
	if st.inFlight {
		return Chain{}, ErrInFlight
	}
	st.inFlight = true
	return st.chain, nil
}

// Resolve closes a chain once its notice no longer offers a retry, either
// because the replay delivered (the caller edited the notice into the real
// response) or because a non-transient failure ended the workflow.
func (c *Coordinator) Resolve(noticeID string) {
	c.mu.Lock()
	st, ok := c.chains[noticeID]
	if ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(c.chains, noticeID)
	}
	c.mu.Unlock()

	if ok {
		c.logger.Info("retry chain resolved", "chain_id", st.chain.ID, "attempts", st.chain.Attempts)
	}
}

// FailAgain records another transient failure. Below the bound the
// countdown restarts; at the bound the chain is closed and the notice left
// with a terminal message. Returns the attempt count and whether the chain
// is exhausted.
func (c *Coordinator) FailAgain(noticeID string) (int, bool) {
	c.mu.Lock()
	st, ok := c.chains[noticeID]
	if !ok {
		c.mu.Unlock()
		return 0, true
	}
	st.chain.Attempts++
	st.inFlight = false
	attempts := st.chain.Attempts
	roomID := st.chain.RoomID

	if attempts >= c.maxAttempts {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(c.chains, noticeID)
		c.mu.Unlock()

		c.updateNotice(roomID, noticeID, ExhaustedText(c.maxAttempts))
		c.logger.Warn("retry chain exhausted", "chain_id", st.chain.ID, "attempts", attempts)
		return attempts, true
	}

	c.startCountdownLocked(st)
	c.mu.Unlock()

	c.updateNotice(roomID, noticeID, CountdownText(c.countdown, attempts, c.maxAttempts))
	return attempts, false
}

// Pending reports whether a notice has a live chain.
func (c *Coordinator) Pending(noticeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.chains[noticeID]
	return ok
}

// Close cancels every countdown. Pending chains are dropped; their notices
// keep whatever text they last showed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for _, st := range c.chains {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	c.chains = make(map[string]*chainState)
}

func (c *Coordinator) updateNotice(roomID, noticeID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.notifier.UpdateNotice(ctx, roomID, noticeID, text); err != nil {
		c.logger.Debug("failed to update retry notice", "notice_id", noticeID, "error", err)
	}
}

// CountdownText renders the notice while the affordance is still inert.
func CountdownText(remaining time.Duration, attempts, maxAttempts int) string {
	secs := int((remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("The model is overloaded right now.%s Retry available in %ds.",
		attemptSuffix(attempts, maxAttempts), secs)
}

// ReadyText renders the notice once the retry can be triggered.
func ReadyText(attempts, maxAttempts int) string {
	return fmt.Sprintf("The model is overloaded right now.%s React with 🔄 to retry.",
		attemptSuffix(attempts, maxAttempts))
}

// ExhaustedText renders the terminal notice after the last allowed attempt.
func ExhaustedText(maxAttempts int) string {
	return fmt.Sprintf("Still overloaded after %d retries. Please try again later.", maxAttempts)
}

func attemptSuffix(attempts, maxAttempts int) string {
	if attempts <= 0 {
		return ""
	}
	return fmt.Sprintf(" (attempt %d/%d)", attempts, maxAttempts)
}
