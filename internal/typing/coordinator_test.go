// ABOUTME: Tests for the refcounted typing indicator coordinator.
// ABOUTME: Validates start/stop pairing, grace cancellation, stale pruning, and shutdown.

package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSignaler captures the emission sequence per room.
type recordingSignaler struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSignaler) StartTyping(_ context.Context, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "start:"+roomID)
	return nil
}

func (r *recordingSignaler) StopTyping(_ context.Context, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "stop:"+roomID)
	return nil
}

func (r *recordingSignaler) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingSignaler) count(event string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e == event {
			n++
		}
	}
	return n
}

// newTestCoordinator uses a tiny grace so tests stay fast, and a long renew
// interval so the maintenance loop stays out of the way unless wanted.
func newTestCoordinator(sig Signaler) *Coordinator {
	return New(sig, 20*time.Millisecond, time.Hour, time.Hour, nil)
}

func TestCoordinator_SingleHold_StartThenStop(t *testing.T) {
	sig := &recordingSignaler{}
	c := newTestCoordinator(sig)
	defer c.Close()

	lease := c.Acquire(context.Background(), "!room:x")
	assert.Equal(t, []string{"start:!room:x"}, sig.snapshot())

	lease.Release()
	// Stop only lands after the grace period
	assert.Equal(t, 0, sig.count("stop:!room:x"))

	require.Eventually(t, func() bool {
		return sig.count("stop:!room:x") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_OverlappingHolds_OneStartOneStop(t *testing.T) {
	sig := &recordingSignaler{}
	c := newTestCoordinator(sig)
	defer c.Close()

	a := c.Acquire(context.Background(), "!room:x")
	b := c.Acquire(context.Background(), "!room:x")
	assert.Equal(t, 1, sig.count("start:!room:x"), "second hold must not re-start")

	a.Release()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, sig.count("stop:!room:x"), "indicator stays on while one hold remains")

	b.Release()
	require.Eventually(t, func() bool {
		return sig.count("stop:!room:x") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_GraceAbsorbsBackToBackRequests(t *testing.T) {
	sig := &recordingSignaler{}
	c := newTestCoordinator(sig)
	defer c.Close()

	a := c.Acquire(context.Background(), "!room:x")
	a.Release()

	// Re-acquire inside the grace window: no stop and no second start
	b := c.Acquire(context.Background(), "!room:x")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, sig.count("start:!room:x"))
	assert.Equal(t, 0, sig.count("stop:!room:x"))

	b.Release()
	require.Eventually(t, func() bool {
		return sig.count("stop:!room:x") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_ReleaseIsIdempotent(t *testing.T) {
	sig := &recordingSignaler{}
	c := newTestCoordinator(sig)
	defer c.Close()

	a := c.Acquire(context.Background(), "!room:x")
	b := c.Acquire(context.Background(), "!room:x")

	a.Release()
	a.Release()
	a.Release()

	// Double release must not steal b's hold
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, sig.count("stop:!room:x"))

	b.Release()
	require.Eventually(t, func() bool {
		return sig.count("stop:!room:x") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_RoomsAreIndependent(t *testing.T) {
	sig := &recordingSignaler{}
	c := newTestCoordinator(sig)
	defer c.Close()

	a := c.Acquire(context.Background(), "!one:x")
	b := c.Acquire(context.Background(), "!two:x")
	assert.Equal(t, 1, sig.count("start:!one:x"))
	assert.Equal(t, 1, sig.count("start:!two:x"))

	a.Release()
	require.Eventually(t, func() bool {
		return sig.count("stop:!one:x") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, sig.count("stop:!two:x"))

	b.Release()
	require.Eventually(t, func() bool {
		return sig.count("stop:!two:x") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_StaleLease_ForceReleased(t *testing.T) {
	sig := &recordingSignaler{}
	// Fast maintenance: renew every 20ms, leases stale after 40ms
	c := New(sig, 5*time.Millisecond, 20*time.Millisecond, 40*time.Millisecond, nil)
	defer c.Close()

	// Acquire and never release, simulating a leaked hold
	_ = c.Acquire(context.Background(), "!room:x")

	require.Eventually(t, func() bool {
		return sig.count("stop:!room:x") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_ReleaseAfterPrune_NoUnderflow(t *testing.T) {
	sig := &recordingSignaler{}
	c := New(sig, 5*time.Millisecond, 20*time.Millisecond, 40*time.Millisecond, nil)
	defer c.Close()

	lease := c.Acquire(context.Background(), "!room:x")
	require.Eventually(t, func() bool {
		return sig.count("stop:!room:x") == 1
	}, time.Second, 5*time.Millisecond)

	// The late release of the pruned lease must not go negative and must
	// not affect a fresh hold afterwards
	lease.Release()

	fresh := c.Acquire(context.Background(), "!room:x")
	assert.GreaterOrEqual(t, sig.count("start:!room:x"), 2)
	fresh.Release()
	require.Eventually(t, func() bool {
		return sig.count("stop:!room:x") == 2
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_Renew_ReEmitsWhileHeld(t *testing.T) {
	sig := &recordingSignaler{}
	c := New(sig, 5*time.Millisecond, 15*time.Millisecond, time.Hour, nil)
	defer c.Close()

	lease := c.Acquire(context.Background(), "!room:x")
	defer lease.Release()

	require.Eventually(t, func() bool {
		return sig.count("start:!room:x") >= 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, sig.count("stop:!room:x"))
}

func TestCoordinator_Close_StopsActiveIndicators(t *testing.T) {
	sig := &recordingSignaler{}
	c := newTestCoordinator(sig)

	c.Acquire(context.Background(), "!one:x")
	c.Acquire(context.Background(), "!two:x")

	c.Close()

	assert.Equal(t, 1, sig.count("stop:!one:x"))
	assert.Equal(t, 1, sig.count("stop:!two:x"))

	// Close again is a no-op
	c.Close()
	assert.Equal(t, 1, sig.count("stop:!one:x"))
}

func TestCoordinator_Close_FlushesPendingGraceStop(t *testing.T) {
	sig := &recordingSignaler{}
	c := New(sig, time.Hour, time.Hour, time.Hour, nil)

	lease := c.Acquire(context.Background(), "!room:x")
	lease.Release()
	// Grace is an hour out; Close must not leave the room stuck typing
	c.Close()

	assert.Equal(t, 1, sig.count("stop:!room:x"))
}

func TestCoordinator_ConcurrentHolds_CountStaysConsistent(t *testing.T) {
	sig := &recordingSignaler{}
	c := newTestCoordinator(sig)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease := c.Acquire(context.Background(), "!room:x")
			time.Sleep(time.Millisecond)
			lease.Release()
		}()
	}
	wg.Wait()

	// Let any outstanding grace timer fire before inspecting
	time.Sleep(100 * time.Millisecond)
	require.GreaterOrEqual(t, sig.count("stop:!room:x"), 1)

	// After the dust settles there must be no lingering hold: a fresh
	// acquire starts the indicator again
	starts := sig.count("start:!room:x")
	lease := c.Acquire(context.Background(), "!room:x")
	assert.Equal(t, starts+1, sig.count("start:!room:x"))
	lease.Release()
}
