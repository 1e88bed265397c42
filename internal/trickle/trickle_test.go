package trickle_test

import (
	"sync"
	"testing"
	"time"

	"github.com/lumenmesh/meshproto/internal/clock"
	"github.com/lumenmesh/meshproto/internal/trickle"
)

// manualClock is a deterministic clock.Clock: AfterFunc registers a
// pending fire that Advance triggers in registration order. This lets the
// suppression-bound and doubling invariants be tested without real sleeps.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
	pend []*manualTimer
}

type manualTimer struct {
	at      time.Time
	f       func()
	stopped bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(0, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) clock.CancelTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	mt := &manualTimer{at: c.now.Add(d), f: f}
	c.pend = append(c.pend, mt)
	return mt
}

func (mt *manualTimer) Stop() bool {
	if mt.stopped {
		return false
	}
	mt.stopped = true
	return true
}

// Advance moves the clock forward by d, firing (in arrival order) every
// pending timer whose deadline falls at or before the new time.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	var due []*manualTimer
	remaining := c.pend[:0]
	for _, mt := range c.pend {
		if !mt.stopped && !mt.at.After(target) {
			due = append(due, mt)
		} else if !mt.stopped {
			remaining = append(remaining, mt)
		}
	}
	c.pend = remaining
	c.mu.Unlock()

	for _, mt := range due {
		mt.f()
	}
}

func TestSetFiresAtMostOncePerInterval(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	tr := trickle.New(clock)
	tr.Config(100*time.Millisecond, 4, 3)

	fires := 0
	if err := tr.Set(func(suppress bool) {
		if !suppress {
			fires++
		}
	}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	clock.Advance(100 * time.Millisecond)

	if fires != 1 {
		t.Errorf("fires in one interval = %d, want 1", fires)
	}
}

func TestSuppressionAboveK(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	tr := trickle.New(clock)
	tr.Config(100*time.Millisecond, 4, 3)

	suppressed := false
	fired := false
	if err := tr.Set(func(suppress bool) {
		fired = true
		suppressed = suppress
	}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	tr.Consistency()
	tr.Consistency()
	tr.Consistency()

	clock.Advance(100 * time.Millisecond)

	if !fired {
		t.Fatal("callback never fired")
	}
	if !suppressed {
		t.Error("suppress = false, want true after k consistent hearings")
	}
}

func TestInconsistencyResetsToIMin(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	tr := trickle.New(clock)
	tr.Config(100*time.Millisecond, 4, 3)

	fires := 0
	if err := tr.Set(func(suppress bool) { fires++ }); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Let the interval double a few times.
	clock.Advance(100 * time.Millisecond)
	clock.Advance(200 * time.Millisecond)

	// The interval is now 400ms; Inconsistency must bring it back to i_min,
	// so t_send falls within the next 100ms.
	tr.Inconsistency()

	fires = 0
	clock.Advance(100 * time.Millisecond)
	if fires != 1 {
		t.Errorf("fires after reset-to-i_min interval = %d, want 1", fires)
	}
}

func TestStopPreventsFurtherCallbacks(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	tr := trickle.New(clock)
	tr.Config(100*time.Millisecond, 4, 3)

	fires := 0
	if err := tr.Set(func(bool) { fires++ }); err != nil {
		t.Fatalf("Set: %v", err)
	}
	tr.Stop()

	clock.Advance(1 * time.Second)

	if fires != 0 {
		t.Errorf("fires after Stop = %d, want 0", fires)
	}
	if tr.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestSetTwiceFailsWhileRunning(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	tr := trickle.New(clock)
	tr.Config(100*time.Millisecond, 4, 3)

	if err := tr.Set(func(bool) {}); err != nil {
		t.Fatalf("first Set: %v", err)
	}

	if err := tr.Set(func(bool) {}); err != trickle.ErrAlreadyRunning {
		t.Errorf("second Set error = %v, want ErrAlreadyRunning", err)
	}
}

func TestIntervalDoublingCappedAtIMax(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	tr := trickle.New(clock)
	// i_min=1, i_max=2 -> max interval = 1 * 2^2 = 4.
	tr.Config(1*time.Millisecond, 2, 3)

	fires := 0
	if err := tr.Set(func(bool) { fires++ }); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Advance past several interval ends; doubling must cap at 4ms.
	clock.Advance(1 * time.Millisecond)
	clock.Advance(2 * time.Millisecond)
	clock.Advance(4 * time.Millisecond)
	clock.Advance(4 * time.Millisecond)

	// Once capped, each 4ms step covers exactly one interval and one t_send.
	fires = 0
	clock.Advance(4 * time.Millisecond)

	if !tr.Running() {
		t.Fatal("timer stopped unexpectedly")
	}
	if fires != 1 {
		t.Errorf("fires in one capped 4ms interval = %d, want 1", fires)
	}
}
