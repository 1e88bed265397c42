// Package trickle implements the RFC 6206 Trickle suppression algorithm
// used to pace BSS broadcast retransmissions.
package trickle

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/lumenmesh/meshproto/internal/clock"
)

// ErrAlreadyRunning is returned by Set when the timer is not Stopped.
var ErrAlreadyRunning = errors.New("trickle: timer already running")

// Callback is invoked when t_send is reached. suppress reports whether the
// caller observed at least k consistent hearings during the current
// interval; the callback should transmit iff suppress is false.
type Callback func(suppress bool)

// RealClock is the production clock.Clock backed by the time package.
var RealClock = clock.Real

// Trickle implements a single RFC 6206 Trickle instance. It is safe for
// concurrent use, but the design intent is that all methods are invoked
// serially from a single dispatcher goroutine — the mutex exists to guard
// against accidental concurrent callers, not to enable them.
type Trickle struct {
	mu sync.Mutex

	iMin    time.Duration
	iMaxLog uint // doubling-count cap, not a duration
	k       int

	clock clock.Clock
	rng   *rand.Rand

	iCur  time.Duration // 0 means Stopped
	c     int
	tEnd  time.Time
	cb    Callback
	sendT clock.CancelTimer
	endT  clock.CancelTimer
}

// New constructs a Trickle timer in the Stopped state with the given clock.
// Pass trickle.RealClock in production.
func New(c clock.Clock) *Trickle {
	return &Trickle{
		clock: c,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Config sets i_min (the minimum interval), i_max (the doubling-count cap —
// the maximum interval is i_min * 2^i_max), and k (the redundancy constant).
// Config leaves the timer Stopped.
func (t *Trickle) Config(iMin time.Duration, iMax uint, k int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.iMin = iMin
	t.iMaxLog = iMax
	t.k = k
}

// Set starts the timer at i_cur = i_min, picks t_send uniformly in
// [i_cur/2, i_cur), and arms the interval-end timer. Returns ErrAlreadyRunning
// if the timer is not Stopped.
func (t *Trickle) Set(cb Callback) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.iCur != 0 {
		return ErrAlreadyRunning
	}

	t.cb = cb
	t.start(t.iMin)
	return nil
}

// Stop transitions the timer to Stopped, cancelling any pending callbacks.
func (t *Trickle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
}

func (t *Trickle) stopLocked() {
	if t.sendT != nil {
		t.sendT.Stop()
	}
	if t.endT != nil {
		t.endT.Stop()
	}
	t.iCur = 0
	t.c = 0
}

// Running reports whether the timer is armed.
func (t *Trickle) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iCur != 0
}

// ResetEvent forces i_cur = i_min and re-picks t_send/t_end from now. Called
// on a local authoritative change to the data the timer is pacing.
func (t *Trickle) ResetEvent() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.iCur == 0 {
		return
	}
	t.start(t.iMin)
}

// Consistency increments the consistent-hearing counter for the current
// interval.
func (t *Trickle) Consistency() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.iCur == 0 {
		return
	}
	t.c++
}

// Inconsistency resets the interval to i_min when above it; at i_min it is a
// no-op, matching RFC 6206's "already minimal" case. If a consistency and
// inconsistency event land in the same tick, inconsistency should win —
// callers must invoke Inconsistency after Consistency to get that ordering.
func (t *Trickle) Inconsistency() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.iCur == 0 || t.iCur <= t.iMin {
		return
	}
	t.start(t.iMin)
}

// start (re)arms the timer at the given interval, picking a fresh t_send and
// t_end from clock.Now(). Caller must hold t.mu.
func (t *Trickle) start(interval time.Duration) {
	if t.sendT != nil {
		t.sendT.Stop()
	}
	if t.endT != nil {
		t.endT.Stop()
	}

	t.iCur = interval
	t.c = 0
	now := t.clock.Now()
	t.tEnd = now.Add(interval)

	tSend := jitter(t.rng, interval)
	t.sendT = t.clock.AfterFunc(tSend, t.fireSend)
	t.endT = t.clock.AfterFunc(interval, t.fireEnd)
}

// jitter picks a uniform random duration in [interval/2, interval).
func jitter(rng *rand.Rand, interval time.Duration) time.Duration {
	half := interval / 2
	if half <= 0 {
		return 0
	}
	return half + time.Duration(rng.Int63n(int64(interval-half)))
}

func (t *Trickle) fireSend() {
	t.mu.Lock()
	if t.iCur == 0 {
		t.mu.Unlock()
		return
	}
	suppress := t.c >= t.k
	cb := t.cb
	t.mu.Unlock()

	if cb != nil {
		cb(suppress)
	}
}

func (t *Trickle) fireEnd() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.iCur == 0 {
		return
	}

	next := t.iCur * 2
	maxInterval := t.iMin << t.iMaxLog
	if next > maxInterval || next <= 0 {
		next = maxInterval
	}
	t.start(next)
}

// RunUntil blocks until ctx is cancelled, then stops the timer. It exists
// purely as a convenience for hosts that want to bind the timer's lifetime
// to a context (e.g. a BSS item's registration lifetime); the timer
// functions correctly without it as long as Stop is called on teardown.
func (t *Trickle) RunUntil(ctx context.Context) {
	<-ctx.Done()
	t.Stop()
}
