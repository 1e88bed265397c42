// Package clock provides the timing abstraction shared by the trickle
// timer, the BDC FSMs, and the event dispatcher, so all three can be driven
// by manual clocks in tests instead of real sleeps.
package clock

import "time"

// Clock abstracts wall-clock time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) CancelTimer
}

// CancelTimer is the subset of time.Timer that callers depend on.
type CancelTimer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) CancelTimer {
	return time.AfterFunc(d, f)
}

// Real is the production Clock backed by the time package.
var Real Clock = realClock{}
