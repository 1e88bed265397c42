// Package dispatch implements the single-threaded cooperative event loop
// that all other mesh protocol components schedule work through. Timer
// callbacks and inbound-datagram callbacks are both funneled into one
// goroutine's FIFO queue so they never race with each other.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenmesh/meshproto/internal/clock"
)

// DefaultQueueDepth is the bounded queue size used when Config.QueueDepth is
// left at zero.
const DefaultQueueDepth = 256

// Config configures a Dispatcher.
type Config struct {
	// QueueDepth bounds the number of pending events. When full, the
	// newest event is dropped and Dropped is incremented.
	QueueDepth int
}

// Dispatcher runs a single goroutine that executes every scheduled
// function (timer fire, inbound packet handler) strictly one at a time, in
// the order they were posted.
type Dispatcher struct {
	logger *slog.Logger
	queue  chan func()

	mu      sync.Mutex
	dropped uint64
	started bool
}

// New constructs a Dispatcher. Call Run to start processing; Post/AfterFunc
// may be called before Run, they will simply queue up.
func New(logger *slog.Logger, cfg Config) *Dispatcher {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Dispatcher{
		logger: logger.With(slog.String("component", "dispatch")),
		queue:  make(chan func(), depth),
	}
}

// Run processes posted events until ctx is cancelled. It must be invoked
// from exactly one goroutine; that goroutine becomes "the" single-threaded
// cooperative scheduler for every component wired to this Dispatcher.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-d.queue:
			fn()
		}
	}
}

// Post enqueues fn to run on the dispatcher goroutine. If the queue is
// full, fn is dropped and the Dropped counter is incremented — the spec's
// "newest is dropped" bounded-queue policy.
func (d *Dispatcher) Post(fn func()) {
	select {
	case d.queue <- fn:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.logger.Warn("event queue full, dropping newest event")
	}
}

// Dropped returns the number of events dropped due to a full queue.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Now implements clock.Clock by delegating to the wall clock. Dispatcher
// itself has no notion of simulated time; tests that need determinism
// construct components directly against a manual clock.Clock instead of
// going through a Dispatcher.
func (d *Dispatcher) Now() time.Time {
	return time.Now()
}

// AfterFunc implements clock.Clock: it arms a real timer, and when the
// timer fires, posts f onto the dispatcher queue rather than invoking it
// directly on the timer's own goroutine. This is what serialises Trickle
// and BDC timer callbacks with inbound datagram handling: timer callbacks
// never run concurrently with datagram callbacks.
func (d *Dispatcher) AfterFunc(dur time.Duration, f func()) clock.CancelTimer {
	return time.AfterFunc(dur, func() {
		d.Post(f)
	})
}

var _ clock.Clock = (*Dispatcher)(nil)
