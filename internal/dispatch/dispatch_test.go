package dispatch_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumenmesh/meshproto/internal/dispatch"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPostRunsInFIFOOrder(t *testing.T) {
	t.Parallel()

	d := dispatch.New(discardLogger(), dispatch.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Run(ctx)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := range 5 {
		i := i
		d.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want strictly increasing", order)
		}
	}
}

func TestQueueFullDropsNewest(t *testing.T) {
	t.Parallel()

	d := dispatch.New(discardLogger(), dispatch.Config{QueueDepth: 1})

	// No Run loop draining the queue: the first Post fills the buffered
	// channel, the second must be dropped and counted.
	d.Post(func() {})
	d.Post(func() {})

	if got := d.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestAfterFuncSerialisesWithPost(t *testing.T) {
	t.Parallel()

	d := dispatch.New(discardLogger(), dispatch.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Run(ctx)

	var timerFired atomic.Bool
	done := make(chan struct{})

	d.AfterFunc(10*time.Millisecond, func() {
		timerFired.Store(true)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer callback never ran")
	}

	if !timerFired.Load() {
		t.Error("timer callback did not fire")
	}
}
