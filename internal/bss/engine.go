package bss

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/lumenmesh/meshproto/internal/clock"
	"github.com/lumenmesh/meshproto/internal/metrics"
	"github.com/lumenmesh/meshproto/internal/protoerr"
	"github.com/lumenmesh/meshproto/internal/trickle"
	"github.com/lumenmesh/meshproto/internal/wire"
)

// VersionStep is the fixed version increment applied on every local update.
// A uniform random value in [0, VersionStep) is added on top to reduce
// collision risk among independent updaters.
const VersionStep = 0x10000

// Default Trickle parameters: i_min = CLOCK_SECOND/8, i_max = 6 (max
// interval ≈ 8s), k = 3.
const (
	DefaultIMin time.Duration = 125 * time.Millisecond
	DefaultIMax uint           = 6
	DefaultK    int            = 3
)

// Sender transmits an encoded BSS frame to the broadcast multicast group.
// Implemented by internal/netio.
type Sender interface {
	SendMulticast(ctx context.Context, payload []byte) error
}

// NetworkState reports whether the node currently has network association.
// The Trickle callback must skip sending silently while unassociated.
type NetworkState interface {
	Associated() bool
}

// Engine is the BSS engine: version-compare logic on receive, Trickle-driven
// send on timer fire.
type Engine struct {
	table   *Table
	sender  Sender
	netst   NetworkState
	clock   clock.Clock
	metrics *metrics.Collector
	logger  *slog.Logger

	iMin time.Duration
	iMax uint
	k    int
}

// Config configures an Engine's Trickle parameters. Zero values select the
// package defaults.
type Config struct {
	Capacity int
	IMin     time.Duration
	IMax     uint
	K        int
}

// NewEngine constructs an Engine. sender and netst are required
// collaborators; metrics and logger may be nil: a nil collector is skipped
// at every use, and a nil logger is replaced by one that discards output.
func NewEngine(cfg Config, sender Sender, netst NetworkState, c clock.Clock, m *metrics.Collector, logger *slog.Logger) *Engine {
	iMin := cfg.IMin
	if iMin <= 0 {
		iMin = DefaultIMin
	}
	iMax := cfg.IMax
	if iMax == 0 {
		iMax = DefaultIMax
	}
	k := cfg.K
	if k == 0 {
		k = DefaultK
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		table:   NewTable(cfg.Capacity),
		sender:  sender,
		netst:   netst,
		clock:   c,
		metrics: m,
		logger:  logger.With(slog.String("component", "bss.engine")),
		iMin:    iMin,
		iMax:    iMax,
		k:       k,
	}
}

// Items returns a snapshot of all registered items, for status inspection
// (e.g. a control-plane endpoint). Not used on the hot send/receive path.
func (e *Engine) Items() []*Item {
	return e.table.Items()
}

// Register adds a new broadcast item and arms its Trickle timer. Mirrors
// mtk_broadcast_register / mtk_int_broadcast_worker_register.
func (e *Engine) Register(dataID uint32, initial []byte, handler UpdateHandler) (*Item, error) {
	if len(initial) > MaxValueSize {
		return nil, protoerr.ErrInternal
	}

	timer := trickle.New(e.clock)
	timer.Config(e.iMin, e.iMax, e.k)

	item, err := e.table.Register(dataID, initial, handler, timer)
	if err != nil {
		return nil, err
	}

	if err := timer.Set(func(suppress bool) { e.onTrickleFire(item, suppress) }); err != nil {
		return nil, protoerr.ErrInternal
	}

	e.logger.Debug("registered item", slog.Uint64("data_id", uint64(dataID)))
	if e.metrics != nil {
		e.metrics.BSSItemsRegistered.Inc()
	}
	return item, nil
}

// Update applies a local change to a registered item: copies the new value,
// bumps the version by VersionStep plus jitter (never landing on 0), and
// resets the Trickle timer so the change propagates promptly.
func (e *Engine) Update(dataID uint32, value []byte) error {
	if len(value) > MaxValueSize {
		return protoerr.ErrInternal
	}

	item, ok := e.table.Lookup(dataID)
	if !ok {
		return protoerr.ErrNotRegistered
	}

	item.mu.Lock()
	newValue := make([]byte, len(value))
	copy(newValue, value)
	item.value = newValue

	//nolint:gosec // G404: non-cryptographic jitter, collision avoidance only.
	item.version += VersionStep + uint32(rand.Int31n(VersionStep))
	if item.version == 0 {
		item.version = 1
	}
	item.mu.Unlock()

	item.timer.ResetEvent()

	if e.metrics != nil {
		e.metrics.BSSLocalUpdates.Inc()
	}
	return nil
}

// Pause stops an item's Trickle timer; while stopped, inbound frames for
// that item are ignored.
func (e *Engine) Pause(dataID uint32) error {
	item, ok := e.table.Lookup(dataID)
	if !ok {
		return protoerr.ErrNotRegistered
	}

	item.mu.Lock()
	item.paused = true
	item.mu.Unlock()

	item.timer.Stop()
	return nil
}

// Resume re-arms a paused item's Trickle timer. Attempting to resume a timer
// that is not Stopped (i.e. was never paused) fails with ErrInternal — the
// intended double-start guard, not an oversight.
func (e *Engine) Resume(dataID uint32) error {
	item, ok := e.table.Lookup(dataID)
	if !ok {
		return protoerr.ErrNotRegistered
	}

	if item.timer.Running() {
		return protoerr.ErrInternal
	}

	if err := item.timer.Set(func(suppress bool) { e.onTrickleFire(item, suppress) }); err != nil {
		return protoerr.ErrInternal
	}

	item.mu.Lock()
	item.paused = false
	item.mu.Unlock()
	return nil
}

// onTrickleFire is the Trickle callback for one item. It is invoked by the
// dispatcher (via clock.Clock.AfterFunc posting into the dispatcher queue),
// never directly by the timer's own goroutine, so it never races with
// inbound frame handling for the same item.
func (e *Engine) onTrickleFire(item *Item, suppress bool) {
	item.mu.Lock()
	version := item.version
	value := make([]byte, len(item.value))
	copy(value, item.value)
	dataID := item.dataID
	item.mu.Unlock()

	if version == 0 {
		return
	}
	if suppress {
		if e.metrics != nil {
			e.metrics.BSSSuppressed.Inc()
		}
		return
	}
	if e.netst != nil && !e.netst.Associated() {
		return
	}

	frame := wire.EncodeBSSUpdate(wire.BSSUpdate{DataID: dataID, Version: version, Value: value})
	if err := e.sender.SendMulticast(context.Background(), frame); err != nil {
		e.logger.Warn("send failed, will retry on next trickle tick",
			slog.Uint64("data_id", uint64(dataID)), slog.Any("error", err))
		return
	}
	if e.metrics != nil {
		e.metrics.BSSSent.Inc()
	}
}

// HandleInbound is the UDP demux entry point for the BSS socket. It parses
// data_id‖version from the frame, looks the item up, and applies the
// version-compare receive logic. Unknown data_id and short frames are
// silently dropped.
func (e *Engine) HandleInbound(frame []byte) {
	update, err := wire.DecodeBSSUpdate(frame)
	if err != nil {
		if e.metrics != nil {
			e.metrics.BSSDroppedMalformed.Inc()
		}
		return
	}

	item, ok := e.table.Lookup(update.DataID)
	if !ok {
		e.logger.Debug("inbound frame for unknown data_id", slog.Uint64("data_id", uint64(update.DataID)))
		return
	}

	item.mu.Lock()
	paused := item.paused
	local := item.version
	item.mu.Unlock()
	if paused {
		return
	}

	d := int32(update.Version - local) //nolint:gosec // G115: intentional signed wraparound compare for sequence-number ordering.

	switch {
	case d > 0:
		item.mu.Lock()
		item.version = update.Version
		value := make([]byte, len(update.Value))
		copy(value, update.Value)
		item.value = value
		handler := item.handler
		item.mu.Unlock()

		item.timer.Inconsistency()
		if handler != nil {
			handler(update.DataID, value)
		}
	case d < 0:
		// Our value is newer: keep local, advertise sooner.
		item.timer.Inconsistency()
	default:
		item.timer.Consistency()
	}
}
