// Package bss implements Broadcast State Synchronisation: an
// eventually-consistent key-to-value replication primitive driven by a
// Trickle suppression timer.
package bss

import (
	"sync"

	"github.com/lumenmesh/meshproto/internal/protoerr"
	"github.com/lumenmesh/meshproto/internal/trickle"
)

// DefaultCapacity is the BSS item table capacity used when Config.Capacity
// is left at zero, matching MTK_BROADCAST_NUM_UNIQUE_BROADCASTS's default.
const DefaultCapacity = 4

// MaxValueSize bounds a single item's value, per the data model's
// "size ≤ 230 bytes" invariant.
const MaxValueSize = 230

// UpdateHandler is invoked when an item adopts a newer value, whether from
// a local Update call's resulting convergence on remote peers or from an
// inbound frame carrying a strictly newer version.
type UpdateHandler func(dataID uint32, value []byte)

// Item is one registered broadcast data item. version == 0 means
// uninitialised: the item exists but has never been locally updated, and
// is never transmitted.
type Item struct {
	mu sync.Mutex

	dataID  uint32
	version uint32
	value   []byte
	handler UpdateHandler
	timer   *trickle.Trickle
	paused  bool
}

// DataID returns the item's identity.
func (it *Item) DataID() uint32 { return it.dataID }

// Snapshot returns the item's current version and a copy of its value.
// Safe for concurrent use; intended for read-only inspection (e.g. a
// control-plane status endpoint), not for the hot receive/send path.
func (it *Item) Snapshot() (version uint32, value []byte) {
	it.mu.Lock()
	defer it.mu.Unlock()
	v := make([]byte, len(it.value))
	copy(v, it.value)
	return it.version, v
}

// Paused reports whether the item's Trickle timer is currently stopped.
func (it *Item) Paused() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.paused
}

// Table holds the node's registered broadcast items. It is a fixed-capacity
// slice indexed by registration order rather than the intrusive linked list
// a C implementation would use; data_id lookup is a linear scan, which is
// acceptable because capacity is tiny (≤ 16 in practice).
type Table struct {
	mu       sync.RWMutex
	items    []*Item
	capacity int
}

// NewTable constructs an empty table with the given capacity. A capacity of
// 0 selects DefaultCapacity.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{capacity: capacity}
}

// Register appends a new item, failing with protoerr.ErrNoMemory once the
// table is at capacity and with protoerr.ErrInternal if data_id is already
// registered (data_id is unique within a node). There is no opaque storage
// pointer: callers that need context in their handler capture it in the
// UpdateHandler closure instead.
func (t *Table) Register(dataID uint32, initial []byte, handler UpdateHandler, timer *trickle.Trickle) (*Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, existing := range t.items {
		if existing.dataID == dataID {
			return nil, protoerr.ErrInternal
		}
	}
	if len(t.items) >= t.capacity {
		return nil, protoerr.ErrNoMemory
	}

	value := make([]byte, len(initial))
	copy(value, initial)

	item := &Item{
		dataID:  dataID,
		version: 0,
		value:   value,
		handler: handler,
		timer:   timer,
	}
	t.items = append(t.items, item)
	return item, nil
}

// Lookup finds the item registered under dataID.
func (t *Table) Lookup(dataID uint32) (*Item, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, it := range t.items {
		if it.dataID == dataID {
			return it, true
		}
	}
	return nil, false
}

// Items returns a snapshot slice of all registered items, in registration
// order.
func (t *Table) Items() []*Item {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Item, len(t.items))
	copy(out, t.items)
	return out
}
