// Package routing implements RoutingTable (spec.md §4.3): a thin
// composite-key map resolving (nodeId, deviceId) to a route descriptor,
// read through Resolve and by the GET /routing/table snapshot. The
// forwarding engine does not consult it; it asks its RuleSource (the route
// manager) for matching rules instead. It mirrors DeviceRegistry via
// the registry.ChangeListener hook so that an entry can never outlive its
// backing device record (spec.md §8 invariant 2).
package routing

import (
	"sort"
	"sync"

	"meshnode/internal/registry"
	"meshnode/internal/wire"
)

// Descriptor is the routing-table's view of one device: its key,
// direction, and whether it is local.
type Descriptor struct {
	Key       wire.DeviceKey
	Direction wire.Direction
	IsLocal   bool
}

// Table is a single-mutex composite-key map, same concurrency policy as
// registry.Registry: readers hold the lock only long enough to copy out.
type Table struct {
	mu      sync.Mutex
	entries map[wire.DeviceKey]Descriptor
}

func New() *Table {
	return &Table{entries: make(map[wire.DeviceKey]Descriptor)}
}

// OnDeviceInserted implements registry.ChangeListener.
func (t *Table) OnDeviceInserted(rec registry.Record) {
	t.mu.Lock()
	t.entries[rec.Key()] = Descriptor{Key: rec.Key(), Direction: rec.Direction, IsLocal: rec.IsLocal}
	t.mu.Unlock()
}

// OnDeviceRemoved implements registry.ChangeListener.
func (t *Table) OnDeviceRemoved(key wire.DeviceKey) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// Resolve returns the descriptor for key, if known.
func (t *Table) Resolve(key wire.DeviceKey) (Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.entries[key]
	return d, ok
}

// Snapshot returns a stable-ordered copy of the whole table, used by the
// GET /routing/table diagnostic endpoint.
func (t *Table) Snapshot() []Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Descriptor, 0, len(t.entries))
	for _, d := range t.entries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Node != out[j].Key.Node {
			return out[i].Key.Node.String() < out[j].Key.Node.String()
		}
		return out[i].Key.Device < out[j].Key.Device
	})
	return out
}
