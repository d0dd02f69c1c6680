// Package registry implements DeviceRegistry (spec.md §4.2): the
// authoritative map of every known local and remote MIDI device, keyed by
// the composite (nodeId, deviceId) pair.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"meshnode/internal/wire"
)

// Record describes one local or remote MIDI device.
type Record struct {
	Node      wire.NodeID
	Device    wire.DeviceID
	Name      string
	Direction wire.Direction
	IsLocal   bool
}

func (r Record) Key() wire.DeviceKey {
	return wire.DeviceKey{Node: r.Node, Device: r.Device}
}

// ChangeListener is notified whenever the registry's contents change, so
// that dependents (RoutingTable, RouteManager) can invalidate state
// atomically with the device change rather than polling.
type ChangeListener interface {
	OnDeviceInserted(Record)
	OnDeviceRemoved(wire.DeviceKey)
}

// Registry is a single-mutex device map. Lock scopes are kept narrow:
// callers never hold the mutex across a listener callback.
type Registry struct {
	mu        sync.Mutex
	devices   map[wire.DeviceKey]Record
	listeners []ChangeListener
}

func New() *Registry {
	return &Registry{devices: make(map[wire.DeviceKey]Record)}
}

// AddListener registers a callback invoked (outside the lock) on every
// insert/remove. Must be called before the registry starts receiving
// mutations from concurrent goroutines (wiring time only).
func (r *Registry) AddListener(l ChangeListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// ErrAlreadyRegistered is returned by RegisterLocal when the (node, device)
// pair already exists.
var ErrAlreadyRegistered = fmt.Errorf("device already registered")

// RegisterLocal adds a device owned by this node. Fails if the key is
// already present (spec.md §4.2).
func (r *Registry) RegisterLocal(node wire.NodeID, device wire.DeviceID, name string, dir wire.Direction) error {
	key := wire.DeviceKey{Node: node, Device: device}
	rec := Record{Node: node, Device: device, Name: name, Direction: dir, IsLocal: true}

	r.mu.Lock()
	if _, exists := r.devices[key]; exists {
		r.mu.Unlock()
		return fmt.Errorf("register local device %s: %w", key, ErrAlreadyRegistered)
	}
	r.devices[key] = rec
	listeners := r.snapshotListenersLocked()
	r.mu.Unlock()

	slog.Info("local device registered", "node_id", node, "device_id", device, "name", name, "direction", dir)
	for _, l := range listeners {
		l.OnDeviceInserted(rec)
	}
	return nil
}

// ReplaceRemote atomically swaps out every remote record for node with the
// freshly announced set (spec.md §4.2: called on WELCOME / DEVICE_UPDATE).
func (r *Registry) ReplaceRemote(node wire.NodeID, devices []Record) {
	r.mu.Lock()
	var removed []wire.DeviceKey
	for key, rec := range r.devices {
		if key.Node == node && !rec.IsLocal {
			removed = append(removed, key)
			delete(r.devices, key)
		}
	}
	var inserted []Record
	for _, rec := range devices {
		rec.Node = node
		rec.IsLocal = false
		key := rec.Key()
		r.devices[key] = rec
		inserted = append(inserted, rec)
	}
	listeners := r.snapshotListenersLocked()
	r.mu.Unlock()

	slog.Info("remote devices replaced", "node_id", node, "removed", len(removed), "inserted", len(inserted))
	for _, l := range listeners {
		for _, key := range removed {
			l.OnDeviceRemoved(key)
		}
		for _, rec := range inserted {
			l.OnDeviceInserted(rec)
		}
	}
}

// RemoveAllFor purges every device (local or remote) owned by node. Used
// when a peer disconnects. Idempotent: a second call is a no-op (spec.md §8
// property 8).
func (r *Registry) RemoveAllFor(node wire.NodeID) {
	r.mu.Lock()
	var removed []wire.DeviceKey
	for key := range r.devices {
		if key.Node == node {
			removed = append(removed, key)
			delete(r.devices, key)
		}
	}
	listeners := r.snapshotListenersLocked()
	r.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	slog.Info("devices purged", "node_id", node, "count", len(removed))
	for _, l := range listeners {
		for _, key := range removed {
			l.OnDeviceRemoved(key)
		}
	}
}

// Lookup returns the record for key, if any.
func (r *Registry) Lookup(key wire.DeviceKey) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[key]
	return rec, ok
}

// ListAll returns a stable-ordered snapshot of every known device.
func (r *Registry) ListAll() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedSnapshot(r.devices, func(Record) bool { return true })
}

// ListForNode returns a stable-ordered snapshot of devices owned by node.
func (r *Registry) ListForNode(node wire.NodeID) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedSnapshot(r.devices, func(rec Record) bool { return rec.Node == node })
}

func sortedSnapshot(devices map[wire.DeviceKey]Record, keep func(Record) bool) []Record {
	out := make([]Record, 0, len(devices))
	for _, rec := range devices {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Node != out[j].Node {
			return out[i].Node.String() < out[j].Node.String()
		}
		return out[i].Device < out[j].Device
	})
	return out
}

func (r *Registry) snapshotListenersLocked() []ChangeListener {
	out := make([]ChangeListener, len(r.listeners))
	copy(out, r.listeners)
	return out
}
