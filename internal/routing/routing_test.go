package routing

import (
	"testing"

	"meshnode/internal/registry"
	"meshnode/internal/wire"
)

func TestTableTracksRegistry(t *testing.T) {
	reg := registry.New()
	table := New()
	reg.AddListener(table)

	node := wire.NewNodeID()
	if err := reg.RegisterLocal(node, 1, "in", wire.DirectionInput); err != nil {
		t.Fatal(err)
	}

	key := wire.DeviceKey{Node: node, Device: 1}
	desc, ok := table.Resolve(key)
	if !ok {
		t.Fatal("Resolve after RegisterLocal = !ok, want ok")
	}
	if !desc.IsLocal || desc.Direction != wire.DirectionInput {
		t.Errorf("descriptor = %+v, want local input device", desc)
	}

	reg.RemoveAllFor(node)
	if _, ok := table.Resolve(key); ok {
		t.Error("Resolve after RemoveAllFor = ok, want !ok (entry must not outlive device record)")
	}
}

func TestSnapshotSortedOrder(t *testing.T) {
	reg := registry.New()
	table := New()
	reg.AddListener(table)

	node := wire.NewNodeID()
	if err := reg.RegisterLocal(node, 9, "nine", wire.DirectionOutput); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterLocal(node, 2, "two", wire.DirectionInput); err != nil {
		t.Fatal(err)
	}

	snap := table.Snapshot()
	if len(snap) != 2 || snap[0].Key.Device != 2 || snap[1].Key.Device != 9 {
		t.Errorf("Snapshot = %+v, want devices sorted ascending", snap)
	}
}
