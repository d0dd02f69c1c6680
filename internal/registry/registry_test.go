package registry

import (
	"testing"

	"meshnode/internal/wire"
)

type recordingListener struct {
	inserted []Record
	removed  []wire.DeviceKey
}

func (l *recordingListener) OnDeviceInserted(r Record)        { l.inserted = append(l.inserted, r) }
func (l *recordingListener) OnDeviceRemoved(k wire.DeviceKey) { l.removed = append(l.removed, k) }

func TestRegisterLocalRejectsDuplicate(t *testing.T) {
	r := New()
	node := wire.NewNodeID()
	if err := r.RegisterLocal(node, 1, "in", wire.DirectionInput); err != nil {
		t.Fatalf("first RegisterLocal: %v", err)
	}
	err := r.RegisterLocal(node, 1, "in again", wire.DirectionInput)
	if err == nil {
		t.Fatal("second RegisterLocal = nil error, want ErrAlreadyRegistered")
	}
}

func TestRegisterLocalNotifiesListener(t *testing.T) {
	r := New()
	l := &recordingListener{}
	r.AddListener(l)
	node := wire.NewNodeID()
	if err := r.RegisterLocal(node, 3, "out", wire.DirectionOutput); err != nil {
		t.Fatal(err)
	}
	if len(l.inserted) != 1 || l.inserted[0].Device != 3 {
		t.Errorf("inserted = %+v, want one record for device 3", l.inserted)
	}
}

func TestReplaceRemoteSwapsAtomically(t *testing.T) {
	r := New()
	l := &recordingListener{}
	r.AddListener(l)
	node := wire.NewNodeID()

	r.ReplaceRemote(node, []Record{{Device: 1, Name: "a"}, {Device: 2, Name: "b"}})
	if len(l.inserted) != 2 {
		t.Fatalf("after first replace, inserted = %d, want 2", len(l.inserted))
	}

	r.ReplaceRemote(node, []Record{{Device: 2, Name: "b-renamed"}})
	if len(l.removed) != 2 {
		t.Fatalf("after second replace, removed = %d, want 2 (both originals dropped)", len(l.removed))
	}
	if len(l.inserted) != 3 {
		t.Fatalf("after second replace, inserted = %d, want 3", len(l.inserted))
	}

	all := r.ListForNode(node)
	if len(all) != 1 || all[0].Device != 2 || all[0].Name != "b-renamed" {
		t.Errorf("ListForNode = %+v, want one renamed record for device 2", all)
	}
}

func TestRemoveAllForIsIdempotent(t *testing.T) {
	r := New()
	node := wire.NewNodeID()
	if err := r.RegisterLocal(node, 1, "in", wire.DirectionInput); err != nil {
		t.Fatal(err)
	}
	r.RemoveAllFor(node)
	if len(r.ListForNode(node)) != 0 {
		t.Fatal("devices remain after RemoveAllFor")
	}
	r.RemoveAllFor(node) // must not panic or double-notify listeners
}

func TestListAllStableOrder(t *testing.T) {
	r := New()
	nodeA := wire.NewNodeID()
	if err := r.RegisterLocal(nodeA, 5, "five", wire.DirectionInput); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterLocal(nodeA, 1, "one", wire.DirectionInput); err != nil {
		t.Fatal(err)
	}
	all := r.ListAll()
	if len(all) != 2 || all[0].Device != 1 || all[1].Device != 5 {
		t.Errorf("ListAll = %+v, want devices sorted ascending", all)
	}
}

func TestLookupMiss(t *testing.T) {
	r := New()
	if _, ok := r.Lookup(wire.DeviceKey{Node: wire.NewNodeID(), Device: 1}); ok {
		t.Error("Lookup on empty registry = ok, want !ok")
	}
}
