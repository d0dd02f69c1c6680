package discovery

import (
	"testing"

	"meshnode/internal/wire"
)

func TestStaticDirectoryListReturnsCopy(t *testing.T) {
	peers := []PeerAddr{{Node: wire.NewNodeID(), Name: "a", Address: "10.0.0.1"}}
	d := NewStaticDirectory(peers)

	got := d.List()
	if len(got) != 1 || got[0].Name != "a" {
		t.Fatalf("List() = %+v, want the constructed peer", got)
	}

	got[0].Name = "mutated"
	if d.List()[0].Name != "a" {
		t.Error("mutating a List() result leaked into the directory's internal state")
	}
}

func TestStaticDirectoryCallbacksAreNoOps(t *testing.T) {
	d := NewStaticDirectory(nil)
	// Must not panic even though nothing is ever invoked.
	d.OnPeerAppeared(func(PeerAddr) { t.Fatal("OnPeerAppeared callback invoked") })
	d.OnPeerGone(func(wire.NodeID) { t.Fatal("OnPeerGone callback invoked") })
}
