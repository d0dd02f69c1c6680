package pool

import (
	"testing"
	"time"

	"meshnode/internal/discovery"
	"meshnode/internal/peer"
	"meshnode/internal/wire"
)

// newFailingConnection returns an Active connection whose dial is certain
// to fail quickly (port 0 never accepts TCP connections), landing it in
// StateFailed without needing a real datagram endpoint or registry.
func newFailingConnection(node wire.NodeID) *peer.Connection {
	return peer.NewConnection(peer.Config{
		Self:            wire.NewNodeID(),
		SelfName:        "test",
		ProtocolVersion: 1,
		Peer:            discovery.PeerAddr{Node: node, Address: "127.0.0.1", StreamPort: 0},
		Role:            peer.RoleActive,
		DialTimeout:     100 * time.Millisecond,
	})
}

func waitForState(t *testing.T, conn *peer.Connection, want peer.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, err := conn.State(100 * time.Millisecond); err == nil && s == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connection never reached state %v", want)
}

func TestPoolAddGetRemove(t *testing.T) {
	p := New()
	node := wire.NewNodeID()
	conn := newFailingConnection(node)
	defer conn.Shutdown(time.Second)

	if prev := p.Add(node, conn); prev != nil {
		t.Fatalf("Add returned unexpected previous connection")
	}
	got, ok := p.Get(node)
	if !ok || got != conn {
		t.Fatalf("Get = (%v, %v), want (conn, true)", got, ok)
	}

	p.Remove(node, conn)
	if _, ok := p.Get(node); ok {
		t.Fatal("Get after Remove = ok, want !ok")
	}
}

func TestPoolAddReplacesAndReturnsPrevious(t *testing.T) {
	p := New()
	node := wire.NewNodeID()
	first := newFailingConnection(node)
	second := newFailingConnection(node)
	defer first.Shutdown(time.Second)
	defer second.Shutdown(time.Second)

	p.Add(node, first)
	prev := p.Add(node, second)
	if prev != first {
		t.Fatalf("Add replacement returned %v, want first connection", prev)
	}
	got, _ := p.Get(node)
	if got != second {
		t.Fatal("Get after replace did not return the new connection")
	}
}

func TestPoolRekey(t *testing.T) {
	p := New()
	placeholder := wire.NewNodeID()
	real := wire.NewNodeID()
	conn := newFailingConnection(real)
	defer conn.Shutdown(time.Second)

	p.Add(placeholder, conn)
	p.Rekey(placeholder, real, conn)

	if _, ok := p.Get(placeholder); ok {
		t.Error("placeholder key still present after Rekey")
	}
	got, ok := p.Get(real)
	if !ok || got != conn {
		t.Error("real key missing after Rekey")
	}
}

func TestPoolAllSortedByNode(t *testing.T) {
	p := New()
	n1, n2 := wire.NewNodeID(), wire.NewNodeID()
	c1, c2 := newFailingConnection(n1), newFailingConnection(n2)
	defer c1.Shutdown(time.Second)
	defer c2.Shutdown(time.Second)
	p.Add(n1, c1)
	p.Add(n2, c2)

	all := p.All()
	if len(all) != 2 {
		t.Fatalf("All() len = %d, want 2", len(all))
	}
	wantFirst := c1
	if n2.String() < n1.String() {
		wantFirst = c2
	}
	if all[0] != wantFirst {
		t.Errorf("All()[0] is not the connection with the smaller NodeID")
	}
}

func TestReapDeadRemovesFailedConnections(t *testing.T) {
	p := New()
	node := wire.NewNodeID()
	conn := newFailingConnection(node)
	conn.Connect()
	waitForState(t, conn, peer.StateFailed)
	defer conn.Shutdown(time.Second)

	p.Add(node, conn)
	dead := p.ReapDead(0)
	if len(dead) != 1 || dead[0] != node {
		t.Fatalf("ReapDead = %v, want [%v]", dead, node)
	}
	if _, ok := p.Get(node); ok {
		t.Error("reaped connection still present in pool")
	}
}

func TestReapDeadWaitsOutGracePeriod(t *testing.T) {
	p := New()
	node := wire.NewNodeID()
	conn := newFailingConnection(node)
	conn.Connect()
	waitForState(t, conn, peer.StateFailed)
	defer conn.Shutdown(time.Second)

	p.Add(node, conn)

	grace := 100 * time.Millisecond
	if dead := p.ReapDead(grace); len(dead) != 0 {
		t.Fatalf("ReapDead on first sighting = %v, want none yet", dead)
	}
	if _, ok := p.Get(node); !ok {
		t.Fatal("connection removed before grace period elapsed")
	}

	time.Sleep(grace + 50*time.Millisecond)
	dead := p.ReapDead(grace)
	if len(dead) != 1 || dead[0] != node {
		t.Fatalf("ReapDead after grace = %v, want [%v]", dead, node)
	}
	if _, ok := p.Get(node); ok {
		t.Error("reaped connection still present in pool")
	}
}
