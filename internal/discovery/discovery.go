// Package discovery defines the PeerDirectory collaborator (spec.md §6):
// the mesh core consumes a name→endpoint list but never discovers peers
// itself. StaticDirectory is the thin, straightforward implementation the
// spec says is fine to build directly around the core (spec.md §1, §9).
package discovery

import "meshnode/internal/wire"

// PeerAddr is one entry in a peer directory.
type PeerAddr struct {
	Node         wire.NodeID
	Name         string
	Address      string // host, no port
	StreamPort   int
	DatagramPort int
}

// Directory provides the fixed or slowly-changing set of peers a mesh node
// should maintain connections to. The core never implements discovery
// itself (spec.md §1, §9 "Discovery is a collaborator").
type Directory interface {
	List() []PeerAddr
	OnPeerAppeared(func(PeerAddr))
	OnPeerGone(func(wire.NodeID))
}

// StaticDirectory is a fixed, supplied-at-construction peer list. It never
// fires OnPeerGone/OnPeerAppeared after construction since its membership
// does not change at runtime.
type StaticDirectory struct {
	peers []PeerAddr
}

// NewStaticDirectory builds a directory from a fixed peer list.
func NewStaticDirectory(peers []PeerAddr) *StaticDirectory {
	cp := make([]PeerAddr, len(peers))
	copy(cp, peers)
	return &StaticDirectory{peers: cp}
}

func (d *StaticDirectory) List() []PeerAddr {
	cp := make([]PeerAddr, len(d.peers))
	copy(cp, d.peers)
	return cp
}

func (d *StaticDirectory) OnPeerAppeared(func(PeerAddr)) {}

func (d *StaticDirectory) OnPeerGone(func(wire.NodeID)) {}
