package mesh

import (
	"log/slog"
	"net"

	"meshnode/internal/audit"
	"meshnode/internal/discovery"
	"meshnode/internal/peer"
	"meshnode/internal/wire"
)

// connectToPeer constructs an Active PeerConnection for a directory entry
// and adds it to the pool keyed by its already-known NodeID (spec.md
// §4.13: "For each peer endpoint supplied by the discovery collaborator:
// construct PeerConnection, add to pool, push Connect").
func (m *Manager) connectToPeer(addr discovery.PeerAddr) {
	if _, exists := m.Pool.Get(addr.Node); exists {
		return
	}
	conn := peer.NewConnection(peer.Config{
		Self:              m.Identity.ID(),
		SelfName:          m.Identity.Name(),
		ProtocolVersion:   m.cfg.ProtocolVersion,
		Peer:              addr,
		Role:              peer.RoleActive,
		Endpoint:          m.endpoint,
		Registry:          m.Registry,
		LocalDevices:      m.localDeviceAnnouncements,
		OnRemoteMIDI:      m.onRemoteMIDI,
		OnConnectionLost:  m.onConnectionLost,
		OnDevicesUpdated:  m.onDevicesUpdated,
		HandshakeTimeout:  m.cfg.HandshakeTimeout,
		HeartbeatInterval: m.cfg.HeartbeatInterval,
		HeartbeatTimeout:  m.cfg.HeartbeatTimeout,
	})
	if previous := m.Pool.Add(addr.Node, conn); previous != nil {
		previous.Shutdown(0)
	}
	conn.Connect()
	slog.Info("dialing peer", "node_id", addr.Node, "address", addr.Address)
}

// connectInbound wraps a freshly accepted TCP connection in a Passive
// PeerConnection. Its remote NodeID is unknown until HELLO arrives, so it
// is provisionally keyed by a random placeholder NodeID and rekeyed via
// OnIdentified once the handshake reveals who it is.
func (m *Manager) connectInbound(raw net.Conn) {
	placeholder := wire.NewNodeID()
	var conn *peer.Connection
	conn = peer.NewConnection(peer.Config{
		Self:              m.Identity.ID(),
		SelfName:          m.Identity.Name(),
		ProtocolVersion:   m.cfg.ProtocolVersion,
		Peer:              discovery.PeerAddr{},
		Role:              peer.RolePassive,
		Conn:              raw,
		Endpoint:          m.endpoint,
		Registry:          m.Registry,
		LocalDevices:      m.localDeviceAnnouncements,
		OnRemoteMIDI:      m.onRemoteMIDI,
		OnConnectionLost:  m.onConnectionLost,
		OnDevicesUpdated:  m.onDevicesUpdated,
		OnIdentified: func(node wire.NodeID) {
			if previous := m.Pool.Rekey(placeholder, node, conn); previous != nil {
				previous.Shutdown(0)
			}
		},
		HandshakeTimeout:  m.cfg.HandshakeTimeout,
		HeartbeatInterval: m.cfg.HeartbeatInterval,
		HeartbeatTimeout:  m.cfg.HeartbeatTimeout,
	})
	m.Pool.Add(placeholder, conn)
	conn.Connect()
	slog.Info("accepted inbound peer connection", "remote_addr", raw.RemoteAddr())
}

// onRemoteMIDI delivers an event addressed to one of this node's local
// output devices to the local backend, then hands it to the forwarding
// engine so rules keyed on (sender, device) can re-forward it.
func (m *Manager) onRemoteMIDI(from wire.NodeID, device wire.DeviceID, bytes []byte, ttl uint8) {
	if rec, ok := m.Registry.Lookup(wire.DeviceKey{Node: m.Identity.ID(), Device: device}); ok && rec.IsLocal && rec.Direction == wire.DirectionOutput {
		if err := m.cfg.LocalBackend.Send(device, bytes); err != nil {
			slog.Debug("local delivery of remote midi failed", "node_id", from, "device_id", device, "err", err)
		}
	}
	m.Engine.OnRemoteInput(from, device, bytes, ttl)
}

// onConnectionLost wires pool.remove and DeviceRegistry.removeAllFor per
// spec.md §4.13; device removal is already handled inside peer.Connection
// itself (via Config.Registry), so this callback only needs to drop the
// pool entry.
func (m *Manager) onConnectionLost(node wire.NodeID, reason string) {
	slog.Info("peer connection lost", "node_id", node, "reason", reason)
	m.Audit.Record(audit.KindPeerStateChanged, node, nil, nil, "connection lost: "+reason)
	if conn, ok := m.Pool.Get(node); ok {
		m.Pool.Remove(node, conn)
	}
}

func (m *Manager) onDevicesUpdated(node wire.NodeID, devices []peer.DeviceAnnouncement) {
	slog.Debug("peer devices updated", "node_id", node, "count", len(devices))
}
