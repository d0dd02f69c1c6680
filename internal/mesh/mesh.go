// Package mesh implements MeshManager (spec.md §4.13): top-level wiring
// and lifecycle for one node's entire mesh participation. Grounded on
// main.go's wiring block (construct store → construct room → wire
// callbacks → start goroutines → run server) translated to: construct
// identity → registry → routing table → route manager → pool →
// heartbeat monitor → forwarding engine → per-peer connections.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"meshnode/internal/audit"
	"meshnode/internal/discovery"
	"meshnode/internal/forward"
	"meshnode/internal/heartbeat"
	"meshnode/internal/httpapi"
	"meshnode/internal/identity"
	"meshnode/internal/midiio"
	"meshnode/internal/peer"
	"meshnode/internal/pool"
	"meshnode/internal/registry"
	"meshnode/internal/route"
	"meshnode/internal/routing"
	"meshnode/internal/transport"
	"meshnode/internal/wire"
)

// Config wires every external collaborator MeshManager needs to start.
type Config struct {
	StateDir          string // identity.json, routes.json and audit.db live directly in StateDir; no per-node subdirectory is created
	NodeName          string
	ProtocolVersion   byte
	DatagramBindAddr  string // host:port for the shared UDP socket
	StreamBindAddr    string // host:port for the TCP listener
	ControlPlaneAddr  string // host:port for the §6 HTTP control plane; empty disables it
	Directory         discovery.Directory
	LocalBackend      midiio.Backend
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
	// ReapInterval paces ConnectionPool.ReapDead sweeps; defaults to
	// HeartbeatInterval if unset.
	ReapInterval time.Duration
	// ReapGrace is how long a Disconnected/Failed connection must have
	// been unresponsive before a sweep drops it from the pool.
	ReapGrace time.Duration
}

func (c *Config) setDefaults() {
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = 1
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.LocalBackend == nil {
		c.LocalBackend = midiio.NewNullBackend()
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = c.HeartbeatInterval
	}
	if c.ReapGrace == 0 {
		c.ReapGrace = 2 * c.HeartbeatTimeout
	}
}

// Manager owns every per-node collaborator for the lifetime of one
// running mesh node.
type Manager struct {
	cfg Config

	Identity *identity.Identity
	Registry *registry.Registry
	Routing  *routing.Table
	Routes   *route.Manager
	Pool     *pool.Pool
	Monitor  *heartbeat.Monitor
	Engine   *forward.Engine
	Audit    *audit.Store

	endpoint      *transport.DatagramEndpoint
	listener      net.Listener
	controlServer *httpapi.Server
	controlCancel context.CancelFunc

	stopCh   chan struct{}
	reapDone chan struct{}
}

// New constructs and wires every collaborator but does not yet bind
// sockets or contact peers; call Start for that.
func New(cfg Config) (*Manager, error) {
	cfg.setDefaults()

	ident, err := identity.Load(filepath.Join(cfg.StateDir, "identity.json"), cfg.NodeName)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	reg := registry.New()
	routingTable := routing.New()
	reg.AddListener(routingTable)

	routesPath := filepath.Join(cfg.StateDir, "routes.json")
	routeMgr := route.New(routesPath, reg)
	reg.AddListener(routeMgr)
	if err := routeMgr.Load(); err != nil {
		return nil, fmt.Errorf("load routing file: %w", err)
	}

	auditStore, err := audit.Open(filepath.Join(cfg.StateDir, "audit.db"))
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	routeMgr.SetAuditSink(routeAuditSink{store: auditStore, self: ident.ID()})

	connPool := pool.New()

	m := &Manager{
		cfg:      cfg,
		Identity: ident,
		Registry: reg,
		Routing:  routingTable,
		Routes:   routeMgr,
		Pool:     connPool,
		Audit:    auditStore,
		stopCh:   make(chan struct{}),
		reapDone: make(chan struct{}),
	}
	m.Engine = forward.New(ident.ID(), routeMgr, localBackendAdapter{cfg.LocalBackend}, connPool)
	cfg.LocalBackend.SetOnMidiIn(func(device wire.DeviceID, bytes []byte) {
		m.Engine.OnLocalInput(device, bytes)
	})

	if cfg.ControlPlaneAddr != "" {
		m.controlServer = httpapi.New(ident.ID(), reg, routeMgr, routingTable, connPool)
	}
	return m, nil
}

type localBackendAdapter struct {
	backend midiio.Backend
}

func (a localBackendAdapter) Send(device wire.DeviceID, bytes []byte) error {
	return a.backend.Send(device, bytes)
}

// routeAuditSink adapts audit.Store to route.AuditSink so rule mutations
// land in the same audit trail as peer state changes and reap sweeps.
type routeAuditSink struct {
	store *audit.Store
	self  wire.NodeID
}

func (s routeAuditSink) RecordRuleEvent(kind, ruleID, detail string) {
	rid := ruleID
	s.store.Record(audit.Kind(kind), s.self, nil, &rid, detail)
}

// Start binds the transport sockets, registers local devices, starts the
// heartbeat monitor, and initiates a PeerConnection for every directory
// entry (spec.md §4.13).
func (m *Manager) Start() error {
	udpAddr, err := net.ResolveUDPAddr("udp", m.cfg.DatagramBindAddr)
	if err != nil {
		return fmt.Errorf("resolve datagram bind addr: %w", err)
	}
	endpoint, err := transport.ListenDatagramEndpoint(udpAddr)
	if err != nil {
		return fmt.Errorf("bind datagram endpoint: %w", err)
	}
	m.endpoint = endpoint

	listener, err := net.Listen("tcp", m.cfg.StreamBindAddr)
	if err != nil {
		endpoint.Close()
		return fmt.Errorf("bind stream listener: %w", err)
	}
	m.listener = listener

	if err := m.registerLocalDevices(); err != nil {
		return err
	}

	m.Monitor = heartbeat.New(m.Pool, m.cfg.HeartbeatInterval)
	m.Monitor.Start()

	go m.acceptLoop()
	go m.reapLoop()

	if m.controlServer != nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.controlCancel = cancel
		go func() {
			if err := m.controlServer.Run(ctx, m.cfg.ControlPlaneAddr); err != nil {
				slog.Error("control-plane http server exited", "err", err)
			}
		}()
	}

	if m.cfg.Directory != nil {
		for _, p := range m.cfg.Directory.List() {
			m.connectToPeer(p)
		}
		m.cfg.Directory.OnPeerAppeared(m.connectToPeer)
	}

	slog.Info("mesh manager started", "node_id", m.Identity.ID(), "name", m.Identity.Name())
	return nil
}

// reapLoop periodically sweeps dead connections out of the pool and
// deregisters their devices, recording an audit event per reaped peer
// (SPEC_FULL.md §3, §4.10 ConnectionPool.ReapDead).
func (m *Manager) reapLoop() {
	defer close(m.reapDone)
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, node := range m.Pool.ReapDead(m.cfg.ReapGrace) {
				m.Registry.RemoveAllFor(node)
				m.Audit.Record(audit.KindPeerReaped, node, nil, nil, "connection reaped after exceeding grace period")
				slog.Info("reaped dead peer connection", "node_id", node)
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) registerLocalDevices() error {
	descs, err := m.cfg.LocalBackend.Enumerate()
	if err != nil {
		return fmt.Errorf("enumerate local devices: %w", err)
	}
	for _, d := range descs {
		if err := m.Registry.RegisterLocal(m.Identity.ID(), d.DeviceID, d.Name, d.Direction); err != nil {
			return fmt.Errorf("register local device %d: %w", d.DeviceID, err)
		}
	}
	return nil
}

func (m *Manager) localDeviceAnnouncements() []peer.DeviceAnnouncement {
	var out []peer.DeviceAnnouncement
	for _, rec := range m.Registry.ListForNode(m.Identity.ID()) {
		out = append(out, peer.DeviceAnnouncement{DeviceID: rec.Device, Name: rec.Name, Direction: rec.Direction})
	}
	return out
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				slog.Warn("stream listener accept error", "err", err)
				return
			}
		}
		m.connectInbound(conn)
	}
}

// Stop stops the heartbeat monitor, gracefully shuts down every peer
// connection, persists the routing file, and closes the bound sockets
// (spec.md §4.13 "On stop").
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.reapDone
	if m.controlCancel != nil {
		m.controlCancel()
	}
	if m.Monitor != nil {
		m.Monitor.Stop()
	}
	if m.listener != nil {
		m.listener.Close()
	}
	for _, conn := range m.Pool.All() {
		conn.Shutdown(2 * time.Second)
	}
	if err := m.Routes.Save(); err != nil {
		slog.Error("failed to save routing file on stop", "err", err)
	}
	if m.endpoint != nil {
		m.endpoint.Close()
	}
	if err := m.Audit.Close(); err != nil {
		slog.Error("failed to close audit store", "err", err)
	}
	slog.Info("mesh manager stopped", "node_id", m.Identity.ID())
}
