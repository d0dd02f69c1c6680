// Package peer implements PeerConnection (spec.md §4.8): one SEDA worker
// goroutine per remote node, owning all mutable state for that peer
// exclusively. Every state transition, transport write, and registry
// update for a peer happens on its own goroutine; every other goroutine
// talks to it only through the command queue or its non-blocking public
// API (grounded on the teacher's room.go worker-per-room pattern).
package peer

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"meshnode/internal/discovery"
	"meshnode/internal/queue"
	"meshnode/internal/registry"
	"meshnode/internal/transport"
	"meshnode/internal/wire"
)

// State is a PeerConnection's lifecycle stage (spec.md §3).
type State uint8

const (
	StateConnecting State = iota
	StateHandshaking
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Role identifies which side of the TCP handshake this connection plays.
type Role uint8

const (
	RoleActive Role = iota
	RolePassive
)

func (r Role) String() string {
	if r == RoleActive {
		return "Active"
	}
	return "Passive"
}

// PeerInfo is the snapshot returned by a PeerInfo query.
type PeerInfo struct {
	Node           wire.NodeID
	Name           string
	Address        string
	State          State
	Role           Role
	ConnectedSince time.Time
	MidiSent       uint64
	MidiDropped    uint64
}

// Config wires a Connection's collaborators and policy knobs. Zero
// capacity and timing fields take the defaults in setDefaults; a nil
// Registry, LocalDevices, or callback is skipped.
type Config struct {
	Self            wire.NodeID
	SelfName        string
	ProtocolVersion byte

	Peer discovery.PeerAddr
	Role Role

	// Conn is the already-accepted TCP connection for a Passive role.
	// Must be nil for Active role, non-nil for Passive.
	Conn net.Conn

	Endpoint *transport.DatagramEndpoint
	Registry *registry.Registry

	LocalDevices func() []DeviceAnnouncement

	OnRemoteMIDI     func(from wire.NodeID, device wire.DeviceID, bytes []byte, ttl uint8)
	OnConnectionLost func(node wire.NodeID, reason string)
	OnDevicesUpdated func(node wire.NodeID, devices []DeviceAnnouncement)

	// OnIdentified fires once, the first time this connection's remote
	// NodeID becomes known. For Role=Active it is known up front from the
	// directory; for Role=Passive it is only learned from the peer's
	// HELLO, so ConnectionPool uses this to key an initially-anonymous
	// accepted connection once its identity is confirmed.
	OnIdentified func(node wire.NodeID)

	QueueCapacity     int
	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

func (c *Config) setDefaults() {
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 64
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
}

// Connection is one peer's SEDA worker. The fields under the worker-owned
// marker are touched only from inside run(); the atomic counters above it
// are also updated by SendMidi on the caller's goroutine. Nothing is ever
// exposed directly to callers (spec.md §4.8 "no shared mutable peer state").
type Connection struct {
	cfg Config

	queue *queue.Queue

	midiSent    atomic.Uint64
	midiDropped atomic.Uint64

	doneCh chan struct{}

	// --- worker-owned state; touched only inside run() ---
	state            State
	datagram         *transport.DatagramSession
	stream           *transport.Stream
	remoteDevices    []DeviceAnnouncement
	connectedSince   time.Time
	lastHeartbeatSeen time.Time
	lostNotified     bool
}

// NewConnection builds a Connection and starts its worker goroutine. The
// worker does nothing until Connect() is pushed; for a Passive connection
// the caller must immediately push Connect so the handshake timer starts
// before the peer's HELLO can race it.
func NewConnection(cfg Config) *Connection {
	cfg.setDefaults()
	c := &Connection{
		cfg:    cfg,
		queue:  queue.New(cfg.QueueCapacity),
		doneCh: make(chan struct{}),
		state:  StateConnecting,
	}
	go c.run()
	return c
}

// Connect asks the worker to begin dialing (Active) or start awaiting
// HELLO (Passive). Non-blocking.
func (c *Connection) Connect() {
	_ = c.queue.Push(queue.Command{Kind: queue.KindConnect, EnqueuedAt: time.Now()}, time.Second)
}

// Disconnect asks the worker to send BYE and close transports, leaving the
// worker goroutine running so it can still be queried and reused is not
// supported: callers should treat a disconnected Connection as terminal.
func (c *Connection) Disconnect() {
	_ = c.queue.Push(queue.Command{Kind: queue.KindDisconnect, EnqueuedAt: time.Now()}, time.Second)
}

// Shutdown asks the worker to clean up and exit its loop. Blocks until the
// worker goroutine has actually exited, or timeout elapses.
func (c *Connection) Shutdown(timeout time.Duration) {
	_ = c.queue.Push(queue.Command{Kind: queue.KindShutdown, EnqueuedAt: time.Now()}, timeout)
	select {
	case <-c.doneCh:
	case <-time.After(timeout):
	}
}

// SendMidi enqueues an outbound MIDI event without blocking. Backpressure
// (a full queue) is counted as a drop rather than propagated to the
// caller, since ForwardingEngine's hot path must never block on a slow
// peer (spec.md §4.12).
func (c *Connection) SendMidi(device wire.DeviceID, bytes []byte, ttl uint8) {
	err := c.queue.TryPush(queue.Command{
		Kind:     queue.KindSendMidi,
		SendMidi: queue.SendMidiPayload{Device: device, Bytes: bytes, TTL: ttl},
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		c.midiDropped.Add(1)
	}
}

// CheckHeartbeat asks the worker to evaluate whether its heartbeat has
// timed out. Called by HeartbeatMonitor on a shared ticker.
func (c *Connection) CheckHeartbeat() {
	_ = c.queue.TryPush(queue.Command{Kind: queue.KindCheckHeartbeat, EnqueuedAt: time.Now()})
}

func (c *Connection) query(kind queue.QueryKind, timeout time.Duration) (any, error) {
	cmd := queue.NewQuery(kind)
	if err := c.queue.Push(cmd, timeout); err != nil {
		return nil, fmt.Errorf("query %v: %w", kind, err)
	}
	select {
	case res := <-cmd.Reply:
		return res.Value, res.Err
	case <-time.After(timeout):
		return nil, fmt.Errorf("query %v: timed out waiting for reply", kind)
	}
}

// State returns the peer's current lifecycle state.
func (c *Connection) State(timeout time.Duration) (State, error) {
	v, err := c.query(queue.QueryState, timeout)
	if err != nil {
		return 0, err
	}
	return v.(State), nil
}

// Info returns a snapshot of this peer's identity and counters.
func (c *Connection) Info(timeout time.Duration) (PeerInfo, error) {
	v, err := c.query(queue.QueryPeerInfo, timeout)
	if err != nil {
		return PeerInfo{}, err
	}
	return v.(PeerInfo), nil
}

// RemoteDevices returns the last device list announced by this peer.
func (c *Connection) RemoteDevices(timeout time.Duration) ([]DeviceAnnouncement, error) {
	v, err := c.query(queue.QueryRemoteDevices, timeout)
	if err != nil {
		return nil, err
	}
	return v.([]DeviceAnnouncement), nil
}

// TimeSinceHeartbeat returns how long it has been since the last heartbeat
// (datagram or otherwise) was received from this peer.
func (c *Connection) TimeSinceHeartbeat(timeout time.Duration) (time.Duration, error) {
	v, err := c.query(queue.QueryTimeSinceHeartbeat, timeout)
	if err != nil {
		return 0, err
	}
	return v.(time.Duration), nil
}

func (c *Connection) run() {
	defer close(c.doneCh)

	var heartbeatTicker *time.Ticker
	var heartbeatC <-chan time.Time
	var handshakeTimer *time.Timer
	var handshakeC <-chan time.Time

	armHeartbeat := func() {
		if heartbeatTicker == nil {
			heartbeatTicker = time.NewTicker(c.cfg.HeartbeatInterval)
			heartbeatC = heartbeatTicker.C
		}
	}
	disarmHeartbeat := func() {
		if heartbeatTicker != nil {
			heartbeatTicker.Stop()
			heartbeatTicker = nil
			heartbeatC = nil
		}
	}
	armHandshakeTimeout := func() {
		handshakeTimer = time.NewTimer(c.cfg.HandshakeTimeout)
		handshakeC = handshakeTimer.C
	}
	disarmHandshakeTimeout := func() {
		if handshakeTimer != nil {
			handshakeTimer.Stop()
			handshakeTimer = nil
			handshakeC = nil
		}
	}
	defer disarmHeartbeat()
	defer disarmHandshakeTimeout()

	var datagramInbox <-chan transport.DatagramFrame
	var streamInbox <-chan transport.StreamRecord

	for {
		select {
		case cmd, ok := <-c.queue.Chan():
			if !ok {
				return
			}
			if c.dispatch(cmd, &datagramInbox, &streamInbox, armHeartbeat, disarmHeartbeat, armHandshakeTimeout, disarmHandshakeTimeout) {
				return
			}

		case frame, ok := <-datagramInbox:
			if !ok {
				datagramInbox = nil
				continue
			}
			c.handleDatagramFrame(frame)

		case rec, ok := <-streamInbox:
			if !ok {
				streamInbox = nil
				c.fail("stream closed by peer")
				continue
			}
			c.handleStreamRecord(rec, &datagramInbox, disarmHandshakeTimeout)

		case <-heartbeatC:
			c.sendHeartbeat()

		case <-handshakeC:
			c.fail("handshake timed out")
			disarmHandshakeTimeout()
		}

		if c.stream != nil {
			streamInbox = c.stream.Inbox()
		}
		if c.datagram != nil {
			datagramInbox = c.datagram.Inbox()
		}
		if c.state == StateConnected {
			armHeartbeat()
		} else {
			disarmHeartbeat()
		}
	}
}

// dispatch handles one Command. Returns true if the worker loop should
// exit (Shutdown only).
func (c *Connection) dispatch(
	cmd queue.Command,
	datagramInbox *<-chan transport.DatagramFrame,
	streamInbox *<-chan transport.StreamRecord,
	armHeartbeat, disarmHeartbeat, armHandshakeTimeout, disarmHandshakeTimeout func(),
) bool {
	switch cmd.Kind {
	case queue.KindConnect:
		c.handleConnect(armHandshakeTimeout)
	case queue.KindDisconnect:
		c.handleTeardown("disconnected", disarmHeartbeat, disarmHandshakeTimeout)
	case queue.KindShutdown:
		c.handleTeardown("shutdown", disarmHeartbeat, disarmHandshakeTimeout)
		c.queue.DrainShuttingDown()
		return true
	case queue.KindSendMidi:
		c.handleSendMidi(cmd.SendMidi)
	case queue.KindCheckHeartbeat:
		c.handleCheckHeartbeat()
	case queue.KindQuery:
		c.handleQuery(cmd)
	}
	return false
}

func (c *Connection) handleQuery(cmd queue.Command) {
	var result queue.QueryResult
	switch cmd.Query {
	case queue.QueryState:
		result = queue.QueryResult{Value: c.state}
	case queue.QueryPeerInfo:
		result = queue.QueryResult{Value: PeerInfo{
			Node:           c.cfg.Peer.Node,
			Name:           c.cfg.Peer.Name,
			Address:        c.cfg.Peer.Address,
			State:          c.state,
			Role:           c.cfg.Role,
			ConnectedSince: c.connectedSince,
			MidiSent:       c.midiSent.Load(),
			MidiDropped:    c.midiDropped.Load(),
		}}
	case queue.QueryRemoteDevices:
		out := make([]DeviceAnnouncement, len(c.remoteDevices))
		copy(out, c.remoteDevices)
		result = queue.QueryResult{Value: out}
	case queue.QueryTimeSinceHeartbeat:
		if c.lastHeartbeatSeen.IsZero() {
			result = queue.QueryResult{Value: time.Duration(0)}
		} else {
			result = queue.QueryResult{Value: time.Since(c.lastHeartbeatSeen)}
		}
	}
	select {
	case cmd.Reply <- result:
	default:
	}
}

func (c *Connection) setState(s State) {
	if c.state == s {
		return
	}
	slog.Info("peer state transition", "node_id", c.cfg.Peer.Node, "from", c.state, "to", s)
	c.state = s
}

func (c *Connection) fail(reason string) {
	if c.state == StateFailed || c.state == StateDisconnected {
		return
	}
	slog.Warn("peer connection failed", "node_id", c.cfg.Peer.Node, "reason", reason)
	c.closeTransports()
	c.setState(StateFailed)
	c.notifyLost(reason)
}

func (c *Connection) notifyLost(reason string) {
	if c.lostNotified {
		return
	}
	c.lostNotified = true
	if c.cfg.Registry != nil {
		c.cfg.Registry.RemoveAllFor(c.cfg.Peer.Node)
	}
	if c.cfg.OnConnectionLost != nil {
		c.cfg.OnConnectionLost(c.cfg.Peer.Node, reason)
	}
}

func (c *Connection) closeTransports() {
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
	}
	if c.datagram != nil {
		c.datagram.Close()
		c.datagram = nil
	}
}
