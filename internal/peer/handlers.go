package peer

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"meshnode/internal/classify"
	"meshnode/internal/queue"
	"meshnode/internal/registry"
	"meshnode/internal/transport"
	"meshnode/internal/wire"
)

func (c *Connection) handleConnect(armHandshakeTimeout func()) {
	if c.state != StateConnecting {
		return
	}
	switch c.cfg.Role {
	case RoleActive:
		c.handleConnectActive(armHandshakeTimeout)
	case RolePassive:
		c.handleConnectPassive(armHandshakeTimeout)
	}
}

func (c *Connection) handleConnectActive(armHandshakeTimeout func()) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Peer.Address, c.cfg.Peer.StreamPort)
	conn, err := net.DialTimeout("tcp", addr, c.cfg.DialTimeout)
	if err != nil {
		c.fail(fmt.Sprintf("dial %s: %v", addr, err))
		return
	}
	c.stream = transport.NewStream(conn, 64, 64)

	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", c.cfg.Peer.Address, c.cfg.Peer.DatagramPort))
	if err != nil {
		c.fail(fmt.Sprintf("resolve datagram addr: %v", err))
		return
	}
	c.datagram = c.cfg.Endpoint.Open(udpAddr)

	c.setState(StateHandshaking)
	armHandshakeTimeout()

	localPort := c.cfg.Endpoint.LocalAddr().Port
	body := encodeHello(c.cfg.Self, c.cfg.SelfName, c.cfg.ProtocolVersion, localPort)
	if err := c.stream.SendRecord(wire.RecordHello, body); err != nil {
		c.fail(fmt.Sprintf("send HELLO: %v", err))
	}
}

func (c *Connection) handleConnectPassive(armHandshakeTimeout func()) {
	if c.cfg.Conn == nil {
		c.fail("passive connect with no accepted conn")
		return
	}
	c.stream = transport.NewStream(c.cfg.Conn, 64, 64)
	c.setState(StateHandshaking)
	armHandshakeTimeout()
}

func (c *Connection) handleStreamRecord(rec transport.StreamRecord, datagramInbox *<-chan transport.DatagramFrame, disarmHandshakeTimeout func()) {
	switch rec.Type {
	case wire.RecordHello:
		c.onHello(rec.Body, disarmHandshakeTimeout)
	case wire.RecordWelcome:
		c.onWelcome(rec.Body, disarmHandshakeTimeout)
	case wire.RecordDeviceUpdate:
		c.onDeviceUpdate(rec.Body)
	case wire.RecordBye:
		c.onBye(rec.Body)
	case wire.RecordMIDI:
		c.onStreamMIDI(rec.Body)
	default:
		c.fail(fmt.Sprintf("protocol violation: unknown record type %d", rec.Type))
	}
}

func (c *Connection) onHello(body []byte, disarmHandshakeTimeout func()) {
	if c.cfg.Role != RolePassive || c.state != StateHandshaking {
		c.fail("protocol violation: unexpected HELLO")
		return
	}
	hello, err := decodeHello(body)
	if err != nil {
		c.fail(err.Error())
		return
	}
	if hello.Version != c.cfg.ProtocolVersion {
		c.fail(fmt.Sprintf("protocol version mismatch: peer=%d local=%d", hello.Version, c.cfg.ProtocolVersion))
		return
	}
	peerID, err := wire.ParseNodeID(hello.NodeID)
	if err != nil {
		c.fail(fmt.Sprintf("invalid node id in HELLO: %v", err))
		return
	}
	c.cfg.Peer.Node = peerID
	c.cfg.Peer.Name = hello.Name
	if c.cfg.OnIdentified != nil {
		c.cfg.OnIdentified(peerID)
	}

	host, _, splitErr := net.SplitHostPort(c.cfg.Conn.RemoteAddr().String())
	if splitErr != nil {
		host = c.cfg.Peer.Address
	}
	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, hello.DatagramPort))
	if err != nil {
		c.fail(fmt.Sprintf("resolve peer datagram addr: %v", err))
		return
	}
	c.datagram = c.cfg.Endpoint.Open(udpAddr)

	devices := c.localDevices()
	localPort := c.cfg.Endpoint.LocalAddr().Port
	welcome := encodeWelcome(c.cfg.Self, c.cfg.SelfName, c.cfg.ProtocolVersion, localPort, devices)
	if err := c.stream.SendRecord(wire.RecordWelcome, welcome); err != nil {
		c.fail(fmt.Sprintf("send WELCOME: %v", err))
		return
	}
	c.completeHandshake(disarmHandshakeTimeout)
}

func (c *Connection) onWelcome(body []byte, disarmHandshakeTimeout func()) {
	if c.cfg.Role != RoleActive || c.state != StateHandshaking {
		c.fail("protocol violation: unexpected WELCOME")
		return
	}
	welcome, err := decodeWelcome(body)
	if err != nil {
		c.fail(err.Error())
		return
	}
	if welcome.Version != c.cfg.ProtocolVersion {
		c.fail(fmt.Sprintf("protocol version mismatch: peer=%d local=%d", welcome.Version, c.cfg.ProtocolVersion))
		return
	}
	peerID, err := wire.ParseNodeID(welcome.NodeID)
	if err != nil {
		c.fail(fmt.Sprintf("invalid node id in WELCOME: %v", err))
		return
	}
	c.cfg.Peer.Node = peerID
	c.cfg.Peer.Name = welcome.Name
	c.applyRemoteDevices(welcome.Devices)
	c.completeHandshake(disarmHandshakeTimeout)

	// The handshake as specified only conveys devices to the side that
	// receives WELCOME; send our own list now so the passive side is not
	// left without it (spec.md §6 already names DEVICE_UPDATE for this).
	update := encodeDeviceUpdate(c.localDevices())
	if err := c.stream.SendRecord(wire.RecordDeviceUpdate, update); err != nil {
		slog.Debug("send DEVICE_UPDATE after WELCOME failed", "node_id", c.cfg.Peer.Node, "err", err)
	}
}

func (c *Connection) completeHandshake(disarmHandshakeTimeout func()) {
	disarmHandshakeTimeout()
	c.connectedSince = time.Now()
	c.lastHeartbeatSeen = time.Now()
	c.setState(StateConnected)
}

func (c *Connection) onDeviceUpdate(body []byte) {
	if c.state != StateHandshaking && c.state != StateConnected {
		return
	}
	update, err := decodeDeviceUpdate(body)
	if err != nil {
		slog.Debug("discard malformed DEVICE_UPDATE", "node_id", c.cfg.Peer.Node, "err", err)
		return
	}
	c.applyRemoteDevices(update.Devices)
}

func (c *Connection) applyRemoteDevices(devices []DeviceAnnouncement) {
	c.remoteDevices = devices
	if c.cfg.Registry != nil {
		recs := make([]registry.Record, len(devices))
		for i, d := range devices {
			recs[i] = registry.Record{Device: d.DeviceID, Name: d.Name, Direction: d.Direction}
		}
		c.cfg.Registry.ReplaceRemote(c.cfg.Peer.Node, recs)
	}
	if c.cfg.OnDevicesUpdated != nil {
		c.cfg.OnDevicesUpdated(c.cfg.Peer.Node, devices)
	}
}

func (c *Connection) onBye(body []byte) {
	reason := "peer sent BYE"
	if b, err := decodeByeBody(body); err == nil && b.Reason != "" {
		reason = b.Reason
	}
	c.closeTransports()
	c.setState(StateDisconnected)
	c.notifyLost(reason)
}

func (c *Connection) onStreamMIDI(body []byte) {
	if c.state != StateConnected {
		return
	}
	device, ttl, payload, err := transport.DecodeMIDIBody(body)
	if err != nil {
		slog.Debug("discard malformed stream MIDI record", "node_id", c.cfg.Peer.Node, "err", err)
		return
	}
	if c.cfg.OnRemoteMIDI != nil {
		c.cfg.OnRemoteMIDI(c.cfg.Peer.Node, device, payload, ttl)
	}
}

func (c *Connection) handleDatagramFrame(frame transport.DatagramFrame) {
	if frame.IsHeartbeat {
		c.lastHeartbeatSeen = time.Now()
		return
	}
	if c.state != StateConnected {
		return
	}
	c.lastHeartbeatSeen = time.Now()
	if c.cfg.OnRemoteMIDI != nil {
		c.cfg.OnRemoteMIDI(c.cfg.Peer.Node, frame.Device, frame.Payload, frame.TTL)
	}
}

func (c *Connection) handleSendMidi(payload queue.SendMidiPayload) {
	if c.state != StateConnected {
		c.midiDropped.Add(1)
		return
	}
	var err error
	if classify.Classify(payload.Bytes) == classify.Realtime && c.datagram != nil {
		err = c.datagram.SendMIDI(payload.Device, payload.TTL, payload.Bytes)
	} else if c.stream != nil {
		err = c.stream.SendMIDI(payload.Device, payload.TTL, payload.Bytes)
	} else {
		err = fmt.Errorf("no transport available")
	}
	if err != nil {
		c.midiDropped.Add(1)
		slog.Debug("send midi failed", "node_id", c.cfg.Peer.Node, "err", err)
		return
	}
	c.midiSent.Add(1)
}

func (c *Connection) handleCheckHeartbeat() {
	if c.state != StateConnected {
		return
	}
	if time.Since(c.lastHeartbeatSeen) > c.cfg.HeartbeatTimeout {
		c.fail("heartbeat timeout")
	}
}

func (c *Connection) sendHeartbeat() {
	if c.state != StateConnected || c.datagram == nil {
		return
	}
	if err := c.datagram.SendHeartbeat(c.cfg.Self); err != nil {
		slog.Debug("send heartbeat failed", "node_id", c.cfg.Peer.Node, "err", err)
	}
}

func (c *Connection) handleTeardown(reason string, disarmHeartbeat, disarmHandshakeTimeout func()) {
	if c.state == StateDisconnected || c.state == StateFailed {
		return
	}
	if c.stream != nil {
		body := encodeBye(reason)
		_ = c.stream.SendRecord(wire.RecordBye, body)
	}
	disarmHeartbeat()
	disarmHandshakeTimeout()
	c.closeTransports()
	c.setState(StateDisconnected)
	c.notifyLost(reason)
}

func (c *Connection) localDevices() []DeviceAnnouncement {
	if c.cfg.LocalDevices == nil {
		return nil
	}
	return c.cfg.LocalDevices()
}
