// Package transport implements the dual MIDI transport plane: an
// unreliable, low-latency datagram path over a single shared UDP socket
// (spec.md §4.5) demultiplexed per peer by source address, and a reliable
// ordered stream path, one TCP connection per peer (spec.md §4.6).
package transport

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"meshnode/internal/wire"
)

// Circuit-breaker constants for per-peer datagram sends, grounded on the
// teacher's client.go sendHealth: after enough consecutive failures, stop
// wasting effort on an unreachable peer, probing occasionally for recovery.
const (
	breakerThreshold     uint32 = 50
	breakerProbeInterval uint32 = 25
)

type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < breakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%breakerProbeInterval != 0
}

func (h *sendHealth) recordFailure() uint32 { return h.failures.Add(1) }

func (h *sendHealth) recordSuccess() bool {
	wasTripped := h.failures.Swap(0) >= breakerThreshold
	if wasTripped {
		h.skips.Store(0)
	}
	return wasTripped
}

// ErrCircuitOpen is returned by DatagramSession.SendMIDI when the per-peer
// circuit breaker has tripped and this call isn't the periodic probe.
var ErrCircuitOpen = fmt.Errorf("datagram circuit breaker open")

// DatagramFrame is one decoded inbound frame, handed to the owning peer's
// inbox.
type DatagramFrame struct {
	IsHeartbeat   bool
	HeartbeatFrom wire.NodeID
	Device        wire.DeviceID
	Seq           uint32
	TTL           uint8
	Payload       []byte
}

// DatagramEndpoint owns the single UDP socket a node listens on. Every peer
// gets a DatagramSession bound to its remote address; inbound packets are
// demultiplexed here by source address and handed to the matching
// session's inbox.
type DatagramEndpoint struct {
	conn *net.UDPConn

	mu       sync.RWMutex
	sessions map[string]*DatagramSession

	closeOnce sync.Once
	done      chan struct{}
}

// ListenDatagramEndpoint binds the shared UDP socket for this node.
func ListenDatagramEndpoint(addr *net.UDPAddr) (*DatagramEndpoint, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	e := &DatagramEndpoint{
		conn:     conn,
		sessions: make(map[string]*DatagramSession),
		done:     make(chan struct{}),
	}
	go e.readLoop()
	return e, nil
}

// LocalAddr returns the bound local address, used to advertise a
// datagramEndpoint in the handshake.
func (e *DatagramEndpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Open registers (or returns the existing) session for remote, the
// per-peer logical handle used to send and receive datagrams.
func (e *DatagramEndpoint) Open(remote *net.UDPAddr) *DatagramSession {
	key := remote.String()
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[key]; ok {
		return s
	}
	s := &DatagramSession{
		endpoint: e,
		remote:   remote,
		inbox:    make(chan DatagramFrame, 256),
	}
	e.sessions[key] = s
	return s
}

// Close shuts down the shared socket and every registered session's inbox.
func (e *DatagramEndpoint) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	err := e.conn.Close()

	e.mu.Lock()
	for _, s := range e.sessions {
		s.closeInboxOnce()
	}
	e.mu.Unlock()
	return err
}

func (e *DatagramEndpoint) remove(remote *net.UDPAddr) {
	e.mu.Lock()
	delete(e.sessions, remote.String())
	e.mu.Unlock()
}

func (e *DatagramEndpoint) readLoop() {
	buf := make([]byte, wire.DatagramHeaderSize+wire.MaxDatagramPayload+64)
	for {
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.done:
			default:
				slog.Debug("datagram endpoint read error", "err", err)
			}
			return
		}
		frame, ok := decodeDatagramFrame(buf[:n])
		if !ok {
			continue // unknown magic/version, bad length: drop silently (spec.md §4.5)
		}

		e.mu.RLock()
		session, known := e.sessions[src.String()]
		e.mu.RUnlock()
		if !known {
			// No PeerConnection has opened a session for this source yet
			// (e.g. the first heartbeat arrives before handshake
			// completes). There is nothing to deliver to; drop.
			continue
		}
		if !frame.IsHeartbeat && !session.acceptSeq(frame.Seq) {
			continue // regression beyond the reordering window: drop
		}
		select {
		case session.inbox <- frame:
		default:
			// Peer inbox full: the worker is behind. Drop rather than
			// block the shared reader, which would stall every other peer.
		}
	}
}

// DatagramSession is one peer's logical handle onto the shared socket.
type DatagramSession struct {
	endpoint *DatagramEndpoint
	remote   *net.UDPAddr

	seq         atomic.Uint32
	lastSeqSeen atomic.Uint32
	seqStarted  atomic.Bool

	health sendHealth

	inbox        chan DatagramFrame
	inboxCloseOn sync.Once
}

// Inbox delivers decoded inbound frames from this peer.
func (s *DatagramSession) Inbox() <-chan DatagramFrame { return s.inbox }

func (s *DatagramSession) acceptSeq(seq uint32) bool {
	if !s.seqStarted.Swap(true) {
		s.lastSeqSeen.Store(seq)
		return true
	}
	last := s.lastSeqSeen.Load()
	if seq+wire.ReorderWindow < last {
		return false
	}
	if seq > last {
		s.lastSeqSeen.Store(seq)
	}
	return true
}

// SendMIDI frames and writes one MIDI datagram, applying the per-session
// circuit breaker.
func (s *DatagramSession) SendMIDI(device wire.DeviceID, ttl uint8, payload []byte) error {
	if len(payload) > wire.MaxDatagramPayload {
		return fmt.Errorf("datagram payload %d exceeds max %d", len(payload), wire.MaxDatagramPayload)
	}
	if s.health.shouldSkip() {
		return ErrCircuitOpen
	}
	seq := s.seq.Add(1)
	frame := encodeMIDIFrame(device, seq, ttl, payload)
	return s.write(frame)
}

// SendHeartbeat sends a zero-payload-plus-node-token heartbeat frame.
func (s *DatagramSession) SendHeartbeat(self wire.NodeID) error {
	frame := encodeHeartbeatFrame(self)
	return s.write(frame)
}

func (s *DatagramSession) write(frame []byte) error {
	_, err := s.endpoint.conn.WriteToUDP(frame, s.remote)
	if err != nil {
		s.health.recordFailure()
		return fmt.Errorf("write datagram to %s: %w", s.remote, err)
	}
	s.health.recordSuccess()
	return nil
}

// Close unregisters the session from the shared endpoint.
func (s *DatagramSession) Close() {
	s.endpoint.remove(s.remote)
	s.closeInboxOnce()
}

func (s *DatagramSession) closeInboxOnce() {
	s.inboxCloseOn.Do(func() { close(s.inbox) })
}

// --- wire codec ---

func encodeMIDIFrame(device wire.DeviceID, seq uint32, ttl uint8, payload []byte) []byte {
	out := make([]byte, wire.DatagramHeaderSize+len(payload))
	out[0], out[1], out[2] = wire.DatagramMagic0, wire.DatagramMagic1, wire.ProtocolVersion
	out[3] = wire.FlagMIDI | (ttl&0x1F)<<3
	binary.BigEndian.PutUint16(out[4:6], uint16(device))
	binary.BigEndian.PutUint32(out[6:10], seq)
	binary.BigEndian.PutUint16(out[10:12], uint16(len(payload)))
	copy(out[12:], payload)
	return out
}

func encodeHeartbeatFrame(self wire.NodeID) []byte {
	token := uuid.UUID(self)
	out := make([]byte, wire.DatagramHeaderSize+len(token))
	out[0], out[1], out[2] = wire.DatagramMagic0, wire.DatagramMagic1, wire.ProtocolVersion
	out[3] = wire.FlagHeartbeat
	// deviceId and seq are unused for heartbeats; left zero.
	binary.BigEndian.PutUint16(out[10:12], uint16(len(token)))
	copy(out[12:], token[:])
	return out
}

func decodeDatagramFrame(buf []byte) (DatagramFrame, bool) {
	if len(buf) < wire.DatagramHeaderSize {
		return DatagramFrame{}, false
	}
	if buf[0] != wire.DatagramMagic0 || buf[1] != wire.DatagramMagic1 || buf[2] != wire.ProtocolVersion {
		return DatagramFrame{}, false
	}
	flags := buf[3]
	device := binary.BigEndian.Uint16(buf[4:6])
	seq := binary.BigEndian.Uint32(buf[6:10])
	payloadLen := binary.BigEndian.Uint16(buf[10:12])
	if int(payloadLen) != len(buf)-wire.DatagramHeaderSize {
		return DatagramFrame{}, false
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[12:])

	if flags&wire.FlagHeartbeat != 0 {
		if len(payload) != 16 {
			return DatagramFrame{}, false
		}
		var id uuid.UUID
		copy(id[:], payload)
		return DatagramFrame{IsHeartbeat: true, HeartbeatFrom: wire.NodeID(id)}, true
	}

	ttl := (flags >> 3) & 0x1F
	return DatagramFrame{
		Device:  wire.DeviceID(device),
		Seq:     seq,
		TTL:     ttl,
		Payload: payload,
	}, true
}
