package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"meshnode/internal/wire"
)

// StreamRecord is one decoded length-prefixed record (spec.md §4.6, §6).
type StreamRecord struct {
	Type wire.RecordType
	Body []byte
}

// Stream wraps one peer's TCP connection. A single writer goroutine drains
// the outbound channel so that one peer's slow stream can never block
// another peer's (spec.md §4.6: "avoid head-of-line blocking between
// peers" — each peer has its own Stream and its own goroutines).
type Stream struct {
	conn   net.Conn
	reader *bufio.Reader

	outbound chan []byte
	inbox    chan StreamRecord

	closeOnce sync.Once
	done      chan struct{}
}

// NewStream takes ownership of conn (already dialed or accepted) and starts
// its reader/writer goroutines.
func NewStream(conn net.Conn, outboundBuffer, inboxBuffer int) *Stream {
	s := &Stream{
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, 4096),
		outbound: make(chan []byte, outboundBuffer),
		inbox:    make(chan StreamRecord, inboxBuffer),
		done:     make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s
}

// Inbox delivers decoded inbound records in arrival order.
func (s *Stream) Inbox() <-chan StreamRecord { return s.inbox }

// SendRecord encodes and enqueues one record. It blocks briefly if the
// outbound buffer is momentarily full — acceptable for the stream path,
// which exists precisely to carry data (large SysEx, control records) that
// must not be dropped (spec.md §4.12 "Backpressure": the SysEx path may
// block briefly, bounded here by the channel capacity).
func (s *Stream) SendRecord(rt wire.RecordType, body []byte) error {
	if len(body) > wire.MaxStreamRecord {
		return fmt.Errorf("stream record %d bytes exceeds max %d", len(body), wire.MaxStreamRecord)
	}
	frame := encodeStreamRecord(rt, body)
	select {
	case s.outbound <- frame:
		return nil
	case <-s.done:
		return fmt.Errorf("stream closed")
	}
}

// SendMIDI encodes a MIDI record body [u16 deviceId][u8 ttl][bytes].
func (s *Stream) SendMIDI(device wire.DeviceID, ttl uint8, payload []byte) error {
	body := make([]byte, 3+len(payload))
	binary.BigEndian.PutUint16(body[0:2], uint16(device))
	body[2] = ttl
	copy(body[3:], payload)
	return s.SendRecord(wire.RecordMIDI, body)
}

// DecodeMIDIBody parses a MIDI record body back into its fields.
func DecodeMIDIBody(body []byte) (device wire.DeviceID, ttl uint8, payload []byte, err error) {
	if len(body) < 3 {
		return 0, 0, nil, fmt.Errorf("midi record too short: %d bytes", len(body))
	}
	device = wire.DeviceID(binary.BigEndian.Uint16(body[0:2]))
	ttl = body[2]
	payload = append([]byte(nil), body[3:]...)
	return device, ttl, payload, nil
}

// Close shuts down both goroutines and the underlying connection.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.conn.Close()
}

func (s *Stream) writeLoop() {
	for {
		select {
		case frame, ok := <-s.outbound:
			if !ok {
				return
			}
			if _, err := s.conn.Write(frame); err != nil {
				slog.Debug("stream write error", "remote", s.conn.RemoteAddr(), "err", err)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Stream) readLoop() {
	defer close(s.inbox)
	header := make([]byte, wire.StreamHeaderSize)
	for {
		if _, err := io.ReadFull(s.reader, header); err != nil {
			select {
			case <-s.done:
			default:
				slog.Debug("stream read header error", "remote", s.conn.RemoteAddr(), "err", err)
			}
			return
		}
		length := binary.BigEndian.Uint32(header[0:4])
		recordType := wire.RecordType(header[4])
		if length > wire.MaxStreamRecord {
			slog.Warn("stream record exceeds max size, closing connection", "remote", s.conn.RemoteAddr(), "length", length)
			return
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(s.reader, body); err != nil {
			slog.Debug("stream read body error", "remote", s.conn.RemoteAddr(), "err", err)
			return
		}
		select {
		case s.inbox <- StreamRecord{Type: recordType, Body: body}:
		case <-s.done:
			return
		}
	}
}

func encodeStreamRecord(rt wire.RecordType, body []byte) []byte {
	out := make([]byte, wire.StreamHeaderSize+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	out[4] = byte(rt)
	copy(out[5:], body)
	return out
}
