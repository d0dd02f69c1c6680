// Package wire defines the identifiers and wire-format constants shared by
// the transport, routing, and peer packages.
package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeID identifies a mesh process instance. The zero value is the reserved
// "local node" token used in rule storage (spec.md §3).
type NodeID uuid.UUID

// NilNodeID is the reserved value meaning "this node" in persisted rules.
var NilNodeID = NodeID(uuid.Nil)

// NewNodeID generates a fresh random NodeID.
func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

// ParseNodeID parses a canonical UUID string into a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("parse node id %q: %w", s, err)
	}
	return NodeID(id), nil
}

func (n NodeID) String() string { return uuid.UUID(n).String() }

// IsLocal reports whether n is the reserved "local node" token.
func (n NodeID) IsLocal() bool { return n == NilNodeID }

// DeviceID identifies one local or remote MIDI device within the namespace
// of its owning node.
type DeviceID uint16

// DeviceKey is the composite key used throughout the registry, routing
// table, and forwarding rules: (nodeId, deviceId).
type DeviceKey struct {
	Node   NodeID
	Device DeviceID
}

func (k DeviceKey) String() string {
	return fmt.Sprintf("%s/%d", k.Node, k.Device)
}

// Direction is the I/O direction of a MIDI device.
type Direction uint8

const (
	DirectionInput Direction = iota
	DirectionOutput
)

func (d Direction) String() string {
	if d == DirectionInput {
		return "input"
	}
	return "output"
}

// Datagram frame layout (spec.md §4.5, §6):
//
//	[magic(2)][version(1)][flags(1)][deviceId(2)][seq(4)][payloadLen(2)][payload...]
const (
	DatagramMagic0 byte = 0x4E // 'N'
	DatagramMagic1 byte = 0x4D // 'M'
	ProtocolVersion byte = 0x01

	DatagramHeaderSize = 2 + 1 + 1 + 2 + 4 + 2
	MaxDatagramPayload = 1200 // comfortably under typical LAN MTU after header
)

// Flag bits within a datagram frame's flags byte.
const (
	FlagHeartbeat byte = 0x01
	FlagMIDI      byte = 0x02
)

// TTL is carried in bits [3..7] of the datagram frame's flags byte for
// MIDI frames (flags.midi=1); heartbeats carry no TTL. Valid range is
// 1..31 per spec.md §6.
const (
	MinTTL uint8 = 1
	MaxTTL uint8 = 31

	DefaultTTL uint8 = 4
)

// ReorderWindow bounds how far a received sequence number may regress
// before the datagram receiver drops the frame.
const ReorderWindow uint32 = 64

// Stream record types (spec.md §6).
type RecordType uint8

const (
	RecordHello RecordType = iota + 1
	RecordWelcome
	RecordBye
	RecordMIDI
	RecordDeviceUpdate
)

func (t RecordType) String() string {
	switch t {
	case RecordHello:
		return "HELLO"
	case RecordWelcome:
		return "WELCOME"
	case RecordBye:
		return "BYE"
	case RecordMIDI:
		return "MIDI"
	case RecordDeviceUpdate:
		return "DEVICE_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// StreamHeaderSize is the fixed [u32 length][u8 recordType] prefix every
// stream record carries; length counts only the bytes that follow it.
const StreamHeaderSize = 4 + 1

// MaxStreamRecord bounds a single stream record so a corrupt or hostile
// peer cannot make the reader allocate unbounded memory.
const MaxStreamRecord = 8 << 20 // 8 MiB, comfortably above any realistic SysEx dump
