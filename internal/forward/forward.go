// Package forward implements ForwardingEngine (spec.md §4.12): the hot
// path that takes one inbound MIDI event, evaluates matching rules, and
// dispatches to a local backend or a peer connection. Grounded on
// Room.Broadcast/readDatagrams fan-out in the teacher's client.go (per-
// destination skip-and-count, exactly the shape of forwarded/dropped
// counters here); the priority sort has no teacher analogue and is
// grounded directly on spec.md §4.12 step 3, using sort.Slice the way
// internal/core/channel_state.go's snapshotLocked does for deterministic
// ordering.
package forward

import (
	"log/slog"
	"sort"
	"sync/atomic"

	"meshnode/internal/classify"
	"meshnode/internal/route"
	"meshnode/internal/wire"
)

// LocalMidiBackend is the minimal local-output surface the engine needs.
type LocalMidiBackend interface {
	Send(device wire.DeviceID, bytes []byte) error
}

// PeerSender is the minimal ConnectionPool surface the engine needs: look
// up a peer connection and check whether it is ready to carry traffic.
type PeerSender interface {
	SendMidi(node wire.NodeID, device wire.DeviceID, bytes []byte, ttl uint8) error
}

// RuleSource is the minimal RouteManager surface the engine needs.
type RuleSource interface {
	DestinationsFor(key wire.DeviceKey) []route.Rule
	RecordForward(id route.RuleID)
	RecordDrop(id route.RuleID)
}

// Engine evaluates ForwardingRules for each inbound event and dispatches
// it to its destinations.
type Engine struct {
	self  wire.NodeID
	rules RuleSource
	local LocalMidiBackend
	peers PeerSender

	// loopDrops counts events suppressed at ttl==0, before any rule is
	// matched, so no per-rule RecordDrop is attributable (spec.md §4.12
	// step 1, §8 scenario 4 "dropped counter reflects the final drop").
	loopDrops atomic.Uint64
}

func New(self wire.NodeID, rules RuleSource, local LocalMidiBackend, peers PeerSender) *Engine {
	return &Engine{self: self, rules: rules, local: local, peers: peers}
}

// LoopDrops returns the number of events suppressed so far because their
// TTL reached zero before any destination rule could be attributed.
func (e *Engine) LoopDrops() uint64 {
	return e.loopDrops.Load()
}

// OnLocalInput handles a MIDI event produced by a local input device: TTL
// starts fresh at the rule's configured value (spec.md data flow: the
// local ingress point is where ttl is first assigned, from the matching
// rule, not from the caller).
func (e *Engine) OnLocalInput(device wire.DeviceID, bytes []byte) {
	e.dispatch(wire.DeviceKey{Node: e.self, Device: device}, bytes, 0, true)
}

// OnRemoteInput handles a MIDI event received from a peer, tagged with
// the sender's (nodeId, deviceId) and the ttl it arrived with (already
// decremented by the sender per spec.md §4.12 "Loop suppression").
func (e *Engine) OnRemoteInput(sourceNode wire.NodeID, sourceDevice wire.DeviceID, bytes []byte, ttl uint8) {
	e.dispatch(wire.DeviceKey{Node: sourceNode, Device: sourceDevice}, bytes, ttl, false)
}

// dispatch implements the §4.12 hot path. fromLocal is true only for
// OnLocalInput, where ttl has not yet been assigned by any rule.
func (e *Engine) dispatch(source wire.DeviceKey, bytes []byte, incomingTTL uint8, fromLocal bool) {
	if !fromLocal && incomingTTL == 0 {
		// Loop suppression: the frame has already been relayed to
		// exhaustion (spec.md §4.12 step 1).
		e.loopDrops.Add(1)
		slog.Debug("forward dropped: ttl exhausted", "source", source)
		return
	}

	matches := e.rules.DestinationsFor(source)
	if len(matches) == 0 {
		return
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return matches[i].ID.String() < matches[j].ID.String()
	})

	channel, hasChannel := classify.Channel(bytes)
	msgType, hasType := classify.MessageType(bytes)

	for _, rule := range matches {
		if !rule.Enabled {
			continue
		}
		if rule.ChannelFilter != nil {
			if !hasChannel || channel != *rule.ChannelFilter {
				e.rules.RecordDrop(rule.ID)
				continue
			}
		}
		if rule.MessageTypeMask != 0 && hasType {
			if rule.MessageTypeMask&(1<<uint(msgType)) == 0 {
				e.rules.RecordDrop(rule.ID)
				continue
			}
		}

		outTTL := rule.TTL
		if !fromLocal {
			outTTL = incomingTTL - 1
		}

		var err error
		if rule.Destination.Node == e.self {
			err = e.local.Send(rule.Destination.Device, bytes)
		} else {
			err = e.peers.SendMidi(rule.Destination.Node, rule.Destination.Device, bytes, outTTL)
		}
		if err != nil {
			e.rules.RecordDrop(rule.ID)
			slog.Debug("forward dropped", "rule_id", rule.ID, "destination", rule.Destination, "err", err)
			continue
		}
		e.rules.RecordForward(rule.ID)
	}
}
