package forward

import (
	"fmt"
	"testing"

	"meshnode/internal/route"
	"meshnode/internal/wire"
)

type fakeRules struct {
	rules    []route.Rule
	forwards []route.RuleID
	drops    []route.RuleID
}

func (f *fakeRules) DestinationsFor(wire.DeviceKey) []route.Rule { return f.rules }
func (f *fakeRules) RecordForward(id route.RuleID)               { f.forwards = append(f.forwards, id) }
func (f *fakeRules) RecordDrop(id route.RuleID)                   { f.drops = append(f.drops, id) }

type fakeLocal struct {
	sent []wire.DeviceID
}

func (f *fakeLocal) Send(device wire.DeviceID, bytes []byte) error {
	f.sent = append(f.sent, device)
	return nil
}

type fakePeers struct {
	sent []struct {
		node   wire.NodeID
		device wire.DeviceID
		ttl    uint8
	}
	failNode wire.NodeID
}

func (f *fakePeers) SendMidi(node wire.NodeID, device wire.DeviceID, bytes []byte, ttl uint8) error {
	if node == f.failNode {
		return fmt.Errorf("no connection for peer %s", node)
	}
	f.sent = append(f.sent, struct {
		node   wire.NodeID
		device wire.DeviceID
		ttl    uint8
	}{node, device, ttl})
	return nil
}

func newRuleID() route.RuleID { return route.NewRuleID() }

func TestOnLocalInputDispatchesToLocalDestination(t *testing.T) {
	self := wire.NewNodeID()
	ruleID := newRuleID()
	rules := &fakeRules{rules: []route.Rule{{
		ID:          ruleID,
		Destination: wire.DeviceKey{Node: self, Device: 9},
		Enabled:     true,
		Priority:    100,
		TTL:         4,
	}}}
	local := &fakeLocal{}
	peers := &fakePeers{}
	e := New(self, rules, local, peers)

	e.OnLocalInput(1, []byte{0x90, 0x40, 0x7F})

	if len(local.sent) != 1 || local.sent[0] != 9 {
		t.Fatalf("local.sent = %v, want [9]", local.sent)
	}
	if len(rules.forwards) != 1 || rules.forwards[0] != ruleID {
		t.Errorf("forwards = %v, want [%v]", rules.forwards, ruleID)
	}
}

func TestOnRemoteInputTTLZeroSuppressed(t *testing.T) {
	self := wire.NewNodeID()
	rules := &fakeRules{rules: []route.Rule{{ID: newRuleID(), Enabled: true, Destination: wire.DeviceKey{Node: self, Device: 1}}}}
	local := &fakeLocal{}
	e := New(self, rules, local, &fakePeers{})

	e.OnRemoteInput(wire.NewNodeID(), 1, []byte{0x90, 0x40, 0x7F}, 0)

	if len(local.sent) != 0 {
		t.Error("event with ttl=0 was forwarded, want suppressed")
	}
}

func TestRemoteDestinationDecrementsTTL(t *testing.T) {
	self := wire.NewNodeID()
	dest := wire.NewNodeID()
	ruleID := newRuleID()
	rules := &fakeRules{rules: []route.Rule{{ID: ruleID, Enabled: true, Destination: wire.DeviceKey{Node: dest, Device: 2}}}}
	peers := &fakePeers{}
	e := New(self, rules, &fakeLocal{}, peers)

	e.OnRemoteInput(wire.NewNodeID(), 1, []byte{0x90, 0x40, 0x7F}, 5)

	if len(peers.sent) != 1 || peers.sent[0].ttl != 4 {
		t.Fatalf("peers.sent = %+v, want ttl=4", peers.sent)
	}
}

func TestChannelFilterDropsNonMatchingChannel(t *testing.T) {
	self := wire.NewNodeID()
	ch := uint8(2)
	ruleID := newRuleID()
	rules := &fakeRules{rules: []route.Rule{{ID: ruleID, Enabled: true, ChannelFilter: &ch, Destination: wire.DeviceKey{Node: self, Device: 1}}}}
	local := &fakeLocal{}
	e := New(self, rules, local, &fakePeers{})

	e.OnLocalInput(1, []byte{0x90, 0x40, 0x7F}) // channel 0, filter wants 2

	if len(local.sent) != 0 {
		t.Error("message on wrong channel was forwarded")
	}
	if len(rules.drops) != 1 || rules.drops[0] != ruleID {
		t.Errorf("drops = %v, want [%v]", rules.drops, ruleID)
	}
}

func TestMessageTypeMaskDropsNonMatchingType(t *testing.T) {
	self := wire.NewNodeID()
	ruleID := newRuleID()
	// mask allows only message type 0xC (program change), note-on (0x9) should drop.
	rules := &fakeRules{rules: []route.Rule{{ID: ruleID, Enabled: true, MessageTypeMask: 1 << 0xC, Destination: wire.DeviceKey{Node: self, Device: 1}}}}
	local := &fakeLocal{}
	e := New(self, rules, local, &fakePeers{})

	e.OnLocalInput(1, []byte{0x90, 0x40, 0x7F})

	if len(local.sent) != 0 {
		t.Error("message of disallowed type was forwarded")
	}
}

func TestDisabledRuleSkipped(t *testing.T) {
	self := wire.NewNodeID()
	rules := &fakeRules{rules: []route.Rule{{ID: newRuleID(), Enabled: false, Destination: wire.DeviceKey{Node: self, Device: 1}}}}
	local := &fakeLocal{}
	e := New(self, rules, local, &fakePeers{})

	e.OnLocalInput(1, []byte{0x90, 0x40, 0x7F})

	if len(local.sent) != 0 {
		t.Error("disabled rule was forwarded")
	}
}

func TestPriorityOrderingIsDescending(t *testing.T) {
	self := wire.NewNodeID()
	low := route.Rule{ID: newRuleID(), Enabled: true, Priority: 10, Destination: wire.DeviceKey{Node: self, Device: 1}}
	high := route.Rule{ID: newRuleID(), Enabled: true, Priority: 200, Destination: wire.DeviceKey{Node: self, Device: 2}}
	rules := &fakeRules{rules: []route.Rule{low, high}}
	local := &fakeLocal{}
	e := New(self, rules, local, &fakePeers{})

	e.OnLocalInput(1, []byte{0x90, 0x40, 0x7F})

	if len(local.sent) != 2 || local.sent[0] != 2 || local.sent[1] != 1 {
		t.Fatalf("local.sent = %v, want [2 1] (high priority first)", local.sent)
	}
}

func TestPeerSendFailureRecordsDrop(t *testing.T) {
	self := wire.NewNodeID()
	dest := wire.NewNodeID()
	ruleID := newRuleID()
	rules := &fakeRules{rules: []route.Rule{{ID: ruleID, Enabled: true, Destination: wire.DeviceKey{Node: dest, Device: 1}}}}
	peers := &fakePeers{failNode: dest}
	e := New(self, rules, &fakeLocal{}, peers)

	e.OnLocalInput(1, []byte{0x90, 0x40, 0x7F})

	if len(rules.drops) != 1 || rules.drops[0] != ruleID {
		t.Errorf("drops = %v, want [%v] after peer send failure", rules.drops, ruleID)
	}
}
