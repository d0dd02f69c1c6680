package audit

import (
	"context"
	"path/filepath"
	"testing"

	"meshnode/internal/wire"
)

func TestOpenRecordAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	node := wire.NewNodeID()
	store.Record(KindPeerStateChanged, node, nil, nil, "connected")

	ruleID := "11111111-1111-1111-1111-111111111111"
	device := uint16(3)
	store.Record(KindRuleCreated, node, &device, &ruleID, "source -> dest")

	events, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Recent returned %d events, want 2", len(events))
	}
	// newest first
	if events[0].Kind != KindRuleCreated || events[0].NodeID != node {
		t.Errorf("events[0] = %+v, want the rule_created event", events[0])
	}
	if events[0].RuleID == nil || *events[0].RuleID != ruleID {
		t.Errorf("events[0].RuleID = %v, want %q", events[0].RuleID, ruleID)
	}
}

func TestRecordOnNilStoreIsNoop(t *testing.T) {
	var store *Store
	store.Record(KindPeerReaped, wire.NewNodeID(), nil, nil, "should not panic")
}

func TestRecentDefaultsLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	store.Record(KindPeerReaped, wire.NewNodeID(), nil, nil, "reaped")

	events, err := store.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Recent(0) = %d events, want 1 (default limit applied)", len(events))
	}
}
