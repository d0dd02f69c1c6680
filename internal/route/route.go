// Package route implements RouteManager (spec.md §4.11): CRUD over the
// ForwardingRule set, indexed by (sourceNodeId, sourceDeviceId) for O(1)
// hot-path lookup, validated against DeviceRegistry, and persisted to an
// atomically-replaced routes.json. Grounded on the teacher's
// internal/store/store.go migrate-then-serve shape and cli.go's settings
// get/set validation, adapted from SQLite rows to a JSON document since
// the spec's wire format for rules is explicitly routes.json (spec.md
// §3, §6) — sqlite remains the vehicle for the audit trail instead
// (internal/audit).
package route

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshnode/internal/registry"
	"meshnode/internal/wire"
)

// RuleID identifies one ForwardingRule.
type RuleID uuid.UUID

func NewRuleID() RuleID { return RuleID(uuid.New()) }

func ParseRuleID(s string) (RuleID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return RuleID{}, fmt.Errorf("parse rule id %q: %w", s, err)
	}
	return RuleID(id), nil
}

func (r RuleID) String() string { return uuid.UUID(r).String() }

// Stats are the in-memory, per-rule forwarding counters. They are not
// written to routes.json, the audit store, or anywhere else, so they start
// from zero on every process start.
type Stats struct {
	Forwarded uint64
	Dropped   uint64
	LastAt    time.Time
}

// Rule is one ForwardingRule (spec.md §3).
type Rule struct {
	ID              RuleID
	Source          wire.DeviceKey
	Destination     wire.DeviceKey
	Enabled         bool
	Priority        int32
	ChannelFilter   *uint8 // nil = unset, else 0..15
	MessageTypeMask uint16
	TTL             uint8
	Stats           Stats
}

// persistedRule is the JSON shape written to routes.json; Stats are not
// persisted there (spec.md §9 open-question decision: statistics reset on
// reload).
type persistedRule struct {
	RuleID          string `json:"ruleId"`
	SourceNode      string `json:"sourceNode"`
	SourceDevice    uint16 `json:"sourceDevice"`
	DestNode        string `json:"destNode"`
	DestDevice      uint16 `json:"destDevice"`
	Enabled         bool   `json:"enabled"`
	Priority        int32  `json:"priority"`
	ChannelFilter   *uint8 `json:"channelFilter,omitempty"`
	MessageTypeMask uint16 `json:"messageTypeMask"`
	TTL             uint8  `json:"ttl"`
}

type routingFile struct {
	Version int             `json:"version"`
	Rules   []persistedRule `json:"rules"`
}

const routingFileVersion = 1

var (
	// ErrValidation wraps every rule-validation failure (spec.md §4.11).
	ErrValidation = fmt.Errorf("forwarding rule validation failed")
	// ErrDuplicateRule is returned when a rule with an identical
	// (source, destination) pair already exists at equal priority
	// (spec.md §9 open question, resolved in DESIGN.md).
	ErrDuplicateRule = fmt.Errorf("duplicate forwarding rule")
	// ErrNotFound is returned by Update/Delete for an unknown RuleID.
	ErrNotFound = fmt.Errorf("forwarding rule not found")
)

// DeviceLookup is the minimal registry.Registry surface RouteManager
// needs, kept narrow so tests can substitute a fake.
type DeviceLookup interface {
	Lookup(key wire.DeviceKey) (registry.Record, bool)
}

// Manager owns the ForwardingRule set: CRUD, validation, persistence, and
// the sourceIndex ForwardingEngine reads on its hot path.
type Manager struct {
	mu    sync.Mutex
	path  string
	rules map[RuleID]*Rule
	// sourceIndex maps a source DeviceKey to every rule whose source is
	// that key, for O(1) destination lookup (spec.md §4.11, §4.12 step 2).
	sourceIndex map[wire.DeviceKey][]RuleID
	// pending holds validated-at-parse-time rules whose endpoints don't
	// yet exist in DeviceRegistry; revalidated on every registry change
	// (spec.md §4.11 "load()... others held in a pending set").
	pending []persistedRule

	devices DeviceLookup
	audit   AuditSink

	// saveMu serializes whole save() calls, snapshot through rename.
	saveMu sync.Mutex
}

// AuditSink records rule-mutation AuditEvents (SPEC_FULL.md §3, §4.11
// "every mutating RouteManager call also appends one AuditEvent"). Kept
// as a narrow interface so this package doesn't depend on internal/audit
// directly; meshnode wires a real *audit.Store via an adapter.
type AuditSink interface {
	RecordRuleEvent(kind, ruleID, detail string)
}

// New constructs an empty, unloaded Manager. Call Load to read routes.json.
func New(path string, devices DeviceLookup) *Manager {
	return &Manager{
		path:        path,
		rules:       make(map[RuleID]*Rule),
		sourceIndex: make(map[wire.DeviceKey][]RuleID),
		devices:     devices,
	}
}

// SetAuditSink attaches the AuditSink used for rule-mutation events. Safe
// to call once during wiring, before any mutating call runs concurrently.
func (m *Manager) SetAuditSink(sink AuditSink) {
	m.audit = sink
}

func (m *Manager) recordAudit(kind, ruleID, detail string) {
	if m.audit != nil {
		m.audit.RecordRuleEvent(kind, ruleID, detail)
	}
}

// Load reads routes.json (if present) and inserts every rule whose
// endpoints currently exist in DeviceRegistry; the rest are held pending
// (spec.md §3 "loaded once at startup before remote peer handshakes
// complete").
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		slog.Info("no routing file found, starting with an empty rule set", "path", m.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read routing file %s: %w", m.path, err)
	}
	var doc routingFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse routing file %s: %w", m.path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	loaded, held := 0, 0
	for _, pr := range doc.Rules {
		if m.insertIfValidLocked(pr) {
			loaded++
		} else {
			m.pending = append(m.pending, pr)
			held++
		}
	}
	slog.Info("routing file loaded", "path", m.path, "loaded", loaded, "pending", held)
	return nil
}

func (m *Manager) insertIfValidLocked(pr persistedRule) bool {
	id, err := ParseRuleID(pr.RuleID)
	if err != nil {
		slog.Warn("discarding routing file entry with invalid ruleId", "ruleId", pr.RuleID, "err", err)
		return true // not a "pending" case, don't retry forever
	}
	srcNode, err := wire.ParseNodeID(pr.SourceNode)
	if err != nil {
		return false
	}
	dstNode, err := wire.ParseNodeID(pr.DestNode)
	if err != nil {
		return false
	}
	rule := &Rule{
		ID:              id,
		Source:          wire.DeviceKey{Node: srcNode, Device: wire.DeviceID(pr.SourceDevice)},
		Destination:     wire.DeviceKey{Node: dstNode, Device: wire.DeviceID(pr.DestDevice)},
		Enabled:         pr.Enabled,
		Priority:        pr.Priority,
		ChannelFilter:   pr.ChannelFilter,
		MessageTypeMask: pr.MessageTypeMask,
		TTL:             pr.TTL,
	}
	if !m.endpointsExistLocked(rule) {
		return false
	}
	m.insertLocked(rule)
	return true
}

func (m *Manager) endpointsExistLocked(r *Rule) bool {
	if m.devices == nil {
		return true
	}
	src, ok := m.devices.Lookup(r.Source)
	if !ok || src.Direction != wire.DirectionInput {
		return false
	}
	dst, ok := m.devices.Lookup(r.Destination)
	if !ok || dst.Direction != wire.DirectionOutput {
		return false
	}
	return true
}

func (m *Manager) insertLocked(r *Rule) {
	m.rules[r.ID] = r
	m.sourceIndex[r.Source] = append(m.sourceIndex[r.Source], r.ID)
}

func (m *Manager) removeFromIndexLocked(r *Rule) {
	ids := m.sourceIndex[r.Source]
	for i, id := range ids {
		if id == r.ID {
			m.sourceIndex[r.Source] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.sourceIndex[r.Source]) == 0 {
		delete(m.sourceIndex, r.Source)
	}
}

// NewRuleInput is the caller-supplied shape for Add; ID and Stats are
// assigned by the Manager.
type NewRuleInput struct {
	Source          wire.DeviceKey
	Destination     wire.DeviceKey
	Enabled         bool
	Priority        int32 // 0 means "use default 100" per spec.md §3
	ChannelFilter   *uint8
	MessageTypeMask uint16
	TTL             uint8 // 0 means "use default 4" per spec.md §3
}

// Add validates and inserts a new rule, persisting the rule set
// afterward. Returns the assigned RuleID.
func (m *Manager) Add(in NewRuleInput) (RuleID, error) {
	if in.Priority == 0 {
		in.Priority = 100
	}
	if in.TTL == 0 {
		in.TTL = wire.DefaultTTL
	}
	rule := &Rule{
		ID:              NewRuleID(),
		Source:          in.Source,
		Destination:     in.Destination,
		Enabled:         in.Enabled,
		Priority:        in.Priority,
		ChannelFilter:   in.ChannelFilter,
		MessageTypeMask: in.MessageTypeMask,
		TTL:             in.TTL,
	}

	m.mu.Lock()
	if err := m.validateLocked(rule); err != nil {
		m.mu.Unlock()
		return RuleID{}, err
	}
	if m.duplicateLocked(rule) {
		m.mu.Unlock()
		return RuleID{}, fmt.Errorf("rule %s -> %s at priority %d: %w", rule.Source, rule.Destination, rule.Priority, ErrDuplicateRule)
	}
	m.insertLocked(rule)
	m.mu.Unlock()

	if err := m.save(); err != nil {
		slog.Error("failed to persist routing file after add", "err", err)
	}
	m.recordAudit("rule_created", rule.ID.String(), fmt.Sprintf("%s -> %s priority=%d", rule.Source, rule.Destination, rule.Priority))
	return rule.ID, nil
}

func (m *Manager) duplicateLocked(rule *Rule) bool {
	for _, id := range m.sourceIndex[rule.Source] {
		existing := m.rules[id]
		if existing.Destination == rule.Destination && existing.Priority == rule.Priority {
			return true
		}
	}
	return false
}

func (m *Manager) validateLocked(rule *Rule) error {
	if rule.Source == rule.Destination {
		return fmt.Errorf("source equals destination %s: %w", rule.Source, ErrValidation)
	}
	if rule.ChannelFilter != nil && *rule.ChannelFilter > 15 {
		return fmt.Errorf("channelFilter %d out of range 0..15: %w", *rule.ChannelFilter, ErrValidation)
	}
	if rule.TTL == 0 {
		return fmt.Errorf("ttl must be >= 1: %w", ErrValidation)
	}
	if !m.endpointsExistLocked(rule) {
		return fmt.Errorf("source must exist as Input and destination as Output: %w", ErrValidation)
	}
	return nil
}

// Update applies a partial update (spec.md §6 PUT contract: enabled,
// priority, filters) to an existing rule, revalidates, and persists.
type Update struct {
	Enabled         *bool
	Priority        *int32
	ChannelFilter   **uint8 // non-nil outer means "set", inner nil means "clear"
	MessageTypeMask *uint16
}

func (m *Manager) Update(id RuleID, upd Update) error {
	m.mu.Lock()
	rule, ok := m.rules[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	before := *rule
	if upd.Enabled != nil {
		rule.Enabled = *upd.Enabled
	}
	if upd.Priority != nil {
		rule.Priority = *upd.Priority
	}
	if upd.ChannelFilter != nil {
		rule.ChannelFilter = *upd.ChannelFilter
	}
	if upd.MessageTypeMask != nil {
		rule.MessageTypeMask = *upd.MessageTypeMask
	}
	if err := m.validateLocked(rule); err != nil {
		*rule = before
		m.mu.Unlock()
		return err
	}
	detail := fmt.Sprintf("enabled=%t priority=%d", rule.Enabled, rule.Priority)
	m.mu.Unlock()

	if err := m.save(); err != nil {
		slog.Error("failed to persist routing file after update", "err", err)
	}
	m.recordAudit("rule_updated", id.String(), detail)
	return nil
}

// Delete removes a rule and persists the change.
func (m *Manager) Delete(id RuleID) error {
	m.mu.Lock()
	rule, ok := m.rules[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	m.removeFromIndexLocked(rule)
	delete(m.rules, id)
	m.mu.Unlock()

	if err := m.save(); err != nil {
		slog.Error("failed to persist routing file after delete", "err", err)
	}
	m.recordAudit("rule_deleted", id.String(), fmt.Sprintf("%s -> %s", rule.Source, rule.Destination))
	return nil
}

// Get returns a copy of one rule.
func (m *Manager) Get(id RuleID) (Rule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// DestinationsFor returns every rule whose source is key, for the
// ForwardingEngine hot path. Copies out from the index to avoid any
// caller mutating Manager-owned state.
func (m *Manager) DestinationsFor(key wire.DeviceKey) []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.sourceIndex[key]
	out := make([]Rule, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.rules[id])
	}
	return out
}

// RecordForward updates a rule's forwarded counter and lastAt. Called by
// ForwardingEngine on the hot path; holds the same mutex briefly.
func (m *Manager) RecordForward(id RuleID) {
	m.mu.Lock()
	if r, ok := m.rules[id]; ok {
		r.Stats.Forwarded++
		r.Stats.LastAt = time.Now()
	}
	m.mu.Unlock()
}

// RecordDrop updates a rule's dropped counter.
func (m *Manager) RecordDrop(id RuleID) {
	m.mu.Lock()
	if r, ok := m.rules[id]; ok {
		r.Stats.Dropped++
	}
	m.mu.Unlock()
}

// List returns a stable-ordered snapshot of every rule, for the
// control-plane GET /routing/rules.
func (m *Manager) List() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// OnDeviceInserted implements registry.ChangeListener: a newly-registered
// device may validate a previously-pending rule.
func (m *Manager) OnDeviceInserted(registry.Record) {
	m.revalidatePending()
}

// OnDeviceRemoved implements registry.ChangeListener: a removed device
// demotes any rule that referenced it back to pending, per spec.md §3
// "inert atomically with device removal".
func (m *Manager) OnDeviceRemoved(key wire.DeviceKey) {
	m.mu.Lock()
	var demoted []persistedRule
	for id, r := range m.rules {
		if r.Source != key && r.Destination != key {
			continue
		}
		m.removeFromIndexLocked(r)
		delete(m.rules, id)
		demoted = append(demoted, toPersisted(r))
	}
	m.pending = append(m.pending, demoted...)
	m.mu.Unlock()
}

func (m *Manager) revalidatePending() {
	m.mu.Lock()
	var stillPending []persistedRule
	promoted := 0
	for _, pr := range m.pending {
		if m.insertIfValidLocked(pr) {
			promoted++
		} else {
			stillPending = append(stillPending, pr)
		}
	}
	m.pending = stillPending
	m.mu.Unlock()
	if promoted > 0 {
		slog.Info("pending routing rules promoted after device registration", "count", promoted)
		if err := m.save(); err != nil {
			slog.Error("failed to persist routing file after promoting pending rules", "err", err)
		}
	}
}

// Save atomically rewrites routes.json from the current rule set (plus
// whatever remains pending) via write-to-temp-then-rename (spec.md §4.11,
// §6). Safe to call concurrently; whole saves are serialized by saveMu.
func (m *Manager) Save() error {
	return m.save()
}

func (m *Manager) save() error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	m.mu.Lock()
	doc := routingFile{Version: routingFileVersion}
	for _, r := range m.rules {
		doc.Rules = append(doc.Rules, toPersisted(r))
	}
	doc.Rules = append(doc.Rules, m.pending...)
	m.mu.Unlock()

	sort.Slice(doc.Rules, func(i, j int) bool { return doc.Rules[i].RuleID < doc.Rules[j].RuleID })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal routing file: %w", err)
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create routing file dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".routes-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp routing file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp routing file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp routing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp routing file: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename routing file into place: %w", err)
	}
	return nil
}

func toPersisted(r *Rule) persistedRule {
	return persistedRule{
		RuleID:          r.ID.String(),
		SourceNode:      r.Source.Node.String(),
		SourceDevice:    uint16(r.Source.Device),
		DestNode:        r.Destination.Node.String(),
		DestDevice:      uint16(r.Destination.Device),
		Enabled:         r.Enabled,
		Priority:        r.Priority,
		ChannelFilter:   r.ChannelFilter,
		MessageTypeMask: r.MessageTypeMask,
		TTL:             r.TTL,
	}
}
