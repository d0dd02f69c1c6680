// Package audit persists AuditEvent records (SPEC_FULL.md §3): a purely
// diagnostic, queryable history of peer state transitions, rule
// mutations, and reap sweeps, independent of routes.json. Grounded on
// internal/store/store.go's Open/migrate/Insert*/Get* shape
// (sql.Open("sqlite", path), migration-on-open, slog.Info("... opened")).
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"meshnode/internal/wire"
)

// Kind enumerates the AuditEvent categories this package writes.
type Kind string

const (
	KindPeerStateChanged Kind = "peer_state_changed"
	KindRuleCreated      Kind = "rule_created"
	KindRuleUpdated      Kind = "rule_updated"
	KindRuleDeleted      Kind = "rule_deleted"
	KindPeerReaped       Kind = "peer_reaped"
)

// Event is one AuditEvent record.
type Event struct {
	ID       int64
	At       time.Time
	Kind     Kind
	NodeID   wire.NodeID
	DeviceID *uint16
	RuleID   *string
	Detail   string
}

// Store persists AuditEvents to a local SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the audit database at path and runs migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("audit store opened", "path", path)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at_unix_ms INTEGER NOT NULL,
	kind TEXT NOT NULL,
	node_id TEXT NOT NULL,
	device_id INTEGER,
	rule_id TEXT,
	detail TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_node_id ON audit_events(node_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_at ON audit_events(at_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate audit database: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends one AuditEvent. Failures are logged, never returned to
// the caller: auditing is purely diagnostic and must never perturb the
// forwarding hot path or RouteManager mutations (SPEC_FULL.md §3).
func (s *Store) Record(kind Kind, node wire.NodeID, deviceID *uint16, ruleID *string, detail string) {
	if s == nil || s.db == nil {
		return
	}
	const q = `INSERT INTO audit_events (at_unix_ms, kind, node_id, device_id, rule_id, detail) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(context.Background(), q, time.Now().UnixMilli(), string(kind), node.String(), deviceID, ruleID, detail)
	if err != nil {
		slog.Error("failed to record audit event", "kind", kind, "node_id", node, "err", err)
	}
}

// Recent returns the most recent audit events, newest first, for operator
// inspection (not exposed by the spec's control-plane contract, but kept
// queryable per SPEC_FULL.md §3's "operators can inspect after the fact").
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT id, at_unix_ms, kind, node_id, device_id, rule_id, detail
FROM audit_events
ORDER BY at_unix_ms DESC, id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e        Event
			atMillis int64
			nodeStr  string
			kindStr  string
		)
		if err := rows.Scan(&e.ID, &atMillis, &kindStr, &nodeStr, &e.DeviceID, &e.RuleID, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.At = time.UnixMilli(atMillis)
		e.Kind = Kind(kindStr)
		if id, err := wire.ParseNodeID(nodeStr); err == nil {
			e.NodeID = id
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
