// Package identity owns the stable per-process node identity: a UUID
// generated on first run and persisted to disk, reloaded on subsequent
// starts (spec.md §4.1).
package identity

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"meshnode/internal/wire"
)

// Identity is immutable after Load/Create returns.
type Identity struct {
	id   wire.NodeID
	name string
}

type onDisk struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ID returns the node's stable identifier.
func (i *Identity) ID() wire.NodeID { return i.id }

// Name returns the node's human-readable name.
func (i *Identity) Name() string { return i.name }

// Load reads the identity file at path, creating one with defaultName if it
// does not yet exist. The returned Identity's id never changes across
// restarts as long as the file persists.
func Load(path, defaultName string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var rec onDisk
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parse identity file %s: %w", path, err)
		}
		id, err := wire.ParseNodeID(rec.ID)
		if err != nil {
			return nil, fmt.Errorf("identity file %s: %w", path, err)
		}
		slog.Info("identity loaded", "path", path, "node_id", id, "name", rec.Name)
		return &Identity{id: id, name: rec.Name}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file %s: %w", path, err)
	}

	id := wire.NewNodeID()
	ident := &Identity{id: id, name: defaultName}
	if err := ident.persist(path); err != nil {
		return nil, err
	}
	slog.Info("identity created", "path", path, "node_id", id, "name", defaultName)
	return ident, nil
}

func (i *Identity) persist(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}
	data, err := json.MarshalIndent(onDisk{ID: i.id.String(), Name: i.name}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write identity file %s: %w", path, err)
	}
	return nil
}
