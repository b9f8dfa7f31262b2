package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const mirrorSchema = `
CREATE TABLE IF NOT EXISTS spoke_instances (
	id TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	updated_at TEXT NOT NULL
);`

const (
	defaultMirrorDir = ".hubgate"
	defaultMirrorDB  = "hubgate.db"
)

// SQLiteMirror persists catalog registrations so a restarted gateway can
// rehydrate its spoke set without waiting for re-registration. The catalog
// writes through it best-effort; the mirror is never on the read path.
type SQLiteMirror struct {
	db *sql.DB
}

// DefaultMirrorPath returns the default SQLite path for catalog storage.
func DefaultMirrorPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("hub: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultMirrorDir, defaultMirrorDB), nil
}

// NewSQLiteMirror opens (or creates) a catalog mirror.
func NewSQLiteMirror(dsn string) (*SQLiteMirror, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("hub: mirror dsn is required")
	}
	if dir := filepath.Dir(dsn); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("hub: create mirror directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("hub: mirror open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("hub: mirror set WAL mode: %w", err)
	}
	if _, err := db.Exec(mirrorSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("hub: mirror create schema: %w", err)
	}

	return &SQLiteMirror{db: db}, nil
}

// SaveInstance upserts one instance snapshot.
func (m *SQLiteMirror) SaveInstance(ctx context.Context, inst SpokeInstance) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("hub: mirror marshal instance: %w", err)
	}

	_, err = m.db.ExecContext(ctx,
		`INSERT INTO spoke_instances (id, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		inst.ID, payload, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("hub: mirror save %s: %w", inst.ID, err)
	}
	return nil
}

// DeleteInstance removes one instance. Unknown identifiers succeed.
func (m *SQLiteMirror) DeleteInstance(ctx context.Context, id string) error {
	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM spoke_instances WHERE id = ?`, id,
	); err != nil {
		return fmt.Errorf("hub: mirror delete %s: %w", id, err)
	}
	return nil
}

// LoadAll returns every persisted instance, for startup rehydration.
func (m *SQLiteMirror) LoadAll(ctx context.Context) ([]SpokeInstance, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT payload FROM spoke_instances ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("hub: mirror load: %w", err)
	}
	defer rows.Close()

	var out []SpokeInstance
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("hub: mirror scan: %w", err)
		}
		var inst SpokeInstance
		if err := json.Unmarshal(payload, &inst); err != nil {
			return nil, fmt.Errorf("hub: mirror unmarshal: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (m *SQLiteMirror) Close() error {
	return m.db.Close()
}

// Compile-time interface check.
var _ Mirror = (*SQLiteMirror)(nil)
