package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id            TEXT PRIMARY KEY,
	request_id    TEXT NOT NULL DEFAULT '',
	tool_name     TEXT NOT NULL,
	instance_id   TEXT NOT NULL DEFAULT '',
	arguments     TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL,
	output        TEXT,
	error_code    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	attempts      INTEGER NOT NULL DEFAULT 0,
	started_at    TEXT NOT NULL,
	finished_at   TEXT,
	duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_executions_tool ON executions(tool_name, started_at);
CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at);
`

// SQLiteStoreConfig configures the SQLite ledger store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes terminal records older than this duration
	// (0 = no age pruning).
	RetentionAge time.Duration

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteStore persists execution records to a SQLite database. WAL mode is
// enabled for concurrent read access; a background pruner enforces
// retention when configured.
type SQLiteStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteStore opens (or creates) a SQLite ledger store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	args := rec.Arguments
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("ledger: marshal arguments: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, request_id, tool_name, instance_id, arguments, status, attempts, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.RequestID,
		rec.ToolName,
		rec.InstanceID,
		string(argsJSON),
		string(rec.Status),
		rec.Attempts,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ledger: append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Finalize(ctx context.Context, id string, out Outcome) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return ErrFinalized
	}

	instanceID := current.InstanceID
	if out.InstanceID != "" {
		instanceID = out.InstanceID
	}
	attempts := current.Attempts
	if out.Attempts > 0 {
		attempts = out.Attempts
	}
	var durationMS int64
	if !out.FinishedAt.IsZero() && !current.StartedAt.IsZero() {
		durationMS = out.FinishedAt.Sub(current.StartedAt).Milliseconds()
	}
	var output any
	if out.Output != nil {
		output = string(out.Output)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET status = ?, instance_id = ?, output = ?, error_code = ?, error_message = ?,
		     attempts = ?, finished_at = ?, duration_ms = ?
		 WHERE id = ? AND status = ?`,
		string(out.Status),
		instanceID,
		output,
		out.ErrorCode,
		out.ErrorMessage,
		attempts,
		out.FinishedAt.UTC().Format(time.RFC3339Nano),
		durationMS,
		id,
		string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("ledger: finalize: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: finalize rows affected: %w", err)
	}
	if affected == 0 {
		// Lost the race to another finalizer.
		return ErrFinalized
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, request_id, tool_name, instance_id, arguments, status, output,
		        error_code, error_message, attempts, started_at, finished_at, duration_ms
		 FROM executions WHERE id = ?`, id)

	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("ledger: get: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT id, request_id, tool_name, instance_id, arguments, status, output,
	                 error_code, error_message, attempts, started_at, finished_at, duration_ms
	          FROM executions WHERE 1=1`
	var args []any

	if f.ToolName != "" {
		query += " AND tool_name = ?"
		args = append(args, f.ToolName)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		query += " AND started_at <= ?"
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("ledger: list scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteStore) Close() error {
	select {
	case <-s.stop:
		// Already closed.
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single retention pass. Exported for testing.
func (s *SQLiteStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.cfg.RetentionAge).UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE started_at < ? AND status != ?`,
		cutoff, string(StatusRunning),
	); err != nil {
		return fmt.Errorf("ledger: prune: %w", err)
	}
	return nil
}

func (s *SQLiteStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanRecord(scan func(dest ...any) error) (Record, error) {
	var (
		rec        Record
		argsJSON   string
		status     string
		output     sql.NullString
		startedAt  string
		finishedAt sql.NullString
	)
	err := scan(
		&rec.ID,
		&rec.RequestID,
		&rec.ToolName,
		&rec.InstanceID,
		&argsJSON,
		&status,
		&output,
		&rec.ErrorCode,
		&rec.ErrorMessage,
		&rec.Attempts,
		&startedAt,
		&finishedAt,
		&rec.DurationMS,
	)
	if err != nil {
		return Record{}, err
	}

	rec.Status = Status(status)
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &rec.Arguments); err != nil {
			return Record{}, fmt.Errorf("unmarshal arguments: %w", err)
		}
	}
	if output.Valid && output.String != "" {
		rec.Output = json.RawMessage(output.String)
	}
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return Record{}, fmt.Errorf("parse started_at: %w", err)
	}
	if finishedAt.Valid && finishedAt.String != "" {
		if rec.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt.String); err != nil {
			return Record{}, fmt.Errorf("parse finished_at: %w", err)
		}
	}
	return rec, nil
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
