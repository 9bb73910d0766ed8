// Package history persists sync outcomes. It keeps a durable log of
// operations and a snapshot-backed backup table in an embedded SQLite
// database (WAL mode for concurrent readers).
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/keelhq/prefsync/internal/engine"
	"github.com/keelhq/prefsync/internal/settings"
)

// Store wraps the SQLite connection backing the operation log and
// backup snapshots.
type Store struct {
	conn *sql.DB
	path string
}

// OperationRecord is one row of the operation log.
type OperationRecord struct {
	ID         string
	Kind       string
	Status     string
	Error      string
	RetryCount int
	StartedAt  time.Time
	FinishedAt time.Time
}

// BackupInfo describes one stored backup. The snapshot itself lives in
// the backups table and is returned by Snapshot.
type BackupInfo struct {
	ID         string
	CreatedAt  time.Time
	Size       int64
	Hash       string
	Adapters   []string
	Location   string
	Compressed bool
	Encrypted  bool
}

// Open creates or opens the history database at path.
//
// The caller MUST call Close() when done. Use ":memory:" for an
// ephemeral store in tests.
func Open(path string) (*Store, error) {
	connStr := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	if path == ":memory:" {
		// Each pooled connection would get its own in-memory database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &Store{conn: conn, path: path}

	// WAL for concurrent reads while the engine writes.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close history database: %w", err)
	}
	s.conn = nil
	return nil
}

// initSchema creates the tables if needed. Idempotent.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		status      TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		started_at  INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_operations_finished ON operations(finished_at DESC);

	CREATE TABLE IF NOT EXISTS backups (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		size       INTEGER NOT NULL,
		hash       TEXT NOT NULL,
		adapters   TEXT NOT NULL,
		location   TEXT NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0,
		encrypted  INTEGER NOT NULL DEFAULT 0,
		snapshot   BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_backups_created ON backups(created_at ASC);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}
	return nil
}

// RecordOperation implements engine.Recorder. Re-recording the same
// operation id (a retried operation) overwrites the earlier outcome.
func (s *Store) RecordOperation(op engine.Operation) error {
	errText := ""
	if op.Err != nil {
		errText = op.Err.Error()
	}
	_, err := s.conn.Exec(`
		INSERT INTO operations (id, kind, status, error, retry_count, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			retry_count = excluded.retry_count,
			finished_at = excluded.finished_at`,
		op.ID, string(op.Kind), string(op.Status), errText, op.RetryCount,
		op.Timestamp.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record operation %s: %w", op.ID, err)
	}
	return nil
}

// RecentOperations returns up to limit operations, newest first.
func (s *Store) RecentOperations(ctx context.Context, limit int) ([]OperationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, kind, status, error, retry_count, started_at, finished_at
		FROM operations ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		var rec OperationRecord
		var started, finished int64
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Status, &rec.Error,
			&rec.RetryCount, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan operation row: %w", err)
		}
		rec.StartedAt = time.UnixMilli(started)
		rec.FinishedAt = time.UnixMilli(finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveBackup persists a backup record together with the settings
// snapshot it describes.
func (s *Store) SaveBackup(info BackupInfo, snapshot settings.Settings) error {
	blob, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode backup snapshot: %w", err)
	}

	_, err = s.conn.Exec(`
		INSERT INTO backups (id, created_at, size, hash, adapters, location, compressed, encrypted, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.CreatedAt.UnixMilli(), info.Size, info.Hash,
		strings.Join(info.Adapters, ","), info.Location,
		boolToInt(info.Compressed), boolToInt(info.Encrypted), blob)
	if err != nil {
		return fmt.Errorf("failed to save backup %s: %w", info.ID, err)
	}
	return nil
}

// Backups lists backup metadata, oldest first.
func (s *Store) Backups(ctx context.Context) ([]BackupInfo, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, created_at, size, hash, adapters, location, compressed, encrypted
		FROM backups ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query backups: %w", err)
	}
	defer rows.Close()

	var out []BackupInfo
	for rows.Next() {
		var info BackupInfo
		var created int64
		var adapters string
		var compressed, encrypted int
		if err := rows.Scan(&info.ID, &created, &info.Size, &info.Hash,
			&adapters, &info.Location, &compressed, &encrypted); err != nil {
			return nil, fmt.Errorf("failed to scan backup row: %w", err)
		}
		info.CreatedAt = time.UnixMilli(created)
		if adapters != "" {
			info.Adapters = strings.Split(adapters, ",")
		}
		info.Compressed = compressed != 0
		info.Encrypted = encrypted != 0
		out = append(out, info)
	}
	return out, rows.Err()
}

// Snapshot returns the settings document stored with a backup.
func (s *Store) Snapshot(ctx context.Context, id string) (settings.Settings, error) {
	var blob []byte
	err := s.conn.QueryRowContext(ctx,
		`SELECT snapshot FROM backups WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("backup %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load backup %s: %w", id, err)
	}

	var out settings.Settings
	if err := json.Unmarshal(blob, &out); err != nil {
		return nil, fmt.Errorf("failed to decode backup snapshot: %w", err)
	}
	if out == nil {
		out = settings.Settings{}
	}
	return out, nil
}

// PruneBackups deletes the oldest backups until at most max remain.
func (s *Store) PruneBackups(ctx context.Context, max int) error {
	if max < 0 {
		max = 0
	}
	_, err := s.conn.ExecContext(ctx, `
		DELETE FROM backups WHERE id NOT IN (
			SELECT id FROM backups ORDER BY created_at DESC LIMIT ?
		)`, max)
	if err != nil {
		return fmt.Errorf("failed to prune backups: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
