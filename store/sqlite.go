package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"examprep-server/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS session_snapshots (
	key      TEXT PRIMARY KEY,
	mode     TEXT NOT NULL,
	data     BLOB NOT NULL,
	saved_at INTEGER NOT NULL
);`

// SQLite is a single-node durable snapshot store.
type SQLite struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// OpenSQLite opens (or creates) the database file at path and ensures the table exists.
func OpenSQLite(path string, ttl time.Duration) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot table: %w", err)
	}
	return &SQLite{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *SQLite) Load(ctx context.Context, key string) (*models.Snapshot, error) {
	var (
		data    []byte
		savedAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, saved_at FROM session_snapshots WHERE key = ?`, key).Scan(&data, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot %s: %w", key, err)
	}
	if expired(time.Unix(savedAt, 0), s.ttl, s.now()) {
		if err := s.Clear(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return decode(data)
}

func (s *SQLite) Save(ctx context.Context, key string, snap models.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (key, mode, data, saved_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET mode = excluded.mode, data = excluded.data, saved_at = excluded.saved_at`,
		key, string(snap.Mode), data, s.now().Unix())
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Clear(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
