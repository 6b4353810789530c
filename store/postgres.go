package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"examprep-server/models"
)

// Postgres keeps snapshots in the session_snapshots table created by db.CreateSchema.
type Postgres struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time
}

func NewPostgres(pool *pgxpool.Pool, ttl time.Duration) *Postgres {
	return &Postgres{pool: pool, ttl: ttl, now: time.Now}
}

func (p *Postgres) Load(ctx context.Context, key string) (*models.Snapshot, error) {
	var (
		data    []byte
		savedAt time.Time
	)
	err := p.pool.QueryRow(ctx, `SELECT data, saved_at FROM session_snapshots WHERE key = $1`, key).Scan(&data, &savedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot %s: %w", key, err)
	}
	if expired(savedAt, p.ttl, p.now()) {
		if err := p.Clear(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return decode(data)
}

func (p *Postgres) Save(ctx context.Context, key string, snap models.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO session_snapshots (key, mode, data, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET mode = EXCLUDED.mode, data = EXCLUDED.data, saved_at = EXCLUDED.saved_at
	`, key, string(snap.Mode), data, p.now())
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Clear(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM session_snapshots WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", key, err)
	}
	return nil
}
