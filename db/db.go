package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"examprep-server/models"
	"examprep-server/session"
)

// InitDB initializes the PostgreSQL database connection pool
func InitDB(connString string, log *logrus.Entry) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Ping the database to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("Successfully connected to PostgreSQL database")
	return pool, nil
}

// CreateSchema sets up the snapshot and audit tables.
func CreateSchema(pool *pgxpool.Pool) error {
	schemaSQL := `
	CREATE TABLE IF NOT EXISTS session_snapshots (
		key VARCHAR(255) PRIMARY KEY, -- <owner>:<mode>
		mode VARCHAR(20) NOT NULL CHECK (mode IN ('demo', 'exam', 'trainer')),
		data JSONB NOT NULL,
		saved_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_events (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		owner VARCHAR(255) NOT NULL,
		mode VARCHAR(20) NOT NULL,
		action VARCHAR(50) NOT NULL,
		notes TEXT
	);

	CREATE INDEX IF NOT EXISTS session_events_owner_idx ON session_events (owner, timestamp DESC);
	`
	_, err := pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("error executing schema SQL: %w", err)
	}
	return nil
}

// LogSessionEvent adds an entry to the session_events table
func LogSessionEvent(ctx context.Context, pool *pgxpool.Pool, owner string, mode models.Mode, action, notes string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO session_events (owner, mode, action, notes)
		VALUES ($1, $2, $3, $4)
	`, owner, string(mode), action, notes)
	if err != nil {
		return fmt.Errorf("failed to log session event %s for %s: %w", action, owner, err)
	}
	return nil
}

// RecentSessionEvents returns the newest events of an owner, newest first.
func RecentSessionEvents(ctx context.Context, pool *pgxpool.Pool, owner string, limit int) ([]models.SessionEvent, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, timestamp, owner, mode, action, COALESCE(notes, '')
		FROM session_events
		WHERE owner = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer rows.Close()

	var events []models.SessionEvent
	for rows.Next() {
		var (
			e    models.SessionEvent
			mode string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Owner, &mode, &e.Action, &e.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan session event: %w", err)
		}
		e.Mode = models.Mode(mode)
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventLog records session lifecycle events in session_events. Write failures are
// logged and never reach the session.
type EventLog struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

func NewEventLog(pool *pgxpool.Pool, log *logrus.Entry) *EventLog {
	return &EventLog{pool: pool, log: log}
}

// Observe implements session.Observer.
func (l *EventLog) Observe(ctx context.Context, e session.Event) {
	notes := e.Notes
	if e.Action == session.ActionCompleted {
		notes = fmt.Sprintf("%s, score %d%%", notes, e.Score)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := LogSessionEvent(ctx, l.pool, e.Owner, e.Mode, e.Action, notes); err != nil {
		l.log.WithError(err).Warn("failed to record session event")
	}
}

// Recent returns the newest events of owner.
func (l *EventLog) Recent(ctx context.Context, owner string, limit int) ([]models.SessionEvent, error) {
	return RecentSessionEvents(ctx, l.pool, owner, limit)
}
