// Package store holds the snapshot store backends used to resume interrupted sessions.
package store

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"examprep-server/models"
	"examprep-server/session"
)

var (
	_ session.SnapshotStore = (*Memory)(nil)
	_ session.SnapshotStore = (*File)(nil)
	_ session.SnapshotStore = (*Redis)(nil)
	_ session.SnapshotStore = (*Postgres)(nil)
	_ session.SnapshotStore = (*SQLite)(nil)
)

func encode(snap models.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// decode turns stored bytes into a snapshot. Anything unreadable is reported as
// session.ErrMalformedSnapshot so the caller can discard it.
func decode(data []byte) (*models.Snapshot, error) {
	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrMalformedSnapshot, err)
	}
	if snap.Mode == "" || snap.Phase == "" {
		return nil, fmt.Errorf("%w: missing mode or phase", session.ErrMalformedSnapshot)
	}
	return &snap, nil
}

// expired reports whether a snapshot saved at savedAt is older than ttl. A zero ttl never expires.
func expired(savedAt time.Time, ttl time.Duration, now time.Time) bool {
	return ttl > 0 && !savedAt.IsZero() && now.Sub(savedAt) > ttl
}
