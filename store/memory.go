package store

import (
	"context"
	"sync"
	"time"

	"examprep-server/models"
)

// Memory keeps encoded snapshots in process memory. Values are copied on the way
// in and out, so callers never share maps with the store.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
	ttl  time.Duration
	now  func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{data: make(map[string][]byte), ttl: ttl, now: time.Now}
}

func (m *Memory) Load(_ context.Context, key string) (*models.Snapshot, error) {
	m.mu.RLock()
	data, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	snap, err := decode(data)
	if err != nil {
		return nil, err
	}
	if expired(snap.SavedAt, m.ttl, m.now()) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return nil, nil
	}
	return snap, nil
}

func (m *Memory) Save(_ context.Context, key string, snap models.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = data
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored snapshots.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
