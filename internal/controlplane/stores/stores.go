// Package stores persists engine snapshots so a controller can resume after a
// restart.
package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/VerteraIO/agentplane/internal/controlplane/scheduler"
)

// ErrNotFound is returned by Load when nothing has been saved yet.
var ErrNotFound = errors.New("no snapshot stored")

// Store saves and loads the most recent engine snapshot.
type Store interface {
	Save(ctx context.Context, s scheduler.Snapshot) error
	Load(ctx context.Context) (scheduler.Snapshot, error)
}

// MemoryStore keeps the encoded snapshot in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	body []byte
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Save(_ context.Context, s scheduler.Snapshot) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	m.mu.Lock()
	m.body = body
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(_ context.Context) (scheduler.Snapshot, error) {
	m.mu.RLock()
	body := m.body
	m.mu.RUnlock()
	if body == nil {
		return scheduler.Snapshot{}, ErrNotFound
	}
	return decode(body)
}

func decode(body []byte) (scheduler.Snapshot, error) {
	var s scheduler.Snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return scheduler.Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return s, nil
}
