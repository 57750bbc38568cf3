// Package kvstore is the local persistent key-value store holding opaque
// string blobs, such as the engine's snapshot cache.
package kvstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/trybe-app/trybesync/pkg/constants"
)

// Store is capacity-limited; Set may fail with ErrPersistenceFailure.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Memory keeps blobs in process. A non-zero Quota caps the total stored bytes.
type Memory struct {
	mu    sync.RWMutex
	data  map[string]string
	Quota int
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return "", fmt.Errorf("%q: %w", key, constants.ErrNotFound)
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Quota > 0 {
		used := len(value)
		for k, v := range m.data {
			if k != key {
				used += len(v)
			}
		}
		if used > m.Quota {
			return fmt.Errorf("%w: quota of %d bytes exceeded", constants.ErrPersistenceFailure, m.Quota)
		}
	}
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Close() error { return nil }
