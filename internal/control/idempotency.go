package control

import (
	"context"
	"sync"
)

// IdempotencyStore remembers responses to mutating requests by key.
type IdempotencyStore interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

// MemoryIdempotency is an in-process IdempotencyStore.
type MemoryIdempotency struct {
	mu        sync.RWMutex
	responses map[string][]byte
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{responses: make(map[string][]byte)}
}

func (m *MemoryIdempotency) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.responses[key]
	return append([]byte(nil), value...), ok, nil
}

func (m *MemoryIdempotency) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[key] = append([]byte(nil), payload...)
	return nil
}
