package storage

import (
	"context"
	"sync"

	"github.com/rl1809/cart-ledger/internal/port"
)

var _ port.IdempotencyRepository = (*MemoryIdempotency)(nil)

// MemoryIdempotency is the single-process twin of RedisAdapter's idempotency keys.
type MemoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string // key -> checkout id, "" while processing
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{keys: make(map[string]string)}
}

func (m *MemoryIdempotency) SetIdempotency(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.keys[key]; exists {
		return false, nil
	}
	m.keys[key] = ""
	return true, nil
}

func (m *MemoryIdempotency) CompleteIdempotency(_ context.Context, key, checkoutID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = checkoutID
	return nil
}

func (m *MemoryIdempotency) LookupIdempotency(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	checkoutID, found := m.keys[key]
	return checkoutID, found, nil
}

func (m *MemoryIdempotency) ReleaseIdempotency(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] == "" {
		delete(m.keys, key)
	}
	return nil
}
