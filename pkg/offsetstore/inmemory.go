package offsetstore

import (
	"context"
	"sync"
)

// InMemoryStore is a thread-safe, process-local Store. Offsets do not survive
// a restart, so every start after a crash begins from the earliest offset.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string]int64),
	}
}

// ReadOffset returns the stored offset for routingKey.
func (s *InMemoryStore) ReadOffset(_ context.Context, routingKey string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offset, ok := s.data[routingKey]
	return offset, ok, nil
}

// WriteOffset stores offset if it is higher than the current value.
func (s *InMemoryStore) WriteOffset(_ context.Context, routingKey string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.data[routingKey]; ok && cur >= offset {
		return nil
	}
	s.data[routingKey] = offset
	return nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }
