package storage

import (
	"context"
	"sync"
)

// InMemoryStorage is a thread-safe, process-local Storage. It is the default
// for headless runtimes and the fallback when a durable medium is unavailable.
type InMemoryStorage struct {
	mu   sync.RWMutex
	data map[Key]any
}

// NewInMemoryStorage creates an empty in-memory storage.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		data: make(map[Key]any),
	}
}

// SetItem stores a value for a key.
func (s *InMemoryStorage) SetItem(_ context.Context, key Key, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// GetItem retrieves a value by its key.
func (s *InMemoryStorage) GetItem(_ context.Context, key Key) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// RemoveItem removes a key.
func (s *InMemoryStorage) RemoveItem(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Reset drops all stored values.
func (s *InMemoryStorage) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[Key]any)
	return nil
}
