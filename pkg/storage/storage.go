// Package storage provides the persistent key/value adapters that remember a
// visitor's anonymous id, user id and traits across calls.
package storage

import (
	"context"
	"errors"
)

// Key names one logical item held in a Storage.
type Key string

// The three logical keys persisted by the tracker.
const (
	AnonymousIDKey Key = "__anon_id"
	UserTraitsKey  Key = "__user_traits"
	UserIDKey      Key = "__user_id"
)

var (
	// ErrNotFound is returned by GetItem when the key holds no value.
	ErrNotFound = errors.New("storage: key not found")
	// ErrUnavailable is returned when the backing medium cannot be written,
	// e.g. a cookie storage with no response to write to.
	ErrUnavailable = errors.New("storage: backend unavailable")
)

// Storage is a durable key/value store for identity state.
// Values are strings for ids and map[string]any for traits; implementations
// must round-trip both.
type Storage interface {
	// SetItem stores value under key.
	SetItem(ctx context.Context, key Key, value any) error
	// GetItem returns the value for key or ErrNotFound.
	GetItem(ctx context.Context, key Key) (any, error)
	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(ctx context.Context, key Key) error
	// Reset removes every key owned by the storage.
	Reset(ctx context.Context) error
}

// AllKeys lists the keys a Reset must clear.
func AllKeys() []Key {
	return []Key{AnonymousIDKey, UserTraitsKey, UserIDKey}
}
