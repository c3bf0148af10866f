package storage_test

import (
	"context"
	"testing"

	"github.com/illmade-knight/go-analytics/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("Set, get and remove", func(t *testing.T) {
		// Arrange
		s := storage.NewInMemoryStorage()

		// Act
		require.NoError(t, s.SetItem(ctx, storage.AnonymousIDKey, "anon-1"))
		value, err := s.GetItem(ctx, storage.AnonymousIDKey)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "anon-1", value)

		require.NoError(t, s.RemoveItem(ctx, storage.AnonymousIDKey))
		_, err = s.GetItem(ctx, storage.AnonymousIDKey)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Reset clears every key", func(t *testing.T) {
		// Arrange
		s := storage.NewInMemoryStorage()
		require.NoError(t, s.SetItem(ctx, storage.UserIDKey, "u1"))
		require.NoError(t, s.SetItem(ctx, storage.UserTraitsKey, map[string]any{"plan": "pro"}))

		// Act
		require.NoError(t, s.Reset(ctx))

		// Assert
		for _, key := range storage.AllKeys() {
			_, err := s.GetItem(ctx, key)
			assert.ErrorIs(t, err, storage.ErrNotFound, "key %s should be gone", key)
		}
	})
}
