package tracker_test

import (
	"context"
	"testing"

	"github.com/illmade-knight/go-analytics/pkg/storage"
	"github.com/illmade-knight/go-analytics/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingResetStorage holds Reset until release is closed and reports when
// a Reset has started.
type blockingResetStorage struct {
	*storage.InMemoryStorage
	entered chan struct{}
	release chan struct{}
}

func newBlockingResetStorage() *blockingResetStorage {
	return &blockingResetStorage{
		InMemoryStorage: storage.NewInMemoryStorage(),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
}

func (s *blockingResetStorage) Reset(ctx context.Context) error {
	close(s.entered)
	<-s.release
	return s.InMemoryStorage.Reset(ctx)
}

func TestClient_ResetIsAtomic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	// Arrange
	busStore := newBlockingResetStorage()
	c := newClient(t, tracker.Options{Echo: true, BusStorage: busStore})
	before := c.AnonymousID(ctx)
	wait(t, c.Identify(ctx, "u1", map[string]any{"plan": "pro"}))

	// Act
	resetDone := make(chan struct{})
	go func() {
		defer close(resetDone)
		c.Reset(ctx)
	}()
	select {
	case <-busStore.entered:
	case <-ctx.Done():
		t.Fatal("reset never reached the bus storage")
	}
	during := wait(t, c.Track(ctx, "during-reset", nil))
	close(busStore.release)
	<-resetDone
	after := c.AnonymousID(ctx)

	// Assert
	assert.NotEqual(t, before, after)
	assert.Equal(t, after, during.AnonymousID, "a call racing with reset carries the new anonymous id")
	assert.Empty(t, during.UserID)
	assert.Nil(t, during.ContextTraits())
}

func TestClient_IdentifyThenResetWithoutWaiting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	// Arrange
	busStore := storage.NewInMemoryStorage()
	c := newClient(t, tracker.Options{Echo: true, BusStorage: busStore})

	// Act
	pending := c.Identify(ctx, "u1", map[string]any{"plan": "pro"})
	c.Reset(ctx)
	wait(t, pending)
	require.NoError(t, c.Flush(ctx))

	// Assert
	user := c.Bus().User()
	assert.Empty(t, user.UserID)
	assert.Nil(t, user.Traits)
	assert.Equal(t, c.AnonymousID(ctx), user.AnonymousID)
	_, err := busStore.GetItem(ctx, storage.UserIDKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = busStore.GetItem(ctx, storage.UserTraitsKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
