package identity

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-analytics/pkg/storage"
	"github.com/rs/zerolog"
)

// Options configures a Cache.
type Options struct {
	// WriteBehind moves storage writes onto an ordered background writer. Use it
	// for network storages; reads are always served from memory first.
	WriteBehind bool
	// QueueSize bounds the write-behind queue. Defaults to 64.
	QueueSize int
	// WriteTimeout bounds each background write. Defaults to 10s.
	WriteTimeout time.Duration
	// NewID generates anonymous ids. Defaults to uuid.NewString.
	NewID func() string
}

type writeOp struct {
	apply func(ctx context.Context, s storage.Storage) error
	key   string
	done  chan struct{} // set for flush barriers
}

// Cache is a write-through cache in front of a storage.Storage. Every write
// lands in memory before the storage write starts, and every read consults
// memory first. A storage write failure degrades the cache to memory-only
// for the rest of its life.
type Cache struct {
	store  storage.Storage
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	items   map[storage.Key]any
	removed map[storage.Key]bool

	degradedMu sync.RWMutex
	degraded   bool

	queueMu sync.RWMutex
	queue   chan writeOp
	closed  bool
	wg      sync.WaitGroup
}

// NewCache creates a Cache over store. A nil store gives a memory-only cache.
func NewCache(store storage.Storage, opts Options, logger zerolog.Logger) *Cache {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	c := &Cache{
		store:   store,
		opts:    opts,
		logger:  logger.With().Str("component", "IdentityCache").Logger(),
		items:   make(map[storage.Key]any),
		removed: make(map[storage.Key]bool),
	}
	if store == nil {
		c.degraded = true
	}
	if opts.WriteBehind && store != nil {
		c.queue = make(chan writeOp, opts.QueueSize)
		c.wg.Add(1)
		go c.writer()
	}
	return c
}

// SetItem stores value for key in memory, then in the storage.
func (c *Cache) SetItem(ctx context.Context, key storage.Key, value any) {
	c.mu.Lock()
	c.items[key] = value
	delete(c.removed, key)
	c.mu.Unlock()
	c.persistSet(ctx, key, value)
}

// GetItem returns the cached value for key, falling back to the storage on a
// miss and caching what it finds.
func (c *Cache) GetItem(ctx context.Context, key storage.Key) (any, bool) {
	c.mu.Lock()
	if v, ok := c.items[key]; ok {
		c.mu.Unlock()
		return v, true
	}
	if c.removed[key] || c.isDegraded() {
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Unlock()

	value, err := c.store.GetItem(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn().Err(err).Str("key", string(key)).Msg("Identity storage read failed.")
		}
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A write or remove may have happened while the storage was read.
	if v, ok := c.items[key]; ok {
		return v, true
	}
	if c.removed[key] {
		return nil, false
	}
	c.items[key] = value
	return value, true
}

// RemoveItem drops key from memory and from the storage.
func (c *Cache) RemoveItem(ctx context.Context, key storage.Key) {
	c.mu.Lock()
	delete(c.items, key)
	c.removed[key] = true
	c.mu.Unlock()
	c.persist(ctx, string(key), func(ctx context.Context, s storage.Storage) error {
		return s.RemoveItem(ctx, key)
	})
}

// Reset clears memory and the storage. It leaves no anonymous id behind; use
// ResetWithAnonymousID when calls may run concurrently with the reset.
func (c *Cache) Reset(ctx context.Context) {
	c.mu.Lock()
	c.items = make(map[storage.Key]any)
	for _, key := range storage.AllKeys() {
		c.removed[key] = true
	}
	c.mu.Unlock()
	c.persist(ctx, "*", func(ctx context.Context, s storage.Storage) error {
		return s.Reset(ctx)
	})
}

// ResetWithAnonymousID clears the identity and installs id as the anonymous
// id in one step, so no reader ever sees the cache without one. An empty id
// is replaced by a generated one. It returns the installed id.
func (c *Cache) ResetWithAnonymousID(ctx context.Context, id string) string {
	if id == "" {
		id = c.opts.NewID()
	}
	c.mu.Lock()
	c.items = map[storage.Key]any{storage.AnonymousIDKey: id}
	for _, key := range storage.AllKeys() {
		c.removed[key] = key != storage.AnonymousIDKey
	}
	c.mu.Unlock()

	c.persist(ctx, "*", func(ctx context.Context, s storage.Storage) error {
		if err := s.Reset(ctx); err != nil {
			return err
		}
		return s.SetItem(ctx, storage.AnonymousIDKey, id)
	})
	return id
}

// AnonymousID returns the anonymous id, creating and persisting one on first
// use.
func (c *Cache) AnonymousID(ctx context.Context) string {
	if v, ok := c.GetItem(ctx, storage.AnonymousIDKey); ok {
		if id, ok := stringValue(v); ok {
			return id
		}
	}

	c.mu.Lock()
	if v, ok := c.items[storage.AnonymousIDKey]; ok {
		if id, ok := stringValue(v); ok {
			c.mu.Unlock()
			return id
		}
	}
	id := c.opts.NewID()
	c.items[storage.AnonymousIDKey] = id
	delete(c.removed, storage.AnonymousIDKey)
	c.mu.Unlock()

	c.persistSet(ctx, storage.AnonymousIDKey, id)
	return id
}

// SetAnonymousID replaces the anonymous id.
func (c *Cache) SetAnonymousID(ctx context.Context, id string) {
	c.SetItem(ctx, storage.AnonymousIDKey, id)
}

// RegenerateAnonymousID issues and stores a fresh anonymous id.
func (c *Cache) RegenerateAnonymousID(ctx context.Context) string {
	id := c.opts.NewID()
	c.SetAnonymousID(ctx, id)
	return id
}

// UserID returns the user id. When none is stored it is derived from traits
// persisted by an older schema.
func (c *Cache) UserID(ctx context.Context) string {
	if v, ok := c.GetItem(ctx, storage.UserIDKey); ok {
		if id, ok := stringValue(v); ok {
			return id
		}
	}
	if id, ok := UserIDFromTraits(c.traits(ctx)); ok {
		return id
	}
	return ""
}

// Traits returns a copy of the last known user traits.
func (c *Cache) Traits(ctx context.Context) map[string]any {
	return CloneTraits(c.traits(ctx))
}

func (c *Cache) traits(ctx context.Context) map[string]any {
	v, ok := c.GetItem(ctx, storage.UserTraitsKey)
	if !ok {
		return nil
	}
	traits, _ := v.(map[string]any)
	return traits
}

// SetIdentity records the result of an identify. userID is kept when empty;
// traits replace the stored traits when non-nil. Both land in memory under one
// lock so no reader sees one without the other.
func (c *Cache) SetIdentity(ctx context.Context, userID string, traits map[string]any) {
	traits = CloneTraits(traits)
	c.mu.Lock()
	if userID != "" {
		c.items[storage.UserIDKey] = userID
		delete(c.removed, storage.UserIDKey)
	}
	if traits != nil {
		c.items[storage.UserTraitsKey] = traits
		delete(c.removed, storage.UserTraitsKey)
	}
	c.mu.Unlock()

	if userID != "" {
		c.persistSet(ctx, storage.UserIDKey, userID)
	}
	if traits != nil {
		c.persistSet(ctx, storage.UserTraitsKey, traits)
	}
}

// Snapshot returns the current identity, creating the anonymous id if needed.
// The three fields are read under one lock, so they always come from the same
// sequence of writes.
func (c *Cache) Snapshot(ctx context.Context) State {
	// Pull anything not yet in memory from the storage first.
	for _, key := range storage.AllKeys() {
		c.GetItem(ctx, key)
	}

	c.mu.Lock()
	id, ok := stringValue(c.items[storage.AnonymousIDKey])
	created := !ok
	if created {
		id = c.opts.NewID()
		c.items[storage.AnonymousIDKey] = id
		delete(c.removed, storage.AnonymousIDKey)
	}
	traits, _ := c.items[storage.UserTraitsKey].(map[string]any)
	userID, ok := stringValue(c.items[storage.UserIDKey])
	if !ok {
		userID, _ = UserIDFromTraits(traits)
	}
	state := State{AnonymousID: id, UserID: userID, Traits: CloneTraits(traits)}
	c.mu.Unlock()

	if created {
		c.persistSet(ctx, storage.AnonymousIDKey, id)
	}
	return state
}

// Degraded reports whether storage writes have been abandoned.
func (c *Cache) Degraded() bool {
	return c.isDegraded()
}

// Flush waits until every queued storage write has been applied.
func (c *Cache) Flush(ctx context.Context) error {
	c.queueMu.RLock()
	if c.queue == nil || c.closed {
		c.queueMu.RUnlock()
		return nil
	}
	done := make(chan struct{})
	select {
	case c.queue <- writeOp{done: done}:
	case <-ctx.Done():
		c.queueMu.RUnlock()
		return ctx.Err()
	}
	c.queueMu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the write-behind queue and stops the writer.
func (c *Cache) Close(ctx context.Context) error {
	c.queueMu.Lock()
	if c.queue == nil || c.closed {
		c.queueMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	c.queueMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for identity writes to drain.")
		return ctx.Err()
	}
}

func (c *Cache) persistSet(ctx context.Context, key storage.Key, value any) {
	value = cloneValue(value)
	c.persist(ctx, string(key), func(ctx context.Context, s storage.Storage) error {
		return s.SetItem(ctx, key, value)
	})
}

func (c *Cache) persist(ctx context.Context, key string, apply func(context.Context, storage.Storage) error) {
	if c.isDegraded() {
		return
	}
	op := writeOp{apply: apply, key: key}

	c.queueMu.RLock()
	if c.queue != nil && !c.closed {
		c.queue <- op
		c.queueMu.RUnlock()
		return
	}
	c.queueMu.RUnlock()
	c.apply(ctx, op)
}

func (c *Cache) writer() {
	defer c.wg.Done()
	for op := range c.queue {
		if op.done != nil {
			close(op.done)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
		c.apply(ctx, op)
		cancel()
	}
}

func (c *Cache) apply(ctx context.Context, op writeOp) {
	if c.isDegraded() {
		return
	}
	if err := op.apply(ctx, c.store); err != nil {
		c.degradedMu.Lock()
		c.degraded = true
		c.degradedMu.Unlock()
		c.logger.Warn().Err(err).Str("key", op.key).Msg("Identity storage write failed, continuing in memory only.")
	}
}

func (c *Cache) isDegraded() bool {
	c.degradedMu.RLock()
	defer c.degradedMu.RUnlock()
	return c.degraded
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
