// Package bus is a small pluggable event bus: calls fan out to registered
// plugins, and the bus keeps its own copy of the user, persisted in the
// background.
//
// User state persistence is asynchronous. SetAnonymousID only takes effect
// when the background writer applies it, and a Call carries the identity it
// was made with, so callers needing read-after-write consistency must keep
// their own identity and pass it in. Reset starts a new generation; writes
// and identifies from an earlier generation never touch the new user.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-analytics/pkg/envelope"
	"github.com/illmade-knight/go-analytics/pkg/environment"
	"github.com/illmade-knight/go-analytics/pkg/identity"
	"github.com/illmade-knight/go-analytics/pkg/storage"
	"github.com/rs/zerolog"
)

// Call is one page, track, identify or group call.
type Call struct {
	Type     envelope.Type
	Payload  envelope.Payload
	Identity identity.State
	Runtime  environment.Runtime
	// Generation is the bus generation the call was made in. An identify
	// from before the latest Reset does not change the user.
	Generation uint64
}

// Plugin is anything registered on the bus. It handles the call types whose
// handler interfaces it implements.
type Plugin interface {
	Name() string
}

type (
	PageHandler interface {
		Page(ctx context.Context, call Call) (any, error)
	}
	TrackHandler interface {
		Track(ctx context.Context, call Call) (any, error)
	}
	IdentifyHandler interface {
		Identify(ctx context.Context, call Call) (any, error)
	}
	// GroupHandler is not driven by the bus; callers iterate Plugins.
	GroupHandler interface {
		Group(ctx context.Context, call Call) (any, error)
	}
	// ResetHandler is notified after the bus clears its user.
	ResetHandler interface {
		Reset(ctx context.Context) error
	}
)

// Result is one plugin's answer to a call.
type Result struct {
	Plugin string
	Value  any
	Err    error
}

// User is the bus's view of the current user.
type User struct {
	AnonymousID string
	UserID      string
	Traits      map[string]any
}

type userOp struct {
	apply func(ctx context.Context) error
	done  chan struct{}
}

// Bus routes calls to plugins.
type Bus struct {
	store   storage.Storage
	plugins []Plugin
	logger  zerolog.Logger

	userMu sync.RWMutex
	user   User
	gen    uint64

	queueMu sync.RWMutex
	queue   chan userOp
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Bus persisting its user to store, which may be nil.
func New(store storage.Storage, plugins []Plugin, logger zerolog.Logger) *Bus {
	if store == nil {
		store = storage.NewInMemoryStorage()
	}
	b := &Bus{
		store:   store,
		plugins: append([]Plugin(nil), plugins...),
		logger:  logger.With().Str("component", "EventBus").Logger(),
		queue:   make(chan userOp, 64),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Load restores the user from storage.
func (b *Bus) Load(ctx context.Context) error {
	var u User
	if v, err := b.store.GetItem(ctx, storage.AnonymousIDKey); err == nil {
		u.AnonymousID, _ = v.(string)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load anonymous id: %w", err)
	}
	if v, err := b.store.GetItem(ctx, storage.UserIDKey); err == nil {
		u.UserID, _ = v.(string)
	}
	if v, err := b.store.GetItem(ctx, storage.UserTraitsKey); err == nil {
		u.Traits, _ = v.(map[string]any)
	}
	b.userMu.Lock()
	b.user = u
	b.userMu.Unlock()
	return nil
}

// Plugins returns the registered plugins in registration order.
func (b *Bus) Plugins() []Plugin {
	return append([]Plugin(nil), b.plugins...)
}

// User returns a copy of the bus's user.
func (b *Bus) User() User {
	b.userMu.RLock()
	defer b.userMu.RUnlock()
	u := b.user
	u.Traits = identity.CloneTraits(u.Traits)
	return u
}

// UpdateUser mutates the in-memory user synchronously. It does not persist.
func (b *Bus) UpdateUser(fn func(u *User)) {
	b.userMu.Lock()
	defer b.userMu.Unlock()
	fn(&b.user)
}

// Generation counts Resets. Stamp it on a Call when the call is made.
func (b *Bus) Generation() uint64 {
	b.userMu.RLock()
	defer b.userMu.RUnlock()
	return b.gen
}

// updateIn applies fn only while the bus is still in generation gen.
func (b *Bus) updateIn(gen uint64, fn func(u *User)) bool {
	b.userMu.Lock()
	defer b.userMu.Unlock()
	if b.gen != gen {
		return false
	}
	fn(&b.user)
	return true
}

// Page runs every PageHandler.
func (b *Bus) Page(ctx context.Context, call Call) []Result {
	call.Type = envelope.TypePage
	return b.each(call.Type, func(p Plugin) (any, bool, error) {
		h, ok := p.(PageHandler)
		if !ok {
			return nil, false, nil
		}
		v, err := h.Page(ctx, call)
		return v, true, err
	})
}

// Track runs every TrackHandler.
func (b *Bus) Track(ctx context.Context, call Call) []Result {
	call.Type = envelope.TypeTrack
	return b.each(call.Type, func(p Plugin) (any, bool, error) {
		h, ok := p.(TrackHandler)
		if !ok {
			return nil, false, nil
		}
		v, err := h.Track(ctx, call)
		return v, true, err
	})
}

// Identify records the user and runs every IdentifyHandler. The user is
// updated in memory at once and persisted in the background, unless the bus
// has been reset since the call was made.
func (b *Bus) Identify(ctx context.Context, call Call) []Result {
	call.Type = envelope.TypeIdentify
	userID := call.Identity.UserID
	traits := identity.CloneTraits(call.Payload.Traits)
	gen := call.Generation
	current := b.updateIn(gen, func(u *User) {
		if userID != "" {
			u.UserID = userID
		}
		if traits != nil {
			u.Traits = traits
		}
	})
	if current {
		b.enqueue(func(ctx context.Context) error {
			if b.Generation() != gen {
				return nil
			}
			if userID != "" {
				if err := b.store.SetItem(ctx, storage.UserIDKey, userID); err != nil {
					return err
				}
			}
			if traits != nil {
				return b.store.SetItem(ctx, storage.UserTraitsKey, traits)
			}
			return nil
		})
	} else {
		b.logger.Debug().Msg("Identify made before the last reset; user left unchanged.")
	}
	return b.each(call.Type, func(p Plugin) (any, bool, error) {
		h, ok := p.(IdentifyHandler)
		if !ok {
			return nil, false, nil
		}
		v, err := h.Identify(ctx, call)
		return v, true, err
	})
}

// SetAnonymousID queues an anonymous id change. The in-memory user changes
// only once the background writer has stored it; a Reset in between
// discards the change.
func (b *Bus) SetAnonymousID(id string) {
	gen := b.Generation()
	b.enqueue(func(ctx context.Context) error {
		if b.Generation() != gen {
			return nil
		}
		if err := b.store.SetItem(ctx, storage.AnonymousIDKey, id); err != nil {
			return err
		}
		b.updateIn(gen, func(u *User) { u.AnonymousID = id })
		return nil
	})
}

// Reset clears the user and starts a new generation, so queued writes and
// calls made before it are dropped. It then waits for the writer, clears
// the storage and notifies ResetHandlers.
func (b *Bus) Reset(ctx context.Context) error {
	b.userMu.Lock()
	b.gen++
	b.user = User{}
	b.userMu.Unlock()

	if err := b.Flush(ctx); err != nil {
		return err
	}
	var errs []error
	if err := b.store.Reset(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to reset user storage: %w", err))
	}
	for _, p := range b.plugins {
		if h, ok := p.(ResetHandler); ok {
			if err := h.Reset(ctx); err != nil {
				errs = append(errs, fmt.Errorf("plugin %s: %w", p.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Flush waits until every queued user write has been applied.
func (b *Bus) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !b.send(ctx, userOp{done: done}) {
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued writes and stops the writer.
func (b *Bus) Close(ctx context.Context) error {
	b.queueMu.Lock()
	if b.closed {
		b.queueMu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.queueMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) each(t envelope.Type, run func(Plugin) (any, bool, error)) []Result {
	var results []Result
	for _, p := range b.plugins {
		r := Result{Plugin: p.Name()}
		handled := false
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.Err = fmt.Errorf("panic: %v", rec)
					handled = true
				}
			}()
			r.Value, handled, r.Err = run(p)
		}()
		if !handled {
			continue
		}
		if r.Err != nil {
			b.logger.Warn().Err(r.Err).Str("plugin", r.Plugin).Str("type", string(t)).Msg("Plugin failed.")
		}
		results = append(results, r)
	}
	return results
}

func (b *Bus) enqueue(apply func(ctx context.Context) error) {
	b.send(context.Background(), userOp{apply: apply})
}

// send queues op; it reports false when the bus is closed or ctx ends first.
func (b *Bus) send(ctx context.Context, op userOp) bool {
	b.queueMu.RLock()
	defer b.queueMu.RUnlock()
	if b.closed {
		if op.done != nil {
			close(op.done)
			return true
		}
		return false
	}
	select {
	case b.queue <- op:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Bus) run() {
	defer b.wg.Done()
	for op := range b.queue {
		if op.done != nil {
			close(op.done)
			continue
		}
		if err := op.apply(context.Background()); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to persist user state.")
		}
	}
}
