// Package tracker is the public entry point of the SDK. A Client records
// page views, events and identity, enriches them into envelopes, delivers
// them to the collection endpoint and fans them out to device-mode
// destinations.
//
// Every call applies its identity effects before returning and delivers in
// the background; the returned Result can be waited on. Only configuration
// errors are returned to the caller.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-analytics/pkg/bus"
	"github.com/illmade-knight/go-analytics/pkg/dispatch"
	"github.com/illmade-knight/go-analytics/pkg/envelope"
	"github.com/illmade-knight/go-analytics/pkg/environment"
	"github.com/illmade-knight/go-analytics/pkg/identity"
	"github.com/illmade-knight/go-analytics/pkg/plugins"
	"github.com/illmade-knight/go-analytics/pkg/storage"
	"github.com/illmade-knight/go-analytics/pkg/transport"
	"github.com/rs/zerolog"
)

// Client is safe for concurrent use.
type Client struct {
	cache      *identity.Cache
	bus        *bus.Bus
	builder    *envelope.Builder
	scripts    *dispatch.Registry
	baseLogger zerolog.Logger

	mu        sync.RWMutex
	opts      Options
	logger    zerolog.Logger
	transport *transport.Transport

	closeMu  sync.RWMutex
	closed   bool
	inflight pending
}

// New validates opts and creates a Client.
func New(ctx context.Context, opts Options, logger zerolog.Logger) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := leveled(logger, opts.Debug)

	store := opts.Storage
	if store == nil {
		store = storage.NewInMemoryStorage()
	}

	var builderOpts []envelope.BuilderOption
	if opts.LibraryName != "" {
		builderOpts = append(builderOpts, envelope.WithLibrary(opts.LibraryName, opts.LibraryVersion))
	}

	c := &Client{
		cache:      identity.NewCache(store, identity.Options{WriteBehind: opts.WriteBehind}, log),
		builder:    envelope.NewBuilder(builderOpts...),
		scripts:    opts.Scripts,
		baseLogger: logger,
	}
	if c.scripts == nil {
		c.scripts = DefaultScripts()
	}

	busPlugins := append([]bus.Plugin{collector{client: c}}, opts.Plugins...)
	c.bus = bus.New(opts.BusStorage, busPlugins, log)
	if err := c.bus.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore event bus user.")
	}

	c.apply(opts)
	return c, nil
}

// Configure replaces the delivery settings: host, write key, debug, echo,
// timeouts, runtime, sender and destination plugins. Identity storage and bus
// plugins are fixed at construction.
func (c *Client) Configure(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	c.apply(opts)
	return nil
}

func (c *Client) apply(opts Options) {
	log := leveled(c.baseLogger, opts.Debug)
	internal := opts.InternalPlugins
	if internal == nil {
		internal = plugins.NewDefaultRegistry(opts.httpClient(), log)
	}
	engine := dispatch.NewEngine(internal, c.scripts, dispatch.EngineConfig{MaxConcurrent: opts.DispatchConcurrency}, log)
	tr := transport.New(opts.sender(log), engine, transport.Config{WriteKey: opts.WriteKey, Echo: opts.Echo}, log)

	c.mu.Lock()
	c.opts = opts
	c.logger = log.With().Str("component", "Tracker").Logger()
	c.transport = tr
	c.mu.Unlock()
}

func leveled(logger zerolog.Logger, debug bool) zerolog.Logger {
	if debug {
		return logger.Level(zerolog.DebugLevel)
	}
	return logger.Level(zerolog.ErrorLevel)
}

func (c *Client) current() (*transport.Transport, environment.Runtime, zerolog.Logger) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport, c.opts.runtime(), c.logger
}

// Page records a page view. name may be empty.
func (c *Client) Page(ctx context.Context, name string, properties map[string]any) *Result {
	call := c.newCall(ctx, envelope.TypePage, envelope.Payload{Name: name, Properties: properties})
	return c.start(ctx, func(ctx context.Context) any {
		return first(c.bus.Page(ctx, call))
	})
}

// Track records a named event.
func (c *Client) Track(ctx context.Context, event string, properties map[string]any) *Result {
	call := c.newCall(ctx, envelope.TypeTrack, envelope.Payload{Event: event, Properties: properties})
	return c.start(ctx, func(ctx context.Context) any {
		return first(c.bus.Track(ctx, call))
	})
}

// Identify sets the user and their traits. An empty userID keeps the current
// user id. The new identity is visible to every call made after Identify
// returns, before anything is delivered or persisted.
func (c *Client) Identify(ctx context.Context, userID string, traits map[string]any) *Result {
	traits = identity.CloneTraits(traits)
	c.cache.SetIdentity(ctx, userID, traits)

	call := c.newCall(ctx, envelope.TypeIdentify, envelope.Payload{Traits: traits})
	c.bus.UpdateUser(func(u *bus.User) {
		u.UserID = call.Identity.UserID
		if traits != nil {
			u.Traits = identity.CloneTraits(traits)
		}
	})
	return c.start(ctx, func(ctx context.Context) any {
		return first(c.bus.Identify(ctx, call))
	})
}

// Group associates the user with a group. Every bus plugin that handles
// groups is called; the result is the first plugin's value.
func (c *Client) Group(ctx context.Context, groupID string, traits map[string]any) *Result {
	call := c.newCall(ctx, envelope.TypeGroup, envelope.Payload{GroupID: groupID, Traits: traits})
	return c.start(ctx, func(ctx context.Context) any {
		var values []bus.Result
		for _, p := range c.bus.Plugins() {
			h, ok := p.(bus.GroupHandler)
			if !ok {
				continue
			}
			v, err := callGroup(ctx, h, call)
			if err != nil {
				_, _, log := c.current()
				log.Warn().Err(err).Str("plugin", p.Name()).Msg("Group handler failed.")
			}
			values = append(values, bus.Result{Plugin: p.Name(), Value: v, Err: err})
		}
		return first(values)
	})
}

func callGroup(ctx context.Context, h bus.GroupHandler, call bus.Call) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.Group(ctx, call)
}

// Reset forgets the user and starts a new anonymous identity. The new
// anonymous id replaces the old identity in one step, so a call racing with
// Reset carries either the old identity or the new one. Deliveries already
// in flight are not cancelled.
func (c *Client) Reset(ctx context.Context) {
	id := c.cache.ResetWithAnonymousID(ctx, "")
	if err := c.bus.Reset(ctx); err != nil {
		_, _, log := c.current()
		log.Warn().Err(err).Msg("Event bus reset failed.")
	}
	c.syncBusAnonymousID(id)
}

// SetAnonymousID replaces the anonymous id. It takes effect for every call
// made after it returns.
func (c *Client) SetAnonymousID(ctx context.Context, id string) {
	c.cache.SetAnonymousID(ctx, id)
	c.syncBusAnonymousID(id)
}

// syncBusAnonymousID sets the bus user's id in memory at once, as well as
// through the bus's own deferred path.
func (c *Client) syncBusAnonymousID(id string) {
	c.bus.SetAnonymousID(id)
	c.bus.UpdateUser(func(u *bus.User) { u.AnonymousID = id })
}

// AnonymousID returns the current anonymous id, creating one if needed.
func (c *Client) AnonymousID(ctx context.Context) string {
	return c.cache.AnonymousID(ctx)
}

// Identity returns the identity the next call will carry.
func (c *Client) Identity(ctx context.Context) identity.State {
	return c.cache.Snapshot(ctx)
}

// Bus exposes the underlying event bus.
func (c *Client) Bus() *bus.Bus {
	return c.bus
}

// Flush waits for in-flight deliveries and queued identity writes.
func (c *Client) Flush(ctx context.Context) error {
	if err := c.inflight.wait(ctx); err != nil {
		return err
	}
	if err := c.cache.Flush(ctx); err != nil {
		return err
	}
	return c.bus.Flush(ctx)
}

// Close waits for in-flight deliveries, then releases the transport, the
// event bus and the identity cache. Script registries are shared and stay
// open. Calls made after Close are dropped.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	var errs []error
	if err := c.inflight.wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for deliveries: %w", err))
	}
	tr, _, _ := c.current()
	if err := tr.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing transport: %w", err))
	}
	if err := c.bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing event bus: %w", err))
	}
	if err := c.cache.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing identity cache: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Client) newCall(ctx context.Context, t envelope.Type, payload envelope.Payload) bus.Call {
	payload.Properties = identity.CloneTraits(payload.Properties)
	payload.Traits = identity.CloneTraits(payload.Traits)
	_, rt, _ := c.current()
	gen := c.bus.Generation()
	return bus.Call{
		Type:       t,
		Payload:    payload,
		Identity:   c.cache.Snapshot(ctx),
		Runtime:    rt,
		Generation: gen,
	}
}

// start runs fn in the background, detached from the caller's cancellation.
func (c *Client) start(ctx context.Context, fn func(ctx context.Context) any) *Result {
	r := newResult()

	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		_, _, log := c.current()
		log.Warn().Msg("Client is closed; call dropped.")
		r.finish(nil)
		return r
	}
	c.inflight.add()
	c.closeMu.RUnlock()

	go func() {
		defer c.inflight.done()
		r.finish(fn(context.WithoutCancel(ctx)))
	}()
	return r
}

// deliver builds the envelope for call and sends it.
func (c *Client) deliver(ctx context.Context, call bus.Call) *envelope.Envelope {
	tr, _, _ := c.current()
	env := c.builder.Build(call.Type, call.Payload, call.Identity, call.Runtime)
	tr.Send(ctx, call.Type, env)
	return env
}

func first(results []bus.Result) any {
	for _, r := range results {
		if r.Value != nil {
			return r.Value
		}
	}
	return nil
}
