package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-analytics/pkg/envelope"
	"github.com/illmade-knight/go-analytics/pkg/metrics"
	"github.com/illmade-knight/go-analytics/pkg/scripts"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PluginLookup resolves internal plugin names.
type PluginLookup interface {
	Lookup(name string) (scripts.Factory, bool)
}

// EngineConfig holds configuration for an Engine.
type EngineConfig struct {
	// MaxConcurrent bounds simultaneous destination invocations per event.
	// Zero means unbounded.
	MaxConcurrent int
}

// Engine delivers events to device-mode destinations. Each destination is
// isolated: a failure to load, construct, initialize or invoke one is logged
// and never reaches other destinations or the caller.
type Engine struct {
	internal PluginLookup
	scripts  *Registry
	cfg      EngineConfig
	logger   zerolog.Logger
}

// NewEngine creates an Engine.
func NewEngine(internal PluginLookup, registry *Registry, cfg EngineConfig, logger zerolog.Logger) *Engine {
	return &Engine{
		internal: internal,
		scripts:  registry,
		cfg:      cfg,
		logger:   logger.With().Str("component", "DispatchEngine").Logger(),
	}
}

// Dispatch delivers env to every descriptor whose filters it passes and
// returns when all of them have finished. Each destination gets its own copy
// without the write key, which only the collection endpoint may see.
func (e *Engine) Dispatch(ctx context.Context, descriptors []Descriptor, t envelope.Type, env *envelope.Envelope) {
	var g errgroup.Group
	if e.cfg.MaxConcurrent > 0 {
		g.SetLimit(e.cfg.MaxConcurrent)
	}
	for _, d := range descriptors {
		g.Go(func() error {
			e.dispatchOne(ctx, d, t, destinationCopy(env))
			return nil
		})
	}
	_ = g.Wait()
}

func destinationCopy(env *envelope.Envelope) *envelope.Envelope {
	c := env.Clone()
	c.WriteKey = ""
	return c
}

func (e *Engine) dispatchOne(ctx context.Context, d Descriptor, t envelope.Type, env *envelope.Envelope) {
	log := e.logger.With().
		Str("destination_id", d.ID).
		Str("destination_type", d.DestinationType).
		Str("type", string(t)).
		Logger()

	if d.DeviceOptions == nil {
		return
	}
	config := d.Config()
	if !MatchesFilters(config, env) {
		e.count(d, metrics.OutcomeFiltered)
		return
	}

	factory, ok := e.resolve(ctx, d, log)
	if !ok {
		e.count(d, metrics.OutcomeSkipped)
		return
	}

	var plugin scripts.Plugin
	err := guard(func() (err error) {
		plugin, err = factory(ctx, config)
		return err
	})
	if err == nil && plugin == nil {
		err = errors.New("constructor returned no plugin")
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to construct destination plugin.")
		e.count(d, metrics.OutcomeFailed)
		return
	}

	if plugin.Supports(scripts.HookInitialize) {
		if err := guard(func() error { return plugin.Call(ctx, scripts.HookInitialize, nil) }); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize destination plugin.")
			e.count(d, metrics.OutcomeFailed)
			return
		}
	}

	hook := scripts.HookFor(t)
	if !plugin.Supports(hook) {
		e.count(d, metrics.OutcomeSkipped)
		return
	}
	if err := guard(func() error { return plugin.Call(ctx, hook, env) }); err != nil {
		log.Warn().Err(err).Msg("Destination plugin failed.")
		e.count(d, metrics.OutcomeFailed)
		return
	}
	log.Debug().Msg("Dispatched event to destination.")
	e.count(d, metrics.OutcomeOK)
}

// resolve finds the constructor named by the descriptor's device options.
func (e *Engine) resolve(ctx context.Context, d Descriptor, log zerolog.Logger) (scripts.Factory, bool) {
	switch opts := d.DeviceOptions.(type) {
	case InternalPlugin:
		if e.internal == nil {
			log.Warn().Str("plugin", opts.Name).Msg("No internal plugins registered; skipping destination.")
			return nil, false
		}
		factory, ok := e.internal.Lookup(opts.Name)
		if !ok {
			log.Warn().Str("plugin", opts.Name).Msg("Unknown internal plugin; skipping destination.")
			return nil, false
		}
		return factory, true

	case ExternalPlugin:
		if e.scripts == nil {
			log.Warn().Str("src", opts.PackageCDN).Msg("External plugins are disabled; skipping destination.")
			return nil, false
		}
		script, err := e.scripts.Load(ctx, opts.PackageCDN)
		if err != nil {
			log.Warn().Err(err).Str("src", opts.PackageCDN).Msg("Destination script unavailable.")
			return nil, false
		}
		var factory scripts.Factory
		err = guard(func() (err error) {
			factory, err = script.Export(opts.ModuleVarName)
			return err
		})
		if err != nil {
			log.Warn().Err(err).Str("src", opts.PackageCDN).Msg("Destination script has no usable export.")
			return nil, false
		}
		return factory, true
	}
	return nil, false
}

func (e *Engine) count(d Descriptor, outcome string) {
	metrics.DestinationDispatch.WithLabelValues(d.DestinationType, outcome).Inc()
}

// guard runs fn and converts a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
