package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-analytics/pkg/metrics"
	"github.com/illmade-knight/go-analytics/pkg/scripts"
	"github.com/rs/zerolog"
)

// ErrScriptFailed is returned for a script whose load has failed. Failure is
// terminal for the life of the registry.
var ErrScriptFailed = errors.New("destination script failed to load")

// LoadState is the lifecycle of one script source.
type LoadState int

const (
	StateFresh LoadState = iota
	StateLoading
	StateLoaded
	StateFailed
)

func (s LoadState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type loadEntry struct {
	state  LoadState
	done   chan struct{}
	script scripts.Script
	err    error
}

// Registry loads each script source at most once, however many destinations
// and concurrent events reference it.
type Registry struct {
	loader scripts.Loader
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*loadEntry
}

// NewRegistry creates a Registry that loads through loader.
func NewRegistry(loader scripts.Loader, logger zerolog.Logger) *Registry {
	return &Registry{
		loader:  loader,
		logger:  logger.With().Str("component", "ScriptRegistry").Logger(),
		entries: make(map[string]*loadEntry),
	}
}

// State reports the load state of src.
func (r *Registry) State(src string) LoadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[src]; ok {
		return e.state
	}
	return StateFresh
}

// Load returns the script at src, loading it on first use. Callers arriving
// while a load is in flight wait for its outcome.
func (r *Registry) Load(ctx context.Context, src string) (scripts.Script, error) {
	r.mu.Lock()
	e, ok := r.entries[src]
	if !ok {
		e = &loadEntry{state: StateLoading, done: make(chan struct{})}
		r.entries[src] = e
	}
	r.mu.Unlock()

	if ok {
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.script, nil
	}

	// The load outlives the first caller so waiters are not failed by its
	// cancellation.
	script, err := r.load(context.WithoutCancel(ctx), src)

	r.mu.Lock()
	if err != nil {
		e.state = StateFailed
		e.err = fmt.Errorf("%w: %s: %w", ErrScriptFailed, src, err)
	} else {
		e.state = StateLoaded
		e.script = script
	}
	r.mu.Unlock()
	close(e.done)

	if err != nil {
		metrics.ScriptLoads.WithLabelValues(metrics.OutcomeFailed).Inc()
		r.logger.Warn().Err(err).Str("src", src).Msg("Failed to load destination script.")
		return nil, e.err
	}
	metrics.ScriptLoads.WithLabelValues(metrics.OutcomeOK).Inc()
	r.logger.Debug().Str("src", src).Msg("Loaded destination script.")
	return script, nil
}

func (r *Registry) load(ctx context.Context, src string) (script scripts.Script, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if r.loader == nil {
		return nil, errors.New("no script loader configured")
	}
	return r.loader.Load(ctx, src)
}

// Close releases every loaded script.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for src, e := range r.entries {
		if e.state == StateLoaded && e.script != nil {
			if err := e.script.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", src, err))
			}
		}
	}
	return errors.Join(errs...)
}
