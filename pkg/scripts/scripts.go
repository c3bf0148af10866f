// Package scripts loads the external code that backs device-mode destinations
// and adapts it to one calling convention. A script is fetched from a source
// URL, exposes named constructors, and each constructor builds a Plugin from a
// destination's merged config.
package scripts

import (
	"context"
	"errors"

	"github.com/illmade-knight/go-analytics/pkg/envelope"
)

// ErrExportNotFound is returned when a script has no constructor under the
// requested name.
var ErrExportNotFound = errors.New("script export not found")

// Hook names a plugin lifecycle method.
type Hook string

const (
	HookInitialize Hook = "initialize"
	HookPage       Hook = "page"
	HookTrack      Hook = "track"
	HookIdentify   Hook = "identify"
	HookGroup      Hook = "group"
)

// HookFor maps a call type to the lifecycle hook that handles it.
func HookFor(t envelope.Type) Hook {
	return Hook(t)
}

// Plugin is a constructed destination instance.
type Plugin interface {
	// Supports reports whether the plugin implements hook.
	Supports(hook Hook) bool
	// Call invokes hook. env is nil for HookInitialize.
	Call(ctx context.Context, hook Hook, env *envelope.Envelope) error
}

// Factory constructs a plugin from a destination's merged config.
type Factory func(ctx context.Context, config map[string]any) (Plugin, error)

// Script is a loaded module.
type Script interface {
	// Export returns the constructor registered under name.
	Export(name string) (Factory, error)
	Close(ctx context.Context) error
}

// Loader fetches and evaluates a script source.
type Loader interface {
	Load(ctx context.Context, src string) (Script, error)
}

// Lifecycle interfaces a Go plugin may implement. Adapt turns any value into a
// Plugin that supports exactly the hooks it implements.
type (
	Initializer interface {
		Initialize(ctx context.Context) error
	}
	PageHandler interface {
		Page(ctx context.Context, env *envelope.Envelope) error
	}
	TrackHandler interface {
		Track(ctx context.Context, env *envelope.Envelope) error
	}
	IdentifyHandler interface {
		Identify(ctx context.Context, env *envelope.Envelope) error
	}
	GroupHandler interface {
		Group(ctx context.Context, env *envelope.Envelope) error
	}
)

// Adapt wraps a value implementing any subset of the lifecycle interfaces.
func Adapt(v any) Plugin {
	if p, ok := v.(Plugin); ok {
		return p
	}
	return handlerPlugin{v: v}
}

type handlerPlugin struct {
	v any
}

func (h handlerPlugin) Supports(hook Hook) bool {
	switch hook {
	case HookInitialize:
		_, ok := h.v.(Initializer)
		return ok
	case HookPage:
		_, ok := h.v.(PageHandler)
		return ok
	case HookTrack:
		_, ok := h.v.(TrackHandler)
		return ok
	case HookIdentify:
		_, ok := h.v.(IdentifyHandler)
		return ok
	case HookGroup:
		_, ok := h.v.(GroupHandler)
		return ok
	}
	return false
}

func (h handlerPlugin) Call(ctx context.Context, hook Hook, env *envelope.Envelope) error {
	switch hook {
	case HookInitialize:
		if p, ok := h.v.(Initializer); ok {
			return p.Initialize(ctx)
		}
	case HookPage:
		if p, ok := h.v.(PageHandler); ok {
			return p.Page(ctx, env)
		}
	case HookTrack:
		if p, ok := h.v.(TrackHandler); ok {
			return p.Track(ctx, env)
		}
	case HookIdentify:
		if p, ok := h.v.(IdentifyHandler); ok {
			return p.Identify(ctx, env)
		}
	case HookGroup:
		if p, ok := h.v.(GroupHandler); ok {
			return p.Group(ctx, env)
		}
	}
	return nil
}
