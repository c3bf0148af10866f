// Package plugins contains the device-mode destinations built into the SDK.
// They are referenced from destination descriptors by name.
package plugins

import (
	"net/http"
	"sync"

	"github.com/illmade-knight/go-analytics/pkg/scripts"
	"github.com/rs/zerolog"
)

// Registry maps internal plugin names to constructors.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]scripts.Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]scripts.Factory)}
}

// NewDefaultRegistry creates a registry holding the built-in destinations.
func NewDefaultRegistry(client *http.Client, logger zerolog.Logger) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	r := NewRegistry()
	r.Register(GA4Name, NewGA4Factory(client))
	r.Register(WebhookName, NewWebhookFactory(client))
	r.Register(LoggerName, NewLoggerFactory(logger))
	return r
}

// Register adds or replaces the constructor for name.
func (r *Registry) Register(name string, factory scripts.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Lookup returns the constructor for name.
func (r *Registry) Lookup(name string) (scripts.Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

func stringConfig(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}
