package tracker

import (
	"errors"
	"net/http"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/bus"
	"github.com/illmade-knight/go-analytics/pkg/dispatch"
	"github.com/illmade-knight/go-analytics/pkg/environment"
	"github.com/illmade-knight/go-analytics/pkg/plugins"
	"github.com/illmade-knight/go-analytics/pkg/storage"
	"github.com/illmade-knight/go-analytics/pkg/transport"
	"github.com/rs/zerolog"
)

// ErrMissingHost is returned when no collection host is configured outside
// echo mode.
var ErrMissingHost = errors.New("tracker: host is required unless echo mode is on")

// Options configures a Client.
type Options struct {
	// Host is the collection endpoint base URL.
	Host string
	// WriteKey identifies the source to the collection endpoint.
	WriteKey string
	// Debug enables diagnostic logging and the debug request header.
	Debug bool
	// Echo logs envelopes instead of sending them.
	Echo bool
	// S2S forces server-to-server endpoints; a headless runtime implies it.
	S2S bool

	Timeout    time.Duration
	MaxRetries uint
	// RateLimit caps sends per second; zero disables limiting.
	RateLimit float64

	// Runtime supplies environment facts. Defaults to a headless runtime.
	Runtime environment.Runtime
	// Storage persists identity. Defaults to memory.
	Storage storage.Storage
	// WriteBehind persists identity in the background; use with network
	// storages.
	WriteBehind bool
	// BusStorage persists the event bus's copy of the user. Defaults to
	// memory.
	BusStorage storage.Storage

	// Sender replaces the HTTP sender, e.g. with a Pub/Sub or Kafka sender.
	Sender     transport.Sender
	HTTPClient *http.Client

	// Plugins are extra event bus plugins.
	Plugins []bus.Plugin
	// InternalPlugins resolves internal destinations. Defaults to the
	// built-in registry.
	InternalPlugins *plugins.Registry
	// Scripts loads external destinations. Defaults to DefaultScripts, which
	// every client in the process shares.
	Scripts *dispatch.Registry
	// DispatchConcurrency bounds concurrent destinations per event.
	DispatchConcurrency int

	// LibraryName and LibraryVersion override context.library.
	LibraryName    string
	LibraryVersion string
}

// Validate reports configuration errors.
func (o Options) Validate() error {
	if !o.Echo && o.Host == "" && o.Sender == nil {
		return ErrMissingHost
	}
	return nil
}

func (o Options) runtime() environment.Runtime {
	if o.Runtime == nil {
		return environment.NewHeadless("")
	}
	return o.Runtime
}

func (o Options) s2s() bool {
	return o.S2S || o.runtime().Headless()
}

func (o Options) sender(logger zerolog.Logger) transport.Sender {
	if o.Sender != nil {
		return o.Sender
	}
	return transport.NewHTTPSender(transport.HTTPConfig{
		Host:       o.Host,
		WriteKey:   o.WriteKey,
		Debug:      o.Debug,
		S2S:        o.s2s(),
		Timeout:    o.Timeout,
		MaxRetries: o.maxRetries(),
		RateLimit:  o.RateLimit,
	}, o.HTTPClient, logger)
}

func (o Options) maxRetries() uint {
	if o.MaxRetries == 0 {
		return transport.DefaultHTTPConfig.MaxRetries
	}
	return o.MaxRetries
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient == nil {
		return http.DefaultClient
	}
	return o.HTTPClient
}
