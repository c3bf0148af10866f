// Package devcollector is a local stand-in for the collection endpoint. It
// logs every envelope it receives and answers with a configured list of
// destinations, so device-mode dispatch can be exercised without a backend.
package devcollector

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/illmade-knight/go-analytics/pkg/envelope"
	"github.com/illmade-knight/go-analytics/pkg/metrics"
	"github.com/illmade-knight/go-analytics/pkg/microservice"
	"github.com/illmade-knight/go-analytics/pkg/transport"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const maxBodyBytes = 1 << 20

// Config holds configuration for a Collector.
type Config struct {
	microservice.BaseConfig `yaml:",inline"`

	// WriteKeys restricts accepted write keys. Empty accepts any key.
	WriteKeys []string `yaml:"write_keys"`
	// Destinations are returned verbatim with every accepted event.
	Destinations []map[string]any `yaml:"destinations"`
	// Retain bounds the envelopes kept for inspection. Defaults to 100.
	Retain int `yaml:"retain"`
}

// LoadConfig reads a collector config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read collector config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse collector config %s: %w", path, err)
	}
	return cfg, nil
}

// Received is one accepted envelope.
type Received struct {
	Method     envelope.Type      `json:"method"`
	S2S        bool               `json:"s2s"`
	Debug      bool               `json:"debug"`
	ReceivedAt time.Time          `json:"receivedAt"`
	Envelope   *envelope.Envelope `json:"envelope"`
}

// Collector implements the collection endpoint routes.
type Collector struct {
	destinations []json.RawMessage
	writeKeys    []string
	retain       int
	logger       zerolog.Logger

	mu       sync.Mutex
	received []Received
}

// New creates a Collector. Destinations are encoded once up front.
func New(cfg Config, logger zerolog.Logger) (*Collector, error) {
	c := &Collector{
		writeKeys: cfg.WriteKeys,
		retain:    cfg.Retain,
		logger:    logger.With().Str("component", "DevCollector").Logger(),
	}
	if c.retain <= 0 {
		c.retain = 100
	}
	for i, d := range cfg.Destinations {
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("destination %d: %w", i, err)
		}
		c.destinations = append(c.destinations, raw)
	}
	return c, nil
}

// Routes mounts the collector on r.
func (c *Collector) Routes(r chi.Router) {
	r.Post("/api/s/{method}", c.handle(false))
	r.Post("/api/s/s2s/{method}", c.handle(true))
	r.Get("/api/events", c.listEvents)
	r.Delete("/api/events", c.clearEvents)
}

// Received returns a copy of the retained envelopes, oldest first.
func (c *Collector) Received() []Received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.received)
}

func (c *Collector) handle(s2s bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := envelope.Type(chi.URLParam(r, "method"))
		if !method.Valid() {
			writeJSONError(w, fmt.Sprintf("unknown method %q", method), http.StatusNotFound)
			return
		}
		writeKey := r.Header.Get(transport.HeaderWriteKey)
		if len(c.writeKeys) > 0 && !slices.Contains(c.writeKeys, writeKey) {
			c.logger.Warn().Str("write_key", envelope.MaskWriteKey(writeKey)).Msg("Rejected unknown write key.")
			writeJSONError(w, "unknown write key", http.StatusUnauthorized)
			return
		}

		env, err := decode(r)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}

		endpoint := "browser"
		if s2s {
			endpoint = "s2s"
		}
		metrics.EventsReceived.WithLabelValues(string(method), endpoint).Inc()

		rec := Received{
			Method:     method,
			S2S:        s2s,
			Debug:      r.Header.Get(transport.HeaderEnableDebug) == "true",
			ReceivedAt: time.Now().UTC(),
			Envelope:   env,
		}
		c.store(rec)

		c.logger.Info().
			Str("method", string(method)).
			Str("endpoint", endpoint).
			Str("message_id", env.MessageID).
			Str("anonymous_id", env.AnonymousID).
			Str("user_id", env.UserID).
			Str("event", env.Event).
			Msg("Received event.")

		writeJSON(w, http.StatusOK, transport.Response{Destinations: c.destinations})
	}
}

func (c *Collector) store(rec Received) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, rec)
	if over := len(c.received) - c.retain; over > 0 {
		c.received = slices.Delete(c.received, 0, over)
	}
}

func (c *Collector) listEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, c.Received())
}

func (c *Collector) clearEvents(w http.ResponseWriter, _ *http.Request) {
	c.mu.Lock()
	c.received = nil
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func decode(r *http.Request) (*envelope.Envelope, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("body too large")
	}
	var env envelope.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return &env, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: http.StatusText(status), Message: message})
}
