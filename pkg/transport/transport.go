// Package transport delivers envelopes to the collection endpoint and hands
// the destinations it answers with to the dispatch engine.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/dispatch"
	"github.com/illmade-knight/go-analytics/pkg/envelope"
	"github.com/illmade-knight/go-analytics/pkg/metrics"
	"github.com/rs/zerolog"
)

// Response is the collection endpoint's answer.
type Response struct {
	Destinations []json.RawMessage `json:"destinations,omitempty"`
}

// Sender performs one delivery. A nil Response means the sender has no
// response body to report.
type Sender interface {
	Send(ctx context.Context, method envelope.Type, env *envelope.Envelope) (*Response, error)
}

// Dispatcher receives the destinations returned for a delivered event.
type Dispatcher interface {
	Dispatch(ctx context.Context, descriptors []dispatch.Descriptor, t envelope.Type, env *envelope.Envelope)
}

// Config holds configuration for a Transport.
type Config struct {
	WriteKey string
	// Echo logs envelopes instead of sending them.
	Echo bool
}

// Transport sends envelopes and never returns delivery errors: failures are
// logged at warn level and counted.
type Transport struct {
	sender     Sender
	dispatcher Dispatcher
	cfg        Config
	logger     zerolog.Logger
}

// New creates a Transport. dispatcher may be nil.
func New(sender Sender, dispatcher Dispatcher, cfg Config, logger zerolog.Logger) *Transport {
	return &Transport{
		sender:     sender,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With().Str("component", "Transport").Logger(),
	}
}

// Send delivers env as method. It returns once delivery and destination
// dispatch have finished or failed.
func (t *Transport) Send(ctx context.Context, method envelope.Type, env *envelope.Envelope) {
	env.WriteKey = t.cfg.WriteKey

	if t.cfg.Echo {
		masked := *env
		masked.WriteKey = envelope.MaskWriteKey(env.WriteKey)
		payload, _ := json.Marshal(&masked)
		t.logger.Log().
			Str("method", string(method)).
			RawJSON("payload", payload).
			Msg("Echo mode: event not sent.")
		metrics.EventsSent.WithLabelValues(string(method), metrics.OutcomeEcho).Inc()
		return
	}

	start := time.Now()
	resp, err := t.sender.Send(ctx, method, env)
	metrics.SendDuration.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.EventsSent.WithLabelValues(string(method), metrics.OutcomeFailed).Inc()
		t.logger.Warn().
			Err(err).
			Str("method", string(method)).
			Str("message_id", env.MessageID).
			Str("write_key", envelope.MaskWriteKey(env.WriteKey)).
			Msg("Failed to deliver event.")
		return
	}
	metrics.EventsSent.WithLabelValues(string(method), metrics.OutcomeOK).Inc()
	t.logger.Debug().Str("method", string(method)).Str("message_id", env.MessageID).Msg("Event delivered.")

	if resp == nil || len(resp.Destinations) == 0 || t.dispatcher == nil {
		return
	}
	descriptors, errs := dispatch.ParseDescriptors(resp.Destinations)
	for _, err := range errs {
		t.logger.Warn().Err(err).Msg("Skipping malformed destination.")
	}
	if len(descriptors) > 0 {
		t.dispatcher.Dispatch(ctx, descriptors, method, env)
	}
}

// Close stops the sender if it buffers.
func (t *Transport) Close(ctx context.Context) error {
	if s, ok := t.sender.(interface{ Stop(context.Context) error }); ok {
		return s.Stop(ctx)
	}
	return nil
}
