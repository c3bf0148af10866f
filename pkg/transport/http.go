package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/illmade-knight/go-analytics/pkg/envelope"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Request headers understood by the collection endpoint.
const (
	HeaderWriteKey    = "X-Write-Key"
	HeaderEnableDebug = "X-Enable-Debug"
)

const tracerName = "github.com/illmade-knight/go-analytics/pkg/transport"

const retryInitialInterval = 100 * time.Millisecond

// maxResponseBytes caps a collection endpoint response.
const maxResponseBytes = 1 << 20

// HTTPConfig holds configuration for an HTTPSender.
type HTTPConfig struct {
	// Host is the collection endpoint base URL, e.g. https://t.example.com.
	Host     string
	WriteKey string
	Debug    bool
	// S2S selects the server-to-server endpoints.
	S2S bool
	// Timeout bounds a whole send, retries included.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint
	// RateLimit caps sends per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

// DefaultHTTPConfig supplies defaults for zero fields.
var DefaultHTTPConfig = HTTPConfig{
	Timeout:    5 * time.Second,
	MaxRetries: 2,
	Burst:      10,
}

// statusError is a non-2xx answer from the endpoint.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("collection endpoint returned %d", e.code)
}

// HTTPSender posts envelopes to {host}/api/s/{method}, or
// {host}/api/s/s2s/{method} for server-to-server traffic.
type HTTPSender struct {
	client  *http.Client
	cfg     HTTPConfig
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewHTTPSender creates an HTTPSender. client may be nil.
func NewHTTPSender(cfg HTTPConfig, client *http.Client, logger zerolog.Logger) *HTTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPConfig.Timeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultHTTPConfig.Burst
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	if client == nil {
		client = http.DefaultClient
	}
	s := &HTTPSender{
		client: client,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		logger: logger.With().Str("component", "HTTPSender").Logger(),
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	return s
}

// Endpoint returns the URL events of method are posted to.
func (s *HTTPSender) Endpoint(method envelope.Type) string {
	if s.cfg.S2S {
		return s.cfg.Host + "/api/s/s2s/" + string(method)
	}
	return s.cfg.Host + "/api/s/" + string(method)
}

func (s *HTTPSender) Send(ctx context.Context, method envelope.Type, env *envelope.Envelope) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "analytics.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("analytics.method", string(method)),
			attribute.String("analytics.message_id", env.MessageID),
		))
	defer span.End()

	body, err := json.Marshal(env)
	if err != nil {
		span.SetStatus(codes.Error, "encode")
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	attempts := 0
	resp, err := backoff.Retry(ctx, func() (*Response, error) {
		attempts++
		return s.attempt(ctx, method, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.cfg.MaxRetries+1),
		backoff.WithMaxElapsedTime(s.cfg.Timeout),
	)
	span.SetAttributes(attribute.Int("analytics.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

func (s *HTTPSender) attempt(ctx context.Context, method envelope.Type, body []byte) (*Response, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint(method), bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.WriteKey != "" {
		req.Header.Set(HeaderWriteKey, s.cfg.WriteKey)
	}
	if s.cfg.Debug {
		req.Header.Set(HeaderEnableDebug, "true")
	}

	httpResp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		s.logger.Debug().Err(err).Msg("Send attempt failed.")
		return nil, err
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		statusErr := &statusError{code: httpResp.StatusCode}
		if httpResp.StatusCode >= 500 {
			s.logger.Debug().Int("status", httpResp.StatusCode).Msg("Send attempt failed.")
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}

	var resp Response
	if len(bytes.TrimSpace(raw)) == 0 {
		return &resp, nil
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("unparsable response: %w", err))
	}
	return &resp, nil
}

// IsStatus reports whether err is a non-2xx answer with the given code.
func IsStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == code
}
