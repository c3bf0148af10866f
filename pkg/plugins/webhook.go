package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/illmade-knight/go-analytics/pkg/envelope"
	"github.com/illmade-knight/go-analytics/pkg/scripts"
)

const WebhookName = "webhook"

// Webhook posts every envelope as JSON to a configured URL. Config keys: url
// and an optional headers object of string values.
type Webhook struct {
	client  *http.Client
	url     string
	headers map[string]string
}

// NewWebhookFactory returns the constructor registered as "webhook".
func NewWebhookFactory(client *http.Client) scripts.Factory {
	return func(_ context.Context, config map[string]any) (scripts.Plugin, error) {
		w := &Webhook{
			client:  client,
			url:     stringConfig(config, "url"),
			headers: make(map[string]string),
		}
		if raw, ok := config["headers"].(map[string]any); ok {
			for k, v := range raw {
				if s, ok := v.(string); ok {
					w.headers[k] = s
				}
			}
		}
		return scripts.Adapt(w), nil
	}
}

func (w *Webhook) Initialize(context.Context) error {
	if w.url == "" {
		return errors.New("webhook requires url")
	}
	return nil
}

func (w *Webhook) Page(ctx context.Context, env *envelope.Envelope) error  { return w.post(ctx, env) }
func (w *Webhook) Track(ctx context.Context, env *envelope.Envelope) error { return w.post(ctx, env) }
func (w *Webhook) Identify(ctx context.Context, env *envelope.Envelope) error {
	return w.post(ctx, env)
}
func (w *Webhook) Group(ctx context.Context, env *envelope.Envelope) error { return w.post(ctx, env) }

func (w *Webhook) post(ctx context.Context, env *envelope.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
