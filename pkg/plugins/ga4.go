package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"

	"github.com/illmade-knight/go-analytics/pkg/envelope"
	"github.com/illmade-knight/go-analytics/pkg/scripts"
)

const (
	GA4Name = "ga4"
	// GA4Endpoint is the Measurement Protocol collection URL.
	GA4Endpoint = "https://www.google-analytics.com/mp/collect"
)

var ga4EventName = regexp.MustCompile(`[^A-Za-z0-9_]`)

// GA4 forwards page and track calls to Google Analytics 4 through the
// Measurement Protocol. Config keys: measurementId, apiSecret and an optional
// endpoint override.
type GA4 struct {
	client        *http.Client
	endpoint      string
	measurementID string
	apiSecret     string
}

// NewGA4Factory returns the constructor registered as "ga4".
func NewGA4Factory(client *http.Client) scripts.Factory {
	return func(_ context.Context, config map[string]any) (scripts.Plugin, error) {
		g := &GA4{
			client:        client,
			endpoint:      stringConfig(config, "endpoint"),
			measurementID: stringConfig(config, "measurementId"),
			apiSecret:     stringConfig(config, "apiSecret"),
		}
		if g.endpoint == "" {
			g.endpoint = GA4Endpoint
		}
		return scripts.Adapt(g), nil
	}
}

func (g *GA4) Initialize(context.Context) error {
	if g.measurementID == "" || g.apiSecret == "" {
		return errors.New("ga4 requires measurementId and apiSecret")
	}
	return nil
}

func (g *GA4) Page(ctx context.Context, env *envelope.Envelope) error {
	params := map[string]any{
		"page_location": env.LookupString("page.url"),
		"page_title":    env.LookupString("page.title"),
		"page_referrer": env.LookupString("page.referrer"),
	}
	return g.send(ctx, env, "page_view", params)
}

func (g *GA4) Track(ctx context.Context, env *envelope.Envelope) error {
	params := make(map[string]any, len(env.Properties))
	for k, v := range env.Properties {
		params[k] = v
	}
	return g.send(ctx, env, ga4EventName.ReplaceAllString(env.Event, "_"), params)
}

type ga4Event struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

type ga4Request struct {
	ClientID string     `json:"client_id"`
	UserID   string     `json:"user_id,omitempty"`
	Events   []ga4Event `json:"events"`
}

func (g *GA4) send(ctx context.Context, env *envelope.Envelope, name string, params map[string]any) error {
	body, err := json.Marshal(ga4Request{
		ClientID: env.AnonymousID,
		UserID:   env.UserID,
		Events:   []ga4Event{{Name: name, Params: params}},
	})
	if err != nil {
		return fmt.Errorf("failed to encode ga4 event: %w", err)
	}
	q := url.Values{}
	q.Set("measurement_id", g.measurementID)
	q.Set("api_secret", g.apiSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("ga4 request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ga4 returned %s", resp.Status)
	}
	return nil
}
