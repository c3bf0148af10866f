package tracker

import (
	"context"

	"github.com/illmade-knight/go-analytics/pkg/bus"
)

// CollectorPluginName is the bus plugin that builds envelopes and sends them
// to the collection endpoint.
const CollectorPluginName = "analytics-collector"

type collector struct {
	client *Client
}

func (collector) Name() string { return CollectorPluginName }

func (p collector) Page(ctx context.Context, call bus.Call) (any, error) {
	return p.client.deliver(ctx, call), nil
}

func (p collector) Track(ctx context.Context, call bus.Call) (any, error) {
	return p.client.deliver(ctx, call), nil
}

func (p collector) Identify(ctx context.Context, call bus.Call) (any, error) {
	return p.client.deliver(ctx, call), nil
}

func (p collector) Group(ctx context.Context, call bus.Call) (any, error) {
	return p.client.deliver(ctx, call), nil
}
