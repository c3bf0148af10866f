package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-analytics/pkg/envelope"
	"github.com/rs/zerolog"
)

// PubsubSender publishes envelopes to a Pub/Sub topic for server pipelines
// that collect through a queue rather than the HTTP endpoint.
type PubsubSender struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewPubsubSender verifies that topicID exists before returning.
func NewPubsubSender(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*PubsubSender, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	return &PubsubSender{
		topic:  topic,
		logger: logger.With().Str("component", "PubsubSender").Str("topic_id", topicID).Logger(),
	}, nil
}

// Send publishes env and waits for the server to acknowledge it.
func (p *PubsubSender) Send(ctx context.Context, method envelope.Type, env *envelope.Envelope) (*Response, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"method":    string(method),
			"messageId": env.MessageID,
		},
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to publish event: %w", err)
	}
	p.logger.Debug().Str("published_msg_id", msgID).Msg("Event published.")
	return nil, nil
}

// Stop flushes pending messages, respecting the context's deadline.
func (p *PubsubSender) Stop(ctx context.Context) error {
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
