package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/illmade-knight/go-analytics/pkg/envelope"
	"github.com/rs/zerolog"
)

// KafkaConfig holds configuration for a KafkaSender.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// NewSaramaConfig returns producer settings for idempotent delivery.
func NewSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Net.MaxOpenRequests = 1
	cfg.Metadata.Retry.Max = 5
	cfg.Metadata.Retry.Backoff = 2 * time.Second
	return cfg
}

// KafkaSender writes envelopes to a Kafka topic keyed by anonymous id so one
// visitor's events stay in order on a partition.
type KafkaSender struct {
	producer sarama.SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewKafkaSender connects a sync producer to cfg.Brokers.
func NewKafkaSender(cfg KafkaConfig, logger zerolog.Logger) (*KafkaSender, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaSenderWithProducer(producer, cfg.Topic, logger), nil
}

// NewKafkaSenderWithProducer wraps an existing producer.
func NewKafkaSenderWithProducer(producer sarama.SyncProducer, topic string, logger zerolog.Logger) *KafkaSender {
	return &KafkaSender{
		producer: producer,
		topic:    topic,
		logger:   logger.With().Str("component", "KafkaSender").Str("topic", topic).Logger(),
	}
}

func (k *KafkaSender) Send(_ context.Context, method envelope.Type, env *envelope.Envelope) (*Response, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	key := env.AnonymousID
	if key == "" {
		key = env.UserID
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("method"), Value: []byte(method)},
		},
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to produce event: %w", err)
	}
	k.logger.Debug().Int32("partition", partition).Int64("offset", offset).Msg("Event produced.")
	return nil, nil
}

// Stop closes the producer.
func (k *KafkaSender) Stop(context.Context) error {
	return k.producer.Close()
}
