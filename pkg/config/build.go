package config

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/illmade-knight/go-analytics/pkg/dispatch"
	"github.com/illmade-knight/go-analytics/pkg/scripts"
	"github.com/illmade-knight/go-analytics/pkg/storage"
	"github.com/illmade-knight/go-analytics/pkg/tracker"
	"github.com/illmade-knight/go-analytics/pkg/transport"
	"github.com/rs/zerolog"
)

// Resources are the clients opened for a Config. Close releases them after
// the tracker has been closed.
type Resources struct {
	closers []func(context.Context) error
}

func (r *Resources) add(fn func(context.Context) error) {
	r.closers = append(r.closers, fn)
}

// Close releases resources in reverse order of creation.
func (r *Resources) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// TrackerOptions converts the config into tracker options, opening the
// storage, sender and script loader it names.
func (c *Config) TrackerOptions(ctx context.Context, logger zerolog.Logger) (tracker.Options, *Resources, error) {
	res := &Resources{}
	opts := tracker.Options{
		Host:                c.Host,
		WriteKey:            c.WriteKey,
		Debug:               c.Debug,
		Echo:                c.Echo,
		S2S:                 c.S2S,
		Timeout:             c.Timeout,
		MaxRetries:          c.MaxRetries,
		RateLimit:           c.RateLimit,
		DispatchConcurrency: c.DispatchConcurrency,
		LibraryName:         c.LibraryName,
		LibraryVersion:      c.LibraryVersion,
	}
	if c.Runtime != nil {
		opts.Runtime = c.Runtime
	}

	fail := func(err error) (tracker.Options, *Resources, error) {
		_ = res.Close(ctx)
		return tracker.Options{}, nil, err
	}

	store, err := c.openStorage(ctx, res, logger)
	if err != nil {
		return fail(err)
	}
	opts.Storage = store
	opts.WriteBehind = c.Storage.Type != StorageMemory && c.Storage.Type != ""

	sender, err := c.openSender(ctx, res, logger)
	if err != nil {
		return fail(err)
	}
	opts.Sender = sender

	registry, err := c.openScripts(ctx, res, logger)
	if err != nil {
		return fail(err)
	}
	opts.Scripts = registry

	if err := opts.Validate(); err != nil {
		return fail(err)
	}
	return opts, res, nil
}

func (c *Config) openStorage(ctx context.Context, res *Resources, logger zerolog.Logger) (storage.Storage, error) {
	switch c.Storage.Type {
	case "", StorageMemory:
		return storage.NewInMemoryStorage(), nil
	case StorageRedis:
		s, err := storage.NewRedisStorage(ctx, &c.Storage.Redis, c.Storage.Namespace, logger)
		if err != nil {
			return nil, err
		}
		res.add(func(context.Context) error { return s.Close() })
		return s, nil
	case StorageFirestore:
		client, err := firestore.NewClient(ctx, c.Storage.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		res.add(func(context.Context) error { return client.Close() })
		return storage.NewFirestoreStorage(&c.Storage.Firestore, client, c.Storage.Namespace, logger)
	default:
		return nil, fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
}

// openSender returns nil for the HTTP sender, which the tracker builds itself.
func (c *Config) openSender(ctx context.Context, res *Resources, logger zerolog.Logger) (transport.Sender, error) {
	switch c.Sender.Type {
	case "", SenderHTTP:
		return nil, nil
	case SenderPubsub:
		client, err := pubsub.NewClient(ctx, c.Sender.PubsubProject)
		if err != nil {
			return nil, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		res.add(func(context.Context) error { return client.Close() })
		return transport.NewPubsubSender(ctx, client, c.Sender.PubsubTopic, logger)
	case SenderKafka:
		return transport.NewKafkaSender(transport.KafkaConfig{
			Brokers: c.Sender.KafkaBrokers,
			Topic:   c.Sender.KafkaTopic,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown sender type %q", c.Sender.Type)
	}
}

func (c *Config) openScripts(ctx context.Context, res *Resources, logger zerolog.Logger) (*dispatch.Registry, error) {
	web := scripts.HTTPFetcher{}
	fetcher := scripts.SchemeFetcher{
		"http":  web,
		"https": web,
		"file":  scripts.FileFetcher{},
	}
	if c.Scripts.GCS {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create cloud storage client: %w", err)
		}
		res.add(func(context.Context) error { return client.Close() })
		fetcher["gs"] = scripts.GCSFetcher{Client: scripts.NewGCSClientAdapter(client)}
	}
	if c.Scripts.S3Region != "" {
		s3, err := scripts.NewS3Fetcher(ctx, c.Scripts.S3Region)
		if err != nil {
			return nil, err
		}
		fetcher["s3"] = s3
	}
	loader := scripts.NewWasmLoader(ctx, fetcher, scripts.WasmConfig{
		MemoryLimitPages: c.Scripts.MemoryLimitPages,
		CallTimeout:      c.Scripts.CallTimeout,
	}, logger)
	registry := dispatch.NewRegistry(loader, logger)
	res.add(loader.Close)
	res.add(registry.Close)
	return registry, nil
}
