package storage

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore storage.
type FirestoreConfig struct {
	ProjectID      string `yaml:"project_id"`
	CollectionName string `yaml:"collection"`
}

// FirestoreStorage keeps one visitor's identity state in a single Firestore
// document; each logical key is a field. Suitable for low volume deployments,
// RedisStorage is the better fit for high write rates.
type FirestoreStorage struct {
	client *firestore.Client
	doc    *firestore.DocumentRef
	logger zerolog.Logger
}

// NewFirestoreStorage creates a FirestoreStorage for the given namespace.
// The client's lifecycle is managed by the caller.
func NewFirestoreStorage(
	cfg *FirestoreConfig,
	client *firestore.Client,
	namespace string,
	logger zerolog.Logger,
) (*FirestoreStorage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if namespace == "" {
		return nil, fmt.Errorf("firestore storage namespace cannot be empty")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStorage initialized.")

	return &FirestoreStorage{
		client: client,
		doc:    client.Collection(cfg.CollectionName).Doc(namespace),
		logger: logger.With().Str("component", "FirestoreStorage").Str("namespace", namespace).Logger(),
	}, nil
}

// SetItem merges the field into the namespace document.
func (s *FirestoreStorage) SetItem(ctx context.Context, key Key, value any) error {
	if value == nil {
		return s.RemoveItem(ctx, key)
	}
	_, err := s.doc.Set(ctx, map[string]any{string(key): value}, firestore.MergeAll)
	if err != nil {
		s.logger.Error().Err(err).Str("key", string(key)).Msg("Failed to write identity field to Firestore.")
		return fmt.Errorf("firestore set for %s: %w", key, err)
	}
	return nil
}

// GetItem reads one field of the namespace document.
func (s *FirestoreStorage) GetItem(ctx context.Context, key Key) (any, error) {
	snap, err := s.doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("firestore get for %s: %w", key, err)
	}
	value, ok := snap.Data()[string(key)]
	if !ok || value == nil {
		return nil, ErrNotFound
	}
	return value, nil
}

// RemoveItem deletes one field. A missing document is not an error.
func (s *FirestoreStorage) RemoveItem(ctx context.Context, key Key) error {
	_, err := s.doc.Update(ctx, []firestore.Update{{Path: string(key), Value: firestore.Delete}})
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore delete field %s: %w", key, err)
	}
	return nil
}

// Reset deletes the namespace document.
func (s *FirestoreStorage) Reset(ctx context.Context) error {
	if _, err := s.doc.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore delete document: %w", err)
	}
	return nil
}
