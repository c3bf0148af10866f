package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// KeyPrefix is prepended to every namespace hash key.
	KeyPrefix string `yaml:"key_prefix"`
	// TTL is refreshed on every write. Zero keeps the hash forever.
	TTL time.Duration `yaml:"ttl"`
}

// RedisStorage keeps one visitor's identity state in a Redis hash. Every
// logical key is a hash field holding a JSON document, so a Reset is a
// single DEL.
type RedisStorage struct {
	redisClient *redis.Client
	ownsClient  bool
	hashKey     string
	ttl         time.Duration
	logger      zerolog.Logger
}

// NewRedisStorage creates and connects a RedisStorage for the given namespace
// (typically a device or session id). It pings the server before returning.
func NewRedisStorage(
	ctx context.Context,
	cfg *RedisConfig,
	namespace string,
	logger zerolog.Logger,
) (*RedisStorage, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis for identity storage: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis for identity storage.")

	s := NewRedisStorageWithClient(rdb, cfg, namespace, logger)
	s.ownsClient = true
	return s, nil
}

// NewRedisStorageWithClient builds a RedisStorage on a shared client. The
// client is not closed by Close.
func NewRedisStorageWithClient(client *redis.Client, cfg *RedisConfig, namespace string, logger zerolog.Logger) *RedisStorage {
	return &RedisStorage{
		redisClient: client,
		hashKey:     cfg.KeyPrefix + namespace,
		ttl:         cfg.TTL,
		logger:      logger.With().Str("component", "RedisStorage").Str("namespace", namespace).Logger(),
	}
}

// SetItem marshals the value to JSON and stores it as a hash field.
func (s *RedisStorage) SetItem(ctx context.Context, key Key, value any) error {
	if value == nil {
		return s.RemoveItem(ctx, key)
	}
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal identity data for key %s: %w", key, err)
	}
	pipe := s.redisClient.TxPipeline()
	pipe.HSet(ctx, s.hashKey, string(key), jsonData)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.hashKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set identity in redis for key %s: %w", key, err)
	}
	s.logger.Debug().Str("key", string(key)).Msg("Stored identity item in Redis.")
	return nil
}

// GetItem retrieves and unmarshals a hash field.
func (s *RedisStorage) GetItem(ctx context.Context, key Key) (any, error) {
	cached, err := s.redisClient.HGet(ctx, s.hashKey, string(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis hget failed for key %s: %w", key, err)
	}
	var value any
	if err := json.Unmarshal([]byte(cached), &value); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity data for key %s: %w", key, err)
	}
	return value, nil
}

// RemoveItem deletes a hash field.
func (s *RedisStorage) RemoveItem(ctx context.Context, key Key) error {
	if err := s.redisClient.HDel(ctx, s.hashKey, string(key)).Err(); err != nil {
		return fmt.Errorf("redis hdel failed for key %s: %w", key, err)
	}
	return nil
}

// Reset deletes the whole namespace hash.
func (s *RedisStorage) Reset(ctx context.Context) error {
	if err := s.redisClient.Del(ctx, s.hashKey).Err(); err != nil {
		return fmt.Errorf("redis del failed for %s: %w", s.hashKey, err)
	}
	return nil
}

// Close closes the Redis client connection when this storage created it.
func (s *RedisStorage) Close() error {
	if s.redisClient != nil && s.ownsClient {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}
