// Package config loads tracker settings from YAML files and ANALYTICS_*
// environment variables, and assembles the storages and senders they name.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/environment"
	"github.com/illmade-knight/go-analytics/pkg/storage"
	"gopkg.in/yaml.v3"
)

// Storage and sender types.
const (
	StorageMemory    = "memory"
	StorageRedis     = "redis"
	StorageFirestore = "firestore"

	SenderHTTP   = "http"
	SenderPubsub = "pubsub"
	SenderKafka  = "kafka"
)

// Environment variables read by LoadFromEnv and LoadFile.
const (
	EnvHost                = "ANALYTICS_HOST"
	EnvWriteKey            = "ANALYTICS_WRITE_KEY"
	EnvDebug               = "ANALYTICS_DEBUG"
	EnvEcho                = "ANALYTICS_ECHO"
	EnvS2S                 = "ANALYTICS_S2S"
	EnvTimeout             = "ANALYTICS_TIMEOUT"
	EnvMaxRetries          = "ANALYTICS_MAX_RETRIES"
	EnvRateLimit           = "ANALYTICS_RATE_LIMIT"
	EnvStorage             = "ANALYTICS_STORAGE"
	EnvStorageNamespace    = "ANALYTICS_STORAGE_NAMESPACE"
	EnvRedisAddr           = "ANALYTICS_REDIS_ADDR"
	EnvRedisPassword       = "ANALYTICS_REDIS_PASSWORD"
	EnvFirestoreProject    = "ANALYTICS_FIRESTORE_PROJECT"
	EnvFirestoreCollection = "ANALYTICS_FIRESTORE_COLLECTION"
	EnvSender              = "ANALYTICS_SENDER"
	EnvPubsubProject       = "ANALYTICS_PUBSUB_PROJECT"
	EnvPubsubTopic         = "ANALYTICS_PUBSUB_TOPIC"
	EnvKafkaBrokers        = "ANALYTICS_KAFKA_BROKERS"
	EnvKafkaTopic          = "ANALYTICS_KAFKA_TOPIC"
	EnvScriptsS3Region     = "ANALYTICS_SCRIPTS_S3_REGION"
	EnvScriptsGCS          = "ANALYTICS_SCRIPTS_GCS"
)

// Config is the file and environment representation of tracker.Options.
type Config struct {
	Host                string        `yaml:"host"`
	WriteKey            string        `yaml:"write_key"`
	Debug               bool          `yaml:"debug"`
	Echo                bool          `yaml:"echo"`
	S2S                 bool          `yaml:"s2s"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxRetries          uint          `yaml:"max_retries"`
	RateLimit           float64       `yaml:"rate_limit"`
	DispatchConcurrency int           `yaml:"dispatch_concurrency"`
	LibraryName         string        `yaml:"library_name"`
	LibraryVersion      string        `yaml:"library_version"`

	Storage StorageConfig       `yaml:"storage"`
	Sender  SenderConfig        `yaml:"sender"`
	Scripts ScriptsConfig       `yaml:"scripts"`
	Runtime *environment.Static `yaml:"runtime"`
}

// StorageConfig selects where identity is persisted.
type StorageConfig struct {
	Type string `yaml:"type"`
	// Namespace separates identities sharing one backend, e.g. per device.
	Namespace string                  `yaml:"namespace"`
	Redis     storage.RedisConfig     `yaml:"redis"`
	Firestore storage.FirestoreConfig `yaml:"firestore"`
}

// SenderConfig selects how envelopes leave the process.
type SenderConfig struct {
	Type          string   `yaml:"type"`
	PubsubProject string   `yaml:"pubsub_project"`
	PubsubTopic   string   `yaml:"pubsub_topic"`
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaTopic    string   `yaml:"kafka_topic"`
}

// ScriptsConfig controls where external destination scripts may come from.
type ScriptsConfig struct {
	// S3Region enables s3:// sources when set.
	S3Region string `yaml:"s3_region"`
	// GCS enables gs:// sources.
	GCS              bool          `yaml:"gcs"`
	MemoryLimitPages uint32        `yaml:"memory_limit_pages"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// Default returns a Config with defaults applied.
func Default() *Config {
	return &Config{
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		Storage: StorageConfig{
			Type:      StorageMemory,
			Namespace: "default",
			Firestore: storage.FirestoreConfig{CollectionName: "analytics-identity"},
			Redis:     storage.RedisConfig{KeyPrefix: "analytics:identity:"},
		},
		Sender: SenderConfig{Type: SenderHTTP},
	}
}

// LoadFromEnv returns the defaults overridden by environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults, then applies environment
// overrides.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from set environment variables. Unparsable
// values are reported together and leave the field unchanged.
func (c *Config) ApplyEnv() error {
	var errs []error
	setString(EnvHost, &c.Host)
	setString(EnvWriteKey, &c.WriteKey)
	errs = append(errs,
		setBool(EnvDebug, &c.Debug),
		setBool(EnvEcho, &c.Echo),
		setBool(EnvS2S, &c.S2S),
		setDuration(EnvTimeout, &c.Timeout),
		setFloat(EnvRateLimit, &c.RateLimit),
		setBool(EnvScriptsGCS, &c.Scripts.GCS),
	)
	if v := os.Getenv(EnvMaxRetries); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvMaxRetries, err))
		} else {
			c.MaxRetries = uint(n)
		}
	}
	setString(EnvStorage, &c.Storage.Type)
	setString(EnvStorageNamespace, &c.Storage.Namespace)
	setString(EnvRedisAddr, &c.Storage.Redis.Addr)
	setString(EnvRedisPassword, &c.Storage.Redis.Password)
	setString(EnvFirestoreProject, &c.Storage.Firestore.ProjectID)
	setString(EnvFirestoreCollection, &c.Storage.Firestore.CollectionName)
	setString(EnvSender, &c.Sender.Type)
	setString(EnvPubsubProject, &c.Sender.PubsubProject)
	setString(EnvPubsubTopic, &c.Sender.PubsubTopic)
	if v := os.Getenv(EnvKafkaBrokers); v != "" {
		c.Sender.KafkaBrokers = splitAndTrim(v)
	}
	setString(EnvKafkaTopic, &c.Sender.KafkaTopic)
	setString(EnvScriptsS3Region, &c.Scripts.S3Region)
	return errors.Join(errs...)
}

func setString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setBool(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = b
	return nil
}

func setDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

func setFloat(name string, dst *float64) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = f
	return nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			res = append(res, p)
		}
	}
	return res
}
