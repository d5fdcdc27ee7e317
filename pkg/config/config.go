// Package config loads the bridge configuration from an optional YAML file
// overridden by STREAMBRIDGE__ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys are joined
// with "__", so STREAMBRIDGE__AMQP__URL sets amqp.url.
const EnvPrefix = "STREAMBRIDGE__"

// OffsetStoreKind selects the resume-state backend.
type OffsetStoreKind string

const (
	OffsetStoreMemory    OffsetStoreKind = "memory"
	OffsetStoreRedis     OffsetStoreKind = "redis"
	OffsetStoreFirestore OffsetStoreKind = "firestore"
)

// AMQPCfg holds the broker connection and the stream queues to consume.
type AMQPCfg struct {
	URL               string        `koanf:"url"`
	Queues            []string      `koanf:"queues"`
	PrefetchCount     int           `koanf:"prefetch_count"`
	PrefetchGlobal    bool          `koanf:"prefetch_global"`
	ConsumerTagPrefix string        `koanf:"consumer_tag_prefix"`
	ConnectionName    string        `koanf:"connection_name"`
	Heartbeat         time.Duration `koanf:"heartbeat"`
}

// PollCfg tunes the polling bridge.
type PollCfg struct {
	BatchSize int           `koanf:"batch_size"`
	IdleWait  time.Duration `koanf:"idle_wait"`
}

// RedisCfg configures the Redis offset store.
type RedisCfg struct {
	Addr      string `koanf:"addr"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// FirestoreCfg configures the Firestore offset store. ProjectID defaults to pubsub.project_id.
type FirestoreCfg struct {
	ProjectID  string `koanf:"project_id"`
	Collection string `koanf:"collection"`
}

// OffsetStoreCfg selects and configures where resume offsets are kept.
type OffsetStoreCfg struct {
	Kind      OffsetStoreKind `koanf:"kind"`
	Redis     RedisCfg        `koanf:"redis"`
	Firestore FirestoreCfg    `koanf:"firestore"`
}

// PubSubCfg configures the downstream Pub/Sub topic. Zero batch settings keep the producer defaults.
type PubSubCfg struct {
	ProjectID       string        `koanf:"project_id"`
	TopicID         string        `koanf:"topic_id"`
	CredentialsFile string        `koanf:"credentials_file"`
	PublishTimeout  time.Duration `koanf:"publish_timeout"`
	EnableOrdering  bool          `koanf:"enable_ordering"`
	BatchSize       int           `koanf:"batch_size"`
	BatchDelay      time.Duration `koanf:"batch_delay"`
}

// QuarantineCfg enables GCS quarantine of malformed deliveries when Bucket is set.
type QuarantineCfg struct {
	Bucket       string `koanf:"bucket"`
	ObjectPrefix string `koanf:"object_prefix"`
}

// FilterCfg drops records before publishing. Dropped records are still acknowledged.
type FilterCfg struct {
	DropCommands    []string `koanf:"drop_commands"`
	MaxPayloadBytes int      `koanf:"max_payload_bytes"`
}

// Config is the full bridge configuration.
type Config struct {
	AMQP        AMQPCfg        `koanf:"amqp"`
	Destination string         `koanf:"destination"`
	Poll        PollCfg        `koanf:"poll"`
	OffsetStore OffsetStoreCfg `koanf:"offset_store"`
	PubSub      PubSubCfg      `koanf:"pubsub"`
	Quarantine  QuarantineCfg  `koanf:"quarantine"`
	Filter      FilterCfg      `koanf:"filter"`
	HTTPPort    string         `koanf:"http_port"`
	LogLevel    string         `koanf:"log_level"`
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// LoadConfig merges YAML (if present) with env-vars
// (prefix `STREAMBRIDGE__`, delimiter `__`).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// envKey maps STREAMBRIDGE__OFFSET_STORE__REDIS__ADDR to offset_store.redis.addr.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// ---------------------------------------------------------------------------
// defaults
// ---------------------------------------------------------------------------

func applyDefaults(c *Config) {
	if c.AMQP.PrefetchCount == 0 {
		c.AMQP.PrefetchCount = 1000
	}
	if c.AMQP.ConsumerTagPrefix == "" {
		c.AMQP.ConsumerTagPrefix = "streambridge"
	}
	if c.AMQP.Heartbeat == 0 {
		c.AMQP.Heartbeat = 10 * time.Second
	}
	if c.Poll.BatchSize == 0 {
		c.Poll.BatchSize = 4096
	}
	if c.Poll.IdleWait == 0 {
		c.Poll.IdleWait = time.Second
	}
	if c.OffsetStore.Kind == "" {
		c.OffsetStore.Kind = OffsetStoreMemory
	}
	if c.OffsetStore.Redis.KeyPrefix == "" {
		c.OffsetStore.Redis.KeyPrefix = "streambridge:offset:"
	}
	if c.OffsetStore.Firestore.Collection == "" {
		c.OffsetStore.Firestore.Collection = "streambridge-offsets"
	}
	if c.OffsetStore.Firestore.ProjectID == "" {
		c.OffsetStore.Firestore.ProjectID = c.PubSub.ProjectID
	}
	if c.PubSub.PublishTimeout == 0 {
		c.PubSub.PublishTimeout = 20 * time.Second
	}
	if c.HTTPPort == "" {
		c.HTTPPort = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports the first missing or inconsistent setting.
func (c Config) Validate() error {
	var errs []error
	if c.AMQP.URL == "" {
		errs = append(errs, errors.New("amqp.url is required"))
	}
	if len(c.AMQP.Queues) == 0 {
		errs = append(errs, errors.New("amqp.queues must name at least one queue"))
	}
	if c.AMQP.PrefetchCount < 0 {
		errs = append(errs, errors.New("amqp.prefetch_count cannot be negative"))
	}
	if c.Filter.MaxPayloadBytes < 0 {
		errs = append(errs, errors.New("filter.max_payload_bytes cannot be negative"))
	}
	if c.Destination == "" {
		errs = append(errs, errors.New("destination is required"))
	}
	if c.PubSub.ProjectID == "" || c.PubSub.TopicID == "" {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_id are required"))
	}
	switch c.OffsetStore.Kind {
	case OffsetStoreMemory:
	case OffsetStoreRedis:
		if c.OffsetStore.Redis.Addr == "" {
			errs = append(errs, errors.New("offset_store.redis.addr is required for the redis store"))
		}
	case OffsetStoreFirestore:
		if c.OffsetStore.Firestore.ProjectID == "" {
			errs = append(errs, errors.New("offset_store.firestore.project_id is required for the firestore store"))
		}
	default:
		errs = append(errs, fmt.Errorf("offset_store.kind %q not supported (want memory, redis or firestore)", c.OffsetStore.Kind))
	}
	return errors.Join(errs...)
}
