package offsetstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// writeMax sets KEYS[1] to ARGV[1] unless the stored value is already greater or equal.
var writeMax = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// RedisStore keeps one string key per routing key.
type RedisStore struct {
	redisClient *redis.Client
	keyPrefix   string
	logger      zerolog.Logger
}

// NewRedisStore creates and connects a RedisStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisStore{
		redisClient: rdb,
		keyPrefix:   cfg.KeyPrefix,
		logger:      logger.With().Str("component", "RedisOffsetStore").Logger(),
	}, nil
}

func (s *RedisStore) key(routingKey string) string {
	return s.keyPrefix + routingKey
}

// ReadOffset returns the stored offset for routingKey. A missing key is not an error.
func (s *RedisStore) ReadOffset(ctx context.Context, routingKey string) (int64, bool, error) {
	offset, err := s.redisClient.Get(ctx, s.key(routingKey)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		s.logger.Error().Err(err).Str("routing_key", routingKey).Msg("Failed to read offset from Redis.")
		return 0, false, fmt.Errorf("redis get offset for %s: %w", routingKey, err)
	}
	return offset, true, nil
}

// WriteOffset atomically stores offset unless a higher value is already present.
func (s *RedisStore) WriteOffset(ctx context.Context, routingKey string, offset int64) error {
	written, err := writeMax.Run(ctx, s.redisClient, []string{s.key(routingKey)}, offset).Int()
	if err != nil {
		s.logger.Error().Err(err).Str("routing_key", routingKey).Msg("Failed to write offset to Redis.")
		return fmt.Errorf("redis write offset for %s: %w", routingKey, err)
	}
	s.logger.Debug().
		Str("routing_key", routingKey).
		Int64("stream_offset", offset).
		Bool("advanced", written == 1).
		Msg("Offset write processed.")
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}
