//go:build integration

package offsetstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-streambridge/pkg/offsetstore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	redismodule "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisStore_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	container, err := redismodule.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opt, err := redis.ParseURL(uri)
	require.NoError(t, err)

	store, err := offsetstore.NewRedisStore(ctx, &offsetstore.RedisConfig{
		Addr:      opt.Addr,
		KeyPrefix: "streambridge-test:",
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	t.Run("read miss", func(t *testing.T) {
		_, found, err := store.ReadOffset(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("write keeps the maximum", func(t *testing.T) {
		require.NoError(t, store.WriteOffset(ctx, "orders/eu", 12))
		require.NoError(t, store.WriteOffset(ctx, "orders/eu", 3))

		offset, found, err := store.ReadOffset(ctx, "orders/eu")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(12), offset)
	})
}
