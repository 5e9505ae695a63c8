package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glimte/rabbitsafe/internal/reliability"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, opts ...RedisOption) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedis(client, opts...), srv
}

func TestRedis(t *testing.T) {
	ctx := context.Background()

	t.Run("SetNX stores key with ttl once", func(t *testing.T) {
		r, srv := newTestRedis(t)

		stored, err := r.SetNX(ctx, "debounce", "123", time.Minute)
		require.NoError(t, err)
		assert.True(t, stored)
		assert.Equal(t, time.Minute, srv.TTL("debounce"))

		stored, err = r.SetNX(ctx, "debounce", "456", time.Minute)
		require.NoError(t, err)
		assert.False(t, stored, "a second consumer sees the marker")
		value, _ := srv.Get("debounce")
		assert.Equal(t, "123", value)

		srv.FastForward(time.Minute)
		stored, err = r.SetNX(ctx, "debounce", "789", time.Minute)
		require.NoError(t, err)
		assert.True(t, stored)
	})

	t.Run("non-positive ttl writes nothing", func(t *testing.T) {
		r, srv := newTestRedis(t)

		stored, err := r.SetNX(ctx, "k", "v", 0)
		require.NoError(t, err)
		assert.True(t, stored)
		assert.False(t, srv.Exists("k"))
	})

	t.Run("key prefix namespaces keys", func(t *testing.T) {
		r, srv := newTestRedis(t, WithKeyPrefix("rabbitsafe:"))

		_, err := r.SetNX(ctx, "k", "v", time.Minute)
		require.NoError(t, err)
		assert.True(t, srv.Exists("rabbitsafe:k"))
		assert.False(t, srv.Exists("k"))
	})

	t.Run("errors surface when the server is gone", func(t *testing.T) {
		r, srv := newTestRedis(t)
		srv.Close()

		_, err := r.SetNX(ctx, "k", "v", time.Minute)
		assert.Error(t, err)
		assert.Error(t, r.Ping(ctx))
	})

	t.Run("breaker opens after repeated failures", func(t *testing.T) {
		r, srv := newTestRedis(t,
			WithFailureThreshold(2),
			WithOpenTimeout(time.Hour),
			WithRedisLogger(slog.New(slog.DiscardHandler)),
		)
		srv.SetError("LOADING redis is loading the dataset")

		for i := 0; i < 2; i++ {
			_, err := r.SetNX(ctx, "k", "v", time.Minute)
			require.Error(t, err)
			assert.NotErrorIs(t, err, reliability.ErrCircuitOpen)
		}

		srv.SetError("")
		_, err := r.SetNX(ctx, "k", "v", time.Minute)
		assert.ErrorIs(t, err, reliability.ErrCircuitOpen, "recovered server is not called while open")
		assert.False(t, srv.Exists("k"))
		assert.NoError(t, r.Ping(ctx), "ping bypasses the breaker")
	})

	t.Run("DialRedis fails fast on unreachable server", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		_, err := DialRedis(ctx, "127.0.0.1:1", "", 0)
		assert.Error(t, err)
	})
}
