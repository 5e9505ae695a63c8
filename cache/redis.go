package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rabbitsafe/internal/reliability"
	"github.com/redis/go-redis/v9"
)

// Redis stores debounce markers in Redis. Calls go through a circuit
// breaker: after repeated failures they fail immediately until the open
// timeout expires.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	breaker *reliability.CircuitBreaker

	failureThreshold int
	openTimeout      time.Duration
	logger           *slog.Logger
}

// RedisOption configures the Redis cache
type RedisOption func(*Redis)

// WithKeyPrefix namespaces every key
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithFailureThreshold sets how many consecutive failures open the breaker
func WithFailureThreshold(n int) RedisOption {
	return func(r *Redis) {
		r.failureThreshold = n
	}
}

// WithOpenTimeout sets how long the breaker stays open
func WithOpenTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		r.openTimeout = d
	}
}

// WithRedisLogger sets the logger breaker transitions are reported to
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		r.logger = logger
	}
}

// NewRedis wraps an existing client
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:           client,
		failureThreshold: 5,
		openTimeout:      30 * time.Second,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.breaker = reliability.NewCircuitBreaker(
		reliability.WithName("redis"),
		reliability.WithFailureThreshold(r.failureThreshold),
		reliability.WithOpenTimeout(r.openTimeout),
		reliability.WithStateChange(func(name string, from, to reliability.State, reason string) {
			r.logger.Warn("cache circuit breaker changed state",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
				"reason", reason,
			)
		}),
	)
	return r
}

// DialRedis connects to a single Redis node and verifies the connection
func DialRedis(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedis(client, opts...), nil
}

// SetNX implements interceptors.Cache with a single SET NX PX, so
// concurrent consumers agree on who set the marker
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}

	var stored bool
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		stored, err = r.client.SetNX(ctx, r.prefix+key, value, ttl).Result()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return stored, nil
}

// Ping checks the connection, bypassing the breaker
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (r *Redis) Close() error {
	return r.client.Close()
}
