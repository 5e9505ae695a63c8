package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/glimte/rabbitsafe/contracts"
)

// Cache is the shared store the debounce gate keeps its markers in
type Cache interface {
	// SetNX stores value under key for ttl unless key is already present
	// and reports whether it stored. A non-positive ttl expires at once.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// KeyFunc derives the debounce key of a delivery
type KeyFunc func(d *contracts.Delivery) string

// StaticKey debounces every message of a consumer under one key
func StaticKey(key string) KeyFunc {
	return func(*contracts.Delivery) string {
		return key
	}
}

// HeaderKey debounces per value of a message header, prefixed with prefix
func HeaderKey(prefix, header string) KeyFunc {
	return func(d *contracts.Delivery) string {
		return prefix + contracts.HeaderString(d.Headers, header)
	}
}

// DebounceInterceptor collapses bursts of messages sharing a key into a
// single callback invocation once the burst has quietened down.
//
// The first message of a burst sets a marker in the cache and is deferred
// with a contracts.Debounce signal. Messages arriving while the marker
// lives are dropped. The deferred message runs the callback when it comes
// back from the delay queue.
type DebounceInterceptor struct {
	cache   Cache
	key     KeyFunc
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// DebounceOption configures the debounce interceptor
type DebounceOption func(*DebounceInterceptor)

// WithDebounceLogger sets the logger
func WithDebounceLogger(logger *slog.Logger) DebounceOption {
	return func(i *DebounceInterceptor) {
		i.logger = logger
	}
}

// NewDebounceInterceptor creates a debounce gate. timeout is how long the
// marker lives and should be close to the consumer's retry delay. With a
// non-positive timeout no marker is kept and nothing is dropped.
func NewDebounceInterceptor(cache Cache, key KeyFunc, timeout time.Duration, opts ...DebounceOption) *DebounceInterceptor {
	i := &DebounceInterceptor{
		cache:   cache,
		key:     key,
		timeout: timeout,
		logger:  slog.Default(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// Intercept implements Interceptor
func (i *DebounceInterceptor) Intercept(ctx context.Context, d *contracts.Delivery, next Handler) error {
	if d.Debounced() {
		return next.Handle(ctx, d)
	}

	key := i.key(d)

	// a window that has already closed defers the message once
	if i.timeout > 0 {
		stamp := strconv.FormatInt(i.now().Unix(), 10)
		stored, err := i.cache.SetNX(ctx, key, stamp, i.timeout)
		if err != nil {
			return fmt.Errorf("debounce mark %q: %w", key, err)
		}
		if !stored {
			i.logger.Info("debounce skipping", "uuid", d.UUID(), "key", key)
			return nil
		}
	}

	d.MarkDebounced()
	i.logger.Info("debouncing message", "uuid", d.UUID(), "key", key, "timeout", i.timeout)

	return contracts.Debounce(d.UUID())
}

// Name implements Interceptor
func (i *DebounceInterceptor) Name() string {
	return "DebounceInterceptor"
}
