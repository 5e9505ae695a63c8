package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted after the
	// given zero-based failed attempt
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries
	MaxRetries() int
	// NextDelay calculates the next retry delay
	NextDelay(attempt int) time.Duration
}

// IntervalBackoff waits IntervalStart, then grows the wait by IntervalStep
// on every further attempt, never exceeding IntervalMax.
type IntervalBackoff struct {
	IntervalStart time.Duration
	IntervalStep  time.Duration
	IntervalMax   time.Duration
	MaxAttempts   int
}

// NewIntervalBackoff creates a new interval backoff policy
func NewIntervalBackoff(start, step, max time.Duration, maxRetries int) *IntervalBackoff {
	return &IntervalBackoff{
		IntervalStart: start,
		IntervalStep:  step,
		IntervalMax:   max,
		MaxAttempts:   maxRetries,
	}
}

// DefaultPublishPolicy absorbs short broker outages on publish: retry
// immediately, then every 5s more, capped at 30s, at most 5 times.
func DefaultPublishPolicy() *IntervalBackoff {
	return NewIntervalBackoff(0, 5*time.Second, 30*time.Second, 5)
}

// ShouldRetry implements RetryPolicy
func (b *IntervalBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= b.MaxAttempts {
		return false, 0
	}

	if !isRetryableError(err) {
		return false, 0
	}

	return true, b.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (b *IntervalBackoff) MaxRetries() int {
	return b.MaxAttempts
}

// NextDelay implements RetryPolicy
func (b *IntervalBackoff) NextDelay(attempt int) time.Duration {
	delay := b.IntervalStart + time.Duration(attempt)*b.IntervalStep
	if b.IntervalMax > 0 && delay > b.IntervalMax {
		delay = b.IntervalMax
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// ExponentialBackoff implements exponential backoff retry policy
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy.
// A negative maxRetries retries forever.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if e.MaxAttempts >= 0 && attempt >= e.MaxAttempts {
		return false, 0
	}

	if !isRetryableError(err) {
		return false, 0
	}

	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15% jitter
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// Retry executes fn until it succeeds or the policy gives up. The final
// failure is returned as a *RetryError.
func Retry(ctx context.Context, op string, policy RetryPolicy, fn func() error) error {
	start := time.Now()
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return &RetryError{
				Op:          op,
				Attempts:    attempt + 1,
				MaxAttempts: policy.MaxRetries() + 1,
				LastError:   lastErr,
				Duration:    time.Since(start),
			}
		}

		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// isRetryableError determines if an error is retryable
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return IsRetryableError(err)
}

// RetryableError wraps an error to indicate whether it's retryable
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return RetryableError{Err: err, Retryable: false}
}
