package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalBackoff(t *testing.T) {
	t.Run("default publish policy", func(t *testing.T) {
		p := DefaultPublishPolicy()

		assert.Equal(t, time.Duration(0), p.IntervalStart)
		assert.Equal(t, 5*time.Second, p.IntervalStep)
		assert.Equal(t, 30*time.Second, p.IntervalMax)
		assert.Equal(t, 5, p.MaxRetries())
	})

	t.Run("NextDelay grows linearly and caps", func(t *testing.T) {
		p := NewIntervalBackoff(0, 5*time.Second, 12*time.Second, 10)

		assert.Equal(t, time.Duration(0), p.NextDelay(0))
		assert.Equal(t, 5*time.Second, p.NextDelay(1))
		assert.Equal(t, 10*time.Second, p.NextDelay(2))
		assert.Equal(t, 12*time.Second, p.NextDelay(3))
		assert.Equal(t, 12*time.Second, p.NextDelay(50))
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		p := NewIntervalBackoff(time.Millisecond, 0, time.Second, 2)

		ok, delay := p.ShouldRetry(0, errors.New("x"))
		assert.True(t, ok)
		assert.Equal(t, time.Millisecond, delay)

		ok, _ = p.ShouldRetry(2, errors.New("x"))
		assert.False(t, ok)
	})

	t.Run("ShouldRetry refuses permanent errors", func(t *testing.T) {
		p := NewIntervalBackoff(0, 0, 0, 5)

		ok, _ := p.ShouldRetry(0, Permanent(errors.New("bad")))
		assert.False(t, ok)

		ok, _ = p.ShouldRetry(0, fmt.Errorf("wrapped: %w", Permanent(errors.New("bad"))))
		assert.False(t, ok)

		ok, _ = p.ShouldRetry(0, context.Canceled)
		assert.False(t, ok)
	})
}

func TestExponentialBackoff(t *testing.T) {
	t.Run("NextDelay calculates exponential backoff", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		assert.Equal(t, 100*time.Millisecond, eb.NextDelay(0))
		assert.Equal(t, 400*time.Millisecond, eb.NextDelay(2))
		assert.Equal(t, 10*time.Second, eb.NextDelay(10))
	})

	t.Run("jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)
		for i := 0; i < 20; i++ {
			d := eb.NextDelay(0)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})

	t.Run("negative max retries never gives up", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Millisecond, 2.0, -1)
		ok, _ := eb.ShouldRetry(1000, errors.New("x"))
		assert.True(t, ok)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls int32
		policy := NewIntervalBackoff(0, time.Millisecond, 5*time.Millisecond, 5)

		err := Retry(context.Background(), "publish", policy, func() error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("temporary")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("gives up with RetryError", func(t *testing.T) {
		var calls int32
		last := errors.New("still down")
		policy := NewIntervalBackoff(0, 0, 0, 2)

		err := Retry(context.Background(), "publish", policy, func() error {
			atomic.AddInt32(&calls, 1)
			return last
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, "publish", retryErr.Op)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 3, retryErr.MaxAttempts)
		assert.ErrorIs(t, err, last)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		policy := NewIntervalBackoff(time.Hour, 0, time.Hour, 5)

		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, "publish", policy, func() error {
			return errors.New("down")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
