package rabbitmq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/rabbitsafe/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherAcquisitionFailure(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := reliability.NewIntervalBackoff(0, 0, 0, 5)

	t.Run("exhausted pool is not retried", func(t *testing.T) {
		pool, err := NewChannelPool(NewConnectionManager("amqp://localhost:5672"),
			WithMaxSize(1),
			WithAcquireTimeout(20*time.Millisecond))
		require.NoError(t, err)
		pool.activeCount = 1

		publisher := NewPublisher(pool, WithPublisherLogger(quiet))

		start := time.Now()
		err = publisher.PublishWithPolicy(context.Background(), policy, "orders", "order.created", amqp.Publishing{Body: []byte("{}")})
		elapsed := time.Since(start)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrChannelPoolExhausted)
		assert.True(t, IsAcquisitionFailure(err))

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "orders", pubErr.Exchange)

		var retryErr *reliability.RetryError
		require.True(t, errors.As(err, &retryErr))
		assert.Equal(t, 1, retryErr.Attempts)
		assert.Less(t, elapsed, 100*time.Millisecond)
	})

	t.Run("missing connection is not retried", func(t *testing.T) {
		pool, err := NewChannelPool(NewConnectionManager("amqp://localhost:5672"), WithMaxSize(1))
		require.NoError(t, err)

		publisher := NewPublisher(pool, WithPublisherLogger(quiet))

		err = publisher.PublishWithPolicy(context.Background(), policy, "", "orders", amqp.Publishing{})
		assert.ErrorIs(t, err, ErrConnectionNotReady)

		var retryErr *reliability.RetryError
		require.True(t, errors.As(err, &retryErr))
		assert.Equal(t, 1, retryErr.Attempts)
	})
}
