package rabbitmq

import (
	"context"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumer(t *testing.T) {
	t.Run("NewConsumer creates with defaults", func(t *testing.T) {
		pool := &ChannelPool{}
		consumer := NewConsumer(pool)

		assert.Equal(t, pool, consumer.pool)
		assert.Equal(t, 1, consumer.prefetchCount)
		assert.False(t, consumer.exclusive)
		assert.Empty(t, consumer.consumerTag)
		assert.NotNil(t, consumer.logger)
	})

	t.Run("NewConsumer applies options", func(t *testing.T) {
		logger := slog.Default()
		consumer := NewConsumer(&ChannelPool{},
			WithPrefetchCount(20),
			WithExclusive(true),
			WithConsumerTag("worker-1"),
			WithConsumerLogger(logger),
		)

		assert.Equal(t, 20, consumer.prefetchCount)
		assert.True(t, consumer.exclusive)
		assert.Equal(t, "worker-1", consumer.consumerTag)
		assert.Equal(t, logger, consumer.logger)
	})

	t.Run("processMessages hands deliveries to the handler in order", func(t *testing.T) {
		consumer := NewConsumer(&ChannelPool{})
		deliveries := make(chan amqp.Delivery, 3)
		deliveries <- amqp.Delivery{MessageId: "1"}
		deliveries <- amqp.Delivery{MessageId: "2"}
		deliveries <- amqp.Delivery{MessageId: "3"}

		var seen []string
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// buffered deliveries drain before the closed channel is seen
		close(deliveries)

		err := consumer.processMessages(ctx, "jobs", deliveries, func(_ context.Context, d amqp.Delivery) {
			seen = append(seen, d.MessageId)
		})

		require.ErrorIs(t, err, ErrConsumerCancelled)
		assert.Equal(t, []string{"1", "2", "3"}, seen)
	})

	t.Run("processMessages returns nil on cancellation", func(t *testing.T) {
		consumer := NewConsumer(&ChannelPool{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := consumer.processMessages(ctx, "jobs", make(chan amqp.Delivery), func(context.Context, amqp.Delivery) {
			t.Fatal("handler must not run")
		})
		assert.NoError(t, err)
	})

	t.Run("Consume without connection fails with ConsumerError", func(t *testing.T) {
		pool, err := NewChannelPool(NewConnectionManager("amqp://localhost:5672"))
		require.NoError(t, err)

		err = NewConsumer(pool).Consume(context.Background(), "jobs", func(context.Context, amqp.Delivery) {})
		var consumerErr *ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "subscribe", consumerErr.Op)
		assert.Equal(t, "jobs", consumerErr.Queue)
	})
}
