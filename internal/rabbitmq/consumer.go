package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. It owns the acknowledgement.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer runs a blocking consume loop on a dedicated channel
type Consumer struct {
	pool          *ChannelPool
	prefetchCount int
	consumerTag   string
	exclusive     bool
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:          pool,
		prefetchCount: 1,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Consume subscribes to queue and hands every delivery to handler, one at
// a time, until ctx is cancelled or the broker ends the subscription.
// Cancellation returns nil; a broker-side end returns ErrConsumerCancelled.
func (c *Consumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.pool.Get(ctx)
	if err != nil {
		return c.consumerError(queue, "subscribe", err)
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
		c.pool.Put(ch)
	}()

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return c.consumerError(queue, "qos", fmt.Errorf("failed to set QoS: %w", err))
	}

	deliveries, err := ch.Consume(
		queue,
		c.consumerTag,
		false, // auto-ack
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return c.consumerError(queue, "consume", fmt.Errorf("failed to start consuming: %w", err))
	}

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount,
	)

	err = c.processMessages(ctx, queue, deliveries, handler)
	if err == nil && c.consumerTag != "" && !ch.IsClosed() {
		if cancelErr := ch.Cancel(c.consumerTag, false); cancelErr != nil {
			c.logger.Warn("failed to cancel consumer", "queue", queue, "error", cancelErr)
		}
	}

	c.logger.Info("consumer stopped", "queue", queue)
	return err
}

// processMessages handles incoming messages
func (c *Consumer) processMessages(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Warn("delivery channel closed", "queue", queue)
				return c.consumerError(queue, "consume", ErrConsumerCancelled)
			}

			handler(ctx, delivery)
		}
	}
}

func (c *Consumer) consumerError(queue, op string, err error) error {
	return &ConsumerError{
		Queue:       queue,
		ConsumerTag: c.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
