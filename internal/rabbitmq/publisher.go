package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rabbitsafe/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages in confirm mode on pooled channels
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	policy         reliability.RetryPolicy
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker ack
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishPolicy sets the default retry policy for Publish
func WithPublishPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.policy = policy
	}
}

// WithPublisherLogger sets the publisher logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		policy:         reliability.DefaultPublishPolicy(),
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes msg with the publisher's default retry policy
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return p.PublishWithPolicy(ctx, p.policy, exchange, routingKey, msg)
}

// PublishWithPolicy publishes msg and waits for the broker to confirm it.
// Failed attempts are retried according to policy; a nil policy publishes
// once.
func (p *Publisher) PublishWithPolicy(ctx context.Context, policy reliability.RetryPolicy, exchange, routingKey string, msg amqp.Publishing) error {
	if policy == nil {
		policy = reliability.NewIntervalBackoff(0, 0, 0, 0)
	}

	attempt := 0
	err := reliability.Retry(ctx, "publish", policy, func() error {
		attempt++
		err := p.publishWithConfirm(ctx, exchange, routingKey, msg)
		if err != nil && attempt <= policy.MaxRetries() {
			p.logger.Warn("publish attempt failed",
				"exchange", exchange,
				"routingKey", routingKey,
				"attempt", attempt,
				"error", err)
		}
		return err
	})
	if err == nil {
		return nil
	}

	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// publishWithConfirm publishes a single message with confirmation. Failing
// to obtain a channel is permanent: the pool already waited its acquire
// timeout.
func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	err := p.pool.Execute(ctx, func(ch *PooledChannel) error {
		if ch.confirms == nil {
			if err := ch.Confirm(false); err != nil {
				return fmt.Errorf("failed to enable confirms: %w", err)
			}
			ch.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
		}

		if err := ch.PublishWithContext(
			ctx,
			exchange,
			routingKey,
			false, // mandatory
			false, // immediate
			msg,
		); err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}

		timer := time.NewTimer(p.confirmTimeout)
		defer timer.Stop()

		select {
		case confirm, ok := <-ch.confirms:
			if !ok {
				return ErrConnectionClosed
			}
			if !confirm.Ack {
				return ErrPublishNotConfirmed
			}
			return nil

		case <-timer.C:
			// the channel may still deliver a late confirm; don't reuse it
			_ = ch.Close()
			return ErrConfirmTimeout

		case <-ctx.Done():
			_ = ch.Close()
			return ctx.Err()
		}
	})
	if IsAcquisitionFailure(err) {
		return reliability.Permanent(err)
	}
	return err
}
