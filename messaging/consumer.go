package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/glimte/rabbitsafe/interceptors"
	"github.com/glimte/rabbitsafe/internal/rabbitmq"
	"github.com/glimte/rabbitsafe/monitor"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPrefetchCount makes the broker hand out one unacknowledged
// message at a time
const DefaultPrefetchCount = 1

type consumerConfig struct {
	retry        RetryConfig
	prefetch     int
	tag          string
	interceptors []interceptors.Interceptor
	source       DeliverySource
	topology     TopologyDeclarer
	metrics      *monitor.Metrics
	tracer       trace.Tracer
	logger       *slog.Logger
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*consumerConfig)

// WithRetries enables delayed redelivery through the delay queue
func WithRetries(enabled bool) ConsumerOption {
	return func(c *consumerConfig) {
		c.retry.Enabled = enabled
	}
}

// WithMaxRetries sets how many delivery attempts a message gets before it
// is dead-lettered
func WithMaxRetries(n int) ConsumerOption {
	return func(c *consumerConfig) {
		c.retry.MaxRetries = n
	}
}

// WithRetryDelay sets how long a message waits in the delay queue
func WithRetryDelay(delay time.Duration) ConsumerOption {
	return func(c *consumerConfig) {
		c.retry.Delay = delay
	}
}

// WithPrefetchCount sets the broker prefetch count
func WithPrefetchCount(n int) ConsumerOption {
	return func(c *consumerConfig) {
		c.prefetch = n
	}
}

// WithConsumerTag overrides the generated consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *consumerConfig) {
		c.tag = tag
	}
}

// WithInterceptors wraps the callback, outermost first
func WithInterceptors(list ...interceptors.Interceptor) ConsumerOption {
	return func(c *consumerConfig) {
		c.interceptors = append(c.interceptors, list...)
	}
}

// WithMetrics records dispatch outcomes
func WithMetrics(metrics *monitor.Metrics) ConsumerOption {
	return func(c *consumerConfig) {
		c.metrics = metrics
	}
}

// WithConsumerTracer sets the tracer for per-message spans
func WithConsumerTracer(tracer trace.Tracer) ConsumerOption {
	return func(c *consumerConfig) {
		c.tracer = tracer
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *consumerConfig) {
		c.logger = logger
	}
}

// WithDeliverySource replaces the broker consume loop
func WithDeliverySource(source DeliverySource) ConsumerOption {
	return func(c *consumerConfig) {
		c.source = source
	}
}

// WithTopologyDeclarer replaces the broker topology declarer
func WithTopologyDeclarer(declarer TopologyDeclarer) ConsumerOption {
	return func(c *consumerConfig) {
		c.topology = declarer
	}
}

// Consumer consumes a queue, running every delivery through a Dispatcher
type Consumer struct {
	queue      *Queue
	tag        string
	retry      RetryConfig
	source     DeliverySource
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewConsumer declares the topology of queue and prepares a consumer for
// it. Declaration failures are returned; no consumer is built for a queue
// whose dead-letter or delay entities could not be declared.
func NewConsumer(ctx context.Context, pool *rabbitmq.ChannelPool, publisher Republisher, queue *Queue, handler interceptors.Handler, options ...ConsumerOption) (*Consumer, error) {
	if queue == nil || queue.Name == "" {
		return nil, configError("consume", ErrInvalidQueue)
	}
	if handler == nil {
		return nil, configError("consume", ErrNilHandler)
	}

	cfg := consumerConfig{
		retry:    DefaultRetryConfig(),
		prefetch: DefaultPrefetchCount,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}

	if cfg.tag == "" {
		cfg.tag = defaultConsumerTag()
	}
	if cfg.topology == nil {
		cfg.topology = rabbitmq.NewTopologyManager(pool)
	}
	if cfg.source == nil {
		cfg.source = rabbitmq.NewConsumer(pool,
			rabbitmq.WithPrefetchCount(cfg.prefetch),
			rabbitmq.WithConsumerTag(cfg.tag),
			rabbitmq.WithConsumerLogger(cfg.logger),
		)
	}

	if err := cfg.topology.DeclareTopology(ctx, BuildTopology(queue, cfg.retry)); err != nil {
		return nil, fmt.Errorf("declare topology for queue %q: %w", queue.Name, err)
	}

	dispatchOpts := []DispatcherOption{
		WithDispatchRetry(cfg.retry),
		WithDispatchInterceptors(cfg.interceptors...),
		WithDispatchMetrics(cfg.metrics),
		WithDispatcherLogger(cfg.logger),
	}
	if cfg.tracer != nil {
		dispatchOpts = append(dispatchOpts, WithTracer(cfg.tracer))
	}

	return &Consumer{
		queue:      queue,
		tag:        cfg.tag,
		retry:      cfg.retry,
		source:     cfg.source,
		dispatcher: NewDispatcher(queue, handler, publisher, dispatchOpts...),
		logger:     cfg.logger,
	}, nil
}

// Tag returns the consumer tag
func (c *Consumer) Tag() string {
	return c.tag
}

// Retry returns the retry configuration
func (c *Consumer) Retry() RetryConfig {
	return c.retry
}

// Dispatcher returns the dispatcher deliveries are handed to
func (c *Consumer) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// Run consumes until ctx is cancelled or the broker ends the subscription.
// Deliveries are processed one at a time.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consuming from queue",
		"queue", c.queue.Name,
		"consumerTag", c.tag,
		"retries", c.retry.Enabled,
		"maxRetries", c.retry.MaxRetries,
		"delay", c.retry.Delay,
	)

	return c.source.Consume(ctx, c.queue.Name, c.dispatcher.Handle)
}

func defaultConsumerTag() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("(%s)-%s", host, uuid.NewString())
}
