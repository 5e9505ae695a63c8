// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rabbitsafe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rabbitsafe/interceptors"
	"github.com/glimte/rabbitsafe/internal/rabbitmq"
	"github.com/glimte/rabbitsafe/internal/reliability"
	"github.com/glimte/rabbitsafe/messaging"
	"github.com/glimte/rabbitsafe/monitor"
	"go.opentelemetry.io/otel/trace"
)

// DefaultConnectTimeout bounds the initial broker connection
const DefaultConnectTimeout = 30 * time.Second

// Client provides the main entry point for rabbitsafe: one broker
// connection shared by a publisher and any number of consumers
type Client struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.TopologyManager
	publisher *messaging.Publisher
	metrics   *monitor.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

// NewClient connects to the broker with default options
func NewClient(connectionString string) (*Client, error) {
	return NewClientWithOptions(connectionString, WithDefaultLogger())
}

// NewClientWithOptions connects to the broker. The connection is made
// eagerly; a broker that can not be reached within the connect timeout is
// an error.
func NewClientWithOptions(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:         slog.Default(),
		connectTimeout: DefaultConnectTimeout,
		publishPolicy:  reliability.DefaultPublishPolicy(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithDialTimeout(cfg.connectTimeout),
	}, cfg.connectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.connectTimeout)
	defer cancel()
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("unable to connect: %w", err)
	}

	poolOpts := []rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(cfg.logger)}
	if cfg.poolSize > 0 {
		poolOpts = append(poolOpts, rabbitmq.WithMaxSize(cfg.poolSize))
	}
	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	topology := rabbitmq.NewTopologyManager(pool)
	broker := rabbitmq.NewPublisher(pool,
		rabbitmq.WithPublishPolicy(cfg.publishPolicy),
		rabbitmq.WithPublisherLogger(cfg.logger),
	)

	return &Client{
		manager:  manager,
		pool:     pool,
		topology: topology,
		publisher: messaging.NewPublisher(broker, topology,
			messaging.WithPublisherLogger(cfg.logger),
			messaging.WithDefaultRetryPolicy(cfg.publishPolicy),
			messaging.WithPublisherMetrics(cfg.metrics),
		),
		metrics: cfg.metrics,
		tracer:  cfg.tracer,
		logger:  cfg.logger,
	}, nil
}

// Publish sends data to a queue or an exchange
func (c *Client) Publish(ctx context.Context, target messaging.Target, data any, opts ...messaging.PublishOption) error {
	if c.publisher == nil {
		return fmt.Errorf("publisher not initialized")
	}
	return c.publisher.Publish(ctx, target, data, opts...)
}

// NewConsumer declares the topology of queue and returns a consumer for it
// that shares the client's connection. Call Run on the result to start
// consuming.
func (c *Client) NewConsumer(ctx context.Context, queue *messaging.Queue, handler interceptors.Handler, opts ...messaging.ConsumerOption) (*messaging.Consumer, error) {
	if c.pool == nil {
		return nil, fmt.Errorf("client not connected")
	}

	base := []messaging.ConsumerOption{
		messaging.WithConsumerLogger(c.logger),
		messaging.WithMetrics(c.metrics),
		messaging.WithTopologyDeclarer(c.topology),
	}
	if c.tracer != nil {
		base = append(base, messaging.WithConsumerTracer(c.tracer))
	}

	return messaging.NewConsumer(ctx, c.pool, c.publisher, queue, handler, append(base, opts...)...)
}

// Publisher returns the message publisher
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// Metrics returns the metrics the client records to, or nil
func (c *Client) Metrics() *monitor.Metrics {
	return c.metrics
}

// Health returns a health registry checking the broker connection and the
// depth of the dead-letter queue of every given queue
func (c *Client) Health(threshold int, queues ...*messaging.Queue) *monitor.Registry {
	registry := monitor.NewRegistry(monitor.NewBrokerChecker(c.manager))
	for _, q := range queues {
		registry.Register(monitor.NewDeadLetterChecker(messaging.DeadLetterQueue(q).Name, c.topology, threshold))
	}
	return registry
}

// Close releases the channel pool and the connection
func (c *Client) Close() error {
	var errs []error
	if c.pool != nil {
		if err := c.pool.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.manager != nil {
		if err := c.manager.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger            *slog.Logger
	connectTimeout    time.Duration
	poolSize          int
	metrics           *monitor.Metrics
	tracer            trace.Tracer
	publishPolicy     reliability.RetryPolicy
	connectionOptions []rabbitmq.ConnectionOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithConnectTimeout bounds the initial connection
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectTimeout = timeout
	}
}

// WithChannelPoolSize sets the maximum number of pooled channels
func WithChannelPoolSize(size int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.poolSize = size
	}
}

// WithMetrics records publishes and dispatches
func WithMetrics(metrics *monitor.Metrics) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithTracer traces every dispatched message
func WithTracer(tracer trace.Tracer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracer = tracer
	}
}

// WithPublishRetryPolicy overrides the publish retry policy
func WithPublishRetryPolicy(policy reliability.RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.publishPolicy = policy
	}
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionOptions = append(cfg.connectionOptions, opts...)
	}
}
