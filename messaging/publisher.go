package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/glimte/rabbitsafe/contracts"
	"github.com/glimte/rabbitsafe/internal/rabbitmq"
	"github.com/glimte/rabbitsafe/internal/reliability"
	"github.com/glimte/rabbitsafe/monitor"
	"github.com/glimte/rabbitsafe/serialization"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Target is where a message is published: a *Queue or an *Exchange
type Target interface {
	resolve(routingKey string) (exchange, key string, topology rabbitmq.Topology, err error)
}

func (q *Queue) resolve(routingKey string) (string, string, rabbitmq.Topology, error) {
	if q == nil {
		return "", "", rabbitmq.Topology{}, ErrInvalidTarget
	}
	if q.Name == "" {
		return "", "", rabbitmq.Topology{}, ErrInvalidQueue
	}

	if q.Exchange.isDefault() {
		// the default exchange routes by queue name
		return "", q.Name, q.Topology(), nil
	}

	if routingKey == "" {
		routingKey = q.RoutingKey
	}
	return q.Exchange.Name, routingKey, q.Topology(), nil
}

func (e *Exchange) resolve(routingKey string) (string, string, rabbitmq.Topology, error) {
	if e == nil {
		return "", "", rabbitmq.Topology{}, ErrInvalidTarget
	}
	if routingKey == "" {
		return "", "", rabbitmq.Topology{}, ErrRoutingKeyRequired
	}

	var t rabbitmq.Topology
	if !e.isDefault() {
		t.Exchanges = []rabbitmq.ExchangeDeclaration{e.declaration()}
	}
	return e.Name, routingKey, t, nil
}

// PublishOptions configures a single publish
type PublishOptions struct {
	Headers         amqp.Table
	RoutingKey      string
	Priority        uint8
	DeliveryMode    uint8
	RetryPolicy     reliability.RetryPolicy
	DeclareEntities bool
	Expiration      time.Duration
	ContentType     string

	hasExpiration bool
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithHeaders merges headers into the message headers. Caller headers
// override the generated uuid.
func WithHeaders(headers amqp.Table) PublishOption {
	return func(opts *PublishOptions) {
		if opts.Headers == nil {
			opts.Headers = amqp.Table{}
		}
		for k, v := range headers {
			opts.Headers[k] = v
		}
	}
}

// WithRoutingKey overrides the routing key
func WithRoutingKey(routingKey string) PublishOption {
	return func(opts *PublishOptions) {
		opts.RoutingKey = routingKey
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(opts *PublishOptions) {
		opts.Priority = priority
	}
}

// WithDeliveryMode sets amqp.Persistent or amqp.Transient
func WithDeliveryMode(mode uint8) PublishOption {
	return func(opts *PublishOptions) {
		opts.DeliveryMode = mode
	}
}

// WithPublishRetryPolicy overrides the retry policy of this publish. A nil
// policy publishes once.
func WithPublishRetryPolicy(policy reliability.RetryPolicy) PublishOption {
	return func(opts *PublishOptions) {
		opts.RetryPolicy = policy
	}
}

// WithDeclareEntities controls whether the target is declared before
// publishing
func WithDeclareEntities(declare bool) PublishOption {
	return func(opts *PublishOptions) {
		opts.DeclareEntities = declare
	}
}

// WithExpiration sets the per-message TTL. A non-positive ttl expires the
// message as soon as it reaches the head of its queue.
func WithExpiration(ttl time.Duration) PublishOption {
	return func(opts *PublishOptions) {
		opts.Expiration = max(ttl, 0)
		opts.hasExpiration = true
	}
}

// WithContentType overrides the content type derived from the payload
func WithContentType(contentType string) PublishOption {
	return func(opts *PublishOptions) {
		opts.ContentType = contentType
	}
}

// Publisher publishes payloads to queues and exchanges
type Publisher struct {
	broker    BrokerPublisher
	topology  TopologyDeclarer
	policy    reliability.RetryPolicy
	metrics   *monitor.Metrics
	logger    *slog.Logger
	reprLimit int
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithDefaultRetryPolicy sets the policy used when a publish does not
// override it
func WithDefaultRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.policy = policy
	}
}

// WithPublisherMetrics records publishes
func WithPublisherMetrics(metrics *monitor.Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// WithReprLimit caps the message body logged per publish
func WithReprLimit(limit int) PublisherOption {
	return func(p *Publisher) {
		p.reprLimit = limit
	}
}

// NewPublisher creates a new publisher
func NewPublisher(broker BrokerPublisher, topology TopologyDeclarer, options ...PublisherOption) *Publisher {
	p := &Publisher{
		broker:    broker,
		topology:  topology,
		policy:    reliability.DefaultPublishPolicy(),
		logger:    slog.Default(),
		reprLimit: contracts.DefaultReprLimit,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends data to target. Strings and byte slices are sent as they
// are, anything else is encoded as JSON. Every message gets a fresh uuid
// header unless the caller supplies one.
func (p *Publisher) Publish(ctx context.Context, target Target, data any, options ...PublishOption) error {
	if target == nil {
		return configError("publish", ErrInvalidTarget)
	}

	opts := PublishOptions{
		Headers:         amqp.Table{contracts.HeaderUUID: uuid.NewString()},
		Priority:        0,
		DeliveryMode:    amqp.Persistent,
		RetryPolicy:     p.policy,
		DeclareEntities: true,
	}

	for _, opt := range options {
		opt(&opts)
	}

	exchange, routingKey, topology, err := target.resolve(opts.RoutingKey)
	if err != nil {
		return configError("publish", err)
	}

	body, contentType, err := serialization.EncodePayload(data)
	if err != nil {
		return err
	}
	if opts.ContentType != "" {
		contentType = opts.ContentType
	}

	msg := amqp.Publishing{
		Headers:      opts.Headers,
		ContentType:  contentType,
		DeliveryMode: opts.DeliveryMode,
		Priority:     opts.Priority,
		Timestamp:    time.Now(),
		MessageId:    contracts.HeaderString(opts.Headers, contracts.HeaderUUID),
		Body:         body,
	}
	if opts.hasExpiration {
		msg.Expiration = strconv.FormatInt(opts.Expiration.Milliseconds(), 10)
	}

	p.logger.Info("publishing message",
		"exchange", exchange,
		"routingKey", routingKey,
		"uuid", msg.MessageId,
		"expiration", msg.Expiration,
		"body", contracts.LimitedRepr(body, p.reprLimit),
	)

	if opts.DeclareEntities && p.topology != nil {
		if err := p.topology.DeclareTopology(ctx, topology); err != nil {
			return fmt.Errorf("declare entities for %q: %w", exchange, err)
		}
	}

	start := time.Now()
	err = p.broker.PublishWithPolicy(ctx, opts.RetryPolicy, exchange, routingKey, msg)
	p.metrics.RecordPublish(exchange, time.Since(start), err)
	if err != nil {
		p.logger.Error("failed to publish message",
			"exchange", exchange,
			"routingKey", routingKey,
			"uuid", msg.MessageId,
			"error", err,
		)
		return err
	}

	return nil
}
