package messaging

import (
	"time"

	"github.com/glimte/rabbitsafe/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange kinds
const (
	ExchangeTopic  = "topic"
	ExchangeDirect = "direct"
)

// DefaultRoutingKey binds a queue to every message of a topic exchange
const DefaultRoutingKey = "#"

// Suffixes and routing key prefixes of the derived entities
const (
	deadSuffix  = ".dead"
	delaySuffix = ".delay"
	deadPrefix  = "dead."
	delayPrefix = "delay."
)

// Exchange describes a broker exchange
type Exchange struct {
	Name    string
	Kind    string
	Durable bool
}

// ExchangeOption configures an Exchange
type ExchangeOption func(*Exchange)

// WithExchangeDurable sets whether the exchange survives a broker restart
func WithExchangeDurable(durable bool) ExchangeOption {
	return func(e *Exchange) {
		e.Durable = durable
	}
}

// NewExchange builds a durable exchange. An empty kind means topic.
func NewExchange(name, kind string, opts ...ExchangeOption) *Exchange {
	if kind == "" {
		kind = ExchangeTopic
	}
	e := &Exchange{Name: name, Kind: kind, Durable: true}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Exchange) declaration() rabbitmq.ExchangeDeclaration {
	return rabbitmq.ExchangeDeclaration{
		Name:    e.Name,
		Type:    e.Kind,
		Durable: e.Durable,
	}
}

// isDefault reports whether e is the broker's nameless default exchange,
// which can be neither declared nor bound
func (e *Exchange) isDefault() bool {
	return e == nil || e.Name == ""
}

// Queue describes a broker queue and its binding
type Queue struct {
	Name       string
	RoutingKey string
	Exchange   *Exchange
	Durable    bool
	Arguments  amqp.Table
}

// QueueOption configures a Queue
type QueueOption func(*Queue)

// WithBindingKey sets the routing key the queue is bound with
func WithBindingKey(key string) QueueOption {
	return func(q *Queue) {
		q.RoutingKey = key
	}
}

// WithExchange binds the queue to an existing exchange. Several queues may
// share one exchange.
func WithExchange(e *Exchange) QueueOption {
	return func(q *Queue) {
		q.Exchange = e
	}
}

// WithExchangeName binds the queue to a durable topic exchange called name
func WithExchangeName(name string) QueueOption {
	return func(q *Queue) {
		q.Exchange = NewExchange(name, ExchangeTopic)
	}
}

// WithDurable sets whether the queue survives a broker restart
func WithDurable(durable bool) QueueOption {
	return func(q *Queue) {
		q.Durable = durable
	}
}

// WithQueueArguments sets x-arguments on the queue declaration
func WithQueueArguments(args amqp.Table) QueueOption {
	return func(q *Queue) {
		q.Arguments = args
	}
}

// NewQueue builds a durable queue bound with routing key "#"
func NewQueue(name string, opts ...QueueOption) *Queue {
	q := &Queue{Name: name, RoutingKey: DefaultRoutingKey, Durable: true}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ExchangeName returns the name of the exchange the queue is bound to
func (q *Queue) ExchangeName() string {
	if q.Exchange == nil {
		return ""
	}
	return q.Exchange.Name
}

// Topology returns the declarations for q alone
func (q *Queue) Topology() rabbitmq.Topology {
	t := rabbitmq.Topology{
		Queues: []rabbitmq.QueueDeclaration{{
			Name:      q.Name,
			Durable:   q.Durable,
			Arguments: q.Arguments,
		}},
	}

	if !q.Exchange.isDefault() {
		t.Exchanges = append(t.Exchanges, q.Exchange.declaration())
		t.Bindings = append(t.Bindings, rabbitmq.Binding{
			Queue:      q.Name,
			Exchange:   q.Exchange.Name,
			RoutingKey: q.RoutingKey,
		})
	}

	return t
}

// DeadExchange returns the exchange dead-lettered messages of q go through
func DeadExchange(q *Queue) *Exchange {
	return NewExchange(q.Name+deadSuffix, ExchangeDirect)
}

// DelayExchange returns the exchange expired delay messages of q return
// through
func DelayExchange(q *Queue) *Exchange {
	return NewExchange(q.Name+delaySuffix, ExchangeDirect)
}

// DeadLetterQueue returns the queue that parks messages of q for manual
// inspection
func DeadLetterQueue(q *Queue) *Queue {
	return NewQueue(q.Name+deadSuffix,
		WithBindingKey(deadPrefix+q.RoutingKey),
		WithExchange(DeadExchange(q)),
	)
}

// DelayQueue returns the queue that holds messages of q until their
// expiration, after which the broker dead-letters them back to q through
// the delay exchange
func DelayQueue(q *Queue) *Queue {
	return NewQueue(q.Name+delaySuffix,
		WithBindingKey(delayPrefix+q.RoutingKey),
		WithExchange(DeadExchange(q)),
		WithQueueArguments(amqp.Table{
			"x-dead-letter-exchange":    q.Name + delaySuffix,
			"x-dead-letter-routing-key": q.RoutingKey,
		}),
	)
}

// RetryConfig controls delayed redelivery of failed messages
type RetryConfig struct {
	Enabled    bool
	MaxRetries int
	Delay      time.Duration
}

// Defaults for RetryConfig
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 60 * time.Second
)

// DefaultRetryConfig has retries disabled
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:    false,
		MaxRetries: DefaultMaxRetries,
		Delay:      DefaultRetryDelay,
	}
}

// BuildTopology returns every entity a consumer of q needs: the queue and
// its binding, the dead exchange and dead-letter queue and, when retries
// are enabled, the delay queue, the delay exchange and the binding of q to
// the delay exchange.
func BuildTopology(q *Queue, retry RetryConfig) rabbitmq.Topology {
	t := q.Topology().Merge(DeadLetterQueue(q).Topology())

	if !retry.Enabled {
		return t
	}

	delayExchange := DelayExchange(q)
	t = t.Merge(DelayQueue(q).Topology())
	t.Exchanges = append(t.Exchanges, delayExchange.declaration())
	t.Bindings = append(t.Bindings, rabbitmq.Binding{
		Queue:      q.Name,
		Exchange:   delayExchange.Name,
		RoutingKey: q.RoutingKey,
	})

	// the dead exchange backs both derived queues
	t.Exchanges = uniqueExchanges(t.Exchanges)
	return t
}

func uniqueExchanges(in []rabbitmq.ExchangeDeclaration) []rabbitmq.ExchangeDeclaration {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, e := range in {
		if seen[e.Name] {
			continue
		}
		seen[e.Name] = true
		out = append(out, e)
	}
	return out
}
