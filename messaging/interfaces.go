package messaging

import (
	"context"

	"github.com/glimte/rabbitsafe/internal/rabbitmq"
	"github.com/glimte/rabbitsafe/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// BrokerPublisher sends a prepared message to the broker
type BrokerPublisher interface {
	PublishWithPolicy(ctx context.Context, policy reliability.RetryPolicy, exchange, routingKey string, msg amqp.Publishing) error
}

// TopologyDeclarer declares exchanges, queues and bindings
type TopologyDeclarer interface {
	DeclareTopology(ctx context.Context, topology rabbitmq.Topology) error
}

// DeliverySource runs a blocking consume loop on a queue
type DeliverySource interface {
	Consume(ctx context.Context, queue string, handler rabbitmq.MessageHandler) error
}

// Republisher moves a delivery to a derived queue
type Republisher interface {
	Publish(ctx context.Context, target Target, data any, opts ...PublishOption) error
}
