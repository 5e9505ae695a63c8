package monitor

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStatus reports whether the broker connection is up
type ConnectionStatus interface {
	IsConnected() bool
}

// QueueInspector reads queue statistics from the broker
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (amqp.Queue, error)
}

// Pinger is implemented by backing stores that can be probed
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerChecker checks the broker connection
type BrokerChecker struct {
	conn ConnectionStatus
}

// NewBrokerChecker creates a broker connection checker
func NewBrokerChecker(conn ConnectionStatus) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	if !c.conn.IsConnected() {
		return CheckResult{Status: StatusUnhealthy, Message: "not connected"}
	}
	return CheckResult{Status: StatusHealthy, Message: "connected"}
}

// DeadLetterChecker reports degraded once a dead-letter queue holds more
// than threshold messages
type DeadLetterChecker struct {
	queue     string
	inspector QueueInspector
	threshold int
}

// NewDeadLetterChecker creates a dead-letter depth checker
func NewDeadLetterChecker(queue string, inspector QueueInspector, threshold int) *DeadLetterChecker {
	return &DeadLetterChecker{queue: queue, inspector: inspector, threshold: threshold}
}

func (c *DeadLetterChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *DeadLetterChecker) Check(ctx context.Context) CheckResult {
	q, err := c.inspector.InspectQueue(ctx, c.queue)
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("queue %s not accessible", c.queue),
			Error:   err.Error(),
		}
	}

	result := CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("queue %s is accessible", c.queue),
		Details: map[string]any{
			"message_count":  q.Messages,
			"consumer_count": q.Consumers,
		},
	}

	if q.Messages > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s holds %d dead messages", c.queue, q.Messages)
	}

	return result
}

// PingChecker probes a store such as the debounce cache
type PingChecker struct {
	name   string
	pinger Pinger
}

// NewPingChecker creates a checker that calls Ping
func NewPingChecker(name string, pinger Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: pinger}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	if err := c.pinger.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: "ping failed", Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "ping ok"}
}
