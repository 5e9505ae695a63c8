package messaging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/glimte/rabbitsafe/contracts"
	"github.com/glimte/rabbitsafe/internal/rabbitmq"
	"github.com/glimte/rabbitsafe/internal/reliability"
	"github.com/glimte/rabbitsafe/monitor"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(broker *fakeBroker, declarer TopologyDeclarer, opts ...PublisherOption) *Publisher {
	opts = append([]PublisherOption{WithPublisherLogger(quietLogger())}, opts...)
	return NewPublisher(broker, declarer, opts...)
}

func TestPublishToQueue(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}
	declarer := new(mockDeclarer)
	declarer.On("DeclareTopology", ctx, mock.Anything).Return(nil)

	q := NewQueue("orders", WithExchangeName("shop"), WithBindingKey("order.created"))
	err := newTestPublisher(broker, declarer).Publish(ctx, q, map[string]any{"id": 7})
	require.NoError(t, err)

	calls := broker.published()
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, "shop", call.exchange)
	assert.Equal(t, "order.created", call.routingKey)
	assert.JSONEq(t, `{"id":7}`, string(call.msg.Body))
	assert.Equal(t, "application/json", call.msg.ContentType)
	assert.Equal(t, amqp.Persistent, call.msg.DeliveryMode)
	assert.Empty(t, call.msg.Expiration)

	id := contracts.HeaderString(call.msg.Headers, contracts.HeaderUUID)
	_, parseErr := uuid.Parse(id)
	assert.NoError(t, parseErr, "every message gets a uuid")
	assert.Equal(t, id, call.msg.MessageId)

	declarer.AssertCalled(t, "DeclareTopology", ctx, q.Topology())
}

func TestPublishCallerHeadersWin(t *testing.T) {
	broker := &fakeBroker{}
	q := NewQueue("orders")

	err := newTestPublisher(broker, nil).Publish(context.Background(), q, "hello",
		WithHeaders(amqp.Table{contracts.HeaderUUID: "fixed", "tenant": "acme"}),
		WithDeclareEntities(false),
	)
	require.NoError(t, err)

	msg := broker.published()[0].msg
	assert.Equal(t, "fixed", msg.Headers[contracts.HeaderUUID])
	assert.Equal(t, "acme", msg.Headers["tenant"])
	assert.Equal(t, "fixed", msg.MessageId)
	assert.Equal(t, "text/plain", msg.ContentType)
	assert.Equal(t, []byte("hello"), msg.Body)
}

func TestPublishDefaultExchangeRoutesByQueueName(t *testing.T) {
	broker := &fakeBroker{}
	q := NewQueue("jobs", WithBindingKey("ignored"))

	require.NoError(t, newTestPublisher(broker, nil).Publish(context.Background(), q, []byte{1, 2}))

	call := broker.published()[0]
	assert.Empty(t, call.exchange)
	assert.Equal(t, "jobs", call.routingKey)
	assert.Equal(t, "application/octet-stream", call.msg.ContentType)
}

func TestPublishToExchange(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}
	events := NewExchange("events", ExchangeTopic)

	t.Run("routing key is mandatory", func(t *testing.T) {
		err := newTestPublisher(broker, nil).Publish(ctx, events, "x")

		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.ErrorIs(t, err, ErrRoutingKeyRequired)
		assert.Empty(t, broker.published(), "nothing reaches the broker")
	})

	t.Run("routing key supplied", func(t *testing.T) {
		err := newTestPublisher(broker, nil).Publish(ctx, events, "x", WithRoutingKey("user.signup"))
		require.NoError(t, err)

		call := broker.published()[0]
		assert.Equal(t, "events", call.exchange)
		assert.Equal(t, "user.signup", call.routingKey)
	})
}

func TestPublishInvalidTargets(t *testing.T) {
	p := newTestPublisher(&fakeBroker{}, nil)
	ctx := context.Background()

	var nilQueue *Queue
	assert.ErrorIs(t, p.Publish(ctx, nilQueue, "x"), ErrInvalidTarget)
	assert.ErrorIs(t, p.Publish(ctx, nil, "x"), ErrInvalidTarget)
	assert.ErrorIs(t, p.Publish(ctx, NewQueue(""), "x"), ErrInvalidQueue)
	assert.Error(t, p.Publish(ctx, NewQueue("q"), nil))
}

func TestPublishOptions(t *testing.T) {
	broker := &fakeBroker{}
	policy := reliability.NewIntervalBackoff(0, time.Millisecond, time.Millisecond, 1)

	err := newTestPublisher(broker, nil).Publish(context.Background(), NewQueue("q"), "x",
		WithExpiration(1500*time.Millisecond),
		WithPriority(4),
		WithDeliveryMode(amqp.Transient),
		WithContentType("application/xml"),
		WithPublishRetryPolicy(policy),
	)
	require.NoError(t, err)

	call := broker.published()[0]
	assert.Equal(t, "1500", call.msg.Expiration)
	assert.Equal(t, uint8(4), call.msg.Priority)
	assert.Equal(t, amqp.Transient, call.msg.DeliveryMode)
	assert.Equal(t, "application/xml", call.msg.ContentType)
	assert.Same(t, policy, call.policy)
}

func TestPublishNonPositiveExpiration(t *testing.T) {
	for _, ttl := range []time.Duration{0, -time.Second} {
		broker := &fakeBroker{}
		err := newTestPublisher(broker, nil).Publish(context.Background(), NewQueue("q"), "x", WithExpiration(ttl))
		require.NoError(t, err)
		assert.Equal(t, "0", broker.published()[0].msg.Expiration)
	}
}

func TestPublishReprLimit(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	broker := &fakeBroker{}

	p := NewPublisher(broker, nil, WithPublisherLogger(logger), WithReprLimit(12))
	require.NoError(t, p.Publish(context.Background(), NewQueue("q"), strings.Repeat("a", 100)))

	assert.Contains(t, buf.String(), `"aaaaaaaa...`)
	assert.NotContains(t, buf.String(), strings.Repeat("a", 20))
	assert.Len(t, broker.published()[0].msg.Body, 100)
}

func TestPublishFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("declare failure", func(t *testing.T) {
		broker := &fakeBroker{}
		declarer := new(mockDeclarer)
		declarer.On("DeclareTopology", ctx, mock.Anything).Return(errors.New("access refused"))

		err := newTestPublisher(broker, declarer).Publish(ctx, NewQueue("q"), "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "access refused")
		assert.Empty(t, broker.published())
	})

	t.Run("broker failure is recorded", func(t *testing.T) {
		metrics := monitor.NewMetrics()
		broker := &fakeBroker{err: &rabbitmq.PublishError{Exchange: "shop", Err: rabbitmq.ErrPublishNotConfirmed}}
		q := NewQueue("orders", WithExchangeName("shop"))

		err := newTestPublisher(broker, nil, WithPublisherMetrics(metrics)).
			Publish(ctx, q, "x", WithDeclareEntities(false))

		assert.ErrorIs(t, err, rabbitmq.ErrPublishNotConfirmed)
		assert.Equal(t, 1.0, counterValue(t, metrics.Registry(), "rabbitsafe_publish_total",
			map[string]string{"exchange": "shop", "status": "error"}))
	})
}
