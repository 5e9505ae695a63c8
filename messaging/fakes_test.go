package messaging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/glimte/rabbitsafe/internal/rabbitmq"
	"github.com/glimte/rabbitsafe/internal/reliability"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type publishCall struct {
	exchange   string
	routingKey string
	policy     reliability.RetryPolicy
	msg        amqp.Publishing
}

// fakeBroker records publishes instead of talking to a broker
type fakeBroker struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (b *fakeBroker) PublishWithPolicy(_ context.Context, policy reliability.RetryPolicy, exchange, routingKey string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.calls = append(b.calls, publishCall{exchange: exchange, routingKey: routingKey, policy: policy, msg: msg})
	return nil
}

func (b *fakeBroker) published() []publishCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishCall(nil), b.calls...)
}

type mockDeclarer struct {
	mock.Mock
}

func (m *mockDeclarer) DeclareTopology(ctx context.Context, topology rabbitmq.Topology) error {
	args := m.Called(ctx, topology)
	return args.Error(0)
}

// fakeAcknowledger records how a delivery was settled
type fakeAcknowledger struct {
	mu       sync.Mutex
	acks     int
	nacks    int
	rejects  int
	requeued bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeued = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejects++
	a.requeued = requeue
	return nil
}

func newTestDelivery(body string, headers amqp.Table) (amqp.Delivery, *fakeAcknowledger) {
	ack := &fakeAcknowledger{}
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Headers:      headers,
		ContentType:  "application/json",
		Body:         []byte(body),
	}, ack
}

// counterValue reads one counter series from a registry
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] == pair.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
