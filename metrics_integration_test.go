//go:build integration

package rabbitsafe

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glimte/rabbitsafe/contracts"
	"github.com/glimte/rabbitsafe/interceptors"
	"github.com/glimte/rabbitsafe/messaging"
	"github.com/glimte/rabbitsafe/monitor"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRabbitMQ(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(3 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672/tcp")
	require.NoError(t, err)

	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func connect(t *testing.T, url string, opts ...ClientOption) *Client {
	t.Helper()
	opts = append(opts, WithLogger(quietLogger()))

	var client *Client
	require.Eventually(t, func() bool {
		var err error
		client, err = NewClientWithOptions(url, opts...)
		return err == nil
	}, time.Minute, time.Second, "broker accepts connections")
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientMetricsAndHealth(t *testing.T) {
	url := startRabbitMQ(t)
	metrics := monitor.NewMetrics()
	client := connect(t, url, WithMetrics(metrics))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := messaging.NewQueue("it.metrics")
	consumer, err := client.NewConsumer(ctx, q, interceptors.HandlerFunc(
		func(context.Context, *contracts.Delivery) error {
			return contracts.Reject("not wanted")
		}))
	require.NoError(t, err)
	go func() { _ = consumer.Run(ctx) }()

	require.NoError(t, client.Publish(ctx, q, map[string]string{"hello": "world"}))

	assert.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(metrics.Registry(), "rabbitsafe_routed_total")
		return err == nil && n == 1
	}, 30*time.Second, 100*time.Millisecond, "reject is routed to the dead queue")

	published, err := testutil.GatherAndCount(metrics.Registry(), "rabbitsafe_publish_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, published, 1)

	report := client.Health(0, q).Check(ctx)
	assert.Equal(t, monitor.StatusDegraded, report.Status, "one message parked above a zero threshold")
	require.Len(t, report.Checks, 2)
	assert.Equal(t, "queue_it.metrics.dead", report.Checks[0].Name)
	assert.Equal(t, "rabbitmq", report.Checks[1].Name)
	assert.Equal(t, monitor.StatusHealthy, report.Checks[1].Status)
}
