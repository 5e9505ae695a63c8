package monitor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeConn bool

func (c fakeConn) IsConnected() bool { return bool(c) }

type mockInspector struct {
	mock.Mock
}

func (m *mockInspector) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(amqp.Queue), args.Error(1)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestMetrics(t *testing.T) {
	t.Run("records dispatch outcomes", func(t *testing.T) {
		m := NewMetrics()
		m.RecordDispatch("jobs", "completed", 1, 10*time.Millisecond)
		m.RecordDispatch("jobs", "failed", 2, 10*time.Millisecond)
		m.RecordDispatch("jobs", "failed", 3, 10*time.Millisecond)

		assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("jobs", "completed")))
		assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("jobs", "failed")))
	})

	t.Run("records routing, nacks and publishes", func(t *testing.T) {
		m := NewMetrics()
		m.RecordRouted("jobs", "dead")
		m.RecordNack("jobs")
		m.RecordPublish("jobs.dead", time.Millisecond, nil)
		m.RecordPublish("jobs.dead", time.Millisecond, errors.New("boom"))

		assert.Equal(t, 1.0, testutil.ToFloat64(m.routedTotal.WithLabelValues("jobs", "dead")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.nackTotal.WithLabelValues("jobs")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.publishTotal.WithLabelValues("jobs.dead", "error")))
	})

	t.Run("nil metrics are a no-op", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.RecordDispatch("q", "completed", 1, time.Second)
			m.RecordRouted("q", "dead")
			m.RecordNack("q")
			m.RecordPublish("q", time.Second, nil)
		})
	})
}

func TestRegistry(t *testing.T) {
	t.Run("worst status wins", func(t *testing.T) {
		inspector := new(mockInspector)
		inspector.On("InspectQueue", mock.Anything, "jobs.dead").Return(amqp.Queue{Name: "jobs.dead", Messages: 11}, nil)

		report := NewRegistry(
			NewBrokerChecker(fakeConn(true)),
			NewDeadLetterChecker("jobs.dead", inspector, 10),
		).Check(context.Background())

		assert.Equal(t, StatusDegraded, report.Status)
		require.Len(t, report.Checks, 2)
		assert.Equal(t, "queue_jobs.dead", report.Checks[0].Name)
		assert.Equal(t, StatusDegraded, report.Checks[0].Status)
		assert.Equal(t, "rabbitmq", report.Checks[1].Name)
	})

	t.Run("disconnected broker is unhealthy", func(t *testing.T) {
		report := NewRegistry(NewBrokerChecker(fakeConn(false))).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
	})

	t.Run("failed ping is unhealthy", func(t *testing.T) {
		report := NewRegistry(NewPingChecker("redis", pingerFunc(func(context.Context) error {
			return errors.New("refused")
		}))).Check(context.Background())

		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "refused", report.Checks[0].Error)
	})
}

func TestServerRoutes(t *testing.T) {
	m := NewMetrics()
	m.RecordDispatch("jobs", "completed", 1, time.Millisecond)

	srv := NewServer(ServerConfig{Port: 0, Timeout: time.Second}, m,
		NewRegistry(NewBrokerChecker(fakeConn(false))), nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "rabbitsafe_dispatch_total"))

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"unhealthy"`)
}
