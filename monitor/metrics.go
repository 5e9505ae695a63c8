package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records what consumers and publishers do. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	retries          *prometheus.HistogramVec
	routedTotal      *prometheus.CounterVec
	nackTotal        *prometheus.CounterVec
	publishTotal     *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec
	startTime        prometheus.Gauge
}

// NewMetrics creates a metrics set on its own registry, including the Go
// runtime and process collectors
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rabbitsafe_dispatch_total",
				Help: "Messages dispatched, by outcome",
			},
			[]string{"queue", "outcome"}, // outcome: completed, rejected, debounced, failed
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rabbitsafe_dispatch_duration_seconds",
				Help:    "Time from receipt to acknowledgement",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),

		retries: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rabbitsafe_dispatch_attempt",
				Help:    "Delivery attempt number of dispatched messages",
				Buckets: []float64{1, 2, 3, 5, 8, 13},
			},
			[]string{"queue"},
		),

		routedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rabbitsafe_routed_total",
				Help: "Messages moved to a derived queue",
			},
			[]string{"queue", "destination"}, // destination: delay, dead
		),

		nackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rabbitsafe_nack_total",
				Help: "Deliveries returned to the broker because routing them failed",
			},
			[]string{"queue"},
		),

		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rabbitsafe_publish_total",
				Help: "Publish operations",
			},
			[]string{"exchange", "status"}, // status: success, error
		),

		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rabbitsafe_publish_duration_seconds",
				Help:    "Time spent publishing, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"exchange"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rabbitsafe_start_time_seconds",
				Help: "Unix timestamp when the process started",
			},
		),
	}

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		m.dispatchTotal,
		m.dispatchDuration,
		m.retries,
		m.routedTotal,
		m.nackTotal,
		m.publishTotal,
		m.publishDuration,
		m.startTime,
	)

	m.startTime.SetToCurrentTime()

	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          m.registry,
	})
}

// RecordDispatch records one processed delivery
func (m *Metrics) RecordDispatch(queue, outcome string, attempt int, duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(queue, outcome).Inc()
	m.dispatchDuration.WithLabelValues(queue).Observe(duration.Seconds())
	m.retries.WithLabelValues(queue).Observe(float64(attempt))
}

// RecordRouted records a message moved to the delay or dead queue
func (m *Metrics) RecordRouted(queue, destination string) {
	if m == nil {
		return
	}
	m.routedTotal.WithLabelValues(queue, destination).Inc()
}

// RecordNack records a delivery handed back to the broker
func (m *Metrics) RecordNack(queue string) {
	if m == nil {
		return
	}
	m.nackTotal.WithLabelValues(queue).Inc()
}

// RecordPublish records a publish operation
func (m *Metrics) RecordPublish(exchange string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.publishTotal.WithLabelValues(exchange, status).Inc()
	m.publishDuration.WithLabelValues(exchange).Observe(duration.Seconds())
}
