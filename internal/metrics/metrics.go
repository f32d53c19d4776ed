package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the runtime. It implements
// the dispatch and worker observer interfaces.
type Metrics struct {
	registry *prometheus.Registry

	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec

	WorkersSpawnedTotal *prometheus.CounterVec
	WorkersExitedTotal  *prometheus.CounterVec
	WorkersAlive        prometheus.Gauge
}

// New creates and registers all metrics
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		InvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spindle_invocations_total",
				Help: "Total number of tool invocations",
			},
			[]string{"tool", "status"},
		),
		InvocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spindle_invocation_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		WorkersSpawnedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spindle_workers_spawned_total",
				Help: "Total number of worker processes spawned",
			},
			[]string{"tool"},
		),
		WorkersExitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spindle_workers_exited_total",
				Help: "Total number of worker process exits by reason",
			},
			[]string{"tool", "reason"},
		),
		WorkersAlive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "spindle_workers_alive",
				Help: "Number of live worker processes",
			},
		),
	}

	registry.MustRegister(
		m.InvocationsTotal,
		m.InvocationDuration,
		m.WorkersSpawnedTotal,
		m.WorkersExitedTotal,
		m.WorkersAlive,
	)

	return m
}

// CallFinished implements the dispatch observer
func (m *Metrics) CallFinished(tool, status string, elapsed time.Duration) {
	m.InvocationsTotal.WithLabelValues(tool, status).Inc()
	m.InvocationDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// WorkerSpawned implements the worker observer
func (m *Metrics) WorkerSpawned(tool string) {
	m.WorkersSpawnedTotal.WithLabelValues(tool).Inc()
	m.WorkersAlive.Inc()
}

// WorkerExited implements the worker observer
func (m *Metrics) WorkerExited(tool, reason string) {
	m.WorkersExitedTotal.WithLabelValues(tool, reason).Inc()
	m.WorkersAlive.Dec()
}

// Handler returns an HTTP handler exposing the metrics for scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
