// Package metrics instruments the engine and its HTTP surface with
// Prometheus collectors. The teacher hand-rolls its own CounterVec/Gauge
// primitives and a text exposition writer (internal/observability/metrics.go);
// Tasker instead reaches for the real client, attested elsewhere in the
// pack (Azure-containerization-assist's go.mod), since nothing about the
// orchestrator's metrics surface needs a bespoke registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors. httpapi's middleware updates
// the HTTP collectors; the task, step and readiness collectors are
// registered and exposed but nothing in the engine updates them.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted    *prometheus.CounterVec
	TasksFinalized    *prometheus.CounterVec
	StepsDispatched   prometheus.Counter
	StepsCompleted    *prometheus.CounterVec
	ReadinessDuration prometheus.Histogram

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
	HTTPInflight prometheus.Gauge
}

// New builds a Metrics bundle registered on its own registry, so Tasker
// never pollutes (or depends on) the default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasker", Name: "tasks_submitted_total", Help: "Tasks accepted by TaskRequestActor, by namespace.",
		}, []string{"namespace"}),
		TasksFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasker", Name: "tasks_finalized_total", Help: "Tasks reaching a terminal state, by outcome.",
		}, []string{"namespace", "state"}),
		StepsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tasker", Name: "steps_dispatched_total", Help: "Step dispatch messages published to the queue.",
		}),
		StepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasker", Name: "steps_completed_total", Help: "Step completions processed, by outcome kind.",
		}, []string{"outcome"}),
		ReadinessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tasker", Name: "readiness_evaluation_seconds", Help: "Latency of one readiness evaluation pass.",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasker", Subsystem: "http", Name: "requests_total", Help: "HTTP requests, by method/route/status.",
		}, []string{"method", "route", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tasker", Subsystem: "http", Name: "request_duration_seconds", Help: "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		HTTPInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tasker", Subsystem: "http", Name: "requests_inflight", Help: "HTTP requests currently being served.",
		}),
	}
	reg.MustRegister(
		m.TasksSubmitted, m.TasksFinalized, m.StepsDispatched, m.StepsCompleted,
		m.ReadinessDuration, m.HTTPRequests, m.HTTPLatency, m.HTTPInflight,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
