// Package metrics holds the Prometheus instruments of the push pipeline.
//
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "egoipush"

type Metrics struct {
	reg *prometheus.Registry

	Pushes          *prometheus.CounterVec
	Dispatches      *prometheus.CounterVec
	Geofences       *prometheus.CounterVec
	PendingGeofence prometheus.Gauge
	OutboxJobs      *prometheus.CounterVec
	OutboxQueued    prometheus.Gauge
	Interactions    *prometheus.CounterVec
	HTTPLatency     *prometheus.HistogramVec
	InboxRequests   *prometheus.CounterVec
}

// New registers every instrument on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Inbound push payloads by classification route.",
		}, []string{"route", "reason"}),
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Notification dispatches by delivery path.",
		}, []string{"path"}),
		Geofences: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geofence_events_total",
			Help:      "Geofence registry outcomes.",
		}, []string{"outcome"}),
		PendingGeofence: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geofence_pending",
			Help:      "Geofenced notifications awaiting a trigger.",
		}),
		OutboxJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "jobs_total",
			Help:      "Outbox job attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		OutboxQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "queued",
			Help:      "Jobs waiting in the in-memory queue.",
		}),
		Interactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interactions_total",
			Help:      "Notification interactions by kind.",
		}, []string{"kind"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Latency of outbound API calls.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"endpoint", "status"}),
		InboxRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "requests_total",
			Help:      "Simulator inbox requests by route pattern.",
		}, []string{"path", "method", "status"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Push(route, reason string) {
	if m == nil {
		return
	}
	m.Pushes.WithLabelValues(route, reason).Inc()
}

func (m *Metrics) Dispatch(path string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(path).Inc()
}

func (m *Metrics) Geofence(outcome string) {
	if m == nil {
		return
	}
	m.Geofences.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetPendingGeofences(n int) {
	if m == nil {
		return
	}
	m.PendingGeofence.Set(float64(n))
}

func (m *Metrics) OutboxJob(kind, outcome string) {
	if m == nil {
		return
	}
	m.OutboxJobs.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) SetOutboxQueued(n int) {
	if m == nil {
		return
	}
	m.OutboxQueued.Set(float64(n))
}

func (m *Metrics) Interaction(kind string) {
	if m == nil {
		return
	}
	m.Interactions.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveHTTP(endpoint, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPLatency.WithLabelValues(endpoint, status).Observe(seconds)
}

func (m *Metrics) InboxRequest(path, method, status string) {
	if m == nil {
		return
	}
	m.InboxRequests.WithLabelValues(path, method, status).Inc()
}
