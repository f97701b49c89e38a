// Package monitoring exposes prometheus metrics for the governance layer.
// A nil *Metrics is valid and turns every recording call into a no-op, so
// components can take metrics optionally without branching at call sites.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors on a private registry so tests can create
// isolated instances without collector name collisions.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheEvents     *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	queueProcessed  *prometheus.CounterVec
	poolAvailable   prometheus.Gauge
	poolCoolingDown prometheus.Gauge
	rotationsTotal  prometheus.Counter
}

// New creates a Metrics instance with all collectors registered under the
// given namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gridgate"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total governed calls by operation and status",
			},
			[]string{"operation", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Governed call duration by operation",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		cacheEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_events_total",
				Help:      "Cache lookups by outcome (hit, miss, stale_fallback)",
			},
			[]string{"event"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of tasks waiting in the request queue",
			},
		),
		queueProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_processed_total",
				Help:      "Tasks processed by the queue worker by result",
			},
			[]string{"result"},
		),
		poolAvailable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_available_credentials",
				Help:      "Credentials currently eligible for selection",
			},
		),
		poolCoolingDown: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_cooling_down_credentials",
				Help:      "Credentials currently excluded by a cooldown",
			},
		),
		rotationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_rotations_total",
				Help:      "Retry attempts that switched to another credential",
			},
		),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.cacheEvents,
		m.queueDepth,
		m.queueProcessed,
		m.poolAvailable,
		m.poolCoolingDown,
		m.rotationsTotal,
	)
	return m
}

// Handler serves the metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordRequest(operation string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(operation, status).Inc()
	m.requestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheEvent(event string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) RecordQueueTask(result string) {
	if m == nil {
		return
	}
	m.queueProcessed.WithLabelValues(result).Inc()
}

func (m *Metrics) SetPoolAvailability(available int, coolingDown int) {
	if m == nil {
		return
	}
	m.poolAvailable.Set(float64(available))
	m.poolCoolingDown.Set(float64(coolingDown))
}

func (m *Metrics) RecordRotation() {
	if m == nil {
		return
	}
	m.rotationsTotal.Inc()
}
