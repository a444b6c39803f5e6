// Package telemetry exposes Prometheus metrics for the HTTP layer, the
// document lifecycle and outbound webhook delivery.
package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PoolStatsFunc reports (acquired, idle, total) connections.
type PoolStatsFunc func() (acquired, idle, total int32)

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	transitions     *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_active_requests",
			Help: "Number of in-flight HTTP requests.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinical_document_transitions_total",
			Help: "Clinical document lifecycle operations by outcome.",
		}, []string{"document_type", "action", "outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Outbound webhook delivery attempts by outcome.",
		}, []string{"event", "outcome"}),
	}

	registry.MustRegister(
		m.requestsTotal, m.requestDuration, m.activeRequests, m.transitions, m.webhooks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	return m
}

// Registry is exposed for tests and for callers registering extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RegisterPoolStats exports database pool gauges read on every scrape.
func (m *Metrics) RegisterPoolStats(stats PoolStatsFunc) {
	gauge := func(name, help string, pick func(a, i, t int32) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(pick(stats()))
		})
	}
	m.registry.MustRegister(
		gauge("db_pool_acquired_connections", "Connections currently checked out of the pool.", func(a, _, _ int32) int32 { return a }),
		gauge("db_pool_idle_connections", "Idle connections in the pool.", func(_, i, _ int32) int32 { return i }),
		gauge("db_pool_total_connections", "All connections owned by the pool.", func(_, _, t int32) int32 { return t }),
	)
}

// ObserveTransition counts one lifecycle operation.
func (m *Metrics) ObserveTransition(documentType, action, outcome string) {
	m.transitions.WithLabelValues(documentType, action, outcome).Inc()
}

// ObserveWebhookDelivery counts one delivery attempt.
func (m *Metrics) ObserveWebhookDelivery(event, outcome string) {
	m.webhooks.WithLabelValues(event, outcome).Inc()
}

// Middleware records request count and latency keyed by the route pattern,
// so ids in paths do not explode label cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.activeRequests.Inc()
			start := time.Now()

			err := next(c)

			m.activeRequests.Dec()
			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			labels := prometheus.Labels{
				"method": c.Request().Method,
				"route":  route,
				"status": strconv.Itoa(status),
			}
			m.requestsTotal.With(labels).Inc()
			m.requestDuration.With(labels).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(m.handler)
}
