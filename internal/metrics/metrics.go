// Package metrics exposes Prometheus collectors for the credit ledger service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inkledger"

// Metrics owns a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
	ledgerOperations    *prometheus.CounterVec
	ledgerMismatches    prometheus.Counter
	transformations     *prometheus.CounterVec
	transformDuration   *prometheus.HistogramVec
	webhookEvents       *prometheus.CounterVec
	rateLimited         *prometheus.CounterVec
	reconcileRuns       *prometheus.CounterVec
	reconcileReconciled *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
		ledgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by outcome.",
		}, []string{"operation", "status"}),
		ledgerMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "confirm_mismatches_total",
			Help:      "Transformations that succeeded but could not be confirmed.",
		}),
		transformations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fulfillment",
			Name:      "transformations_total",
			Help:      "Fulfillment attempts by mode and outcome.",
		}, []string{"mode", "outcome"}),
		transformDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fulfillment",
			Name:      "transformation_duration_seconds",
			Help:      "Duration of provider transformation calls.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"mode"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "webhook_events_total",
			Help:      "Payment webhook deliveries by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "job_runs_total",
			Help:      "Reconciliation job runs.",
		}, []string{"job", "success"}),
		reconcileReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "items_total",
			Help:      "Reservations expired and grants finished by reconciliation.",
		}, []string{"job"}),
	}
	metrics.registry.MustRegister(
		metrics.httpInFlight,
		metrics.httpRequests,
		metrics.httpDuration,
		metrics.ledgerOperations,
		metrics.ledgerMismatches,
		metrics.transformations,
		metrics.transformDuration,
		metrics.webhookEvents,
		metrics.rateLimited,
		metrics.reconcileRuns,
		metrics.reconcileReconciled,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return metrics
}

// Registry exposes the underlying registry.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// Handler returns an HTTP handler exposing the registered collectors.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request counts and latency by route template.
func (metrics *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		route := ctx.FullPath()
		if route == "/metrics" {
			ctx.Next()
			return
		}
		if route == "" {
			route = "unmatched"
		}
		start := time.Now()
		metrics.httpInFlight.Inc()
		defer metrics.httpInFlight.Dec()

		ctx.Next()

		metrics.httpRequests.WithLabelValues(ctx.Request.Method, route, strconv.Itoa(ctx.Writer.Status())).Inc()
		metrics.httpDuration.WithLabelValues(ctx.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// RecordLedgerOperation counts a ledger operation outcome.
func (metrics *Metrics) RecordLedgerOperation(operation string, status string) {
	metrics.ledgerOperations.WithLabelValues(operation, status).Inc()
}

// RecordLedgerMismatch counts a successful transformation whose confirm failed.
func (metrics *Metrics) RecordLedgerMismatch() {
	metrics.ledgerMismatches.Inc()
}

// RecordTransformation counts a fulfillment attempt and its provider latency.
func (metrics *Metrics) RecordTransformation(mode string, outcome string, duration time.Duration) {
	if mode == "" {
		mode = "unknown"
	}
	metrics.transformations.WithLabelValues(mode, outcome).Inc()
	if duration > 0 {
		metrics.transformDuration.WithLabelValues(mode).Observe(duration.Seconds())
	}
}

// RecordWebhook counts a payment webhook delivery.
func (metrics *Metrics) RecordWebhook(outcome string) {
	metrics.webhookEvents.WithLabelValues(outcome).Inc()
}

// RecordRateLimited counts a rejected request.
func (metrics *Metrics) RecordRateLimited(route string) {
	metrics.rateLimited.WithLabelValues(route).Inc()
}

// RecordReconcile counts a reconciliation job run and how many items it fixed.
func (metrics *Metrics) RecordReconcile(job string, reconciled int, success bool) {
	metrics.reconcileRuns.WithLabelValues(job, strconv.FormatBool(success)).Inc()
	if reconciled > 0 {
		metrics.reconcileReconciled.WithLabelValues(job).Add(float64(reconciled))
	}
}
