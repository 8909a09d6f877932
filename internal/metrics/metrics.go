// Package metrics exposes prometheus counters for ledger operations, rate-limit decisions,
// webhook outcomes and HTTP latency.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tokenledger"

// Metrics owns a dedicated registry so tests and multiple servers never collide.
type Metrics struct {
	registry         *prometheus.Registry
	ledgerOperations *prometheus.CounterVec
	ledgerTokens     *prometheus.CounterVec
	rateLimits       *prometheus.CounterVec
	webhooks         *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
}

// New registers every collector on a fresh registry. Go runtime and process collectors are
// included.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		ledgerOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by name and status",
		}, []string{"operation", "status"}),
		ledgerTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_tokens_total",
			Help:      "Tokens moved by applied ledger operations",
		}, []string{"operation"}),
		rateLimits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions by class",
		}, []string{"class", "allowed", "degraded"}),
		webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Payment webhook deliveries by decisive state",
		}, []string{"state"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Request latency",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
	}
}

// LogOperation counts a ledger operation. It satisfies ledger.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	metrics.ledgerOperations.WithLabelValues(entry.Name(), entry.Status).Inc()
	if entry.Status == ledger.OperationStatusOK {
		metrics.ledgerTokens.WithLabelValues(entry.Name()).Add(float64(entry.Amount.Int64()))
	}
}

// RecordRateLimit counts a limiter decision.
func (metrics *Metrics) RecordRateLimit(class string, allowed bool, degraded bool) {
	metrics.rateLimits.WithLabelValues(class, strconv.FormatBool(allowed), strconv.FormatBool(degraded)).Inc()
}

// RecordWebhook counts a webhook delivery by its decisive state.
func (metrics *Metrics) RecordWebhook(state string) {
	metrics.webhooks.WithLabelValues(state).Inc()
}

// ObserveHTTP records one served request. route is the route template, never the raw path.
func (metrics *Metrics) ObserveHTTP(method string, route string, status int, elapsed time.Duration) {
	metrics.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	metrics.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the registry in the prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry})
}

// Registry exposes the underlying registry.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}
