package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector owns the gateway's Prometheus metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	refreshFailures  *prometheus.CounterVec
	refreshesTotal   prometheus.Counter
	healthyInstances *prometheus.GaugeVec
	breakerState     *prometheus.GaugeVec
}

// NewCollector creates a collector backed by its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Inbound requests by route, outcome and status code.",
		}, []string{"route", "outcome", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency by route.",
			Buckets: DefaultBuckets,
		}, []string{"route"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Forwarding retries by route.",
		}, []string{"route"}),
		refreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_registry_refresh_failures_total",
			Help: "Failed registry lookups by service.",
		}, []string{"service"}),
		refreshesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_registry_refreshes_total",
			Help: "Completed registry refresh cycles.",
		}),
		healthyInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_healthy_instances",
			Help: "Healthy instances in the published snapshot by service.",
		}, []string{"service"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state by route: 0=closed, 1=half_open, 2=open.",
		}, []string{"route"}),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.retriesTotal,
		c.refreshFailures,
		c.refreshesTotal,
		c.healthyInstances,
		c.breakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// RecordRequest records a finished request
func (c *Collector) RecordRequest(route, outcome string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "none"
	}
	c.requestsTotal.WithLabelValues(route, outcome, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordRetry records a retry attempt for a route
func (c *Collector) RecordRetry(route string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(route).Inc()
}

// RecordRefresh records a completed refresh cycle
func (c *Collector) RecordRefresh() {
	if c == nil {
		return
	}
	c.refreshesTotal.Inc()
}

// RecordRefreshFailure records a failed registry lookup
func (c *Collector) RecordRefreshFailure(service string) {
	if c == nil {
		return
	}
	c.refreshFailures.WithLabelValues(service).Inc()
}

// SetHealthyInstances sets the healthy instance gauge of a service
func (c *Collector) SetHealthyInstances(service string, n int) {
	if c == nil {
		return
	}
	c.healthyInstances.WithLabelValues(service).Set(float64(n))
}

// DeleteService drops the per-service series of an untracked service
func (c *Collector) DeleteService(service string) {
	if c == nil {
		return
	}
	c.healthyInstances.DeleteLabelValues(service)
	c.refreshFailures.DeleteLabelValues(service)
}

// SetCircuitBreakerState sets breaker state (0=closed, 1=half_open, 2=open)
func (c *Collector) SetCircuitBreakerState(route string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(route).Set(float64(state))
}

// Registry exposes the underlying registry, mainly for tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
