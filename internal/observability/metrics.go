package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedService is the label value used for requests that do not
// resolve to any configured service, keeping cardinality bounded.
const unmatchedService = "unmatched"

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	activeRequests      *prometheus.GaugeVec
	rateLimitDenials    *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
	endpointHealth      *prometheus.GaugeVec
	upstreamRetries     *prometheus.CounterVec
	registry            *prometheus.Registry
}

// NewMetrics creates a new Metrics instance using a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied HTTP requests",
		},
		[]string{"method", "service", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Proxied request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "service", "status"},
	)

	m.activeRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of in-flight proxied requests",
		},
		[]string{"service"},
	)

	m.rateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denials_total",
			Help:      "Total number of requests denied by the rate limiter",
		},
		[]string{"service"},
	)

	m.circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service"},
	)

	m.endpointHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_health",
			Help:      "Endpoint health status (1=healthy, 0=unhealthy)",
		},
		[]string{"service", "endpoint"},
	)

	m.upstreamRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Total number of retried upstream attempts",
		},
		[]string{"service", "reason"},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.rateLimitDenials,
		m.circuitBreakerState,
		m.endpointHealth,
		m.upstreamRetries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveRequest records a completed proxied request.
func (m *Metrics) ObserveRequest(method, service string, status int, seconds float64) {
	if service == "" {
		service = unmatchedService
	}
	code := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(method, service, code).Inc()
	m.requestDuration.WithLabelValues(method, service, code).Observe(seconds)
}

// RequestStarted increments the in-flight gauge for a service.
func (m *Metrics) RequestStarted(service string) {
	m.activeRequests.WithLabelValues(service).Inc()
}

// RequestFinished decrements the in-flight gauge for a service.
func (m *Metrics) RequestFinished(service string) {
	m.activeRequests.WithLabelValues(service).Dec()
}

// RateLimitDenied records a rate limit denial.
func (m *Metrics) RateLimitDenied(service string) {
	if service == "" {
		service = unmatchedService
	}
	m.rateLimitDenials.WithLabelValues(service).Inc()
}

// SetCircuitBreakerState records the state of a service's circuit breaker.
func (m *Metrics) SetCircuitBreakerState(service string, state int) {
	m.circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// SetEndpointHealth records the health of a backend endpoint.
func (m *Metrics) SetEndpointHealth(service, endpoint string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.endpointHealth.WithLabelValues(service, endpoint).Set(value)
}

// UpstreamRetry records a retried upstream attempt.
func (m *Metrics) UpstreamRetry(service, reason string) {
	m.upstreamRetries.WithLabelValues(service, reason).Inc()
}

// Handler returns an HTTP handler exposing the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
