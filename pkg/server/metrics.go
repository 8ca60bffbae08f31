package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the admin server
type Metrics struct {
	// Route metrics
	routeRequestsTotal *prometheus.CounterVec
	routeLatency       prometheus.Histogram
	routeFanOut        prometheus.Histogram

	// Registry metrics
	handlersLoaded  prometheus.Gauge
	registryReloads *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with all admin server metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		routeRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_route_requests_total",
				Help: "Total number of route requests by status",
			},
			[]string{"status"},
		),

		routeLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dispatch_route_duration_seconds",
				Help:    "End-to-end route request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		routeFanOut: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dispatch_route_fan_out",
				Help:    "Number of handlers dispatched per route request",
				Buckets: []float64{0, 1, 2, 3, 4, 5, 8, 13},
			},
		),

		handlersLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_handlers_loaded",
				Help: "Number of handler descriptors in the active registry snapshot",
			},
		),

		registryReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_registry_reloads_total",
				Help: "Total number of registry reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.routeRequestsTotal,
		m.routeLatency,
		m.routeFanOut,
		m.handlersLoaded,
		m.registryReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordRoute records a completed route request
func (m *Metrics) RecordRoute(status string, fanOut int, duration time.Duration) {
	m.routeRequestsTotal.WithLabelValues(status).Inc()
	m.routeLatency.Observe(duration.Seconds())
	m.routeFanOut.Observe(float64(fanOut))
}

// SetHandlersLoaded updates the active handler count gauge
func (m *Metrics) SetHandlersLoaded(count int) {
	m.handlersLoaded.Set(float64(count))
}

// RecordRegistryReload records a registry reload attempt
func (m *Metrics) RecordRegistryReload(status string) {
	m.registryReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := getEndpointName(r.URL.Path)
		statusCode := strconv.Itoa(wrapped.statusCode)

		m.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// getEndpointName extracts a normalized endpoint name from the path
func getEndpointName(path string) string {
	switch path {
	case "/healthz":
		return "healthz"
	case "/metrics":
		return "metrics"
	case "/v1/route":
		return "route"
	case "/v1/status":
		return "status"
	case "/v1/reload":
		return "reload"
	case "/v1/breakers/reset":
		return "breakers_reset"
	default:
		return "unknown"
	}
}
