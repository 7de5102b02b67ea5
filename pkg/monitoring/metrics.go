package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics handles Prometheus metrics collection. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	serviceName string
	gatherer    prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	generationsTotal    *prometheus.CounterVec
	generationDuration  *prometheus.HistogramVec
	extractionFailures  *prometheus.CounterVec
	findingsTotal       *prometheus.CounterVec
	transitionsTotal    *prometheus.CounterVec
	storeOpDuration     *prometheus.HistogramVec
	storeErrorsTotal    *prometheus.CounterVec
	auditEventsTotal    *prometheus.CounterVec
	authAttemptsTotal   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. Passing a
// fresh prometheus.NewRegistry() keeps tests isolated from the default
// registry.
func NewMetrics(serviceName string, reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		serviceName: serviceName,
		gatherer:    reg,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code", "service"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "service"},
		),
		generationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_generations_total",
				Help: "Total number of document generations by outcome",
			},
			[]string{"document_type", "outcome", "service"},
		),
		generationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scribe_generation_duration_seconds",
				Help:    "Duration of model generation in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"document_type", "service"},
		),
		extractionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_extraction_failures_total",
				Help: "Total number of model outputs rejected by the extractor",
			},
			[]string{"code", "service"},
		),
		findingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_validation_findings_total",
				Help: "Total number of validation findings",
			},
			[]string{"rule", "severity", "category", "service"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_lifecycle_transitions_total",
				Help: "Total number of document lifecycle transitions",
			},
			[]string{"from", "to", "service"},
		),
		storeOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scribe_store_operation_duration_seconds",
				Help:    "Duration of document store operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"operation", "service"},
		),
		storeErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_store_errors_total",
				Help: "Total number of failed document store operations",
			},
			[]string{"operation", "code", "service"},
		),
		auditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_events_total",
				Help: "Total number of audit events",
			},
			[]string{"event_type", "success", "service"},
		),
		authAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_attempts_total",
				Help: "Total number of authentication attempts",
			},
			[]string{"method", "status", "service"},
		),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.generationsTotal,
		m.generationDuration,
		m.extractionFailures,
		m.findingsTotal,
		m.transitionsTotal,
		m.storeOpDuration,
		m.storeErrorsTotal,
		m.auditEventsTotal,
		m.authAttemptsTotal,
	)
	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode, m.serviceName).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, m.serviceName).Observe(duration.Seconds())
}

// RecordGeneration records one generation and its outcome
func (m *Metrics) RecordGeneration(documentType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.generationsTotal.WithLabelValues(documentType, outcome, m.serviceName).Inc()
	m.generationDuration.WithLabelValues(documentType, m.serviceName).Observe(duration.Seconds())
}

// RecordExtractionFailure records a model output the extractor rejected
func (m *Metrics) RecordExtractionFailure(code string) {
	if m == nil {
		return
	}
	m.extractionFailures.WithLabelValues(code, m.serviceName).Inc()
}

// RecordFinding records one validation finding
func (m *Metrics) RecordFinding(rule, severity, category string) {
	if m == nil {
		return
	}
	m.findingsTotal.WithLabelValues(rule, severity, category, m.serviceName).Inc()
}

// RecordTransition records a lifecycle status change
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to, m.serviceName).Inc()
}

// RecordStoreOperation records a repository operation; code is empty on success
func (m *Metrics) RecordStoreOperation(operation, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.storeOpDuration.WithLabelValues(operation, m.serviceName).Observe(duration.Seconds())
	if code != "" {
		m.storeErrorsTotal.WithLabelValues(operation, code, m.serviceName).Inc()
	}
}

// RecordAuditEvent records audit event metrics
func (m *Metrics) RecordAuditEvent(eventType string, success bool) {
	if m == nil {
		return
	}
	m.auditEventsTotal.WithLabelValues(eventType, strconv.FormatBool(success), m.serviceName).Inc()
}

// RecordAuthAttempt records authentication attempt metrics
func (m *Metrics) RecordAuthAttempt(method, status string) {
	if m == nil {
		return
	}
	m.authAttemptsTotal.WithLabelValues(method, status, m.serviceName).Inc()
}

// Handler returns the Prometheus metrics HTTP handler for the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// HTTPMiddleware creates middleware for HTTP request metrics. Requests are
// labelled with the mux route template so document ids do not explode the
// label space.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		m.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(wrapper.statusCode), time.Since(start))
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
