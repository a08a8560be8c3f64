// Package metrics provides Prometheus metrics for the media store.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediastore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Backend metrics
	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediastore_backend_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_backend_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	sessionAuthorizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_session_authorizations_total",
			Help: "Backend session authorizations (account auth, token exchange)",
		},
		[]string{"backend", "status"},
	)

	b2URLFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediastore_b2_url_fallbacks_total",
			Help: "B2 uploads that fell back to the API proxy URL",
		},
	)

	// Orchestrator metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_uploads_total",
			Help: "Total uploads by strategy",
		},
		[]string{"strategy", "status"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediastore_upload_bytes_total",
			Help: "Total bytes accepted by successful uploads",
		},
	)

	deletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_deletions_total",
			Help: "Per-backend deletion attempts",
		},
		[]string{"backend", "status"},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediastore_download_bytes_total",
			Help: "Total bytes served from the media retrieval route",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordBackendOperation records a single call into a storage backend.
func RecordBackendOperation(backend, operation string, duration time.Duration, success bool) {
	backendOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	backendOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// RecordSessionAuthorization records a backend session being (re)created.
func RecordSessionAuthorization(backend string, success bool) {
	sessionAuthorizationsTotal.WithLabelValues(backend, status(success)).Inc()
}

// RecordB2URLFallback records a B2 upload whose URL fell back to the proxy path.
func RecordB2URLFallback() {
	b2URLFallbacksTotal.Inc()
}

// RecordUpload records an orchestrated upload.
func RecordUpload(strategy string, bytes int64, success bool) {
	uploadsTotal.WithLabelValues(strategy, status(success)).Inc()
	if success {
		uploadBytesTotal.Add(float64(bytes))
	}
}

// RecordDeletion records one backend's part of a deletion sweep.
func RecordDeletion(backend string, success bool) {
	deletionsTotal.WithLabelValues(backend, status(success)).Inc()
}

// RecordDownload records bytes served by the retrieval route.
func RecordDownload(bytes int64) {
	downloadBytesTotal.Add(float64(bytes))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, rw.statusCode, time.Since(start))
	})
}
