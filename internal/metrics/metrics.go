// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"finance-tracker/internal/apperrors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LedgerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Total number of ledger write operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	LedgerAmountTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_amount_total",
			Help: "Sum of recorded amounts by operation",
		},
		[]string{"operation"},
	)

	EventPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_event_publish_failures_total",
			Help: "Total number of ledger events that could not be published",
		},
	)

	SessionsCleanedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_cleanup_deleted_total",
			Help: "Total number of expired sessions deleted during cleanup",
		},
	)

	DomainErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domain_errors_total",
			Help: "Total number of domain errors by category and code",
		},
		[]string{"category", "code", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Result labels for LedgerOperationsTotal.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// ObserveLedgerOperation records the outcome of a ledger write. Domain errors
// count as rejected, anything else as an error.
func ObserveLedgerOperation(operation string, err error) {
	switch {
	case err == nil:
		LedgerOperationsTotal.WithLabelValues(operation, ResultOK).Inc()
	case errors.Is(err, apperrors.ErrValidation), errors.Is(err, apperrors.ErrInsufficientBalance):
		LedgerOperationsTotal.WithLabelValues(operation, ResultRejected).Inc()
	default:
		LedgerOperationsTotal.WithLabelValues(operation, ResultError).Inc()
	}
}

// ObserveDomainError counts err when it is a domain error.
func ObserveDomainError(err error) {
	if de, ok := apperrors.As(err); ok {
		DomainErrorsTotal.WithLabelValues(string(de.Category()), de.Code(), fmt.Sprint(de.HTTPStatus())).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Wrap instruments next under the route pattern, which keeps label
// cardinality bounded.
func Wrap(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsTotal.WithLabelValues(r.Method, pattern).Inc()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		statusClass := fmt.Sprintf("%dxx", rec.status/100)
		HTTPRequestDurationSeconds.WithLabelValues(r.Method, pattern, statusClass).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
