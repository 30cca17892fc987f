package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fieldbook"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	grpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "gRPC requests by method and code.",
		},
		[]string{"method", "code"},
	)

	bookingOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_requests_total",
			Help:      "Booking requests by outcome (confirmed, conflict, rejected, unavailable).",
		},
		[]string{"outcome"},
	)

	cancellations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_cancelled_total",
			Help:      "Cancelled reservations.",
		},
	)

	declarations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "availability_declarations_total",
			Help:      "Committed availability declarations.",
		},
	)

	writeRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_write_retries_total",
			Help:      "Optimistic write retries after a version conflict, by collection.",
		},
		[]string{"collection"},
	)

	commitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_commit_duration_seconds",
			Help:      "Time spent committing a ledger mutation, retries included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			grpcRequests,
			bookingOutcomes,
			cancellations,
			declarations,
			writeRetries,
			commitDuration,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncGRPC(method, code string) {
	grpcRequests.WithLabelValues(method, code).Inc()
}

func IncBookingOutcome(outcome string) {
	bookingOutcomes.WithLabelValues(outcome).Inc()
}

func IncCancellation() {
	cancellations.Inc()
}

func IncDeclaration() {
	declarations.Inc()
}

func IncWriteRetry(collection string) {
	writeRetries.WithLabelValues(collection).Inc()
}

// ObserveCommit records how long an operation took since start.
func ObserveCommit(operation string, start time.Time) {
	commitDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
