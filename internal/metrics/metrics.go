// Package metrics exposes the Prometheus collectors of the order service.
package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rehoboth_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rehoboth_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path", "status"},
	)

	orderOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rehoboth_order_operations_total",
			Help: "Total number of order operations",
		},
		[]string{"operation", "status"},
	)

	paymentPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rehoboth_payment_push_total",
			Help: "Push payment requests by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	paymentCallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rehoboth_payment_callbacks_total",
			Help: "Provider callbacks by processing outcome",
		},
		[]string{"outcome"},
	)

	consistencyGaps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rehoboth_consistency_gaps_total",
			Help: "Detected violations of invariants the service does not enforce",
		},
		[]string{"invariant"},
	)

	cleanupDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rehoboth_cleanup_soft_deleted_total",
			Help: "Orders soft deleted by the cleanup job",
		},
		[]string{"cancelled_by"},
	)
)

// Middleware records request counts and durations per route.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := c.Route().Path
		if path == "" {
			path = c.Path()
		}
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		labels := []string{c.Method(), path, strconv.Itoa(status)}
		httpRequestsTotal.WithLabelValues(labels...).Inc()
		httpRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
		return err
	}
}

// RecordOrderOperation records the outcome of an order operation.
func RecordOrderOperation(operation string, success bool) {
	orderOperations.WithLabelValues(operation, outcome(success)).Inc()
}

// RecordPaymentPush records a push request outcome ("accepted", "rejected", "retryable", "failed").
func RecordPaymentPush(provider, result string) {
	paymentPushes.WithLabelValues(provider, result).Inc()
}

// RecordCallback records how a provider callback was handled.
func RecordCallback(result string) {
	paymentCallbacks.WithLabelValues(result).Inc()
}

// RecordConsistencyGap counts an observed, unenforced invariant violation.
func RecordConsistencyGap(invariant string) {
	consistencyGaps.WithLabelValues(invariant).Inc()
}

// RecordCleanup adds the number of orders soft deleted for one actor.
func RecordCleanup(cancelledBy string, count int64) {
	cleanupDeleted.WithLabelValues(cancelledBy).Add(float64(count))
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
