// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/escrow-engine/escrow"
)

var (
	// Registry holds the engine's collectors.
	Registry = prometheus.NewRegistry()

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "settlement",
			Name:      "operations_total",
			Help:      "Money-moving operations by kind and outcome.",
		},
		[]string{"kind", "result"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow",
			Subsystem: "settlement",
			Name:      "operation_duration_seconds",
			Help:      "Duration of money-moving operations, transfers included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"kind"},
	)

	transferFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "transfer",
			Name:      "failures_total",
			Help:      "Failed value transfers by leg.",
		},
		[]string{"leg"},
	)

	feesCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "commission",
			Name:      "fees_collected_total",
			Help:      "Fees pushed to the commission sink, in base units.",
		},
		[]string{"asset"},
	)

	campaignsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "escrow",
			Subsystem: "campaigns",
			Name:      "by_status",
			Help:      "Campaigns per derived status at the last snapshot.",
		},
		[]string{"status"},
	)

	pendingOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrow",
			Subsystem: "settlement",
			Name:      "stale_pending_operations",
			Help:      "Operations stuck in pending at the last audit.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)
)

func init() {
	Registry.MustRegister(
		operations,
		operationDuration,
		transferFailures,
		feesCollected,
		campaignsByStatus,
		pendingOperations,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordOperation counts one deposit, withdrawal or refund attempt.
// result is "committed", "rejected", "failed" or "replayed".
func RecordOperation(kind escrow.OperationKind, result string, duration time.Duration) {
	operations.WithLabelValues(string(kind), result).Inc()
	if duration > 0 {
		operationDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
	}
}

func RecordTransferFailure(leg escrow.TransferLeg) {
	transferFailures.WithLabelValues(string(leg)).Inc()
}

func RecordFeeCollected(asset escrow.AssetID, fee escrow.Amount) {
	feesCollected.WithLabelValues(string(asset)).Add(fee.InexactFloat64())
}

// SetCampaignStatusCounts replaces the per-status gauge.
func SetCampaignStatusCounts(counts map[escrow.Status]int) {
	campaignsByStatus.Reset()
	for status, n := range counts {
		campaignsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

func SetStalePendingOperations(n int) {
	pendingOperations.Set(float64(n))
}

// =============================================================================
// HTTP INSTRUMENTATION
// =============================================================================

// InstrumentHandler records request counts and durations labelled with the
// chi route pattern, so ids in paths do not explode cardinality.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
