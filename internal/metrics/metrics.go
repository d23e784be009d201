package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posgw_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "posgw_http_request_duration_ms",
			Help:    "Duration of HTTP requests in ms",
			Buckets: []float64{5, 10, 25, 50, 100, 200, 400, 800, 1600},
		},
		[]string{"method", "route"},
	)

	backendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posgw_backend_requests_total",
			Help: "Calls made to the sales backend, by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	backendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "posgw_backend_request_duration_ms",
			Help:    "Duration of sales backend calls in ms",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"operation"},
	)

	checkouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posgw_checkouts_total",
			Help: "Checkout attempts by result",
		},
		[]string{"result"},
	)

	checkoutAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "posgw_checkout_amount_cents_total",
		Help: "Sum of final totals of successful checkouts, in cents",
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "posgw_active_sessions",
		Help: "Checkout sessions currently held in memory",
	})

	catalogLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posgw_catalog_loads_total",
			Help: "Reference data loads by kind and source",
		},
		[]string{"kind", "source"},
	)
)

// Checkout results.
const (
	ResultSucceeded = "succeeded"
	ResultRejected  = "rejected"
	ResultFailed    = "failed"
)

func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency labelled by the matched chi
// route pattern, so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		duration := float64(time.Since(start).Milliseconds())
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(duration)
	})
}

func ObserveBackend(operation, outcome string, elapsed time.Duration) {
	backendRequests.WithLabelValues(operation, outcome).Inc()
	backendDuration.WithLabelValues(operation).Observe(float64(elapsed.Milliseconds()))
}

func ObserveCheckout(result string, finalCents int64) {
	checkouts.WithLabelValues(result).Inc()
	if result == ResultSucceeded && finalCents > 0 {
		checkoutAmount.Add(float64(finalCents))
	}
}

func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

func ObserveCatalogLoad(kind, source string) {
	catalogLoads.WithLabelValues(kind, source).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
