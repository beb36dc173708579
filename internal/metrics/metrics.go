package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: semantic cache lookups by result (hit | miss | degraded).
	SemanticLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "semantic_cache_lookups_total",
			Help: "Total number of semantic cache lookups by result.",
		},
		[]string{"result"},
	)

	// Histogram: similarity of the best candidate for each lookup that found one.
	SimilarityScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "semantic_cache_similarity",
			Help:    "Similarity of the nearest cached prompt per lookup.",
			Buckets: []float64{0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 0.99, 1},
		},
	)

	CacheWriteErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "semantic_cache_write_errors_total",
			Help: "Total number of failed cache writes.",
		},
	)

	EmbeddingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "semantic_cache_embedding_errors_total",
			Help: "Total number of failed embedding calls.",
		},
	)

	// Counter: aggregate metric updates given up after retries.
	MetricsUpdatesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "semantic_cache_metrics_updates_dropped_total",
			Help: "Total number of cache metric updates dropped after retries.",
		},
	)

	SweptEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "semantic_cache_swept_entries_total",
			Help: "Total number of cache entries removed by the retention sweep.",
		},
	)

	// Counter: misses that waited on another caller's generation.
	CoalescedMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "semantic_cache_coalesced_misses_total",
			Help: "Total number of misses served by a concurrent generation.",
		},
	)

	// Histogram: gateway HTTP latency in seconds.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_latency_seconds",
			Help:    "HTTP request latency for the gateway in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		SemanticLookupsTotal,
		SimilarityScore,
		CacheWriteErrorsTotal,
		EmbeddingErrorsTotal,
		MetricsUpdatesDroppedTotal,
		SweptEntriesTotal,
		CoalescedMissesTotal,
		GatewayLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures gateway latency for each HTTP request, labelled by
// the matched chi route so path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}

		GatewayLatencySeconds.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
