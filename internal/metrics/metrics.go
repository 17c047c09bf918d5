package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Retrieval metrics. A retrieval that returns at least one record
	// counts a hit for its memory type, otherwise a miss.
	Hits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltm_hits_total",
			Help: "Total number of retrievals that returned at least one record",
		},
		[]string{"memory_type"},
	)

	Misses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltm_misses_total",
			Help: "Total number of retrievals that returned no records",
		},
		[]string{"memory_type"},
	)

	Consolidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltm_consolidations_total",
			Help: "Total number of consolidation calls",
		},
		[]string{"memory_type", "status"},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltm_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ltm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	AuthzDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltm_authz_denials_total",
			Help: "Total number of rejected authorization attempts",
		},
		[]string{"endpoint", "role"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltm_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"role"},
	)

	// Backend metrics
	BackendCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltm_backend_calls_total",
			Help: "Total number of external store calls",
		},
		[]string{"backend", "operation", "status"},
	)

	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ltm_backend_latency_seconds",
			Help:    "External store call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltm_embedding_requests_total",
			Help: "Total number of embedding provider calls",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ltm_embedding_latency_seconds",
			Help:    "Embedding provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltm_embedding_cache_hits_total",
			Help: "Total number of embedding cache hits",
		},
		[]string{"layer"},
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ltm_embedding_cache_misses_total",
			Help: "Total number of embedding requests missing every cache layer",
		},
	)

	// Forgetting metrics
	ForgettingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltm_forgetting_runs_total",
			Help: "Total number of forgetting passes",
		},
		[]string{"status"},
	)

	ForgettingRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ltm_forgetting_removed_total",
			Help: "Total number of episodic records removed by forgetting passes",
		},
	)

	ForgettingLastRun = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ltm_forgetting_last_run_timestamp_seconds",
			Help: "Unix time of the last completed forgetting pass",
		},
	)
)

// RecordRetrieval counts a hit or miss for one memory type.
func RecordRetrieval(memoryType string, returned int) {
	if returned > 0 {
		Hits.WithLabelValues(memoryType).Inc()
	} else {
		Misses.WithLabelValues(memoryType).Inc()
	}
}

// RecordConsolidation counts one consolidation call.
func RecordConsolidation(memoryType, status string) {
	Consolidations.WithLabelValues(memoryType, status).Inc()
}

// RecordHTTPMetrics records one served request.
func RecordHTTPMetrics(endpoint, method, status string, durationSeconds float64) {
	HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
	HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(durationSeconds)
}

// RecordBackendCall records one external store call.
func RecordBackendCall(backend, operation, status string, durationSeconds float64) {
	BackendCalls.WithLabelValues(backend, operation, status).Inc()
	if durationSeconds > 0 {
		BackendLatency.WithLabelValues(backend, operation).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records one embedding provider call.
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordForgettingRun records one forgetting pass outcome.
func RecordForgettingRun(status string, removed int, finished float64) {
	ForgettingRuns.WithLabelValues(status).Inc()
	if removed > 0 {
		ForgettingRemoved.Add(float64(removed))
	}
	if finished > 0 {
		ForgettingLastRun.Set(finished)
	}
}
