package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JoinRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_convoy", Name: "join_requests_total", Help: "Total join requests accepted"})
	ApprovalsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_convoy", Name: "approvals_total", Help: "Total participants approved"})
	RejectionsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_convoy", Name: "rejections_total", Help: "Total participants rejected"})
	SessionsActive    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_convoy", Name: "sessions_active", Help: "Live session controllers"})

	SamplesIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_convoy", Name: "location_samples_ingested_total", Help: "Location samples accepted at the ingest edge"})
	SamplesBufferedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_convoy", Name: "location_samples_buffered_total", Help: "Samples buffered before the roster was ready"})
	OrphanSamplesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_convoy", Name: "orphan_samples_total", Help: "Samples dropped for users absent from the roster"})

	MarkerCacheHits      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_convoy", Name: "marker_cache_hits_total", Help: "Marker cache hits"})
	MarkerCacheMisses    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_convoy", Name: "marker_cache_misses_total", Help: "Marker cache misses"})
	MarkerCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_convoy", Name: "marker_cache_evictions_total", Help: "LRU evictions from the marker cache"})
	MarkerCacheSweeps    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_convoy", Name: "marker_cache_sweep_removed_total", Help: "Entries removed by the TTL sweep"})
	MarkerFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_convoy", Name: "marker_fallbacks_total", Help: "Fallback icons served after construction retries were exhausted"})

	RouteComputationsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_convoy", Name: "route_computations_total", Help: "Successful route computations"})
	RouteExhaustedTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_convoy", Name: "route_exhausted_total", Help: "Route computations that exhausted their retries"})

	NavTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_convoy", Name: "nav_transitions_total", Help: "Navigation state machine transitions"},
		[]string{"to"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_convoy", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_convoy",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
