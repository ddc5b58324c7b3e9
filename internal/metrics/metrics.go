package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "archive",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "archive",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20},
	}, []string{"method", "path"})

	UpstreamAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "archive",
		Name:      "upstream_attempts_total",
		Help:      "Upstream fetch attempts by kind (json, stream) and outcome.",
	}, []string{"kind", "outcome"})

	UpstreamAttemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "archive",
		Name:      "upstream_attempt_duration_seconds",
		Help:      "Duration of a single upstream attempt in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"kind"})

	ProxyActiveRequests = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "archive",
		Name:      "proxy_active_requests",
		Help:      "Leases currently held on a proxy node.",
	}, []string{"node"})

	ProxyFailureCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "archive",
		Name:      "proxy_failure_count",
		Help:      "Decaying failure counter of a proxy node.",
	}, []string{"node"})

	ProxyWaiters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "archive",
		Name:      "proxy_pending_acquires",
		Help:      "Callers waiting for a proxy node.",
	})

	CacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "archive",
		Name:      "cache_lookups_total",
		Help:      "Search cache lookups by serving tier.",
	}, []string{"tier"})

	CacheRefreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "archive",
		Name:      "cache_refreshes_total",
		Help:      "Background stale refreshes by result (scheduled, skipped, ok, error).",
	}, []string{"result"})

	CachePrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "archive",
		Name:      "cache_pruned_entries_total",
		Help:      "Cache entries removed by pruning.",
	})

	ClicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "archive",
		Name:      "clicks_total",
		Help:      "Recorded result clicks.",
	})

	HitPromotionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "archive",
		Name:      "hit_promotions_total",
		Help:      "Hit records written by the learner.",
	})

	LocalizationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "archive",
		Name:      "localizations_total",
		Help:      "Media localization attempts by outcome.",
	}, []string{"outcome"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		UpstreamAttemptsTotal,
		UpstreamAttemptDuration,
		ProxyActiveRequests,
		ProxyFailureCount,
		ProxyWaiters,
		CacheLookupsTotal,
		CacheRefreshesTotal,
		CachePrunedTotal,
		ClicksTotal,
		HitPromotionsTotal,
		LocalizationsTotal,
	)
}
