package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus instruments.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	BudgetRejections *prometheus.CounterVec
	RouterAttempts   prometheus.Histogram
	RequestDuration  prometheus.Histogram
	SpendSettledUSD  prometheus.Counter
	CacheHits        prometheus.Counter
}

// New registers the gateway instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_requests_total",
			Help: "Admission outcomes per request.",
		}, []string{"outcome"}),
		BudgetRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_budget_rejections_total",
			Help: "Reservations rejected before any upstream call, by limit kind.",
		}, []string{"kind"}),
		RouterAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmgate_router_attempts",
			Help:    "Upstream attempts per admitted request.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmgate_request_duration_seconds",
			Help:    "Wall-clock duration of admitted requests.",
			Buckets: prometheus.DefBuckets,
		}),
		SpendSettledUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmgate_spend_settled_usd_total",
			Help: "Total settled spend across all principals.",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmgate_cache_hits_total",
			Help: "Responses served from the cache.",
		}),
	}
}
