package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusAdapter implements Metrics and exports Prometheus counters.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type PrometheusAdapter struct {
	tierHits      *prometheus.CounterVec
	tierMisses    *prometheus.CounterVec
	globalMisses  prometheus.Counter
	promotions    *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	staleServed   prometheus.Counter
	refreshes     *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

// NewPrometheusAdapter constructs a Prometheus metrics adapter.
//   - reg: registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns:  Prometheus namespace applied to all metrics
func NewPrometheusAdapter(reg prometheus.Registerer, ns string) *PrometheusAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &PrometheusAdapter{
		tierHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "tier_hits_total",
			Help:      "Cache hits by tier",
		}, []string{"tier"}),
		tierMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "tier_misses_total",
			Help:      "Cache misses by tier",
		}, []string{"tier"}),
		globalMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "misses_total",
			Help:      "Lookups that missed every tier",
		}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "promotions_total",
			Help:      "Entries promoted into a faster tier",
		}, []string{"tier"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "evictions_total",
			Help:      "Entries evicted under capacity pressure",
		}, []string{"tier"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "origin_fetches_total",
			Help:      "Origin fetches by outcome",
		}, []string{"outcome"}),
		staleServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "stale_served_total",
			Help:      "Reads answered from the stale bucket",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "refreshes_total",
			Help:      "Background refreshes by kind",
		}, []string{"kind"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "invalidations_total",
			Help:      "Invalidations by strategy",
		}, []string{"strategy"}),
	}
	reg.MustRegister(
		a.tierHits, a.tierMisses, a.globalMisses, a.promotions,
		a.evictions, a.fetches, a.staleServed, a.refreshes, a.invalidations,
	)
	return a
}

func (a *PrometheusAdapter) TierHit(tier string)   { a.tierHits.WithLabelValues(tier).Inc() }
func (a *PrometheusAdapter) TierMiss(tier string)  { a.tierMisses.WithLabelValues(tier).Inc() }
func (a *PrometheusAdapter) GlobalMiss()           { a.globalMisses.Inc() }
func (a *PrometheusAdapter) Promotion(tier string) { a.promotions.WithLabelValues(tier).Inc() }
func (a *PrometheusAdapter) Eviction(tier string)  { a.evictions.WithLabelValues(tier).Inc() }
func (a *PrometheusAdapter) Fetch(outcome string)  { a.fetches.WithLabelValues(outcome).Inc() }
func (a *PrometheusAdapter) StaleServed()          { a.staleServed.Inc() }
func (a *PrometheusAdapter) Refresh(kind string)   { a.refreshes.WithLabelValues(kind).Inc() }
func (a *PrometheusAdapter) Invalidation(strategy string) {
	a.invalidations.WithLabelValues(strategy).Inc()
}

// Compile-time check: ensure the adapter implements Metrics.
var _ Metrics = (*PrometheusAdapter)(nil)
