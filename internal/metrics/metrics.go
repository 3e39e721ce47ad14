// Package metrics exposes observability hooks for the cache hierarchy.
// A Noop implementation is provided and used by default; a Prometheus
// adapter is available for deployments that scrape metrics.
package metrics

// Metrics receives cache-level events. Implementations must be safe for
// concurrent use; hooks run on the hot read/write path and must be fast.
type Metrics interface {
	TierHit(tier string)
	TierMiss(tier string)
	GlobalMiss()
	Promotion(tier string)
	Eviction(tier string)
	Fetch(outcome string)
	StaleServed()
	Refresh(kind string)
	Invalidation(strategy string)
}

// Noop is a drop-in Metrics implementation that does nothing.
// It is the default when no observability backend is configured.
type Noop struct{}

func (Noop) TierHit(string)      {}
func (Noop) TierMiss(string)     {}
func (Noop) GlobalMiss()         {}
func (Noop) Promotion(string)    {}
func (Noop) Eviction(string)     {}
func (Noop) Fetch(string)        {}
func (Noop) StaleServed()        {}
func (Noop) Refresh(string)      {}
func (Noop) Invalidation(string) {}

// Ensure Noop implements the Metrics interface at compile time.
var _ Metrics = Noop{}
