// Package invalidation chooses an invalidation strategy per key from a
// reason code and access statistics, and pre-populates high-priority keys
// so they degrade gracefully instead of disappearing.
package invalidation

import (
	"context"
	"time"

	"tiercache/internal/common/logging"
	"tiercache/internal/hierarchy"
	"tiercache/internal/metrics"
	"tiercache/internal/stampede"
)

// Reason describes why a key is being invalidated.
type Reason string

const (
	ReasonDataUpdated    Reason = "data_updated"
	ReasonMemoryPressure Reason = "memory_pressure"
	ReasonManual         Reason = "manual"
)

// Strategy is the invalidation approach selected by the engine.
type Strategy string

const (
	// StrategyImmediate deletes now, all tiers, fresh and stale buckets.
	StrategyImmediate Strategy = "immediate"
	// StrategyLazy marks the key with a short-lived sentinel; the next
	// read forces a fresh fetch instead of trusting the existing entry.
	StrategyLazy Strategy = "lazy"
	// StrategySelective deletes only if the key was not recently accessed.
	StrategySelective Strategy = "selective"
	// StrategyStandard is a plain cascading delete.
	StrategyStandard Strategy = "standard"
)

const (
	// lazyTTL bounds how long a deferred-invalidation sentinel lives.
	lazyTTL = 30 * time.Second
	// recentAccessWindow is the window within which a selective
	// invalidation spares a key.
	recentAccessWindow = 5 * time.Minute
	// lazyMinAccesses is the minimum sample before a hit rate is trusted.
	lazyMinAccesses = 10
	// lazyHitRateCeiling marks keys cold enough for deferred invalidation.
	lazyHitRateCeiling = 0.2
)

// Engine maps (reason, stats) to an invalidation strategy and applies it.
// A single key's failure is logged and never aborts the batch around it.
type Engine struct {
	hierarchy *hierarchy.Manager
	tracker   *Tracker
	logger    logging.Logger
	metrics   metrics.Metrics
}

// NewEngine creates a policy engine over the hierarchy.
func NewEngine(h *hierarchy.Manager, tracker *Tracker, logger logging.Logger, m metrics.Metrics) *Engine {
	if tracker == nil {
		tracker = NewTracker()
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Engine{
		hierarchy: h,
		tracker:   tracker,
		logger:    logger,
		metrics:   m,
	}
}

// Tracker returns the statistics tracker the engine consults.
func (e *Engine) Tracker() *Tracker {
	return e.tracker
}

// InvalidateIntelligently invalidates key using a strategy chosen from
// the reason code and the key's access statistics. It returns the
// strategy applied; applying the same invalidation twice produces the
// same end state as applying it once.
func (e *Engine) InvalidateIntelligently(ctx context.Context, key, namespace string, reason Reason) Strategy {
	stats := e.tracker.Get(namespace + ":" + key)
	strategy := chooseStrategy(reason, stats)

	switch strategy {
	case StrategyImmediate:
		// Updated data makes the stale fallback wrong too.
		e.hierarchy.Delete(ctx, key, namespace)
		e.hierarchy.Delete(ctx, stampede.StaleKey(key), namespace)

	case StrategyLazy:
		// The stale fallback must not serve the invalidated value either,
		// so both buckets get the sentinel.
		e.hierarchy.SetTombstone(ctx, key, namespace, lazyTTL)
		e.hierarchy.SetTombstone(ctx, stampede.StaleKey(key), namespace, lazyTTL)

	case StrategySelective:
		if time.Since(stats.LastAccess) > recentAccessWindow {
			e.hierarchy.Delete(ctx, key, namespace)
		}

	default:
		e.hierarchy.Delete(ctx, key, namespace)
	}

	e.metrics.Invalidation(string(strategy))
	e.logger.Debug("key invalidated",
		logging.String("key", namespace+":"+key),
		logging.String("reason", string(reason)),
		logging.String("strategy", string(strategy)),
	)

	return strategy
}

// chooseStrategy maps a reason code and per-key statistics to a strategy.
func chooseStrategy(reason Reason, stats KeyStats) Strategy {
	switch reason {
	case ReasonDataUpdated:
		return StrategyImmediate
	case ReasonMemoryPressure:
		return StrategySelective
	}

	if stats.AccessCount >= lazyMinAccesses && stats.HitRate() < lazyHitRateCeiling {
		return StrategyLazy
	}

	return StrategyStandard
}
