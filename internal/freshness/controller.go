// Package freshness layers stale-while-revalidate and early-refresh
// policies on top of the cache hierarchy. Stale reads answer immediately
// from the stale bucket while a detached background refresh repopulates
// both buckets; early refresh opportunistically renews entries nearing
// expiry so no caller ever waits on the origin.
package freshness

import (
	"context"
	"time"

	"tiercache/internal/common/logging"
	"tiercache/internal/hierarchy"
	"tiercache/internal/metrics"
	"tiercache/internal/stampede"
	"tiercache/internal/store"
)

// StaleResult is the outcome of a stale-while-revalidate lookup. Stale
// reports whether the value came from the stale fallback bucket; Source
// reports whether any cached copy (fresh or stale) answered, as opposed
// to a synchronous origin fetch.
type StaleResult struct {
	Data   interface{}
	Stale  bool
	Source stampede.Source
}

// refreshTimeout bounds a detached background refresh so an unresponsive
// origin cannot pin goroutines forever.
const refreshTimeout = 30 * time.Second

// Controller implements the freshness policies. All background refreshes
// go through stampede protection so concurrently triggered refreshes
// collapse into one fetch, and they run detached from the request that
// triggered them: a client disconnect never cancels an in-progress
// refresh.
type Controller struct {
	protector *stampede.Protector
	hierarchy *hierarchy.Manager
	tracker   *refreshTracker
	logger    logging.Logger
	metrics   metrics.Metrics
}

// NewController creates a freshness controller over the protector.
func NewController(p *stampede.Protector, logger logging.Logger, m metrics.Metrics) *Controller {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Controller{
		protector: p,
		hierarchy: p.Hierarchy(),
		tracker:   newRefreshTracker(refreshTimeout),
		logger:    logger,
		metrics:   m,
	}
}

// GetWithStaleWhileRevalidate serves key with bounded staleness:
//
//  1. A fresh hierarchy hit returns immediately (scheduling an early
//     refresh if the entry is close to expiry).
//  2. On a fresh miss, a stale-bucket hit is returned to the caller at
//     once and exactly one background refresh is scheduled.
//  3. On a total miss the origin is fetched synchronously under stampede
//     protection and both buckets are populated.
//
// A non-positive ttl uses the namespace default; a non-positive staleTTL
// defaults to half the ttl beyond normal expiry.
func (c *Controller) GetWithStaleWhileRevalidate(ctx context.Context, key, namespace string, fetch stampede.Fetcher, ttl, staleTTL time.Duration) (*StaleResult, error) {
	profile := c.hierarchy.Namespaces().Profile(namespace)
	if ttl <= 0 {
		ttl = profile.DefaultTTL
	}
	if staleTTL <= 0 {
		staleTTL = ttl / 2
	}

	entry, found := c.hierarchy.Get(ctx, key, namespace)
	if found && !entry.Tombstone {
		if shouldRefreshEarly(entry, profile.RefreshThreshold) {
			c.scheduleRefresh(key, namespace, fetch, ttl, staleTTL, "early")
		}
		return &StaleResult{Data: entry.Value, Stale: false, Source: stampede.SourceCache}, nil
	}

	// A tombstoned fresh key marks the value invalidated; the stale
	// fallback holds the same invalidated data, so it is skipped and the
	// read goes to the origin.
	if !found {
		if stale, ok := c.hierarchy.Get(ctx, stampede.StaleKey(key), namespace); ok && !stale.Tombstone {
			c.metrics.StaleServed()
			c.scheduleRefresh(key, namespace, fetch, ttl, staleTTL, "stale")
			return &StaleResult{Data: stale.Value, Stale: true, Source: stampede.SourceCache}, nil
		}
	}

	result, err := c.protector.Protect(ctx, key, namespace, fetch, stampede.Options{
		TTL:      ttl,
		StaleTTL: staleTTL,
	})
	if err != nil {
		return nil, err
	}
	return &StaleResult{Data: result.Data, Stale: false, Source: result.Source}, nil
}

// ShouldRefreshEarly reports whether the entry for key has used up enough
// of its lifetime that the next read should trigger an opportunistic
// background refresh. threshold is the elapsed-lifetime fraction; 0 uses
// the namespace profile.
func (c *Controller) ShouldRefreshEarly(ctx context.Context, key, namespace string, threshold float64) bool {
	if threshold <= 0 {
		threshold = c.hierarchy.Namespaces().Profile(namespace).RefreshThreshold
	}
	entry, found := c.hierarchy.Get(ctx, key, namespace)
	if !found || entry.Tombstone {
		return false
	}
	return shouldRefreshEarly(entry, threshold)
}

// shouldRefreshEarly reports whether threshold of the entry's lifetime
// has elapsed.
func shouldRefreshEarly(entry *store.Entry, threshold float64) bool {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	lifetime := entry.Lifetime()
	if lifetime <= 0 {
		return false
	}
	elapsed := time.Since(entry.StoredAt)
	return float64(elapsed) >= float64(lifetime)*threshold
}

// scheduleRefresh starts a detached background refresh unless one is
// already in flight for the key.
func (c *Controller) scheduleRefresh(key, namespace string, fetch stampede.Fetcher, ttl, staleTTL time.Duration, kind string) {
	trackKey := namespace + ":" + key
	if !c.tracker.tryStart(trackKey) {
		return
	}
	c.metrics.Refresh(kind)

	go func() {
		defer c.tracker.finish(trackKey)

		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		err := c.protector.Refresh(ctx, key, namespace, fetch, stampede.Options{
			TTL:      ttl,
			StaleTTL: staleTTL,
		})
		if err != nil {
			c.logger.Warn("background refresh failed, serving existing data until next trigger",
				logging.String("key", trackKey),
				logging.String("kind", kind),
				logging.Err(err),
			)
		}
	}()
}
