// Package hierarchy orchestrates ordered lookups across cache tiers:
// write-through sets, cascading deletes, and promotion of lower-tier hits
// into the faster tiers above them.
package hierarchy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tiercache/internal/common/errors"
	"tiercache/internal/common/logging"
	"tiercache/internal/config"
	"tiercache/internal/metrics"
	"tiercache/internal/store"
)

// TierOutcome reports the result of one tier's write or delete. Partial
// failures are reported, not rolled back; the cache is an accelerator,
// not a transactional store, and failed tiers self-heal by missing and
// re-fetching later.
type TierOutcome struct {
	Tier string `json:"tier"`
	OK   bool   `json:"ok"`
	Err  error  `json:"-"`
}

// Manager owns the ordered tier list. It consults tiers in ascending
// ordinal order on read and writes through every tier on write. A single
// tier outage degrades performance, not correctness: backend failures are
// logged and treated as tier-local misses.
//
// Manager is safe for concurrent use by multiple goroutines.
type Manager struct {
	tiers      []*Tier
	namespaces *config.Namespaces
	logger     logging.Logger
	metrics    metrics.Metrics

	globalMisses int64
	promotions   sync.WaitGroup
}

// NewManager creates a hierarchy manager over the given tiers, ordered
// fastest first.
func NewManager(tiers []*Tier, namespaces *config.Namespaces, logger logging.Logger, m metrics.Metrics) (*Manager, error) {
	if len(tiers) == 0 {
		return nil, errors.ConfigError("at least one tier is required")
	}
	for i, tier := range tiers {
		if tier.Ordinal != i {
			return nil, errors.ConfigError("tier ordinals must be contiguous from 0, fastest first")
		}
		if i > 0 && tier.TTLMultiplier < tiers[i-1].TTLMultiplier {
			return nil, errors.ConfigError("tier TTL multipliers must be non-decreasing")
		}
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Manager{
		tiers:      tiers,
		namespaces: namespaces,
		logger:     logger,
		metrics:    m,
	}, nil
}

// composeKey builds the storage key for a namespaced cache key.
func composeKey(namespace, key string) string {
	return namespace + ":" + key
}

// Get looks key up tier by tier in ascending ordinal order. A hit at tier
// i > 0 asynchronously promotes the entry into every faster tier before
// returning. Exhausting all tiers increments the global miss counter and
// returns found=false; a full miss is not an error.
func (m *Manager) Get(ctx context.Context, key, namespace string) (*store.Entry, bool) {
	composed := composeKey(namespace, key)

	for i, tier := range m.tiers {
		entry, found, err := tier.Store.Get(ctx, composed)
		if err != nil {
			// A failing tier must not abort the lookup; log and move on.
			m.logger.Warn("tier lookup failed, continuing to next tier",
				logging.String("tier", tier.Name),
				logging.String("key", composed),
				logging.Err(errors.TierUnavailableError(tier.Name, err)),
			)
			tier.recordMiss()
			m.metrics.TierMiss(tier.Name)
			continue
		}
		if !found {
			tier.recordMiss()
			m.metrics.TierMiss(tier.Name)
			continue
		}

		tier.recordHit()
		m.metrics.TierHit(tier.Name)

		if i > 0 {
			m.promote(key, namespace, i, entry)
		}
		return entry, true
	}

	atomic.AddInt64(&m.globalMisses, 1)
	m.metrics.GlobalMiss()
	return nil, false
}

// promote warms the entry into every tier faster than the source tier.
// Promotion runs detached from the request that triggered it: it is a
// write amplification trade that keeps hot keys resident in the fastest
// tier without a background compactor.
func (m *Manager) promote(key, namespace string, sourceIdx int, entry *store.Entry) {
	source := m.tiers[sourceIdx]
	remaining := entry.RemainingTTL()

	// Recover the pre-multiplier TTL from the source tier's lifetime so
	// each destination applies its own multiplier.
	baseTTL := time.Duration(float64(entry.Lifetime()) / source.TTLMultiplier)

	m.promotions.Add(1)
	go func() {
		defer m.promotions.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		composed := composeKey(namespace, key)
		for _, dest := range m.tiers[:sourceIdx] {
			ttl := time.Duration(float64(baseTTL) * dest.TTLMultiplier)
			if ttl < remaining {
				// A promotion never reduces effective freshness below
				// the tier it was promoted from.
				ttl = remaining
			}
			promoted := &store.Entry{
				Value:     entry.Value,
				ExpiresAt: time.Now().Add(ttl),
				StoredAt:  time.Now(),
				Stale:     entry.Stale,
			}
			if err := dest.Store.Set(ctx, composed, promoted, ttl); err != nil {
				m.logger.Warn("promotion write failed",
					logging.String("tier", dest.Name),
					logging.String("key", composed),
					logging.Err(err),
				)
				continue
			}
			m.metrics.Promotion(dest.Name)
		}
	}()
}

// Set writes value through every tier, scaling the TTL by each tier's
// multiplier. A non-positive ttl falls back to the namespace default.
// The returned outcome vector reports per-tier success; partial failures
// are not rolled back.
func (m *Manager) Set(ctx context.Context, key, namespace string, value interface{}, ttl time.Duration) []TierOutcome {
	return m.write(ctx, key, namespace, value, ttl, false, false)
}

// SetStale writes a stale-bucket copy of value through every tier. Stale
// entries are written by the freshness controller as a fallback that
// outlives the fresh entry.
func (m *Manager) SetStale(ctx context.Context, key, namespace string, value interface{}, ttl time.Duration) []TierOutcome {
	return m.write(ctx, key, namespace, value, ttl, true, false)
}

// SetTombstone writes a short-lived deferred-invalidation sentinel. Reads
// that see a tombstone treat the key as missing and force a fresh fetch.
func (m *Manager) SetTombstone(ctx context.Context, key, namespace string, ttl time.Duration) []TierOutcome {
	return m.write(ctx, key, namespace, nil, ttl, false, true)
}

func (m *Manager) write(ctx context.Context, key, namespace string, value interface{}, ttl time.Duration, stale, tombstone bool) []TierOutcome {
	if ttl <= 0 {
		ttl = m.namespaces.Profile(namespace).DefaultTTL
	}

	composed := composeKey(namespace, key)
	outcomes := make([]TierOutcome, 0, len(m.tiers))

	for _, tier := range m.tiers {
		tierTTL := time.Duration(float64(ttl) * tier.TTLMultiplier)
		entry := store.NewEntry(value, tierTTL)
		entry.Stale = stale
		entry.Tombstone = tombstone

		err := tier.Store.Set(ctx, composed, entry, tierTTL)
		if err != nil {
			m.logger.Warn("tier write failed",
				logging.String("tier", tier.Name),
				logging.String("key", composed),
				logging.Err(errors.TierUnavailableError(tier.Name, err)),
			)
		}
		outcomes = append(outcomes, TierOutcome{Tier: tier.Name, OK: err == nil, Err: err})
	}

	return outcomes
}

// Delete cascades the delete to every tier, with the same partial-failure
// tolerance as Set.
func (m *Manager) Delete(ctx context.Context, key, namespace string) []TierOutcome {
	composed := composeKey(namespace, key)
	outcomes := make([]TierOutcome, 0, len(m.tiers))

	for _, tier := range m.tiers {
		err := tier.Store.Delete(ctx, composed)
		if err != nil {
			m.logger.Warn("tier delete failed",
				logging.String("tier", tier.Name),
				logging.String("key", composed),
				logging.Err(errors.TierUnavailableError(tier.Name, err)),
			)
		}
		outcomes = append(outcomes, TierOutcome{Tier: tier.Name, OK: err == nil, Err: err})
	}

	return outcomes
}

// Namespaces returns the namespace registry the manager resolves default
// TTLs from.
func (m *Manager) Namespaces() *config.Namespaces {
	return m.namespaces
}

// Tiers returns the ordered tier list.
func (m *Manager) Tiers() []*Tier {
	return m.tiers
}

// GlobalMisses returns the number of lookups that missed every tier.
func (m *Manager) GlobalMisses() int64 {
	return atomic.LoadInt64(&m.globalMisses)
}

// Stats is a point-in-time snapshot of the hierarchy's counters.
type Stats struct {
	Tiers        []TierStats `json:"tiers"`
	GlobalMisses int64       `json:"global_misses"`
}

// Stats snapshots per-tier and global counters.
func (m *Manager) Stats() Stats {
	tiers := make([]TierStats, 0, len(m.tiers))
	for _, tier := range m.tiers {
		tiers = append(tiers, tier.Stats())
	}
	return Stats{Tiers: tiers, GlobalMisses: m.GlobalMisses()}
}

// Wait blocks until all in-flight promotions complete. Called on shutdown
// and by tests that assert on promotion effects.
func (m *Manager) Wait() {
	m.promotions.Wait()
}
