package hierarchy

import (
	"sync/atomic"

	"tiercache/internal/store"
)

// Tier is one level of the cache hierarchy. Tiers are ordered by ordinal,
// index 0 being the fastest and smallest. A tier's TTL multiplier scales
// the caller-supplied or namespace-default TTL for entries written at that
// tier, so slower tiers hold entries longer.
type Tier struct {
	Name          string
	Ordinal       int
	TTLMultiplier float64
	Store         store.Store

	hits   int64
	misses int64
}

// NewTier builds a tier. Multipliers below 1 are clamped to 1 so a slower
// tier never holds an entry shorter than the caller asked for.
func NewTier(name string, ordinal int, multiplier float64, backing store.Store) *Tier {
	if multiplier < 1 {
		multiplier = 1
	}
	return &Tier{
		Name:          name,
		Ordinal:       ordinal,
		TTLMultiplier: multiplier,
		Store:         backing,
	}
}

func (t *Tier) recordHit()  { atomic.AddInt64(&t.hits, 1) }
func (t *Tier) recordMiss() { atomic.AddInt64(&t.misses, 1) }

// Hits returns the tier's hit count.
func (t *Tier) Hits() int64 { return atomic.LoadInt64(&t.hits) }

// Misses returns the tier's miss count.
func (t *Tier) Misses() int64 { return atomic.LoadInt64(&t.misses) }

// TierStats is a point-in-time snapshot of one tier's counters.
type TierStats struct {
	Name    string  `json:"name"`
	Ordinal int     `json:"ordinal"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats snapshots the tier's counters.
func (t *Tier) Stats() TierStats {
	hits := t.Hits()
	misses := t.Misses()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return TierStats{
		Name:    t.Name,
		Ordinal: t.Ordinal,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}
