package invalidation

import (
	"sync"
	"time"
)

// KeyStats holds lightweight per-key access statistics the policy engine
// consults when choosing an invalidation strategy.
type KeyStats struct {
	AccessCount int64     `json:"access_count"`
	HitCount    int64     `json:"hit_count"`
	Size        int       `json:"size"`
	LastAccess  time.Time `json:"last_access"`
}

// HitRate returns the fraction of accesses that were hits.
func (s KeyStats) HitRate() float64 {
	if s.AccessCount == 0 {
		return 0
	}
	return float64(s.HitCount) / float64(s.AccessCount)
}

// Tracker maintains per-key statistics. It is safe for concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	stats map[string]*KeyStats
}

// NewTracker creates an empty statistics tracker.
func NewTracker() *Tracker {
	return &Tracker{stats: make(map[string]*KeyStats)}
}

// RecordAccess records one lookup for key and whether it hit.
func (t *Tracker) RecordAccess(key string, hit bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, exists := t.stats[key]
	if !exists {
		s = &KeyStats{}
		t.stats[key] = s
	}
	s.AccessCount++
	if hit {
		s.HitCount++
	}
	s.LastAccess = time.Now()
}

// RecordSize records the approximate payload size for key.
func (t *Tracker) RecordSize(key string, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, exists := t.stats[key]
	if !exists {
		s = &KeyStats{}
		t.stats[key] = s
	}
	s.Size = size
}

// Get returns a copy of the statistics for key.
func (t *Tracker) Get(key string) KeyStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, exists := t.stats[key]; exists {
		return *s
	}
	return KeyStats{}
}

// Forget drops the statistics for key.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stats, key)
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.stats)
}
