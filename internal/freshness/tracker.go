package freshness

import (
	"sync"
	"time"
)

// refreshTracker deduplicates background refreshes per key. Entries are
// time-bounded so a refresh that dies without calling finish cannot block
// future refreshes forever.
type refreshTracker struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

func newRefreshTracker(ttl time.Duration) *refreshTracker {
	return &refreshTracker{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

// tryStart atomically marks key as being refreshed. It returns false if
// a refresh is already in flight and its tracking entry has not expired.
func (t *refreshTracker) tryStart(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if expires, exists := t.entries[key]; exists && time.Now().Before(expires) {
		return false
	}
	t.entries[key] = time.Now().Add(t.ttl)
	return true
}

// finish clears the tracking entry for key.
func (t *refreshTracker) finish(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// inflight reports whether a refresh is currently tracked for key.
func (t *refreshTracker) inflight(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	expires, exists := t.entries[key]
	return exists && time.Now().Before(expires)
}
