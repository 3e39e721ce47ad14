package store

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryStore is a thread-safe, capacity-bounded in-process store used as
// the fastest tier. Eviction on overflow is FIFO by insertion: the oldest
// inserted key is evicted first. A replacement write counts as a new
// insertion. This is deliberately simpler than LRU; access order is not
// tracked.
type MemoryStore struct {
	capacity int
	items    map[string]*memoryItem
	fifo     *list.List
	mu       sync.Mutex
	onEvict  func(key string)
	stopChan chan struct{}
	stopOnce sync.Once
}

type memoryItem struct {
	key     string
	entry   *Entry
	element *list.Element
}

// NewMemoryStore creates a memory store bounded to capacity entries.
// onEvict, if non-nil, is called with the key of every entry removed
// under capacity pressure; keep it lightweight.
func NewMemoryStore(capacity int, onEvict func(key string)) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}

	s := &MemoryStore{
		capacity: capacity,
		items:    make(map[string]*memoryItem),
		fifo:     list.New(),
		onEvict:  onEvict,
		stopChan: make(chan struct{}),
	}

	// Start cleanup goroutine
	go s.cleanup()

	return s
}

// Get retrieves an entry from the store
func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.items[key]
	if !exists {
		return nil, false, nil
	}

	if item.entry.Expired() {
		s.removeItem(item)
		return nil, false, nil
	}

	return item.entry, true, nil
}

// Set stores an entry, replacing any existing one. The replaced key moves
// to the back of the insertion order.
func (s *MemoryStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.items[key]; exists {
		s.removeItem(existing)
	}

	item := &memoryItem{key: key, entry: entry}
	item.element = s.fifo.PushBack(item)
	s.items[key] = item

	for s.fifo.Len() > s.capacity {
		s.evictOldest()
	}

	return nil
}

// Delete removes an entry from the store
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, exists := s.items[key]; exists {
		s.removeItem(item)
	}
	return nil
}

// TTL returns the remaining time-to-live for a key
func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.items[key]
	if !exists || item.entry.Expired() {
		return 0, ErrNotFound
	}
	if item.entry.ExpiresAt.IsZero() {
		return 0, ErrNoExpiry
	}
	return item.entry.RemainingTTL(), nil
}

// Len returns the current number of resident entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Stop shuts down the cleanup goroutine.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// removeItem removes an item from both the map and the insertion list.
// Caller must hold the mutex.
func (s *MemoryStore) removeItem(item *memoryItem) {
	delete(s.items, item.key)
	s.fifo.Remove(item.element)
}

// evictOldest removes the oldest inserted item. Caller must hold the mutex.
func (s *MemoryStore) evictOldest() {
	element := s.fifo.Front()
	if element == nil {
		return
	}
	item := element.Value.(*memoryItem)
	s.removeItem(item)
	if s.onEvict != nil {
		s.onEvict(item.key)
	}
}

// cleanup periodically removes expired items
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopChan:
			return
		}
	}
}

// cleanupExpired removes all expired items
func (s *MemoryStore) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*memoryItem
	for _, item := range s.items {
		if item.entry.Expired() {
			expired = append(expired, item)
		}
	}
	for _, item := range expired {
		s.removeItem(item)
	}
}

var _ Store = (*MemoryStore)(nil)
