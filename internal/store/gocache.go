package store

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// GoCacheStore wraps patrickmn/go-cache. It backs the shared mid tier in
// single-process deployments, where several request handlers share one
// unbounded in-memory store, and stands in for network tiers in tests.
type GoCacheStore struct {
	cache *gocache.Cache
}

// NewGoCacheStore creates a new go-cache backed store instance
func NewGoCacheStore(defaultTTL, cleanupInterval time.Duration) *GoCacheStore {
	return &GoCacheStore{
		cache: gocache.New(defaultTTL, cleanupInterval),
	}
}

// Get retrieves an entry from the store
func (s *GoCacheStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	value, found := s.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	entry, ok := value.(*Entry)
	if !ok {
		return nil, false, nil
	}
	if entry.Expired() {
		s.cache.Delete(key)
		return nil, false, nil
	}
	return entry, true, nil
}

// Set stores an entry in the store
func (s *GoCacheStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	s.cache.Set(key, entry, ttl)
	return nil
}

// Delete removes an entry from the store
func (s *GoCacheStore) Delete(ctx context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

// TTL returns the remaining time-to-live for a key
func (s *GoCacheStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	_, expiration, found := s.cache.GetWithExpiration(key)
	if !found {
		return 0, ErrNotFound
	}
	if expiration.IsZero() {
		return 0, ErrNoExpiry
	}
	remaining := time.Until(expiration)
	if remaining < 0 {
		return 0, ErrNotFound
	}
	return remaining, nil
}

// Flush removes all items from the store
func (s *GoCacheStore) Flush() {
	s.cache.Flush()
}

var _ Store = (*GoCacheStore)(nil)
