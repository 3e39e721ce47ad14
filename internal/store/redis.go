package store

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"tiercache/internal/redis"
)

// RedisStore backs the distributed tier with Redis. Entries are stored as
// JSON under a key prefix so several services can share one Redis
// deployment without key collisions.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a new Redis-backed store instance
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Get retrieves an entry from Redis
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key)
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		// Unreadable payload is treated as a miss; the entry will be
		// rewritten on the next fetch.
		return nil, false, nil
	}
	if entry.Expired() {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Set stores an entry in Redis
func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.keyPrefix+key, data, ttl)
}

// Delete removes an entry from Redis
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Delete(ctx, s.keyPrefix+key)
}

// TTL returns the remaining time-to-live for a key. go-redis reports -2
// for a missing key and -1 for a key without expiry.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, s.keyPrefix+key)
	if err != nil {
		return 0, err
	}
	// The TTL command reports -2 for a missing key and -1 for no expiry;
	// go-redis scales both by time.Second.
	switch ttl {
	case -2 * time.Second:
		return 0, ErrNotFound
	case -1 * time.Second:
		return 0, ErrNoExpiry
	}
	if ttl < 0 {
		return 0, ErrNotFound
	}
	return ttl, nil
}

var _ Store = (*RedisStore)(nil)
