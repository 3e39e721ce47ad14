package stampede

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"tiercache/internal/redis"
)

// Locker is the short-lived mutual-exclusion primitive the protector
// coordinates on. Acquire is a conditional create-if-absent on the lock
// key; the returned token identifies the owner, and Release is a no-op
// unless the caller still holds the lock under that token. Ownership is
// advisory: nothing stops a writer that bypasses the protector.
type Locker interface {
	// Acquire attempts to take the lock for key with the given ttl.
	// acquired=false means another caller holds it; err means the lock
	// backend itself failed, which callers treat the same as not
	// acquired.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)

	// Release frees the lock if token still owns it. Releasing a lock
	// that expired or was taken over by another owner is not an error.
	Release(ctx context.Context, key, token string) error
}

// newToken creates a random owner token for lock fencing.
func newToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// RedisLocker coordinates locks through Redis SETNX, so mutual exclusion
// holds across every process sharing the Redis deployment.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := newToken()
	acquired, err := l.client.AcquireLock(ctx, key, token, ttl)
	if err != nil {
		return "", false, err
	}
	return token, acquired, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	return l.client.ReleaseLock(ctx, key, token)
}

// LocalLocker is an in-process locker for single-process deployments and
// tests. Expired locks are reclaimed on the next Acquire.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]localLock
}

type localLock struct {
	token   string
	expires time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]localLock)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if held, exists := l.locks[key]; exists && time.Now().Before(held.expires) {
		return "", false, nil
	}

	token := newToken()
	l.locks[key] = localLock{token: token, expires: time.Now().Add(ttl)}
	return token, true, nil
}

func (l *LocalLocker) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if held, exists := l.locks[key]; exists && held.token == token {
		delete(l.locks, key)
	}
	return nil
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*LocalLocker)(nil)
)
