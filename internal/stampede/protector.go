// Package stampede collapses concurrent origin fetches for the same key
// into one. Within a process callers are coalesced with singleflight; a
// short-lived lock with an owner token extends the guarantee across
// processes sharing the lock backend. Non-holders retry with exponential
// backoff until the holder has populated the cache or the retry budget is
// exhausted.
package stampede

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"tiercache/internal/common/errors"
	"tiercache/internal/common/logging"
	"tiercache/internal/hierarchy"
	"tiercache/internal/metrics"
	"tiercache/internal/store"
)

// Fetcher loads a value from the origin on cache miss. Fetchers are
// assumed idempotent: under a lock-expiry race a fetch may be invoked
// more than once.
type Fetcher func(ctx context.Context) (interface{}, error)

// Source reports where a protected result came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceFetched Source = "fetched"
)

// Result is the outcome of a protected lookup.
type Result struct {
	Data   interface{}
	Source Source
}

// Options tunes one protected lookup. Zero values fall back to the
// defaults below and to the key's namespace profile.
type Options struct {
	// TTL for the cached value; 0 uses the namespace default.
	TTL time.Duration
	// StaleTTL, when positive, additionally writes a stale-bucket copy
	// that outlives the fresh entry by this much.
	StaleTTL time.Duration
	// LockTTL bounds how long a crashed holder can stall waiters.
	LockTTL time.Duration
	// MaxRetries bounds how often a non-holder re-checks the cache.
	MaxRetries int
	// RetryDelay is the initial backoff; it doubles on every retry.
	RetryDelay time.Duration
}

const (
	defaultLockTTL    = 10 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = 100 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.LockTTL <= 0 {
		o.LockTTL = defaultLockTTL
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	return o
}

// StaleKey maps a cache key into the stale-bucket region of the same
// keyspace.
func StaleKey(key string) string {
	return "stale:" + key
}

// Protector guards the origin against thundering herds. It is safe for
// concurrent use; construct one per cache service instance.
type Protector struct {
	hierarchy *hierarchy.Manager
	locker    Locker
	logger    logging.Logger
	metrics   metrics.Metrics
	defaults  Options
	group     singleflight.Group
}

// NewProtector creates a protector over the hierarchy and lock backend.
func NewProtector(h *hierarchy.Manager, locker Locker, logger logging.Logger, m metrics.Metrics) *Protector {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Protector{
		hierarchy: h,
		locker:    locker,
		logger:    logger,
		metrics:   m,
	}
}

// SetDefaultOptions installs the fallback applied to every call whose
// Options fields are zero, before the package defaults. Call once at
// construction time; it is not synchronized against in-flight calls.
func (p *Protector) SetDefaultOptions(opts Options) {
	p.defaults = opts
}

// applyDefaults resolves zero Options fields from the configured
// per-protector defaults, then from the package defaults.
func (p *Protector) applyDefaults(o Options) Options {
	if o.LockTTL <= 0 {
		o.LockTTL = p.defaults.LockTTL
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = p.defaults.MaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = p.defaults.RetryDelay
	}
	return o.withDefaults()
}

// Protect returns the cached value for key, or fetches it from the origin
// with at most one fetch in flight per key. Waiters whose retry budget
// runs out receive a stampede timeout error, distinct from a fetch
// failure.
func (p *Protector) Protect(ctx context.Context, key, namespace string, fetch Fetcher, opts Options) (*Result, error) {
	opts = p.applyDefaults(opts)

	if entry, ok := p.lookup(ctx, key, namespace); ok {
		return &Result{Data: entry.Value, Source: SourceCache}, nil
	}

	// Coalesce concurrent in-process callers before touching the lock
	// backend.
	lockKey := namespace + ":" + key
	v, err, _ := p.group.Do(lockKey, func() (interface{}, error) {
		return p.protectLoop(ctx, key, namespace, lockKey, fetch, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// protectLoop is the bounded acquire/fetch/backoff loop. It is iterative
// so stack usage stays constant regardless of contention depth.
func (p *Protector) protectLoop(ctx context.Context, key, namespace, lockKey string, fetch Fetcher, opts Options) (*Result, error) {
	delay := opts.RetryDelay

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if entry, ok := p.lookup(ctx, key, namespace); ok {
			return &Result{Data: entry.Value, Source: SourceCache}, nil
		}

		token, acquired, err := p.locker.Acquire(ctx, lockKey, opts.LockTTL)
		if err != nil {
			// An unreachable lock backend degrades to waiting, never
			// crashes the caller.
			p.logger.Warn("lock backend failed, treating as not acquired",
				logging.String("key", lockKey),
				logging.Err(errors.LockError("lock acquisition failed", err)),
			)
			continue
		}
		if !acquired {
			continue
		}

		return p.fetchAsHolder(ctx, key, namespace, lockKey, token, fetch, opts)
	}

	return nil, errors.StampedeTimeoutError(lockKey, opts.MaxRetries)
}

// fetchAsHolder runs the origin fetch as the single lock holder and
// writes the result through the hierarchy. The lock is released on every
// exit path; LockTTL is the backstop if this process dies first.
func (p *Protector) fetchAsHolder(ctx context.Context, key, namespace, lockKey, token string, fetch Fetcher, opts Options) (*Result, error) {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.locker.Release(releaseCtx, lockKey, token); err != nil {
			p.logger.Warn("lock release failed, waiting for lock TTL",
				logging.String("key", lockKey),
				logging.Err(err),
			)
		}
	}()

	data, err := fetch(ctx)
	if err != nil {
		// Nothing is cached on fetch failure; the caller sees the error.
		p.metrics.Fetch("error")
		return nil, errors.FetchFailedError(lockKey, err)
	}
	p.metrics.Fetch("success")

	p.hierarchy.Set(ctx, key, namespace, data, opts.TTL)
	if opts.StaleTTL > 0 {
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = p.hierarchy.Namespaces().Profile(namespace).DefaultTTL
		}
		p.hierarchy.SetStale(ctx, StaleKey(key), namespace, data, ttl+opts.StaleTTL)
	}

	return &Result{Data: data, Source: SourceFetched}, nil
}

// Refresh fetches key from the origin and rewrites it even when a fresh
// entry exists, with the same single-flight guarantee as Protect. A lock
// already held by another fetcher means a refresh is in flight; Refresh
// then returns without fetching.
func (p *Protector) Refresh(ctx context.Context, key, namespace string, fetch Fetcher, opts Options) error {
	opts = p.applyDefaults(opts)

	lockKey := namespace + ":" + key
	_, err, _ := p.group.Do("refresh:"+lockKey, func() (interface{}, error) {
		token, acquired, err := p.locker.Acquire(ctx, lockKey, opts.LockTTL)
		if err != nil {
			return nil, errors.LockError("refresh lock acquisition failed", err)
		}
		if !acquired {
			return nil, nil
		}
		return p.fetchAsHolder(ctx, key, namespace, lockKey, token, fetch, opts)
	})
	return err
}

// lookup consults the fresh hierarchy, treating deferred-invalidation
// tombstones as misses so they force a fresh fetch.
func (p *Protector) lookup(ctx context.Context, key, namespace string) (*store.Entry, bool) {
	entry, found := p.hierarchy.Get(ctx, key, namespace)
	if !found || entry.Tombstone {
		return nil, false
	}
	return entry, true
}

// Hierarchy returns the hierarchy manager the protector writes through.
func (p *Protector) Hierarchy() *hierarchy.Manager {
	return p.hierarchy
}
