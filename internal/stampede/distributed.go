package stampede

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"tiercache/internal/common/errors"
	"tiercache/internal/common/logging"
	"tiercache/internal/redis"
)

// DistributedProtector layers a Redlock mutex over the plain protector
// for multi-process deployments. The redsync lock is longer-lived than
// the plain SETNX lock and spans every host sharing the Redis deployment;
// when it cannot be acquired the protector degrades to the plain
// single-process path instead of failing outright.
type DistributedProtector struct {
	protector *Protector
	redsync   *redsync.Redsync
	lockTTL   time.Duration
	logger    logging.Logger
}

const defaultDistributedLockTTL = 30 * time.Second

// NewDistributedProtector wraps a protector with a redsync (Redlock)
// mutex built over the Redis client. lockTTL bounds how long a crashed
// holder can block the cluster; 0 uses the 30s default.
func NewDistributedProtector(p *Protector, redisClient *redis.Client, lockTTL time.Duration) (*DistributedProtector, error) {
	if redisClient == nil {
		return nil, errors.ConfigError("redis client is required for distributed protection")
	}
	if lockTTL <= 0 {
		lockTTL = defaultDistributedLockTTL
	}

	pool := goredis.NewPool(redisClient.GetGoRedisClient())

	return &DistributedProtector{
		protector: p,
		redsync:   redsync.New(pool),
		lockTTL:   lockTTL,
		logger:    p.logger,
	}, nil
}

// Protect behaves like Protector.Protect but holds a cluster-wide Redlock
// mutex for the duration of the origin fetch.
func (d *DistributedProtector) Protect(ctx context.Context, key, namespace string, fetch Fetcher, opts Options) (*Result, error) {
	opts = d.protector.applyDefaults(opts)

	if entry, ok := d.protector.lookup(ctx, key, namespace); ok {
		return &Result{Data: entry.Value, Source: SourceCache}, nil
	}

	mutex := d.redsync.NewMutex(
		"dlock:"+namespace+":"+key,
		redsync.WithExpiry(d.lockTTL),
		redsync.WithTries(1),
	)

	if err := mutex.TryLockContext(ctx); err != nil {
		// Another host is fetching, or the lock backend is unhealthy;
		// either way the plain protector's backoff loop handles it.
		d.logger.Debug("distributed lock not acquired, degrading to local protection",
			logging.String("key", namespace+":"+key),
			logging.Err(err),
		)
		return d.protector.Protect(ctx, key, namespace, fetch, opts)
	}

	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := mutex.UnlockContext(unlockCtx); err != nil {
			d.logger.Warn("distributed lock release failed, waiting for expiry",
				logging.String("key", namespace+":"+key),
				logging.Err(err),
			)
		}
	}()

	// Holder: another host may have populated the cache between the
	// miss and the lock grant.
	if entry, ok := d.protector.lookup(ctx, key, namespace); ok {
		return &Result{Data: entry.Value, Source: SourceCache}, nil
	}

	data, err := fetch(ctx)
	if err != nil {
		d.protector.metrics.Fetch("error")
		return nil, errors.FetchFailedError(namespace+":"+key, err)
	}
	d.protector.metrics.Fetch("success")

	d.protector.hierarchy.Set(ctx, key, namespace, data, opts.TTL)
	if opts.StaleTTL > 0 {
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = d.protector.hierarchy.Namespaces().Profile(namespace).DefaultTTL
		}
		d.protector.hierarchy.SetStale(ctx, StaleKey(key), namespace, data, ttl+opts.StaleTTL)
	}

	return &Result{Data: data, Source: SourceFetched}, nil
}
