// Package service wires the cache hierarchy, stampede protection,
// freshness controller, and invalidation engine into one explicitly
// constructed instance. The composition root builds a Service and passes
// it by reference to all callers; there is no hidden global cache state,
// and tests construct isolated instances.
package service

import (
	"context"
	"encoding/json"
	"time"

	"tiercache/internal/common/errors"
	"tiercache/internal/common/logging"
	"tiercache/internal/freshness"
	"tiercache/internal/hierarchy"
	"tiercache/internal/invalidation"
	"tiercache/internal/metrics"
	"tiercache/internal/redis"
	"tiercache/internal/stampede"
)

// Options configures a Service. Hierarchy is required; everything else
// has a working default.
type Options struct {
	// Hierarchy is the tier stack the service operates on.
	Hierarchy *hierarchy.Manager
	// Locker backs stampede protection. Defaults to an in-process locker.
	Locker stampede.Locker
	// RedisClient, when set, enables the distributed (Redlock) protection
	// variant for multi-process deployments.
	RedisClient *redis.Client
	// DistributedLockTTL bounds the cluster-wide lock; 0 uses the default.
	DistributedLockTTL time.Duration
	// DefaultProtectOptions fills zero Options fields on every protected
	// lookup, so the configured lock TTL and retry budget apply without
	// each caller repeating them.
	DefaultProtectOptions stampede.Options
	Logger                logging.Logger
	Metrics               metrics.Metrics
}

// Service is the caching facade handed to the hosting application.
type Service struct {
	hierarchy   *hierarchy.Manager
	protector   *stampede.Protector
	distributed *stampede.DistributedProtector
	freshness   *freshness.Controller
	engine      *invalidation.Engine
	warmer      *invalidation.Warmer
	tracker     *invalidation.Tracker
	logger      logging.Logger
}

// New builds a Service from its parts.
func New(opts Options) (*Service, error) {
	if opts.Hierarchy == nil {
		return nil, errors.ConfigError("hierarchy is required")
	}
	if opts.Locker == nil {
		opts.Locker = stampede.NewLocalLocker()
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}

	protector := stampede.NewProtector(opts.Hierarchy, opts.Locker, opts.Logger, opts.Metrics)
	protector.SetDefaultOptions(opts.DefaultProtectOptions)
	tracker := invalidation.NewTracker()

	s := &Service{
		hierarchy: opts.Hierarchy,
		protector: protector,
		freshness: freshness.NewController(protector, opts.Logger, opts.Metrics),
		engine:    invalidation.NewEngine(opts.Hierarchy, tracker, opts.Logger, opts.Metrics),
		warmer:    invalidation.NewWarmer(protector, opts.Logger),
		tracker:   tracker,
		logger:    opts.Logger,
	}

	if opts.RedisClient != nil {
		distributed, err := stampede.NewDistributedProtector(protector, opts.RedisClient, opts.DistributedLockTTL)
		if err != nil {
			return nil, err
		}
		s.distributed = distributed
	}

	return s, nil
}

// Get looks key up across the hierarchy. Deferred-invalidation sentinels
// read as misses.
func (s *Service) Get(ctx context.Context, key, namespace string) (interface{}, bool) {
	entry, found := s.hierarchy.Get(ctx, key, namespace)
	hit := found && !entry.Tombstone
	s.tracker.RecordAccess(namespace+":"+key, hit)
	if !hit {
		return nil, false
	}
	return entry.Value, true
}

// Set writes value through every tier and returns the per-tier outcome
// vector. A non-positive ttl uses the namespace default.
func (s *Service) Set(ctx context.Context, key, namespace string, value interface{}, ttl time.Duration) []hierarchy.TierOutcome {
	s.tracker.RecordSize(namespace+":"+key, approxSize(value))
	return s.hierarchy.Set(ctx, key, namespace, value, ttl)
}

// Delete cascades the delete to every tier.
func (s *Service) Delete(ctx context.Context, key, namespace string) []hierarchy.TierOutcome {
	return s.hierarchy.Delete(ctx, key, namespace)
}

// Protect returns the cached value or fetches it with at most one origin
// fetch in flight per key per process.
func (s *Service) Protect(ctx context.Context, key, namespace string, fetch stampede.Fetcher, opts stampede.Options) (*stampede.Result, error) {
	result, err := s.protector.Protect(ctx, key, namespace, fetch, opts)
	s.tracker.RecordAccess(namespace+":"+key, err == nil && result.Source == stampede.SourceCache)
	return result, err
}

// ProtectDistributed is Protect under a cluster-wide lock. Without a
// configured Redis client it falls back to plain Protect.
func (s *Service) ProtectDistributed(ctx context.Context, key, namespace string, fetch stampede.Fetcher, opts stampede.Options) (*stampede.Result, error) {
	if s.distributed == nil {
		return s.Protect(ctx, key, namespace, fetch, opts)
	}
	result, err := s.distributed.Protect(ctx, key, namespace, fetch, opts)
	s.tracker.RecordAccess(namespace+":"+key, err == nil && result.Source == stampede.SourceCache)
	return result, err
}

// GetWithStaleWhileRevalidate serves key with bounded staleness, using
// the stale bucket and detached background refreshes.
func (s *Service) GetWithStaleWhileRevalidate(ctx context.Context, key, namespace string, fetch stampede.Fetcher, ttl, staleTTL time.Duration) (*freshness.StaleResult, error) {
	result, err := s.freshness.GetWithStaleWhileRevalidate(ctx, key, namespace, fetch, ttl, staleTTL)
	// Only a read answered by a cached copy counts as a hit; a read that
	// had to fetch from the origin is a miss even though it succeeded.
	s.tracker.RecordAccess(namespace+":"+key, err == nil && result.Source == stampede.SourceCache)
	return result, err
}

// ShouldRefreshEarly reports whether key is close enough to expiry that
// the next read should refresh it in the background.
func (s *Service) ShouldRefreshEarly(ctx context.Context, key, namespace string, threshold float64) bool {
	return s.freshness.ShouldRefreshEarly(ctx, key, namespace, threshold)
}

// InvalidateIntelligently invalidates key using a strategy chosen from
// the reason code and the key's access statistics.
func (s *Service) InvalidateIntelligently(ctx context.Context, key, namespace string, reason invalidation.Reason) invalidation.Strategy {
	return s.engine.InvalidateIntelligently(ctx, key, namespace, reason)
}

// WarmCriticalContent pre-populates the given entries in priority order.
func (s *Service) WarmCriticalContent(ctx context.Context, entries []invalidation.WarmEntry) invalidation.WarmReport {
	return s.warmer.WarmCriticalContent(ctx, entries)
}

// RegisterWarmEntries adds entries to the periodic re-warm set.
func (s *Service) RegisterWarmEntries(entries ...invalidation.WarmEntry) {
	s.warmer.Register(entries...)
}

// StartWarmSchedule re-warms registered entries on the given cron spec.
func (s *Service) StartWarmSchedule(spec string) error {
	return s.warmer.StartSchedule(spec)
}

// Statistics is the read accessor for the hosting application's
// observability pipeline.
type Statistics struct {
	Hierarchy   hierarchy.Stats `json:"hierarchy"`
	TrackedKeys int             `json:"tracked_keys"`
}

// Statistics snapshots hit/miss counters and tracker state.
func (s *Service) Statistics() Statistics {
	return Statistics{
		Hierarchy:   s.hierarchy.Stats(),
		TrackedKeys: s.tracker.Len(),
	}
}

// KeyStatistics returns the access statistics for one key.
func (s *Service) KeyStatistics(key, namespace string) invalidation.KeyStats {
	return s.tracker.Get(namespace + ":" + key)
}

// Close drains in-flight promotions and stops background schedules.
func (s *Service) Close() error {
	s.warmer.Stop()
	s.hierarchy.Wait()
	return nil
}

// approxSize estimates a payload's size for the statistics tracker.
func approxSize(value interface{}) int {
	switch v := value.(type) {
	case string:
		return len(v)
	case []byte:
		return len(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return 0
		}
		return len(data)
	}
}
