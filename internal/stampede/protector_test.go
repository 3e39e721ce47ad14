package stampede

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiercache/internal/common/errors"
	"tiercache/internal/config"
	"tiercache/internal/hierarchy"
	"tiercache/internal/store"
)

func newTestHierarchy(t *testing.T) *hierarchy.Manager {
	t.Helper()
	namespaces := config.NewNamespaces(map[string]config.NamespaceProfile{
		"profile": {DefaultTTL: 60 * time.Second, StaleTTL: 30 * time.Second, RefreshThreshold: 0.8},
	}, config.NamespaceProfile{DefaultTTL: time.Minute, StaleTTL: 30 * time.Second, RefreshThreshold: 0.8})

	tiers := []*hierarchy.Tier{
		hierarchy.NewTier("memory", 0, 1, store.NewMemoryStore(100, nil)),
		hierarchy.NewTier("shared", 1, 2, store.NewGoCacheStore(time.Minute, 5*time.Minute)),
	}
	m, err := hierarchy.NewManager(tiers, namespaces, nil, nil)
	require.NoError(t, err)
	return m
}

func newTestProtector(t *testing.T) *Protector {
	t.Helper()
	return NewProtector(newTestHierarchy(t), NewLocalLocker(), nil, nil)
}

// countingFetcher returns value and counts invocations.
func countingFetcher(value interface{}, calls *int64) Fetcher {
	return func(ctx context.Context) (interface{}, error) {
		atomic.AddInt64(calls, 1)
		return value, nil
	}
}

func TestProtect_CachedFastPath(t *testing.T) {
	p := newTestProtector(t)
	ctx := context.Background()

	p.Hierarchy().Set(ctx, "u1", "profile", "cached-user", time.Minute)

	var calls int64
	result, err := p.Protect(ctx, "u1", "profile", countingFetcher("fresh", &calls), Options{})
	require.NoError(t, err)
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, "cached-user", result.Data)
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}

func TestProtect_MissFetchesAndCaches(t *testing.T) {
	p := newTestProtector(t)
	ctx := context.Background()

	var calls int64
	result, err := p.Protect(ctx, "u1", "profile", countingFetcher("fetched-user", &calls), Options{TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, SourceFetched, result.Source)
	assert.Equal(t, "fetched-user", result.Data)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))

	// The fetched value was written through the hierarchy.
	entry, found := p.Hierarchy().Get(ctx, "u1", "profile")
	require.True(t, found)
	assert.Equal(t, "fetched-user", entry.Value)

	// A second lookup never touches the origin again.
	result, err = p.Protect(ctx, "u1", "profile", countingFetcher("other", &calls), Options{})
	require.NoError(t, err)
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestProtect_ConcurrentCallersSingleFetch(t *testing.T) {
	p := newTestProtector(t)
	ctx := context.Background()

	var calls int64
	fetch := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return "expensive", nil
	}

	const workers = 50
	var wg sync.WaitGroup
	results := make([]*Result, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Protect(ctx, "hot", "profile", fetch, Options{TTL: time.Minute})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i], "worker %d", i)
		assert.Equal(t, "expensive", results[i].Data, "worker %d", i)
	}
}

func TestProtect_FetchFailureNotCached(t *testing.T) {
	p := newTestProtector(t)
	ctx := context.Background()

	failing := func(ctx context.Context) (interface{}, error) {
		return nil, fmt.Errorf("origin down")
	}
	_, err := p.Protect(ctx, "u1", "profile", failing, Options{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeFetchFailed))

	// Nothing was cached; a later fetch succeeds.
	_, found := p.Hierarchy().Get(ctx, "u1", "profile")
	assert.False(t, found)

	var calls int64
	result, err := p.Protect(ctx, "u1", "profile", countingFetcher("recovered", &calls), Options{})
	require.NoError(t, err)
	assert.Equal(t, SourceFetched, result.Source)
	assert.Equal(t, "recovered", result.Data)
}

func TestProtect_StampedeTimeout(t *testing.T) {
	h := newTestHierarchy(t)
	locker := NewLocalLocker()
	p := NewProtector(h, locker, nil, nil)
	ctx := context.Background()

	// Simulate a crashed holder: the lock is taken and never released,
	// and the cache is never populated.
	_, acquired, err := locker.Acquire(ctx, "profile:u1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	var calls int64
	_, err = p.Protect(ctx, "u1", "profile", countingFetcher("v", &calls), Options{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeStampedeTimeout))
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}

func TestProtect_WaiterPicksUpHolderResult(t *testing.T) {
	h := newTestHierarchy(t)
	locker := NewLocalLocker()
	p := NewProtector(h, locker, nil, nil)
	ctx := context.Background()

	// Another process holds the lock; it populates the cache before the
	// waiter's retry budget runs out.
	token, acquired, err := locker.Acquire(ctx, "profile:u1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.Set(context.Background(), "u1", "profile", "from-holder", time.Minute)
		locker.Release(context.Background(), "profile:u1", token)
	}()

	var calls int64
	result, err := p.Protect(ctx, "u1", "profile", countingFetcher("v", &calls), Options{
		MaxRetries: 5,
		RetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, "from-holder", result.Data)
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}

// recordingLocker wraps a LocalLocker and records the TTL of the last
// acquire attempt.
type recordingLocker struct {
	*LocalLocker
	lastTTL time.Duration
}

func (l *recordingLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.lastTTL = ttl
	return l.LocalLocker.Acquire(ctx, key, ttl)
}

func TestProtect_ConfiguredDefaults(t *testing.T) {
	ctx := context.Background()

	t.Run("lock ttl", func(t *testing.T) {
		locker := &recordingLocker{LocalLocker: NewLocalLocker()}
		p := NewProtector(newTestHierarchy(t), locker, nil, nil)
		p.SetDefaultOptions(Options{LockTTL: 42 * time.Second})

		var calls int64
		_, err := p.Protect(ctx, "u1", "profile", countingFetcher("v", &calls), Options{})
		require.NoError(t, err)
		assert.Equal(t, 42*time.Second, locker.lastTTL)
	})

	t.Run("retry budget", func(t *testing.T) {
		locker := NewLocalLocker()
		p := NewProtector(newTestHierarchy(t), locker, nil, nil)
		p.SetDefaultOptions(Options{MaxRetries: 2, RetryDelay: time.Millisecond})

		_, acquired, err := locker.Acquire(ctx, "profile:u1", time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		var calls int64
		_, err = p.Protect(ctx, "u1", "profile", countingFetcher("v", &calls), Options{})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrTypeStampedeTimeout))
		assert.Contains(t, err.Error(), "after 2 retries")
	})

	t.Run("per-call options win over defaults", func(t *testing.T) {
		locker := &recordingLocker{LocalLocker: NewLocalLocker()}
		p := NewProtector(newTestHierarchy(t), locker, nil, nil)
		p.SetDefaultOptions(Options{LockTTL: 42 * time.Second})

		var calls int64
		_, err := p.Protect(ctx, "u1", "profile", countingFetcher("v", &calls), Options{LockTTL: 5 * time.Second})
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, locker.lastTTL)
	})
}

// erroringLocker fails every acquire, standing in for an unreachable lock
// backend.
type erroringLocker struct{}

func (erroringLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	return "", false, fmt.Errorf("lock backend unreachable")
}
func (erroringLocker) Release(ctx context.Context, key, token string) error {
	return nil
}

func TestProtect_LockBackendFailureDegrades(t *testing.T) {
	p := NewProtector(newTestHierarchy(t), erroringLocker{}, nil, nil)
	ctx := context.Background()

	var calls int64
	_, err := p.Protect(ctx, "u1", "profile", countingFetcher("v", &calls), Options{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	// The backend failure is swallowed; the caller sees a timeout, not a
	// lock error, and the process never crashes.
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeStampedeTimeout))
}

func TestProtect_StaleCopy(t *testing.T) {
	p := newTestProtector(t)
	ctx := context.Background()

	var calls int64
	_, err := p.Protect(ctx, "u1", "profile", countingFetcher("v", &calls), Options{
		TTL:      time.Minute,
		StaleTTL: 30 * time.Second,
	})
	require.NoError(t, err)

	entry, found := p.Hierarchy().Get(ctx, StaleKey("u1"), "profile")
	require.True(t, found)
	assert.True(t, entry.Stale)
	assert.Equal(t, "v", entry.Value)

	// The stale copy outlives the fresh entry.
	staleTTL, err := p.Hierarchy().Tiers()[0].Store.TTL(ctx, "profile:"+StaleKey("u1"))
	require.NoError(t, err)
	freshTTL, err := p.Hierarchy().Tiers()[0].Store.TTL(ctx, "profile:u1")
	require.NoError(t, err)
	assert.Greater(t, staleTTL, freshTTL)
}

func TestProtect_TombstoneForcesFetch(t *testing.T) {
	p := newTestProtector(t)
	ctx := context.Background()

	p.Hierarchy().Set(ctx, "u1", "profile", "old", time.Minute)
	p.Hierarchy().SetTombstone(ctx, "u1", "profile", 30*time.Second)

	var calls int64
	result, err := p.Protect(ctx, "u1", "profile", countingFetcher("new", &calls), Options{TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, SourceFetched, result.Source)
	assert.Equal(t, "new", result.Data)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("rewrites a fresh entry", func(t *testing.T) {
		p := newTestProtector(t)
		p.Hierarchy().Set(ctx, "u1", "profile", "old", time.Minute)

		var calls int64
		err := p.Refresh(ctx, "u1", "profile", countingFetcher("new", &calls), Options{TTL: time.Minute})
		require.NoError(t, err)
		assert.Equal(t, int64(1), atomic.LoadInt64(&calls))

		entry, found := p.Hierarchy().Get(ctx, "u1", "profile")
		require.True(t, found)
		assert.Equal(t, "new", entry.Value)
	})

	t.Run("skips when another fetch holds the lock", func(t *testing.T) {
		h := newTestHierarchy(t)
		locker := NewLocalLocker()
		p := NewProtector(h, locker, nil, nil)

		_, acquired, err := locker.Acquire(ctx, "profile:u1", time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		var calls int64
		err = p.Refresh(ctx, "u1", "profile", countingFetcher("v", &calls), Options{})
		require.NoError(t, err)
		assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
	})
}
