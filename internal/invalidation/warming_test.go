package invalidation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiercache/internal/stampede"
)

func newTestWarmer(t *testing.T) *Warmer {
	t.Helper()
	h := newTestHierarchy(t)
	p := stampede.NewProtector(h, stampede.NewLocalLocker(), nil, nil)
	return NewWarmer(p, nil)
}

func fetcherReturning(value interface{}, calls *int64) stampede.Fetcher {
	return func(ctx context.Context) (interface{}, error) {
		atomic.AddInt64(calls, 1)
		return value, nil
	}
}

func TestPriorityTTL(t *testing.T) {
	tests := []struct {
		priority Priority
		want     time.Duration
	}{
		{PriorityCritical, 24 * time.Hour},
		{PriorityHigh, time.Hour},
		{PriorityMedium, 30 * time.Minute},
		{PriorityLow, 15 * time.Minute},
		{Priority("unknown"), 15 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.priority.TTL())
		})
	}
}

func TestWarmCriticalContent(t *testing.T) {
	ctx := context.Background()

	t.Run("warms a cold key with its priority ttl and a stale copy", func(t *testing.T) {
		w := newTestWarmer(t)

		var calls int64
		report := w.WarmCriticalContent(ctx, []WarmEntry{
			{Key: "home", Namespace: "pages", Priority: PriorityCritical, Fetch: fetcherReturning("homepage", &calls)},
		})
		assert.Equal(t, WarmReport{Warmed: 1}, report)
		assert.Equal(t, int64(1), atomic.LoadInt64(&calls))

		entry, found := w.hierarchy.Get(ctx, "home", "pages")
		require.True(t, found)
		assert.Equal(t, "homepage", entry.Value)

		// The stale copy lives at twice the priority TTL so a critical
		// key degrades instead of disappearing.
		staleEntry, found := w.hierarchy.Get(ctx, stampede.StaleKey("home"), "pages")
		require.True(t, found)
		assert.True(t, staleEntry.Stale)
		assert.InDelta(t, 48*time.Hour, staleEntry.RemainingTTL(), float64(time.Minute))
	})

	t.Run("skips already cached keys", func(t *testing.T) {
		w := newTestWarmer(t)
		w.hierarchy.Set(ctx, "home", "pages", "cached", time.Minute)

		var calls int64
		report := w.WarmCriticalContent(ctx, []WarmEntry{
			{Key: "home", Namespace: "pages", Priority: PriorityHigh, Fetch: fetcherReturning("v", &calls)},
		})
		assert.Equal(t, WarmReport{Skipped: 1}, report)
		assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
	})

	t.Run("a failing key does not abort the batch", func(t *testing.T) {
		w := newTestWarmer(t)

		var calls int64
		failing := func(ctx context.Context) (interface{}, error) {
			return nil, assert.AnError
		}
		report := w.WarmCriticalContent(ctx, []WarmEntry{
			{Key: "a", Namespace: "pages", Priority: PriorityHigh, Fetch: fetcherReturning("va", &calls)},
			{Key: "b", Namespace: "pages", Priority: PriorityHigh, Fetch: failing},
			{Key: "c", Namespace: "pages", Priority: PriorityHigh, Fetch: fetcherReturning("vc", &calls)},
		})
		assert.Equal(t, WarmReport{Warmed: 2, Failed: 1}, report)

		_, found := w.hierarchy.Get(ctx, "a", "pages")
		assert.True(t, found)
		_, found = w.hierarchy.Get(ctx, "c", "pages")
		assert.True(t, found)
	})

	t.Run("tombstoned keys are re-warmed", func(t *testing.T) {
		w := newTestWarmer(t)
		w.hierarchy.SetTombstone(ctx, "home", "pages", 30*time.Second)

		var calls int64
		report := w.WarmCriticalContent(ctx, []WarmEntry{
			{Key: "home", Namespace: "pages", Priority: PriorityHigh, Fetch: fetcherReturning("v", &calls)},
		})
		assert.Equal(t, WarmReport{Warmed: 1}, report)
		assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	})
}

func TestWarmSchedule(t *testing.T) {
	w := newTestWarmer(t)
	defer w.Stop()

	t.Run("valid spec", func(t *testing.T) {
		w.Register(WarmEntry{Key: "home", Namespace: "pages", Priority: PriorityHigh, Fetch: fetcherReturning("v", new(int64))})
		assert.NoError(t, w.StartSchedule("@every 10m"))
	})

	t.Run("invalid spec", func(t *testing.T) {
		assert.Error(t, w.StartSchedule("not a cron spec"))
	})

	t.Run("stop is safe to call twice", func(t *testing.T) {
		w.Stop()
		w.Stop()
	})
}
