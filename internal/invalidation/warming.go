package invalidation

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tiercache/internal/common/logging"
	"tiercache/internal/hierarchy"
	"tiercache/internal/stampede"
)

// Priority ranks a warm entry and decides how long it is cached.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// TTL returns the cache TTL derived from the priority.
func (p Priority) TTL() time.Duration {
	switch p {
	case PriorityCritical:
		return 24 * time.Hour
	case PriorityHigh:
		return time.Hour
	case PriorityMedium:
		return 30 * time.Minute
	default:
		return 15 * time.Minute
	}
}

// WarmEntry names one key to pre-populate.
type WarmEntry struct {
	Key       string
	Namespace string
	Priority  Priority
	Fetch     stampede.Fetcher
}

// WarmReport summarizes one warming batch.
type WarmReport struct {
	Warmed  int `json:"warmed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Warmer pre-populates high-priority keys through stampede protection,
// additionally writing a stale-bucket copy at twice the priority TTL so
// critical keys degrade gracefully rather than disappearing. An optional
// cron schedule re-warms registered entries periodically.
type Warmer struct {
	protector *stampede.Protector
	hierarchy *hierarchy.Manager
	logger    logging.Logger

	mu         sync.Mutex
	registered []WarmEntry
	cron       *cron.Cron
}

// NewWarmer creates a warmer over the protector.
func NewWarmer(p *stampede.Protector, logger logging.Logger) *Warmer {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Warmer{
		protector: p,
		hierarchy: p.Hierarchy(),
		logger:    logger,
	}
}

// WarmCriticalContent warms the entries in the given priority order.
// Already-cached keys are skipped; a single key's failure is logged and
// does not abort the batch.
func (w *Warmer) WarmCriticalContent(ctx context.Context, entries []WarmEntry) WarmReport {
	var report WarmReport

	for _, entry := range entries {
		if cached, found := w.hierarchy.Get(ctx, entry.Key, entry.Namespace); found && !cached.Tombstone {
			report.Skipped++
			continue
		}

		ttl := entry.Priority.TTL()
		_, err := w.protector.Protect(ctx, entry.Key, entry.Namespace, entry.Fetch, stampede.Options{
			TTL: ttl,
			// Stale copy lives at 2x the priority TTL.
			StaleTTL: ttl,
		})
		if err != nil {
			report.Failed++
			w.logger.Warn("warming failed for key, continuing batch",
				logging.String("key", entry.Namespace+":"+entry.Key),
				logging.String("priority", string(entry.Priority)),
				logging.Err(err),
			)
			continue
		}
		report.Warmed++
	}

	w.logger.Info("warming batch complete",
		logging.Int("warmed", report.Warmed),
		logging.Int("skipped", report.Skipped),
		logging.Int("failed", report.Failed),
	)

	return report
}

// Register adds entries to the set re-warmed by the cron schedule.
func (w *Warmer) Register(entries ...WarmEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.registered = append(w.registered, entries...)
}

// StartSchedule begins re-warming registered entries on the given cron
// spec (e.g. "@every 10m"). It replaces any previous schedule.
func (w *Warmer) StartSchedule(spec string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cron != nil {
		w.cron.Stop()
	}
	w.cron = cron.New()

	_, err := w.cron.AddFunc(spec, func() {
		w.mu.Lock()
		entries := make([]WarmEntry, len(w.registered))
		copy(entries, w.registered)
		w.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		w.WarmCriticalContent(ctx, entries)
	})
	if err != nil {
		return err
	}

	w.cron.Start()
	return nil
}

// Stop halts the re-warm schedule.
func (w *Warmer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		w.cron.Stop()
		w.cron = nil
	}
}
