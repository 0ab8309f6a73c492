// Package reconciler repairs state the tick loop cannot see: runs that died
// without settling their row and failed rows missing from the in-memory
// retry queue (a one-shot process killed mid-run, a daemon restart race).
// Each cycle reclaims stale running rows, then re-seeds the queue from the
// store so the store stays the source of truth for what still needs work.
// Re-seeding keeps the original backoff position; a row is never retried
// earlier just because the reconciler found it.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/domain"
	"github.com/lanseria/fy-4b-tools/internal/metrics"
	"github.com/lanseria/fy-4b-tools/internal/retry"
)

const (
	DefaultInterval   = 5 * time.Minute
	DefaultStaleAfter = 30 * time.Minute
)

// Store is the slice of the task store the reconciler reads and repairs.
type Store interface {
	ListIncomplete(ctx context.Context) ([]domain.TaskRecord, error)
	ReclaimStale(ctx context.Context, cutoff time.Time, cause string) (int, error)
}

// Metrics is the slice of the sink the reconciler reports to.
type Metrics interface {
	StaleReclaimed(count int)
	QueueDepthUpdate(depth int)
	GivenUpUpdate(count int)
}

// Config holds reconciler knobs. Zero values fall back to the defaults.
type Config struct {
	// Interval is how often a repair cycle runs.
	Interval time.Duration

	// StaleAfter is the liveness horizon: running rows whose last attempt
	// is older are treated as dead and flipped back to failed.
	StaleAfter time.Duration
}

type Reconciler struct {
	cfg     Config
	store   Store
	queue   *retry.Queue
	log     zerolog.Logger
	metrics Metrics

	clock func() time.Time
}

func New(cfg Config, st Store, queue *retry.Queue, log zerolog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Reconciler{
		cfg:     cfg,
		store:   st,
		queue:   queue,
		log:     log,
		metrics: metrics.NewNoopSink(),
		clock:   time.Now,
	}
}

// WithMetrics attaches a sink for reclaim counts and queue gauges.
func (r *Reconciler) WithMetrics(m Metrics) *Reconciler {
	r.metrics = m
	return r
}

// Run cycles immediately on start, then every Interval until ctx is
// cancelled. Cycle errors are logged, never fatal.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", r.cfg.Interval).Msg("reconciler started")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Reconciler) cycle(ctx context.Context) {
	now := r.clock().UTC()

	reclaimed, err := r.store.ReclaimStale(ctx, now.Add(-r.cfg.StaleAfter), "liveness timeout exceeded")
	if err != nil {
		r.log.Error().Err(err).Msg("stale reclaim failed")
		return
	}
	if reclaimed > 0 {
		r.metrics.StaleReclaimed(reclaimed)
		r.log.Warn().Int("count", reclaimed).Msg("reclaimed stale runs")
	}

	records, err := r.store.ListIncomplete(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("list incomplete failed")
		return
	}

	requeued := 0
	for _, rec := range records {
		// running rows belong to live workers until the reclaim above
		// says otherwise
		if rec.Status != domain.TaskStatusFailed {
			continue
		}
		if r.queue.Has(rec.Timestamp) || r.queue.IsGivenUp(rec.Timestamp) {
			continue
		}
		// reckon the backoff from the row's last attempt, like a rebuild
		if !r.queue.Push(rec.Timestamp, rec.Attempts, rec.LastAttemptAt) {
			r.log.Error().Str("timestamp", rec.Timestamp.String()).Int("attempts", rec.Attempts).
				Str("cause", rec.LastError).Msg("at give-up threshold, manual re-run required")
			continue
		}
		requeued++
	}
	if requeued > 0 {
		r.log.Info().Int("count", requeued).Msg("re-seeded retry queue from store")
	}

	r.metrics.QueueDepthUpdate(r.queue.Len())
	r.metrics.GivenUpUpdate(r.queue.GivenUpCount())
}
