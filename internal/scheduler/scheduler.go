// Package scheduler drives the acquisition loop. Every tick it resolves
// which timestamps are due now (the latest expected slot, retry entries
// whose backoff elapsed, and a batch of pending backfill rows), claims each
// one through the store and hands the claims to the dispatch workers. The
// claim is the sole mutual-exclusion point: a timestamp that cannot be
// claimed is simply someone else's work.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/domain"
	"github.com/lanseria/fy-4b-tools/internal/metrics"
	"github.com/lanseria/fy-4b-tools/internal/retry"
	"github.com/lanseria/fy-4b-tools/internal/store"
)

const (
	DefaultTickInterval  = time.Minute
	DefaultStaleAfter    = 30 * time.Minute
	DefaultBackfillBatch = 8
)

// Store is the slice of the task store the scheduler uses.
type Store interface {
	Get(ctx context.Context, ts domain.Timestamp) (domain.TaskRecord, error)
	MarkRunning(ctx context.Context, ts domain.Timestamp, runID uuid.UUID) (domain.TaskRecord, error)
	MarkFailed(ctx context.Context, ts domain.Timestamp, cause string) error
	ListPending(ctx context.Context, limit int) ([]domain.TaskRecord, error)
	ListIncomplete(ctx context.Context) ([]domain.TaskRecord, error)
	ReclaimStale(ctx context.Context, cutoff time.Time, cause string) (int, error)
}

// Resolver maps wall-clock time to the newest slot the upstream should have
// published.
type Resolver interface {
	LatestExpected(now time.Time) domain.Timestamp
}

// Emitter hands claimed timestamps to the dispatch workers.
type Emitter interface {
	Emit(ctx context.Context, req domain.DispatchRequest) error
}

// Metrics is the slice of the sink the scheduler reports to. Implemented by
// metrics.Sink.
type Metrics interface {
	TickStarted()
	TickCompleted(duration time.Duration, dispatched int, err error)
	TickDrift(drift time.Duration)
	DispatchSkipped(reason string)
	QueueDepthUpdate(depth int)
	GivenUpUpdate(count int)
	StaleReclaimed(count int)
}

// Config holds the scheduler knobs. Zero values fall back to the defaults.
type Config struct {
	// TickInterval is how often the loop looks for due work.
	TickInterval time.Duration

	// StaleAfter is the liveness horizon for startup recovery: running rows
	// whose last attempt is older belong to a dead process.
	StaleAfter time.Duration

	// BackfillBatch bounds how many pending rows one tick picks up.
	BackfillBatch int
}

type Scheduler struct {
	cfg      Config
	store    Store
	resolver Resolver
	queue    *retry.Queue
	emitter  Emitter
	log      zerolog.Logger
	metrics  Metrics

	// clock is swapped in tests.
	clock    func() time.Time
	lastTick time.Time
}

func New(cfg Config, st Store, resolver Resolver, queue *retry.Queue, emitter Emitter, log zerolog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.BackfillBatch <= 0 {
		cfg.BackfillBatch = DefaultBackfillBatch
	}
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		resolver: resolver,
		queue:    queue,
		emitter:  emitter,
		log:      log,
		metrics:  metrics.NewNoopSink(),
		clock:    time.Now,
	}
}

// WithMetrics attaches a sink for tick and queue gauges.
func (s *Scheduler) WithMetrics(m Metrics) *Scheduler {
	s.metrics = m
	return s
}

// Run recovers interrupted state, then ticks until ctx is cancelled. Tick
// errors are logged, never fatal; a broken store heals on a later tick.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	s.log.Info().Dur("tick", s.cfg.TickInterval).Msg("scheduler started")

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	if err := s.tick(ctx); err != nil {
		s.log.Error().Err(err).Msg("tick failed")
	}
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.log.Error().Err(err).Msg("tick failed")
			}
		}
	}
}

// recover flips runs left behind by a dead process back to failed and
// rebuilds the retry queue from the store, so backoff progress survives
// restarts.
func (s *Scheduler) recover(ctx context.Context) error {
	now := s.clock().UTC()

	reclaimed, err := s.store.ReclaimStale(ctx, now.Add(-s.cfg.StaleAfter), "stale run reclaimed at startup")
	if err != nil {
		return fmt.Errorf("reclaim stale: %w", err)
	}
	if reclaimed > 0 {
		s.metrics.StaleReclaimed(reclaimed)
		s.log.Warn().Int("count", reclaimed).Msg("reclaimed stale runs from previous process")
	}

	records, err := s.store.ListIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("list incomplete: %w", err)
	}
	res := s.queue.Rebuild(records)
	s.metrics.QueueDepthUpdate(s.queue.Len())
	s.metrics.GivenUpUpdate(s.queue.GivenUpCount())
	if res.Queued > 0 || res.GivenUp > 0 {
		s.log.Info().Int("queued", res.Queued).Int("given_up", res.GivenUp).Msg("retry queue rebuilt")
	}
	for _, ts := range s.queue.GivenUp() {
		s.log.Warn().Str("timestamp", ts.String()).Msg("at give-up threshold, manual re-run required")
	}
	return nil
}

func (s *Scheduler) tick(ctx context.Context) error {
	now := s.clock().UTC()
	s.metrics.TickStarted()
	if !s.lastTick.IsZero() {
		drift := now.Sub(s.lastTick.Add(s.cfg.TickInterval))
		if drift < 0 {
			drift = 0
		}
		s.metrics.TickDrift(drift)
	}
	s.lastTick = now

	dispatched, err := s.dispatchDue(ctx, now)

	s.metrics.TickCompleted(s.clock().UTC().Sub(now), dispatched, err)
	s.metrics.QueueDepthUpdate(s.queue.Len())
	s.metrics.GivenUpUpdate(s.queue.GivenUpCount())
	return err
}

func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.gather(ctx, now)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, ts := range due {
		ok, err := s.dispatch(ctx, ts, now)
		if err != nil {
			s.log.Warn().Str("timestamp", ts.String()).Err(err).Msg("dispatch failed")
			continue
		}
		if ok {
			dispatched++
		}
	}
	return dispatched, nil
}

// gather collects the timestamps due this tick: the newest expected slot,
// every retry entry whose backoff elapsed, and a batch of pending backfill
// rows. Deduplicated ascending, so backfill proceeds oldest first.
func (s *Scheduler) gather(ctx context.Context, now time.Time) ([]domain.Timestamp, error) {
	seen := make(map[domain.Timestamp]struct{})
	var due []domain.Timestamp
	add := func(ts domain.Timestamp) {
		if _, ok := seen[ts]; ok {
			return
		}
		seen[ts] = struct{}{}
		due = append(due, ts)
	}

	latest := s.resolver.LatestExpected(now)
	rec, err := s.store.Get(ctx, latest)
	switch {
	case errors.Is(err, store.ErrNotFound):
		add(latest)
	case err != nil:
		return nil, fmt.Errorf("load latest slot: %w", err)
	case rec.Status == domain.TaskStatusSucceeded || rec.Status == domain.TaskStatusRunning:
		// done or in flight, nothing to do
	case s.queue.Has(latest) || s.queue.IsGivenUp(latest):
		// the retry queue owns the slot's schedule; claiming it here would
		// bypass the backoff or resurrect a retired timestamp
	default:
		add(latest)
	}

	for {
		entry, ok := s.queue.PopEligible(now)
		if !ok {
			break
		}
		add(entry.Timestamp)
	}

	pending, err := s.store.ListPending(ctx, s.cfg.BackfillBatch)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	for _, rec := range pending {
		add(rec.Timestamp)
	}

	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	return due, nil
}

// dispatch claims ts and emits it to the workers. Lost claims are skipped
// quietly; an emit failure releases the claim into the retry path so the
// timestamp is not stranded in running.
func (s *Scheduler) dispatch(ctx context.Context, ts domain.Timestamp, now time.Time) (bool, error) {
	runID := uuid.New()
	rec, err := s.store.MarkRunning(ctx, ts, runID)
	switch {
	case errors.Is(err, store.ErrConflict):
		s.metrics.DispatchSkipped(metrics.SkipConflict)
		s.log.Debug().Str("timestamp", ts.String()).Msg("already running, skipped")
		return false, nil
	case errors.Is(err, store.ErrSucceeded):
		s.metrics.DispatchSkipped(metrics.SkipSucceeded)
		return false, nil
	case err != nil:
		return false, fmt.Errorf("claim: %w", err)
	}

	req := domain.DispatchRequest{
		RunID:      runID,
		Timestamp:  ts,
		Attempts:   rec.Attempts,
		EnqueuedAt: now,
	}
	if err := s.emitter.Emit(ctx, req); err != nil {
		cause := fmt.Sprintf("dispatch failed: %v", err)
		if markErr := s.store.MarkFailed(ctx, ts, cause); markErr != nil {
			s.log.Error().Str("timestamp", ts.String()).Err(markErr).
				Msg("could not release claim after emit failure, stale reclaim will catch it")
		} else {
			s.queue.Push(ts, rec.Attempts+1, now)
		}
		return false, fmt.Errorf("emit: %w", err)
	}

	s.log.Info().Str("timestamp", ts.String()).Str("run_id", runID.String()).
		Int("attempts", rec.Attempts).Msg("dispatched")
	return true, nil
}
