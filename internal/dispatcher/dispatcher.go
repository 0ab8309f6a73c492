// Package dispatcher turns claimed timestamps into pipeline runs and
// settles their outcomes in the store. The daemon path is a small worker
// pool fed by the event bus; the CLI path drives a single timestamp to
// completion in-process, waiting out backoffs instead of queueing them.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/domain"
	"github.com/lanseria/fy-4b-tools/internal/metrics"
	"github.com/lanseria/fy-4b-tools/internal/pipeline"
	"github.com/lanseria/fy-4b-tools/internal/retry"
	"github.com/lanseria/fy-4b-tools/internal/store"
)

const (
	DefaultConcurrency  = 2
	DefaultRunTimeout   = 20 * time.Minute
	DefaultDrainTimeout = 30 * time.Second

	// settleTimeout bounds the detached store writes that record a run's
	// outcome after the worker context is gone.
	settleTimeout = 10 * time.Second
)

// Store is the slice of the task store the dispatcher writes outcomes to.
type Store interface {
	MarkRunning(ctx context.Context, ts domain.Timestamp, runID uuid.UUID) (domain.TaskRecord, error)
	MarkSucceeded(ctx context.Context, ts domain.Timestamp) error
	MarkFailed(ctx context.Context, ts domain.Timestamp, cause string) error
	Delete(ctx context.Context, ts domain.Timestamp) error
}

// Pipeline produces the tile set for one timestamp and returns the final
// artifact path. Implemented by steps.Pipeline.
type Pipeline interface {
	Run(ctx context.Context, ts domain.Timestamp) (string, error)
}

// Analytics records run outcomes out of band. Implementations must not
// block dispatch.
type Analytics interface {
	RecordRun(ctx context.Context, res domain.RunResult)
}

// Metrics is the slice of the sink the dispatcher reports to.
type Metrics interface {
	RunCompleted(outcome string, failureClass string, duration time.Duration)
	RunsInFlightIncr()
	RunsInFlightDecr()
}

// GiveUpError reports that a one-shot run spent its whole attempt budget.
type GiveUpError struct {
	Timestamp domain.Timestamp
	Attempts  int
	LastErr   error
}

func (e *GiveUpError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Timestamp, e.Attempts, e.LastErr)
}

func (e *GiveUpError) Unwrap() error { return e.LastErr }

// Config holds the dispatcher knobs. Zero values fall back to the defaults.
type Config struct {
	// Concurrency is the worker pool size.
	Concurrency int

	// RunTimeout bounds one pipeline run end to end.
	RunTimeout time.Duration

	// DrainTimeout bounds how long shutdown waits for buffered requests.
	DrainTimeout time.Duration

	// Retry is the backoff policy for one-shot runs; the daemon path
	// delegates the waiting to the retry queue instead.
	Retry retry.Config
}

type Dispatcher struct {
	cfg       Config
	store     Store
	pipeline  Pipeline
	queue     *retry.Queue
	log       zerolog.Logger
	metrics   Metrics
	analytics Analytics // optional, nil = disabled

	clock func() time.Time
}

func New(cfg Config, st Store, pipe Pipeline, queue *retry.Queue, log zerolog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry.Base = retry.DefaultBase
	}
	if cfg.Retry.CapExponent <= 0 {
		cfg.Retry.CapExponent = retry.DefaultCapExponent
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = retry.DefaultMaxAttempts
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		pipeline: pipe,
		queue:    queue,
		log:      log,
		metrics:  metrics.NewNoopSink(),
		clock:    time.Now,
	}
}

// WithMetrics attaches a sink for run outcomes and in-flight gauges.
func (d *Dispatcher) WithMetrics(m Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// WithAnalytics attaches an outcome sink.
func (d *Dispatcher) WithAnalytics(a Analytics) *Dispatcher {
	d.analytics = a
	return d
}

// Run consumes requests from ch until ctx is cancelled, then drains what is
// left in the buffer so claimed timestamps are not stranded in running.
// Blocks until all workers have exited.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.DispatchRequest) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, worker, ch)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, worker int, ch <-chan domain.DispatchRequest) {
	for {
		select {
		case <-ctx.Done():
			d.drain(worker, ch)
			return
		case req := <-ch:
			d.process(ctx, req)
		}
	}
}

// drain keeps processing buffered requests after the shutdown signal, each
// under the remaining share of DrainTimeout.
func (d *Dispatcher) drain(worker int, ch <-chan domain.DispatchRequest) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.DrainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			d.log.Warn().Int("worker", worker).Int("count", count).Msg("drain timeout, buffered requests abandoned")
			return
		case req, ok := <-ch:
			if !ok {
				d.log.Info().Int("worker", worker).Int("count", count).Msg("drain complete")
				return
			}
			d.process(drainCtx, req)
			count++
		default:
			if count > 0 {
				d.log.Info().Int("worker", worker).Int("count", count).Msg("drain complete")
			}
			return
		}
	}
}

// process runs the pipeline for one claimed timestamp and settles the
// outcome. Store writes use a detached context: a cancelled run must still
// settle its row or the slot stays running until the stale reclaim.
func (d *Dispatcher) process(ctx context.Context, req domain.DispatchRequest) {
	d.metrics.RunsInFlightIncr()
	defer d.metrics.RunsInFlightDecr()

	log := d.log.With().
		Str("timestamp", req.Timestamp.String()).
		Str("run_id", req.RunID.String()).
		Logger()

	started := d.clock().UTC()
	log.Debug().Dur("waited", started.Sub(req.EnqueuedAt)).Int("attempts", req.Attempts).
		Bool("manual", req.Manual).Msg("run started")

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.RunTimeout)
	artifact, runErr := d.pipeline.Run(runCtx, req.Timestamp)
	cancel()
	elapsed := d.clock().UTC().Sub(started)

	if runErr != nil {
		d.settleFailure(req, runErr, elapsed, log)
		return
	}

	sctx, done := settleContext()
	defer done()
	if err := d.store.MarkSucceeded(sctx, req.Timestamp); err != nil {
		log.Error().Err(err).Msg("run succeeded but the store update failed")
		return
	}
	d.queue.Forget(req.Timestamp)
	d.metrics.RunCompleted(string(domain.RunSucceeded), metrics.ClassNone, elapsed)
	d.recordRun(domain.RunResult{
		RunID:      req.RunID,
		Timestamp:  req.Timestamp,
		Outcome:    domain.RunSucceeded,
		Attempts:   req.Attempts + 1,
		Duration:   elapsed,
		FinishedAt: d.clock().UTC(),
	})
	log.Info().Dur("elapsed", elapsed).Str("artifact", artifact).Msg("run succeeded")
}

func (d *Dispatcher) settleFailure(req domain.DispatchRequest, runErr error, elapsed time.Duration, log zerolog.Logger) {
	class, cause := classifyFailure(runErr)

	sctx, done := settleContext()
	defer done()
	if err := d.store.MarkFailed(sctx, req.Timestamp, cause); err != nil {
		log.Error().Err(err).Msg("could not record failure, stale reclaim will recover the slot")
		d.metrics.RunCompleted(string(domain.RunFailed), class, elapsed)
		return
	}

	attempts := req.Attempts + 1
	outcome := domain.RunFailed
	if d.queue.Push(req.Timestamp, attempts, d.clock().UTC()) {
		log.Warn().Int("attempts", attempts).Str("class", class).Str("cause", cause).Msg("run failed, retry scheduled")
	} else {
		outcome = domain.RunGaveUp
		log.Error().Int("attempts", attempts).Str("cause", cause).Msg("gave up on timestamp, manual re-run required")
	}
	d.metrics.RunCompleted(string(outcome), class, elapsed)
	d.recordRun(domain.RunResult{
		RunID:        req.RunID,
		Timestamp:    req.Timestamp,
		Outcome:      outcome,
		FailureClass: class,
		Attempts:     attempts,
		Duration:     elapsed,
		FinishedAt:   d.clock().UTC(),
	})
}

// RunToCompletion drives ts synchronously: claim, run, and on failure wait
// out the backoff in-process before re-claiming, until the timestamp
// succeeds, the attempt budget is spent, or ctx is cancelled. force wipes
// any previous row first so even a succeeded timestamp re-runs; without it
// a succeeded row is a no-op success. A live claim elsewhere surfaces
// store.ErrConflict. maxAttempts <= 0 falls back to the retry policy.
func (d *Dispatcher) RunToCompletion(ctx context.Context, ts domain.Timestamp, force bool, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.Retry.MaxAttempts
	}
	if force {
		if err := d.store.Delete(ctx, ts); err != nil {
			return fmt.Errorf("reset %s: %w", ts, err)
		}
	}

	log := d.log.With().Str("timestamp", ts.String()).Logger()

	for {
		runID := uuid.New()
		rec, err := d.store.MarkRunning(ctx, ts, runID)
		if errors.Is(err, store.ErrSucceeded) {
			log.Info().Msg("already succeeded, nothing to do")
			return nil
		}
		if err != nil {
			return err
		}

		started := d.clock().UTC()
		runCtx, cancel := context.WithTimeout(ctx, d.cfg.RunTimeout)
		artifact, runErr := d.pipeline.Run(runCtx, ts)
		cancel()
		elapsed := d.clock().UTC().Sub(started)

		if runErr == nil {
			sctx, done := settleContext()
			err := d.store.MarkSucceeded(sctx, ts)
			done()
			if err != nil {
				return fmt.Errorf("record success: %w", err)
			}
			d.queue.Forget(ts)
			d.metrics.RunCompleted(string(domain.RunSucceeded), metrics.ClassNone, elapsed)
			d.recordRun(domain.RunResult{
				RunID:      runID,
				Timestamp:  ts,
				Outcome:    domain.RunSucceeded,
				Attempts:   rec.Attempts + 1,
				Duration:   elapsed,
				FinishedAt: d.clock().UTC(),
			})
			log.Info().Dur("elapsed", elapsed).Str("artifact", artifact).Msg("run succeeded")
			return nil
		}

		class, cause := classifyFailure(runErr)
		sctx, done := settleContext()
		err = d.store.MarkFailed(sctx, ts, cause)
		done()
		if err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		attempts := rec.Attempts + 1

		if attempts >= maxAttempts {
			d.metrics.RunCompleted(string(domain.RunGaveUp), class, elapsed)
			d.recordRun(domain.RunResult{
				RunID:        runID,
				Timestamp:    ts,
				Outcome:      domain.RunGaveUp,
				FailureClass: class,
				Attempts:     attempts,
				Duration:     elapsed,
				FinishedAt:   d.clock().UTC(),
			})
			return &GiveUpError{Timestamp: ts, Attempts: attempts, LastErr: runErr}
		}

		d.metrics.RunCompleted(string(domain.RunFailed), class, elapsed)
		d.recordRun(domain.RunResult{
			RunID:        runID,
			Timestamp:    ts,
			Outcome:      domain.RunFailed,
			FailureClass: class,
			Attempts:     attempts,
			Duration:     elapsed,
			FinishedAt:   d.clock().UTC(),
		})

		delay := retry.Backoff(d.cfg.Retry.Base, d.cfg.Retry.CapExponent, attempts)
		log.Warn().Int("attempts", attempts).Str("cause", cause).Dur("backoff", delay).Msg("run failed, waiting to retry")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// recordRun forwards the outcome to the analytics sink when configured.
func (d *Dispatcher) recordRun(res domain.RunResult) {
	if d.analytics == nil {
		return
	}
	ctx, cancel := settleContext()
	defer cancel()
	d.analytics.RecordRun(ctx, res)
}

// settleContext returns a context for outcome writes that survives worker
// shutdown.
func settleContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), settleTimeout)
}

// classifyFailure maps a run error to a metrics class and a stored cause.
// A run that outlived its timeout is reported as a timeout regardless of
// which step surfaced the cancellation.
func classifyFailure(err error) (class, cause string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return metrics.ClassTimeout, "run timeout exceeded"
	}
	return pipeline.Class(err), err.Error()
}
