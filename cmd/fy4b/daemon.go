package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/lanseria/fy-4b-tools/internal/analytics"
	"github.com/lanseria/fy-4b-tools/internal/api"
	"github.com/lanseria/fy-4b-tools/internal/cadence"
	"github.com/lanseria/fy-4b-tools/internal/config"
	"github.com/lanseria/fy-4b-tools/internal/dispatcher"
	"github.com/lanseria/fy-4b-tools/internal/leaderelection"
	"github.com/lanseria/fy-4b-tools/internal/logging"
	"github.com/lanseria/fy-4b-tools/internal/metrics"
	"github.com/lanseria/fy-4b-tools/internal/reconciler"
	"github.com/lanseria/fy-4b-tools/internal/retention"
	"github.com/lanseria/fy-4b-tools/internal/retry"
	"github.com/lanseria/fy-4b-tools/internal/scheduler"
	"github.com/lanseria/fy-4b-tools/internal/transport/channel"
)

// httpShutdownTimeout bounds the graceful admin server shutdown.
const httpShutdownTimeout = 10 * time.Second

// runDaemon wires and runs the full daemon until a signal or a fatal
// component failure. Shutdown is phased: duty loops stop first so no new
// work is claimed, the dispatcher drains what is already buffered, the
// admin server stops, and the store closes last.
func runDaemon(cfg config.Config) error {
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.Info().Str("version", version).Str("commit", commit).Msg("fy4b starting")
	logConfigWarnings(cfg, log)

	var analyticsSink *analytics.RedisSink
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		analyticsSink = analytics.NewRedisSink(client, componentLogger(log, "analytics"))
		log.Info().Msg("analytics enabled")
	} else {
		log.Debug().Msg("REDIS_URL not set; analytics disabled")
	}

	st, db, err := openStore(context.Background(), cfg)
	if err != nil {
		return err
	}

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sink = metrics.NewPrometheusSink(registry, componentLogger(log, "metrics"))
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	queue := retry.New(retryConfig(cfg))
	bus := channel.NewEventBus(cfg.BusBuffer, channel.WithMetrics(sink))
	pipe := buildPipeline(cfg, sink, log)

	disp := dispatcher.New(dispatcherConfig(cfg), st, pipe, queue, componentLogger(log, "dispatcher")).
		WithMetrics(sink)
	if analyticsSink != nil {
		disp = disp.WithAnalytics(analyticsSink)
	}

	sched := scheduler.New(
		scheduler.Config{
			TickInterval:  cfg.TickInterval,
			StaleAfter:    cfg.StaleAfter,
			BackfillBatch: cfg.BackfillBatch,
		},
		st,
		cadence.New(cfg.Cadence, cfg.PublicationDelay),
		queue,
		bus,
		componentLogger(log, "scheduler"),
	).WithMetrics(sink)

	recon := reconciler.New(
		reconciler.Config{Interval: cfg.ReconcileInterval, StaleAfter: cfg.StaleAfter},
		st,
		queue,
		componentLogger(log, "reconciler"),
	).WithMetrics(sink)

	sweeper := retention.New(retentionConfig(cfg), st, componentLogger(log, "retention")).
		WithMetrics(sink)

	handler := api.NewHandler(st, cfg.MaxAttempts, componentLogger(log, "api"))
	if metricsHandler != nil {
		handler = handler.WithMetrics(metricsHandler)
	}
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}

	fatal := make(chan error, 1)
	report := func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}

	// Dispatch workers run on every daemon, leader or not; the store claim
	// keeps duplicate instances from racing on a timestamp.
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	var dispatchWg sync.WaitGroup
	dispatchWg.Add(1)
	go func() {
		defer dispatchWg.Done()
		disp.Run(dispatchCtx, bus.Channel())
	}()

	duty := &duties{
		scheduler:  sched,
		reconciler: recon,
		sweeper:    sweeper,
		report:     report,
	}

	electionCtx, stopElection := context.WithCancel(context.Background())
	defer stopElection()
	var electionWg sync.WaitGroup
	if cfg.LeaderElection && db != nil {
		elector := leaderelection.New(
			leaderelection.Config{LockKey: cfg.LeaderLockKey},
			db,
			duty.Start,
			duty.Stop,
			componentLogger(log, "leader"),
		).WithMetrics(sink)
		electionWg.Add(1)
		go func() {
			defer electionWg.Done()
			elector.Run(electionCtx)
		}()
	} else {
		duty.Start(context.Background())
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("admin server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			report(fmt.Errorf("admin server: %w", err))
		}
	}()

	log.Info().
		Str("backend", backendName(cfg)).
		Str("data_dir", cfg.DataDir).
		Dur("cadence", cfg.Cadence).
		Int("concurrency", cfg.Concurrency).
		Msg("daemon started")

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case received := <-sig:
		log.Info().Str("signal", received.String()).Msg("signal received, shutting down")
		go func() {
			second := <-sig
			log.Error().Str("signal", second.String()).Msg("second signal, aborting")
			os.Exit(exitRuntimeError)
		}()
	case err := <-fatal:
		log.Error().Err(err).Msg("fatal component failure, shutting down")
		runErr = err
	}

	// Phase 1: stop the duty loops so no new timestamps are claimed.
	stopElection()
	electionWg.Wait()
	duty.Stop()
	log.Info().Msg("duty loops stopped")

	// Phase 2: drain the dispatcher so buffered claims settle their rows.
	stopDispatch()
	dispatchWg.Wait()
	log.Info().Msg("dispatcher stopped")

	// Phase 3: stop the admin server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("admin server shutdown incomplete")
	}
	cancel()

	// Phase 4: close the store once nothing writes to it anymore.
	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("store close failed")
	}

	log.Info().Msg("daemon stopped")
	return runErr
}

// duties bundles the loops only one daemon instance should run at a time:
// the scheduler, the reconciler and the retention sweeper. Without leader
// election they start once at boot; with it they follow leadership terms.
// The dispatcher and admin server stay outside, every instance runs those.
type duties struct {
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler
	sweeper    *retention.Sweeper
	report     func(error)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start launches the three loops under a child of parent. A second Start
// while running is a no-op.
func (d *duties) Start(parent context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel

	d.wg.Add(3)
	go func() {
		defer d.wg.Done()
		if err := d.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.report(fmt.Errorf("scheduler: %w", err))
		}
	}()
	go func() {
		defer d.wg.Done()
		if err := d.reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.report(fmt.Errorf("reconciler: %w", err))
		}
	}()
	go func() {
		defer d.wg.Done()
		if err := d.sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.report(fmt.Errorf("retention: %w", err))
		}
	}()
}

// Stop cancels the loops and blocks until they exit. Idempotent.
func (d *duties) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
}
