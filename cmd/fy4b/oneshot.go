package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/lanseria/fy-4b-tools/internal/analytics"
	"github.com/lanseria/fy-4b-tools/internal/config"
	"github.com/lanseria/fy-4b-tools/internal/dispatcher"
	"github.com/lanseria/fy-4b-tools/internal/domain"
	"github.com/lanseria/fy-4b-tools/internal/logging"
	"github.com/lanseria/fy-4b-tools/internal/metrics"
	"github.com/lanseria/fy-4b-tools/internal/retry"
)

// runOneShot drives a single timestamp to completion in the foreground:
// claim, run, and on failure wait out the backoff in-process until success,
// a spent attempt budget (exit 3) or a conflicting live claim (exit 4).
func runOneShot(cfg config.Config, rawTS string, force bool) error {
	ts, err := domain.ParseTimestamp(rawTS)
	if err != nil {
		return config.ValidationErrors{{Field: "--timestamp", Message: err.Error()}}
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, _, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// Nothing scrapes a one-shot process, so metrics stay off.
	queue := retry.New(retryConfig(cfg))
	pipe := buildPipeline(cfg, metrics.NewNoopSink(), log)
	disp := dispatcher.New(dispatcherConfig(cfg), st, pipe, queue, componentLogger(log, "dispatcher"))

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		disp = disp.WithAnalytics(analytics.NewRedisSink(client, componentLogger(log, "analytics")))
	}

	log.Info().Str("timestamp", ts.String()).Bool("force", force).Msg("one-shot run")
	return disp.RunToCompletion(ctx, ts, force, cfg.MaxAttempts)
}
