package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lanseria/fy-4b-tools/internal/circuitbreaker"
	"github.com/lanseria/fy-4b-tools/internal/config"
	"github.com/lanseria/fy-4b-tools/internal/dispatcher"
	"github.com/lanseria/fy-4b-tools/internal/metrics"
	"github.com/lanseria/fy-4b-tools/internal/pipeline"
	"github.com/lanseria/fy-4b-tools/internal/retention"
	"github.com/lanseria/fy-4b-tools/internal/retry"
	"github.com/lanseria/fy-4b-tools/internal/steps"
	"github.com/lanseria/fy-4b-tools/internal/store"
	"github.com/lanseria/fy-4b-tools/internal/store/postgres"
	"github.com/lanseria/fy-4b-tools/internal/store/sqlite"

	_ "github.com/lib/pq"
)

// loadConfig reads the environment configuration and applies any flag
// overrides from cmd. Flags win over environment variables.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := applyFlagOverrides(cmd, &cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// applyFlagOverrides copies explicitly set flags into cfg. Each flag is
// guarded by Changed so command defaults never clobber environment values;
// flags a command does not define are simply skipped.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("crop-x") {
		cfg.CropX, _ = flags.GetInt("crop-x")
	}
	if flags.Changed("crop-y") {
		cfg.CropY, _ = flags.GetInt("crop-y")
	}
	if flags.Changed("keep-files") {
		cfg.KeepFiles, _ = flags.GetBool("keep-files")
	}
	if flags.Changed("zoom-range") {
		raw, _ := flags.GetString("zoom-range")
		lo, hi, err := config.ParseZoomRange(raw)
		if err != nil {
			return config.ValidationErrors{{Field: "--zoom-range", Message: err.Error()}}
		}
		cfg.ZoomMin, cfg.ZoomMax = lo, hi
	}
	if flags.Changed("dry-run") {
		dryRun, _ := flags.GetBool("dry-run")
		cfg.RetentionExecute = !dryRun
	}
	if flags.Changed("tz-offset") {
		cfg.TZOffsetHours, _ = flags.GetInt("tz-offset")
	}
	return nil
}

// openStore opens the backend DATABASE_URL selects: postgres when set to a
// postgres URL, the SQLite file under the data directory otherwise. The
// returned *sql.DB is non-nil only for postgres, for the leader elector;
// closing the store closes it.
func openStore(ctx context.Context, cfg config.Config) (store.Store, *sql.DB, error) {
	if cfg.UsesPostgres() {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		st := postgres.New(db)
		if err := st.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return st, db, nil
	}

	st, err := sqlite.Open(sqlite.Config{
		Path:        steps.StatePath(cfg.DataDir),
		BusyTimeout: cfg.SQLiteBusyTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	return st, nil, nil
}

func backendName(cfg config.Config) string {
	if cfg.UsesPostgres() {
		return "postgres"
	}
	return "sqlite"
}

// buildPipeline assembles the acquisition pipeline: shared HTTP client and
// breaker, the step builder bound to the configured geometry, and the
// runner that executes a chain per timestamp.
func buildPipeline(cfg config.Config, sink metrics.Sink, log zerolog.Logger) *steps.Pipeline {
	client := &http.Client{Timeout: steps.DefaultFetchTimeout}
	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown).
		WithStateHook(sink.BreakerTransition)
	runner := pipeline.New(pipeline.Config{KeepFiles: cfg.KeepFiles}, componentLogger(log, "pipeline")).
		WithMetrics(sink)
	builder := steps.NewBuilder(cfg.StepsConfig(), client, breaker, componentLogger(log, "steps"))
	return steps.NewPipeline(runner, builder)
}

func retryConfig(cfg config.Config) retry.Config {
	return retry.Config{
		Base:        cfg.RetryBase,
		CapExponent: cfg.RetryCapExponent,
		MaxAttempts: cfg.MaxAttempts,
	}
}

func dispatcherConfig(cfg config.Config) dispatcher.Config {
	return dispatcher.Config{
		Concurrency:  cfg.Concurrency,
		RunTimeout:   cfg.RunTimeout,
		DrainTimeout: cfg.DrainTimeout,
		Retry:        retryConfig(cfg),
	}
}

func retentionConfig(cfg config.Config) retention.Config {
	return retention.Config{
		DataDir:       cfg.DataDir,
		Schedule:      cfg.RetentionSchedule,
		TZOffsetHours: cfg.TZOffsetHours,
		MinAge:        cfg.RetentionMinAge,
		Execute:       cfg.RetentionExecute,
	}
}

func componentLogger(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// logConfigWarnings flags configuration combinations that are legal but
// easy to regret in production.
func logConfigWarnings(cfg config.Config, log zerolog.Logger) {
	if !cfg.RetentionExecute {
		log.Info().Msg("retention is in dry-run mode; the tile archive grows unbounded until RETENTION_DRY_RUN=false")
	}
	if cfg.KeepFiles {
		log.Warn().Msg("KEEP_FILES is set; intermediate composites are never deleted and disk use grows per run")
	}
	if !cfg.MetricsEnabled {
		log.Warn().Msg("METRICS_ENABLED=false; run outcomes are only visible in logs")
	}
	if cfg.BreakerThreshold <= 0 {
		log.Warn().Msg("BREAKER_THRESHOLD=0 disables the upstream circuit breaker; outages will burn full retry budgets")
	}
	if cfg.PublicationDelay <= 0 {
		log.Warn().Msg("PUBLICATION_DELAY=0 polls slots the upstream may not have published yet; expect transient fetch failures")
	}
}
