package config

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lanseria/fy-4b-tools/internal/cron"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// lookPath resolves external binaries; a variable so tests can stub it.
var lookPath = exec.LookPath

// gdalTools are the external commands the pipeline shells out to.
var gdalTools = []string{"gdal_translate", "gdalwarp", "gdal2tiles.py"}

// Validate checks the configuration for semantic errors. Returns nil if
// valid, or ValidationErrors listing every problem found.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.DataDir == "" {
		add("DATA_DIR", "required")
	} else if err := dataDirWritable(cfg.DataDir); err != nil {
		add("DATA_DIR", "not writable: %v", err)
	}

	if cfg.DatabaseURL != "" && !cfg.UsesPostgres() {
		add("DATABASE_URL", "must start with postgres:// or postgresql://")
	}
	if cfg.RedisURL != "" {
		if _, err := redis.ParseURL(cfg.RedisURL); err != nil {
			add("REDIS_URL", "invalid: %v", err)
		}
	}
	if cfg.HTTPAddr == "" {
		add("HTTP_ADDR", "required")
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		add("LOG_FORMAT", "must be console or json, got %q", cfg.LogFormat)
	}

	for _, iv := range []struct {
		field string
		d     time.Duration
	}{
		{"CADENCE", cfg.Cadence},
		{"TICK_INTERVAL", cfg.TickInterval},
		{"STALE_AFTER", cfg.StaleAfter},
		{"RECONCILE_INTERVAL", cfg.ReconcileInterval},
		{"RUN_TIMEOUT", cfg.RunTimeout},
		{"DRAIN_TIMEOUT", cfg.DrainTimeout},
		{"RETRY_BASE", cfg.RetryBase},
		{"RETENTION_MIN_AGE", cfg.RetentionMinAge},
	} {
		if iv.d <= 0 {
			add(iv.field, "must be positive")
		}
	}
	if cfg.PublicationDelay < 0 {
		add("PUBLICATION_DELAY", "must not be negative")
	}

	if cfg.Concurrency < 1 || cfg.Concurrency > 64 {
		add("CONCURRENCY", "must be between 1 and 64, got %d", cfg.Concurrency)
	}
	if cfg.BackfillBatch < 1 {
		add("BACKFILL_BATCH", "must be at least 1")
	}
	if cfg.BusBuffer < 1 {
		add("BUS_BUFFER", "must be at least 1")
	}
	if cfg.MaxAttempts < 1 {
		add("MAX_ATTEMPTS", "must be at least 1")
	}
	if cfg.RetryCapExponent < 0 || cfg.RetryCapExponent > 20 {
		add("RETRY_CAP_EXPONENT", "must be between 0 and 20, got %d", cfg.RetryCapExponent)
	}
	if cfg.BreakerThreshold < 0 {
		add("BREAKER_THRESHOLD", "must not be negative")
	}
	if cfg.BreakerThreshold > 0 && cfg.BreakerCooldown <= 0 {
		add("BREAKER_COOLDOWN", "must be positive when the breaker is enabled")
	}

	if cfg.SourceZoom < 1 || cfg.SourceZoom > 8 {
		add("SOURCE_ZOOM", "must be between 1 and 8, got %d", cfg.SourceZoom)
	}
	if cfg.Grid < 1 {
		add("GRID", "must be at least 1")
	}
	if cfg.FetchWorkers < 1 {
		add("DOWNLOAD_CONCURRENCY", "must be at least 1")
	}
	if cfg.TileAttempts < 1 {
		add("TILE_ATTEMPTS", "must be at least 1")
	}
	if cfg.WarpWidth < 256 {
		add("WARP_WIDTH", "must be at least 256")
	}
	if cfg.ZoomMin < 0 || cfg.ZoomMax < cfg.ZoomMin || cfg.ZoomMax > 14 {
		add("ZOOM_RANGE", "must satisfy 0 <= min <= max <= 14, got %d-%d", cfg.ZoomMin, cfg.ZoomMax)
	}

	if _, err := cron.NewParser().Parse(cfg.RetentionSchedule, "UTC"); err != nil {
		add("RETENTION_SCHEDULE", "invalid cron expression: %v", err)
	}
	if cfg.TZOffsetHours < -12 || cfg.TZOffsetHours > 14 {
		add("TZ_OFFSET", "must be between -12 and 14, got %d", cfg.TZOffsetHours)
	}

	if cfg.LeaderElection && !cfg.UsesPostgres() {
		add("LEADER_ELECTION", "requires a postgres DATABASE_URL")
	}

	for _, tool := range gdalTools {
		if _, err := lookPath(tool); err != nil {
			add("PATH", "%s not found", tool)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// dataDirWritable proves the directory exists and accepts writes.
func dataDirWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}
