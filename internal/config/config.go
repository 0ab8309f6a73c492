// Package config loads daemon configuration from the environment, with an
// optional .env file for development. Parsing errors are fatal at load;
// semantic checks live in Validate so every bad field is reported at once.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/lanseria/fy-4b-tools/internal/steps"
)

// DefaultLeaderLockKey is the advisory lock identity. All daemons sharing
// one database must use the same key.
const DefaultLeaderLockKey = 728404

// Config holds every tunable of the daemon and the one-shot commands.
type Config struct {
	// Storage and surfaces
	DataDir     string
	DatabaseURL string
	RedisURL    string
	HTTPAddr    string

	LogLevel  string
	LogFormat string

	MetricsEnabled bool

	// Acquisition schedule
	Cadence           time.Duration
	PublicationDelay  time.Duration
	TickInterval      time.Duration
	BackfillBatch     int
	StaleAfter        time.Duration
	ReconcileInterval time.Duration

	// Dispatch
	Concurrency  int
	RunTimeout   time.Duration
	DrainTimeout time.Duration
	BusBuffer    int

	// Retry
	RetryBase        time.Duration
	RetryCapExponent int
	MaxAttempts      int

	// Upstream circuit breaker. Threshold 0 disables it.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Pipeline
	SourceURL     string
	SourceZoom    int
	Grid          int
	FetchWorkers  int
	TileAttempts  int
	MinTileBytes  int
	CropX         int
	CropY         int
	WarpWidth     int
	ZoomMin       int
	ZoomMax       int
	TileProcesses int
	OverlayCmd    string
	KeepFiles     bool

	// Retention
	RetentionSchedule string
	TZOffsetHours     int
	RetentionMinAge   time.Duration
	RetentionExecute  bool

	// Leader election (postgres only)
	LeaderElection bool
	LeaderLockKey  int64

	// SQLiteBusyTimeout overrides the driver default when positive.
	SQLiteBusyTimeout time.Duration
}

// Load reads configuration from the environment with defaults. A .env file
// in the working directory is loaded first but never overrides real
// environment variables. Unparseable values are returned as
// ValidationErrors; the process should exit with the configuration code.
func Load() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, ValidationErrors{{Field: ".env", Message: err.Error()}}
		}
	}

	var errs ValidationErrors
	cfg := Config{
		DataDir:     getString("DATA_DIR", "./data"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		HTTPAddr:    getString("HTTP_ADDR", ":9090"),
		LogLevel:    getString("LOG_LEVEL", "info"),
		LogFormat:   getString("LOG_FORMAT", "console"),

		SourceURL:  getString("SOURCE_URL", steps.DefaultSourceURL),
		OverlayCmd: os.Getenv("OVERLAY_CMD"),

		RetentionSchedule: getString("RETENTION_SCHEDULE", "0 3 * * *"),
	}

	cfg.MetricsEnabled = getBool("METRICS_ENABLED", true, &errs)

	cfg.Cadence = getDuration("CADENCE", 15*time.Minute, &errs)
	cfg.PublicationDelay = getDuration("PUBLICATION_DELAY", 15*time.Minute, &errs)
	cfg.TickInterval = getDuration("TICK_INTERVAL", time.Minute, &errs)
	cfg.BackfillBatch = getInt("BACKFILL_BATCH", 8, &errs)
	cfg.StaleAfter = getDuration("STALE_AFTER", 30*time.Minute, &errs)
	cfg.ReconcileInterval = getDuration("RECONCILE_INTERVAL", 5*time.Minute, &errs)

	cfg.Concurrency = getInt("CONCURRENCY", 2, &errs)
	cfg.RunTimeout = getDuration("RUN_TIMEOUT", 20*time.Minute, &errs)
	cfg.DrainTimeout = getDuration("DRAIN_TIMEOUT", 30*time.Second, &errs)
	cfg.BusBuffer = getInt("BUS_BUFFER", 16, &errs)

	cfg.RetryBase = getDuration("RETRY_BASE", time.Minute, &errs)
	cfg.RetryCapExponent = getInt("RETRY_CAP_EXPONENT", 5, &errs)
	cfg.MaxAttempts = getInt("MAX_ATTEMPTS", 10, &errs)

	cfg.BreakerThreshold = getInt("BREAKER_THRESHOLD", 5, &errs)
	cfg.BreakerCooldown = getDuration("BREAKER_COOLDOWN", 2*time.Minute, &errs)

	cfg.SourceZoom = getInt("SOURCE_ZOOM", steps.DefaultZoom, &errs)
	cfg.Grid = getInt("GRID", steps.DefaultGrid, &errs)
	cfg.FetchWorkers = getInt("DOWNLOAD_CONCURRENCY", steps.DefaultFetchWorkers, &errs)
	cfg.TileAttempts = getInt("TILE_ATTEMPTS", steps.DefaultTileAttempts, &errs)
	cfg.MinTileBytes = getInt("MIN_TILE_BYTES", steps.DefaultMinTileBytes, &errs)
	cfg.CropX = getSignedInt("CROP_X", steps.DefaultCropX, &errs)
	cfg.CropY = getSignedInt("CROP_Y", steps.DefaultCropY, &errs)
	cfg.WarpWidth = getInt("WARP_WIDTH", steps.DefaultWarpWidth, &errs)
	cfg.TileProcesses = getInt("TILE_PROCESSES", 0, &errs)
	cfg.KeepFiles = getBool("KEEP_FILES", false, &errs)

	cfg.ZoomMin, cfg.ZoomMax = steps.DefaultZoomMin, steps.DefaultZoomMax
	if raw := strings.TrimSpace(os.Getenv("ZOOM_RANGE")); raw != "" {
		lo, hi, err := ParseZoomRange(raw)
		if err != nil {
			errs = append(errs, ValidationError{Field: "ZOOM_RANGE", Message: err.Error()})
		} else {
			cfg.ZoomMin, cfg.ZoomMax = lo, hi
		}
	}

	cfg.TZOffsetHours = getSignedInt("TZ_OFFSET", 8, &errs)
	cfg.RetentionMinAge = getDuration("RETENTION_MIN_AGE", 48*time.Hour, &errs)
	cfg.RetentionExecute = !getBool("RETENTION_DRY_RUN", true, &errs)

	cfg.LeaderElection = getBool("LEADER_ELECTION", false, &errs)
	cfg.LeaderLockKey = int64(getInt("LEADER_LOCK_KEY", DefaultLeaderLockKey, &errs))

	cfg.SQLiteBusyTimeout = getDuration("SQLITE_BUSY_TIMEOUT", 0, &errs)

	if len(errs) > 0 {
		return Config{}, errs
	}
	return cfg, nil
}

// UsesPostgres reports whether DATABASE_URL selects the postgres backend.
func (c Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") ||
		strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// StepsConfig maps the pipeline slice of the configuration onto the stage
// knobs.
func (c Config) StepsConfig() steps.Config {
	return steps.Config{
		DataDir:       c.DataDir,
		SourceURL:     c.SourceURL,
		UserAgent:     steps.DefaultUserAgent,
		Referer:       steps.DefaultReferer,
		Zoom:          c.SourceZoom,
		Grid:          c.Grid,
		FetchWorkers:  c.FetchWorkers,
		TileAttempts:  c.TileAttempts,
		MinTileBytes:  c.MinTileBytes,
		CropX:         c.CropX,
		CropY:         c.CropY,
		BBox:          steps.DefaultBBox(),
		WarpWidth:     c.WarpWidth,
		ZoomMin:       c.ZoomMin,
		ZoomMax:       c.ZoomMax,
		TileProcesses: c.TileProcesses,
		OverlayCmd:    c.OverlayCmd,
		KeepFiles:     c.KeepFiles,
	}
}

// ParseZoomRange parses "min-max" (for example "1-6") into a zoom pair. A
// bare number means a single level.
func ParseZoomRange(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("empty zoom range")
	}

	lo, hi, found := strings.Cut(s, "-")
	if !found {
		n, err := strconv.Atoi(lo)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("invalid zoom range %q", s)
		}
		return n, n, nil
	}

	min, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid zoom range %q", s)
	}
	max, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid zoom range %q", s)
	}
	if min < 0 || max < min {
		return 0, 0, fmt.Errorf("invalid zoom range %q", s)
	}
	return min, max, nil
}

func getString(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func getDuration(name string, def time.Duration, errs *ValidationErrors) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: name, Message: fmt.Sprintf("invalid duration %q", raw)})
		return def
	}
	return d
}

func getInt(name string, def int, errs *ValidationErrors) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		*errs = append(*errs, ValidationError{Field: name, Message: fmt.Sprintf("must be a non-negative integer, got %q", raw)})
		return def
	}
	return n
}

// getSignedInt allows negative values; the crop offsets use them to pad
// instead of crop.
func getSignedInt(name string, def int, errs *ValidationErrors) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: name, Message: fmt.Sprintf("must be an integer, got %q", raw)})
		return def
	}
	return n
}

func getBool(name string, def bool, errs *ValidationErrors) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: name, Message: fmt.Sprintf("must be true or false, got %q", raw)})
		return def
	}
	return b
}

// MaskedJSON returns the configuration as JSON with secrets masked, for
// the config command and startup logging.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		DataDir     string `json:"data_dir"`
		DatabaseURL string `json:"database_url,omitempty"`
		RedisURL    string `json:"redis_url,omitempty"`
		HTTPAddr    string `json:"http_addr"`
		LogLevel    string `json:"log_level"`
		LogFormat   string `json:"log_format"`

		MetricsEnabled bool `json:"metrics_enabled"`

		Cadence           string `json:"cadence"`
		PublicationDelay  string `json:"publication_delay"`
		TickInterval      string `json:"tick_interval"`
		BackfillBatch     int    `json:"backfill_batch"`
		StaleAfter        string `json:"stale_after"`
		ReconcileInterval string `json:"reconcile_interval"`

		Concurrency  int    `json:"concurrency"`
		RunTimeout   string `json:"run_timeout"`
		DrainTimeout string `json:"drain_timeout"`
		BusBuffer    int    `json:"bus_buffer"`

		RetryBase        string `json:"retry_base"`
		RetryCapExponent int    `json:"retry_cap_exponent"`
		MaxAttempts      int    `json:"max_attempts"`

		BreakerThreshold int    `json:"breaker_threshold"`
		BreakerCooldown  string `json:"breaker_cooldown"`

		SourceURL     string `json:"source_url"`
		SourceZoom    int    `json:"source_zoom"`
		Grid          int    `json:"grid"`
		FetchWorkers  int    `json:"download_concurrency"`
		TileAttempts  int    `json:"tile_attempts"`
		MinTileBytes  int    `json:"min_tile_bytes"`
		CropX         int    `json:"crop_x"`
		CropY         int    `json:"crop_y"`
		WarpWidth     int    `json:"warp_width"`
		ZoomRange     string `json:"zoom_range"`
		TileProcesses int    `json:"tile_processes,omitempty"`
		OverlayCmd    string `json:"overlay_cmd,omitempty"`
		KeepFiles     bool   `json:"keep_files"`

		RetentionSchedule string `json:"retention_schedule"`
		TZOffsetHours     int    `json:"tz_offset"`
		RetentionMinAge   string `json:"retention_min_age"`
		RetentionDryRun   bool   `json:"retention_dry_run"`

		LeaderElection bool  `json:"leader_election"`
		LeaderLockKey  int64 `json:"leader_lock_key"`

		SQLiteBusyTimeout string `json:"sqlite_busy_timeout,omitempty"`
	}{
		DataDir:     c.DataDir,
		DatabaseURL: maskSecret(c.DatabaseURL),
		RedisURL:    maskSecret(c.RedisURL),
		HTTPAddr:    c.HTTPAddr,
		LogLevel:    c.LogLevel,
		LogFormat:   c.LogFormat,

		MetricsEnabled: c.MetricsEnabled,

		Cadence:           c.Cadence.String(),
		PublicationDelay:  c.PublicationDelay.String(),
		TickInterval:      c.TickInterval.String(),
		BackfillBatch:     c.BackfillBatch,
		StaleAfter:        c.StaleAfter.String(),
		ReconcileInterval: c.ReconcileInterval.String(),

		Concurrency:  c.Concurrency,
		RunTimeout:   c.RunTimeout.String(),
		DrainTimeout: c.DrainTimeout.String(),
		BusBuffer:    c.BusBuffer,

		RetryBase:        c.RetryBase.String(),
		RetryCapExponent: c.RetryCapExponent,
		MaxAttempts:      c.MaxAttempts,

		BreakerThreshold: c.BreakerThreshold,
		BreakerCooldown:  c.BreakerCooldown.String(),

		SourceURL:     c.SourceURL,
		SourceZoom:    c.SourceZoom,
		Grid:          c.Grid,
		FetchWorkers:  c.FetchWorkers,
		TileAttempts:  c.TileAttempts,
		MinTileBytes:  c.MinTileBytes,
		CropX:         c.CropX,
		CropY:         c.CropY,
		WarpWidth:     c.WarpWidth,
		ZoomRange:     fmt.Sprintf("%d-%d", c.ZoomMin, c.ZoomMax),
		TileProcesses: c.TileProcesses,
		OverlayCmd:    c.OverlayCmd,
		KeepFiles:     c.KeepFiles,

		RetentionSchedule: c.RetentionSchedule,
		TZOffsetHours:     c.TZOffsetHours,
		RetentionMinAge:   c.RetentionMinAge.String(),
		RetentionDryRun:   !c.RetentionExecute,

		LeaderElection: c.LeaderElection,
		LeaderLockKey:  c.LeaderLockKey,
	}
	if c.SQLiteBusyTimeout > 0 {
		masked.SQLiteBusyTimeout = c.SQLiteBusyTimeout.String()
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if
// present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "redis://", "rediss://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
