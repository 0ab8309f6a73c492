// Package retention thins the tile archive to one set per local day. The
// upstream publishes every quarter hour, which at six zoom levels adds up
// fast; once a day has aged past the floor only the set closest to local
// noon is kept. Days are reckoned in a configured fixed-offset zone.
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/cron"
	"github.com/lanseria/fy-4b-tools/internal/domain"
	"github.com/lanseria/fy-4b-tools/internal/metrics"
	"github.com/lanseria/fy-4b-tools/internal/steps"
)

const (
	DefaultSchedule      = "0 3 * * *"
	DefaultTZOffsetHours = 8
	DefaultMinAge        = 48 * time.Hour
)

// Store is the slice of the task store the sweeper deletes rows from.
type Store interface {
	Delete(ctx context.Context, ts domain.Timestamp) error
}

// Metrics is the slice of the sink the sweeper reports to.
type Metrics interface {
	RetentionDeleted(count int)
}

// Config holds retention knobs.
type Config struct {
	// DataDir is the artifact root holding the tile sets and their index.
	DataDir string

	// Schedule is a five-field cron expression for daemon sweeps,
	// evaluated in the sweep zone.
	Schedule string

	// TZOffsetHours shifts UTC to the zone whose days and noon the sweep
	// reasons about.
	TZOffsetHours int

	// MinAge keeps recent days out of the sweep entirely. Only days that
	// ended before now-MinAge are thinned.
	MinAge time.Duration

	// Execute performs deletions. Unset, the sweep only logs its plan.
	Execute bool
}

// Plan is the outcome of planning one sweep: every index entry examined,
// split into survivors and deletions.
type Plan struct {
	Examined int
	Keep     []domain.Timestamp
	Remove   []domain.Timestamp
}

type Sweeper struct {
	cfg     Config
	store   Store
	log     zerolog.Logger
	metrics Metrics
	zone    *time.Location

	clock func() time.Time
}

func New(cfg Config, st Store, log zerolog.Logger) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = DefaultMinAge
	}
	name := fmt.Sprintf("UTC%+d", cfg.TZOffsetHours)
	return &Sweeper{
		cfg:     cfg,
		store:   st,
		log:     log,
		metrics: metrics.NewNoopSink(),
		zone:    time.FixedZone(name, cfg.TZOffsetHours*3600),
		clock:   time.Now,
	}
}

// WithMetrics attaches a sink for deletion counts.
func (s *Sweeper) WithMetrics(m Metrics) *Sweeper {
	s.metrics = m
	return s
}

// Run sweeps on the cron schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	sched, err := cron.NewParser().ParseInLocation(s.cfg.Schedule, s.zone)
	if err != nil {
		return fmt.Errorf("parse retention schedule: %w", err)
	}

	s.log.Info().Str("schedule", s.cfg.Schedule).Str("zone", s.zone.String()).
		Bool("dry_run", !s.cfg.Execute).Msg("retention sweeper started")

	for {
		now := s.clock()
		timer := time.NewTimer(sched.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info().Msg("retention sweeper stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// SweepOnce plans and, when Execute is set, applies one sweep pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (Plan, error) {
	index, err := steps.ReadIndex(s.cfg.DataDir)
	if err != nil {
		return Plan{}, fmt.Errorf("read tile index: %w", err)
	}

	plan := s.plan(index, s.clock().UTC())
	if len(plan.Remove) == 0 {
		s.log.Debug().Int("examined", plan.Examined).Msg("nothing to sweep")
		return plan, nil
	}

	if !s.cfg.Execute {
		for _, ts := range plan.Remove {
			s.log.Info().Str("timestamp", ts.String()).Msg("dry run, would delete tile set")
		}
		s.log.Info().Int("examined", plan.Examined).Int("keep", len(plan.Keep)).
			Int("remove", len(plan.Remove)).Msg("dry run complete, nothing deleted")
		return plan, nil
	}

	var removed []domain.Timestamp
	for _, ts := range plan.Remove {
		if err := ctx.Err(); err != nil {
			s.updateIndex(removed)
			return plan, err
		}
		if err := s.remove(ctx, ts); err != nil {
			s.log.Error().Str("timestamp", ts.String()).Err(err).Msg("sweep delete failed")
			continue
		}
		removed = append(removed, ts)
	}
	s.updateIndex(removed)

	s.metrics.RetentionDeleted(len(removed))
	s.log.Info().Int("deleted", len(removed)).Int("kept", len(plan.Keep)).Msg("sweep complete")
	return plan, nil
}

// plan splits the index into survivors and deletions: days that ended
// before the age floor keep only their noon-closest member, everything
// younger survives untouched.
func (s *Sweeper) plan(index []domain.Timestamp, now time.Time) Plan {
	plan := Plan{Examined: len(index)}
	cutoffDay := now.Add(-s.cfg.MinAge).In(s.zone).Format(time.DateOnly)

	groups := make(map[string][]domain.Timestamp)
	for _, ts := range index {
		t := ts.Time()
		if t.IsZero() {
			s.log.Warn().Str("timestamp", ts.String()).Msg("unparseable index entry left alone")
			plan.Keep = append(plan.Keep, ts)
			continue
		}
		day := t.In(s.zone).Format(time.DateOnly)
		if day >= cutoffDay {
			plan.Keep = append(plan.Keep, ts)
			continue
		}
		groups[day] = append(groups[day], ts)
	}

	for _, members := range groups {
		keeper := s.closestToNoon(members)
		for _, ts := range members {
			if ts == keeper {
				plan.Keep = append(plan.Keep, ts)
			} else {
				plan.Remove = append(plan.Remove, ts)
			}
		}
	}

	sort.Slice(plan.Keep, func(i, j int) bool { return plan.Keep[i] < plan.Keep[j] })
	sort.Slice(plan.Remove, func(i, j int) bool { return plan.Remove[i] < plan.Remove[j] })
	return plan
}

// closestToNoon picks the member nearest 12:00 local. Ties go to the
// earlier timestamp.
func (s *Sweeper) closestToNoon(members []domain.Timestamp) domain.Timestamp {
	best := members[0]
	bestDist := s.noonDistance(best)
	for _, ts := range members[1:] {
		if d := s.noonDistance(ts); d < bestDist || (d == bestDist && ts < best) {
			best, bestDist = ts, d
		}
	}
	return best
}

func (s *Sweeper) noonDistance(ts domain.Timestamp) time.Duration {
	local := ts.Time().In(s.zone)
	noon := time.Date(local.Year(), local.Month(), local.Day(), 12, 0, 0, 0, s.zone)
	d := local.Sub(noon)
	if d < 0 {
		d = -d
	}
	return d
}

// remove deletes the artifacts for ts: the tile set first, then the store
// row. The index entry goes last, in one batch, so an interrupted sweep
// leaves stale index entries rather than orphaned directories.
func (s *Sweeper) remove(ctx context.Context, ts domain.Timestamp) error {
	layout := steps.Layout{DataDir: s.cfg.DataDir, Timestamp: ts}
	if err := os.RemoveAll(layout.TileSetDir()); err != nil {
		return fmt.Errorf("remove tile set: %w", err)
	}
	if err := s.store.Delete(ctx, ts); err != nil {
		return fmt.Errorf("delete store row: %w", err)
	}
	return nil
}

func (s *Sweeper) updateIndex(removed []domain.Timestamp) {
	if len(removed) == 0 {
		return
	}
	if err := steps.RemoveFromIndex(s.cfg.DataDir, removed); err != nil {
		s.log.Error().Err(err).Msg("tile index update failed")
	}
}
