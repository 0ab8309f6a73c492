// Package analytics ships run outcome counters to Redis, one counter per
// outcome per hour. The counters feed dashboards; run settlement never
// depends on them.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/domain"
)

// DefaultRetention bounds how long outcome counters live in Redis.
const DefaultRetention = 7 * 24 * time.Hour

const keyPrefix = "fy4b:runs:"

// RedisSink counts finished runs in hourly buckets.
type RedisSink struct {
	client    *redis.Client
	retention time.Duration
	log       zerolog.Logger
}

func NewRedisSink(client *redis.Client, log zerolog.Logger) *RedisSink {
	return &RedisSink{client: client, retention: DefaultRetention, log: log}
}

// WithRetention overrides the counter expiry.
func (s *RedisSink) WithRetention(d time.Duration) *RedisSink {
	if d > 0 {
		s.retention = d
	}
	return s
}

// RecordRun counts one finished run. Errors are handled internally;
// analytics never affects run settlement.
func (s *RedisSink) RecordRun(ctx context.Context, res domain.RunResult) {
	if err := s.Write(ctx, res.Outcome, res.Timestamp, res.FinishedAt); err != nil {
		s.log.Warn().Str("timestamp", res.Timestamp.String()).Err(err).Msg("analytics write failed")
	}
}

// Write increments the counter for outcome in the hour bucket holding at
// and refreshes its expiry.
func (s *RedisSink) Write(ctx context.Context, outcome domain.RunOutcome, ts domain.Timestamp, at time.Time) error {
	key := buildKey(outcome, at)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func buildKey(outcome domain.RunOutcome, at time.Time) string {
	return keyPrefix + string(outcome) + ":" + hourBucket(at)
}

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}
