// Package leaderelection guards the daemon duties (scheduler, reconciler,
// retention) when several daemons share one Postgres store. A session-scoped
// advisory lock picks the leader; followers keep their dispatcher and admin
// server running and simply retry the lock. Dispatch correctness never
// depends on the election: the store claim is the mutual-exclusion point,
// the election only avoids duplicated resolution work.
//
// The lock is held for the lifetime of a dedicated database connection;
// there is no renewal or TTL. If the connection dies, Postgres releases the
// lock server-side (timing depends on TCP keepalive settings). The heartbeat
// ping exists solely to detect local connection death so a demoted daemon
// stops its duties promptly. It does NOT renew the lock.
package leaderelection

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/metrics"
)

// Defaults for the election loop intervals. The lock key has no default
// here; it comes from configuration so unrelated deployments sharing one
// database can coexist.
const (
	DefaultRetryInterval     = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// Loss reasons reported when a leadership term ends.
const (
	reasonShutdown = "shutdown"
	reasonConnLost = "conn_lost"
)

// Metrics receives leadership changes. Implementations must not block.
type Metrics interface {
	LeaderStatusChanged(isLeader bool)
}

// Config carries the election loop settings.
type Config struct {
	// LockKey is the advisory lock key. Every daemon competing for the
	// same duties must use the same key.
	LockKey int64
	// RetryInterval is how often a follower attempts to take the lock.
	RetryInterval time.Duration
	// HeartbeatInterval is how often the leader pings its dedicated
	// connection to notice that the session died.
	HeartbeatInterval time.Duration
}

// Elector competes for a Postgres advisory lock and runs callbacks on
// leadership changes.
type Elector struct {
	cfg       Config
	db        *sql.DB
	onElected func(ctx context.Context)
	onDemoted func()
	log       zerolog.Logger
	metrics   Metrics
}

// New creates an Elector.
//
// onElected is called in a new goroutine when this daemon takes the lock.
// The context it receives is cancelled when leadership is lost; it should
// start the leader duties and return quickly.
//
// onDemoted is called synchronously when leadership is lost. It must stop
// the leader duties, block until they are fully stopped, and be idempotent.
func New(cfg Config, db *sql.DB, onElected func(ctx context.Context), onDemoted func(), log zerolog.Logger) *Elector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Elector{
		cfg:       cfg,
		db:        db,
		onElected: onElected,
		onDemoted: onDemoted,
		log:       log,
		metrics:   metrics.NewNoopSink(),
	}
}

// WithMetrics attaches a metrics sink. Returns the elector for chaining.
func (e *Elector) WithMetrics(m Metrics) *Elector {
	e.metrics = m
	return e
}

// Run blocks until ctx is cancelled, alternating between follower waits and
// leadership terms.
func (e *Elector) Run(ctx context.Context) {
	e.log.Info().
		Int64("lock_key", e.cfg.LockKey).
		Dur("retry", e.cfg.RetryInterval).
		Dur("heartbeat", e.cfg.HeartbeatInterval).
		Msg("election loop started")

	for {
		if ctx.Err() != nil {
			e.log.Info().Msg("election loop stopped")
			return
		}

		reason := e.runOnce(ctx)

		if ctx.Err() != nil {
			e.log.Info().Msg("election loop stopped")
			return
		}
		if reason != "" {
			e.log.Warn().Str("reason", reason).Dur("retry", e.cfg.RetryInterval).Msg("leadership lost")
		}

		select {
		case <-ctx.Done():
			e.log.Info().Msg("election loop stopped")
			return
		case <-time.After(e.cfg.RetryInterval):
		}
	}
}

// runOnce attempts to take the advisory lock and hold it.
// Returns the reason leadership ended, or "" if the lock was never taken.
func (e *Elector) runOnce(ctx context.Context) string {
	// Advisory locks are session-scoped, so the lock must live on one
	// dedicated connection for the whole leadership term.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("dedicated connection unavailable")
		return ""
	}
	defer conn.Close()

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.cfg.LockKey).Scan(&acquired)
	if err != nil {
		e.log.Error().Err(err).Msg("advisory lock query failed")
		return ""
	}
	if !acquired {
		e.log.Debug().Int64("lock_key", e.cfg.LockKey).Msg("lock held by another daemon")
		return ""
	}

	e.log.Info().Int64("lock_key", e.cfg.LockKey).Msg("became leader")
	e.metrics.LeaderStatusChanged(true)

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	// The ping detects local connection death; it does NOT renew the lock.
	reason := e.holdLock(ctx, conn)

	cancelLeader()
	e.onDemoted()
	e.metrics.LeaderStatusChanged(false)

	e.log.Info().Int64("lock_key", e.cfg.LockKey).Msg("released leader lock")
	return reason
}

// holdLock blocks while pinging the dedicated connection.
// Returns the reason the leadership term ended.
func (e *Elector) holdLock(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return reasonShutdown
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return reasonShutdown
				}
				e.log.Warn().Err(err).Msg("leader connection ping failed")
				return reasonConnLost
			}
		}
	}
}
