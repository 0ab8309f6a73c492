// Package store defines the persistence contract for per-timestamp task
// state. Two backends implement it: SQLite (the default, zero-setup) and
// Postgres (for deployments that already run one). Consumers that only need
// a slice of the API declare their own narrow interfaces; this package holds
// the full surface plus the sentinel errors both backends return.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lanseria/fy-4b-tools/internal/domain"
)

var (
	// ErrNotFound is returned when no row exists for the timestamp.
	ErrNotFound = errors.New("task not found")

	// ErrConflict is returned by MarkRunning when another run currently
	// holds the timestamp.
	ErrConflict = errors.New("task already running")

	// ErrSucceeded is returned by MarkRunning when the timestamp already
	// completed; callers skip it silently unless the run was forced.
	ErrSucceeded = errors.New("task already succeeded")
)

// Stats aggregates row counts for the admin API and the status command.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// GivenUp counts failed rows at or past the retry give-up threshold;
	// they are included in Failed as well.
	GivenUp int `json:"given_up"`

	// LastSuccess is the most recent succeeded timestamp, empty when none.
	LastSuccess domain.Timestamp `json:"last_success,omitempty"`
}

// Store is the full persistence surface. The claim methods carry the
// concurrency contract: MarkRunning is the single atomic gate that keeps at
// most one run in flight per timestamp, across goroutines and across
// processes sharing the same database.
type Store interface {
	// Get returns the record for ts or ErrNotFound.
	Get(ctx context.Context, ts domain.Timestamp) (domain.TaskRecord, error)

	// MarkRunning atomically claims ts for a new run. A missing row is
	// created and claimed in the same step. Returns ErrConflict when the
	// row is already running and ErrSucceeded when it already completed.
	// Attempts are not changed by a claim; they count completed runs.
	MarkRunning(ctx context.Context, ts domain.Timestamp, runID uuid.UUID) (domain.TaskRecord, error)

	// MarkSucceeded moves ts to succeeded and clears the failure cause.
	MarkSucceeded(ctx context.Context, ts domain.Timestamp) error

	// MarkFailed moves ts to failed, records cause and increments the
	// completed-attempt counter.
	MarkFailed(ctx context.Context, ts domain.Timestamp, cause string) error

	// EnsurePending inserts a pending row for ts unless any row already
	// exists. Reports whether a row was created.
	EnsurePending(ctx context.Context, ts domain.Timestamp) (bool, error)

	// ListPending returns up to limit pending rows, oldest timestamp first.
	ListPending(ctx context.Context, limit int) ([]domain.TaskRecord, error)

	// ListIncomplete returns every running and failed row, oldest first.
	// Used to rebuild the in-memory retry queue after a restart.
	ListIncomplete(ctx context.Context) ([]domain.TaskRecord, error)

	// ReclaimStale moves running rows whose last attempt started before
	// cutoff back to failed with the given cause, counting the interrupted
	// run as a completed attempt. Returns the number of rows reclaimed.
	ReclaimStale(ctx context.Context, cutoff time.Time, cause string) (int, error)

	// ListRecent returns up to limit rows ordered by most recent update.
	ListRecent(ctx context.Context, limit int) ([]domain.TaskRecord, error)

	// RecentFailures returns up to limit failed rows, most recent first.
	RecentFailures(ctx context.Context, limit int) ([]domain.TaskRecord, error)

	// Stats aggregates row counts. giveUpAt is the attempt threshold that
	// classifies a failed row as given up.
	Stats(ctx context.Context, giveUpAt int) (Stats, error)

	// Delete removes the row for ts. Deleting a missing row is not an error.
	Delete(ctx context.Context, ts domain.Timestamp) error

	Ping(ctx context.Context) error
	Close() error
}
