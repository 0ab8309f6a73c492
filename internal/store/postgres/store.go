// Package postgres implements the task store on PostgreSQL, for deployments
// that already run one or want several fy4b instances sharing state. The
// claim path uses guarded single statements rather than transactions: the
// row lock is taken before the WHERE guard is evaluated, which rules out
// check-then-act races under concurrency.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lanseria/fy-4b-tools/internal/domain"
	"github.com/lanseria/fy-4b-tools/internal/store"
)

// Store implements store.Store using PostgreSQL.
type Store struct {
	db *sql.DB

	// now is swapped in tests for deterministic rows.
	now func() time.Time
}

// New creates a PostgreSQL store with the given database connection.
// The caller owns the connection; Close closes it.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate applies the schema. Safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaTasks)
	return err
}

// Get returns the record for ts or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, ts domain.Timestamp) (domain.TaskRecord, error) {
	rec, err := scanTask(s.db.QueryRowContext(ctx, queryGetTask, string(ts)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskRecord{}, store.ErrNotFound
	}
	return rec, err
}

// MarkRunning claims ts with a guarded UPDATE, falling back to an insert for
// unseen timestamps. Another claimant can hold at most one of the two paths,
// so exactly one caller wins.
func (s *Store) MarkRunning(ctx context.Context, ts domain.Timestamp, runID uuid.UUID) (domain.TaskRecord, error) {
	now := s.now().UTC()

	result, err := s.db.ExecContext(ctx, queryClaimExisting, runID, now, string(ts))
	if err != nil {
		return domain.TaskRecord{}, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return domain.TaskRecord{}, err
	}
	if n == 1 {
		return s.Get(ctx, ts)
	}

	result, err = s.db.ExecContext(ctx, queryInsertRunning, string(ts), runID, now)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	n, err = result.RowsAffected()
	if err != nil {
		return domain.TaskRecord{}, err
	}
	if n == 1 {
		return domain.TaskRecord{
			Timestamp:     ts,
			Status:        domain.TaskStatusRunning,
			LastRunID:     runID,
			LastAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}, nil
	}

	// Neither path claimed: the row exists in a state the guard excludes.
	// Distinguish why with a follow-up read.
	rec, err := s.Get(ctx, ts)
	if err != nil {
		// Deleted between statements; report a conflict and let the next
		// tick sort it out.
		if errors.Is(err, store.ErrNotFound) {
			return domain.TaskRecord{}, store.ErrConflict
		}
		return domain.TaskRecord{}, err
	}
	switch rec.Status {
	case domain.TaskStatusSucceeded:
		return rec, store.ErrSucceeded
	default:
		return rec, store.ErrConflict
	}
}

// MarkSucceeded moves ts to succeeded and clears the failure cause.
func (s *Store) MarkSucceeded(ctx context.Context, ts domain.Timestamp) error {
	result, err := s.db.ExecContext(ctx, queryMarkSucceeded, s.now().UTC(), string(ts))
	if err != nil {
		return err
	}
	return requireRow(result)
}

// MarkFailed moves ts to failed, recording cause and counting the attempt.
func (s *Store) MarkFailed(ctx context.Context, ts domain.Timestamp, cause string) error {
	result, err := s.db.ExecContext(ctx, queryMarkFailed, cause, s.now().UTC(), string(ts))
	if err != nil {
		return err
	}
	return requireRow(result)
}

// EnsurePending inserts a pending row unless any row exists for ts.
func (s *Store) EnsurePending(ctx context.Context, ts domain.Timestamp) (bool, error) {
	result, err := s.db.ExecContext(ctx, queryEnsurePending, string(ts), s.now().UTC())
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListPending returns up to limit pending rows, oldest timestamp first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]domain.TaskRecord, error) {
	return s.list(ctx, queryListPending, limit)
}

// ListIncomplete returns every running and failed row, oldest first.
func (s *Store) ListIncomplete(ctx context.Context) ([]domain.TaskRecord, error) {
	return s.list(ctx, queryListIncomplete)
}

// ListRecent returns up to limit rows ordered by most recent update.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]domain.TaskRecord, error) {
	return s.list(ctx, queryListRecent, limit)
}

// RecentFailures returns up to limit failed rows, most recent first.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]domain.TaskRecord, error) {
	return s.list(ctx, queryRecentFailures, limit)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]domain.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ReclaimStale moves running rows whose attempt started before cutoff back
// to failed, counting the interrupted run as a completed attempt.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time, cause string) (int, error) {
	result, err := s.db.ExecContext(ctx, queryReclaimStale, cause, s.now().UTC(), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Stats aggregates row counts for the admin API and status command.
func (s *Store) Stats(ctx context.Context, giveUpAt int) (store.Stats, error) {
	var st store.Stats
	err := s.db.QueryRowContext(ctx, queryStats, giveUpAt).Scan(
		&st.Pending, &st.Running, &st.Succeeded, &st.Failed, &st.GivenUp)
	if err != nil {
		return store.Stats{}, err
	}

	var last string
	err = s.db.QueryRowContext(ctx, queryLastSuccess).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return store.Stats{}, err
	default:
		st.LastSuccess = domain.Timestamp(last)
	}
	return st, nil
}

// Delete removes the row for ts. Missing rows are not an error.
func (s *Store) Delete(ctx context.Context, ts domain.Timestamp) error {
	_, err := s.db.ExecContext(ctx, queryDeleteTask, string(ts))
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// requireRow maps zero rows affected to store.ErrNotFound.
func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.TaskRecord, error) {
	var (
		rec       domain.TaskRecord
		ts        string
		status    string
		runID     uuid.NullUUID
		attemptAt sql.NullTime
	)
	err := row.Scan(&ts, &status, &rec.Attempts, &rec.LastError, &runID,
		&attemptAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	rec.Timestamp = domain.Timestamp(ts)
	rec.Status = domain.TaskStatus(status)
	if runID.Valid {
		rec.LastRunID = runID.UUID
	}
	if attemptAt.Valid {
		rec.LastAttemptAt = attemptAt.Time
	}
	return rec, nil
}
