// Package sqlite implements the task store on a local SQLite file. It is the
// default backend: a single daemon plus occasional one-shot CLI invocations
// share the file safely through WAL mode and a busy timeout.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lanseria/fy-4b-tools/internal/domain"
	"github.com/lanseria/fy-4b-tools/internal/store"
)

// DefaultBusyTimeout bounds how long a connection waits on the write lock
// before giving up with SQLITE_BUSY.
const DefaultBusyTimeout = 5 * time.Second

// Config holds SQLite backend settings.
type Config struct {
	// Path is the database file. Parent directories are created on open.
	Path string

	// BusyTimeout is passed to the driver as _busy_timeout. Zero means
	// DefaultBusyTimeout.
	BusyTimeout time.Duration
}

// Store implements store.Store on a SQLite database file.
type Store struct {
	db *sql.DB

	// now is swapped in tests for deterministic rows.
	now func() time.Time
}

// Open opens (creating if needed) the database file and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}

	// _txlock=immediate makes claim transactions take the write lock at
	// BEGIN, so concurrent claimants serialize on the busy timeout instead
	// of failing mid-transaction on a stale read snapshot.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate",
		cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(schemaTasks)
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

// MarkRunning claims ts inside an immediate transaction. The write lock is
// held from BEGIN, so the read-check-write below cannot interleave with
// another claim, in-process or from a one-shot CLI sharing the file.
func (s *Store) MarkRunning(ctx context.Context, ts domain.Timestamp, runID uuid.UUID) (domain.TaskRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	rec, err := scanTask(tx.QueryRowContext(ctx, queryGetTask, string(ts)))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rec = domain.TaskRecord{
			Timestamp:     ts,
			Status:        domain.TaskStatusRunning,
			LastRunID:     runID,
			LastAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		_, err = tx.ExecContext(ctx, queryInsertRunning,
			string(ts), runID.String(), now, now, now)
		if err != nil {
			return domain.TaskRecord{}, err
		}
	case err != nil:
		return domain.TaskRecord{}, err
	default:
		switch rec.Status {
		case domain.TaskStatusRunning:
			return rec, store.ErrConflict
		case domain.TaskStatusSucceeded:
			return rec, store.ErrSucceeded
		}
		_, err = tx.ExecContext(ctx, queryClaimTask,
			runID.String(), now, now, string(ts))
		if err != nil {
			return domain.TaskRecord{}, err
		}
		rec.Status = domain.TaskStatusRunning
		rec.LastRunID = runID
		rec.LastAttemptAt = now
		rec.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return domain.TaskRecord{}, err
	}
	return rec, nil
}

// MarkSucceeded moves ts to succeeded and clears the failure cause.
func (s *Store) MarkSucceeded(ctx context.Context, ts domain.Timestamp) error {
	return s.terminal(ctx, queryMarkSucceeded, string(ts))
}

// MarkFailed moves ts to failed, recording cause and counting the attempt.
func (s *Store) MarkFailed(ctx context.Context, ts domain.Timestamp, cause string) error {
	return s.terminal(ctx, queryMarkFailed, cause, string(ts))
}

// terminal runs an UPDATE that binds updated_at as its first placeholder.
// Zero rows affected means no such task.
func (s *Store) terminal(ctx context.Context, query string, args ...any) error {
	all := make([]any, 0, len(args)+1)
	all = append(all, s.now().UTC())
	all = append(all, args...)

	result, err := s.db.ExecContext(ctx, query, all...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// EnsurePending inserts a pending row unless any row exists for ts.
func (s *Store) EnsurePending(ctx context.Context, ts domain.Timestamp) (bool, error) {
	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx, queryEnsurePending, string(ts), now, now)
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
// to failed. The interrupted run counts as a completed attempt so backoff
// keeps growing across crashes.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time, cause string) (int, error) {
	result, err := s.db.ExecContext(ctx, queryReclaimStale,
		cause, s.now().UTC(), cutoff.UTC())
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

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.TaskRecord, error) {
	var (
		rec       domain.TaskRecord
		ts        string
		status    string
		runID     string
		attemptAt sql.NullTime
	)
	err := row.Scan(&ts, &status, &rec.Attempts, &rec.LastError, &runID,
		&attemptAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	rec.Timestamp = domain.Timestamp(ts)
	rec.Status = domain.TaskStatus(status)
	if runID != "" {
		if id, err := uuid.Parse(runID); err == nil {
			rec.LastRunID = id
		}
	}
	if attemptAt.Valid {
		rec.LastAttemptAt = attemptAt.Time
	}
	return rec, nil
}
