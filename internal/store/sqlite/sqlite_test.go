package sqlite

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lanseria/fy-4b-tools/internal/domain"
	"github.com/lanseria/fy-4b-tools/internal/store"
	"github.com/lanseria/fy-4b-tools/internal/testutil"
)

var _ store.Store = (*Store)(nil)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMarkRunning_ClaimLifecycle verifies the full claim state machine:
// a fresh timestamp is claimable, a running one conflicts, and a succeeded
// one reports ErrSucceeded.
func TestMarkRunning_ClaimLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.TestContext(t)
	ts := domain.Timestamp("20260815041500")

	rec, err := s.MarkRunning(ctx, ts, uuid.New())
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if rec.Status != domain.TaskStatusRunning {
		t.Errorf("expected status running, got %s", rec.Status)
	}
	if rec.Attempts != 0 {
		t.Errorf("expected 0 attempts on fresh claim, got %d", rec.Attempts)
	}

	if _, err := s.MarkRunning(ctx, ts, uuid.New()); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict on second claim, got %v", err)
	}

	if err := s.MarkSucceeded(ctx, ts); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}

	if _, err := s.MarkRunning(ctx, ts, uuid.New()); !errors.Is(err, store.ErrSucceeded) {
		t.Errorf("expected ErrSucceeded after completion, got %v", err)
	}
}

// TestMarkRunning_Concurrent verifies that when many goroutines race to
// claim the same timestamp, exactly one wins.
func TestMarkRunning_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.TestContext(t)
	ts := domain.Timestamp("20260815043000")

	const racers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		claimed   int
		conflicts int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.MarkRunning(ctx, ts, uuid.New())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				claimed++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Errorf("expected exactly 1 winner, got %d", claimed)
	}
	if conflicts != racers-1 {
		t.Errorf("expected %d conflicts, got %d", racers-1, conflicts)
	}
}

// TestMarkFailed_CountsAttemptsAndAllowsReclaim verifies that failures
// increment the attempt counter, record the cause, and leave the row
// claimable again.
func TestMarkFailed_CountsAttemptsAndAllowsReclaim(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.TestContext(t)
	ts := domain.Timestamp("20260815044500")

	if _, err := s.MarkRunning(ctx, ts, uuid.New()); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := s.MarkFailed(ctx, ts, "upstream tile missing"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	rec, err := s.Get(ctx, ts)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != domain.TaskStatusFailed {
		t.Errorf("expected status failed, got %s", rec.Status)
	}
	if rec.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", rec.Attempts)
	}
	if rec.LastError != "upstream tile missing" {
		t.Errorf("unexpected last_error: %q", rec.LastError)
	}

	rec, err = s.MarkRunning(ctx, ts, uuid.New())
	if err != nil {
		t.Fatalf("re-claim after failure should succeed: %v", err)
	}
	if rec.Attempts != 1 {
		t.Errorf("re-claim should not change attempts, got %d", rec.Attempts)
	}
}

// TestMarkTerminal_MissingRow verifies terminal transitions on unknown
// timestamps report ErrNotFound.
func TestMarkTerminal_MissingRow(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.TestContext(t)

	if err := s.MarkSucceeded(ctx, "20260101000000"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("MarkSucceeded: expected ErrNotFound, got %v", err)
	}
	if err := s.MarkFailed(ctx, "20260101000000", "boom"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("MarkFailed: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, "20260101000000"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get: expected ErrNotFound, got %v", err)
	}
}

// TestEnsurePending verifies the insert-if-absent contract: a fresh row is
// created once and existing rows are never downgraded.
func TestEnsurePending(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.TestContext(t)
	ts := domain.Timestamp("20260815050000")

	created, err := s.EnsurePending(ctx, ts)
	if err != nil {
		t.Fatalf("EnsurePending failed: %v", err)
	}
	if !created {
		t.Error("expected created=true for fresh timestamp")
	}

	created, err = s.EnsurePending(ctx, ts)
	if err != nil {
		t.Fatalf("second EnsurePending failed: %v", err)
	}
	if created {
		t.Error("expected created=false for existing row")
	}

	if _, err := s.MarkRunning(ctx, ts, uuid.New()); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := s.MarkSucceeded(ctx, ts); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}

	created, err = s.EnsurePending(ctx, ts)
	if err != nil {
		t.Fatalf("EnsurePending after success failed: %v", err)
	}
	if created {
		t.Error("EnsurePending must not recreate a succeeded row")
	}
	rec, err := s.Get(ctx, ts)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != domain.TaskStatusSucceeded {
		t.Errorf("succeeded row was downgraded to %s", rec.Status)
	}
}

// TestListPending verifies ordering (oldest first) and the limit.
func TestListPending(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.TestContext(t)

	for _, ts := range []domain.Timestamp{"20260815043000", "20260815040000", "20260815041500"} {
		if _, err := s.EnsurePending(ctx, ts); err != nil {
			t.Fatalf("EnsurePending(%s) failed: %v", ts, err)
		}
	}

	rows, err := s.ListPending(ctx, 2)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Timestamp != "20260815040000" || rows[1].Timestamp != "20260815041500" {
		t.Errorf("unexpected order: %s, %s", rows[0].Timestamp, rows[1].Timestamp)
	}
}

// TestListIncomplete verifies that running and failed rows are returned,
// oldest first, and succeeded rows are excluded.
func TestListIncomplete(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.TestContext(t)

	running := domain.Timestamp("20260815040000")
	failed := domain.Timestamp("20260815041500")
	done := domain.Timestamp("20260815043000")

	for _, ts := range []domain.Timestamp{running, failed, done} {
		if _, err := s.MarkRunning(ctx, ts, uuid.New()); err != nil {
			t.Fatalf("claim %s failed: %v", ts, err)
		}
	}
	if err := s.MarkFailed(ctx, failed, "boom"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if err := s.MarkSucceeded(ctx, done); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}

	rows, err := s.ListIncomplete(ctx)
	if err != nil {
		t.Fatalf("ListIncomplete failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 incomplete rows, got %d", len(rows))
	}
	if rows[0].Timestamp != running || rows[1].Timestamp != failed {
		t.Errorf("unexpected rows: %s, %s", rows[0].Timestamp, rows[1].Timestamp)
	}
}

// TestReclaimStale verifies that only running rows whose attempt started
// before the cutoff are reclaimed, and that the interrupted run counts as
// a completed attempt.
func TestReclaimStale(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.TestContext(t)

	clock := testutil.NewFakeClock(time.Date(2026, 8, 15, 4, 0, 0, 0, time.UTC))
	s.now = clock.Now

	stale := domain.Timestamp("20260815030000")
	if _, err := s.MarkRunning(ctx, stale, uuid.New()); err != nil {
		t.Fatalf("claim stale failed: %v", err)
	}

	clock.Advance(time.Hour)
	fresh := domain.Timestamp("20260815040000")
	if _, err := s.MarkRunning(ctx, fresh, uuid.New()); err != nil {
		t.Fatalf("claim fresh failed: %v", err)
	}

	cutoff := clock.Now().Add(-30 * time.Minute)
	n, err := s.ReclaimStale(ctx, cutoff, "liveness timeout exceeded")
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed row, got %d", n)
	}

	rec, err := s.Get(ctx, stale)
	if err != nil {
		t.Fatalf("Get stale failed: %v", err)
	}
	if rec.Status != domain.TaskStatusFailed {
		t.Errorf("expected stale row failed, got %s", rec.Status)
	}
	if rec.Attempts != 1 {
		t.Errorf("interrupted run should count as an attempt, got %d", rec.Attempts)
	}
	if rec.LastError != "liveness timeout exceeded" {
		t.Errorf("unexpected cause: %q", rec.LastError)
	}

	rec, err = s.Get(ctx, fresh)
	if err != nil {
		t.Fatalf("Get fresh failed: %v", err)
	}
	if rec.Status != domain.TaskStatusRunning {
		t.Errorf("fresh row must stay running, got %s", rec.Status)
	}
}

// TestStats verifies the aggregate counts including the give-up bucket and
// the last-success timestamp.
func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.TestContext(t)

	if _, err := s.EnsurePending(ctx, "20260815010000"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkRunning(ctx, "20260815011500", uuid.New()); err != nil {
		t.Fatal(err)
	}

	for _, ts := range []domain.Timestamp{"20260815013000", "20260815014500"} {
		if _, err := s.MarkRunning(ctx, ts, uuid.New()); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkSucceeded(ctx, ts); err != nil {
			t.Fatal(err)
		}
	}

	exhausted := domain.Timestamp("20260815020000")
	for i := 0; i < 3; i++ {
		if _, err := s.MarkRunning(ctx, exhausted, uuid.New()); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkFailed(ctx, exhausted, "boom"); err != nil {
			t.Fatal(err)
		}
	}

	st, err := s.Stats(ctx, 3)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.Pending != 1 || st.Running != 1 || st.Succeeded != 2 || st.Failed != 1 {
		t.Errorf("unexpected counts: %+v", st)
	}
	if st.GivenUp != 1 {
		t.Errorf("expected 1 given-up row at threshold 3, got %d", st.GivenUp)
	}
	if st.LastSuccess != "20260815014500" {
		t.Errorf("expected last success 20260815014500, got %s", st.LastSuccess)
	}
}

// TestRecentFailures verifies most-recent-first ordering.
func TestRecentFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.TestContext(t)

	clock := testutil.NewFakeClock(time.Date(2026, 8, 15, 4, 0, 0, 0, time.UTC))
	s.now = clock.Now

	for _, ts := range []domain.Timestamp{"20260815040000", "20260815041500"} {
		if _, err := s.MarkRunning(ctx, ts, uuid.New()); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkFailed(ctx, ts, "boom"); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Minute)
	}

	rows, err := s.RecentFailures(ctx, 10)
	if err != nil {
		t.Fatalf("RecentFailures failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(rows))
	}
	if rows[0].Timestamp != "20260815041500" {
		t.Errorf("expected most recent failure first, got %s", rows[0].Timestamp)
	}
}

// TestDelete verifies removal and that deleting a missing row is not an
// error.
func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.TestContext(t)
	ts := domain.Timestamp("20260815040000")

	if _, err := s.EnsurePending(ctx, ts); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, ts); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, ts); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, ts); err != nil {
		t.Errorf("deleting a missing row should not error, got %v", err)
	}
}

// TestOpen_CreatesParentDir verifies the data directory is created on open.
func TestOpen_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.db")
	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open with nested path failed: %v", err)
	}
	defer s.Close()

	if err := s.Ping(testutil.TestContext(t)); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

// TestOpen_EmptyPath verifies the path is required.
func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}
