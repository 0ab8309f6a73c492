package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/domain"
	"github.com/lanseria/fy-4b-tools/internal/store"
)

// mockHandlerStore implements Store for handler tests.
type mockHandlerStore struct {
	mu sync.Mutex

	statsFn      func(ctx context.Context, giveUpAt int) (store.Stats, error)
	listRecentFn func(ctx context.Context, limit int) ([]domain.TaskRecord, error)
	pingFn       func(ctx context.Context) error
}

func (s *mockHandlerStore) Stats(ctx context.Context, giveUpAt int) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statsFn != nil {
		return s.statsFn(ctx, giveUpAt)
	}
	return store.Stats{}, nil
}

func (s *mockHandlerStore) ListRecent(ctx context.Context, limit int) ([]domain.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listRecentFn != nil {
		return s.listRecentFn(ctx, limit)
	}
	return nil, nil
}

func (s *mockHandlerStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingFn != nil {
		return s.pingFn(ctx)
	}
	return nil
}

func newTestHandler(st *mockHandlerStore) *Handler {
	return NewHandler(st, 10, zerolog.Nop())
}

// --- /health ---

func TestHandler_Health(t *testing.T) {
	handler := newTestHandler(&mockHandlerStore{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
	if len(resp.Components) != 0 {
		t.Errorf("plain health check should not report components, got %v", resp.Components)
	}
}

func TestHandler_HealthVerbose(t *testing.T) {
	handler := newTestHandler(&mockHandlerStore{})

	req := httptest.NewRequest(http.MethodGet, "/health?verbose=true", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Components["store"] != "healthy" {
		t.Errorf("store component = %q, want healthy", resp.Components["store"])
	}
}

func TestHandler_HealthVerboseDegraded(t *testing.T) {
	st := &mockHandlerStore{
		pingFn: func(ctx context.Context) error {
			return errors.New("connection refused")
		},
	}
	handler := newTestHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/health?verbose=true", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("Status = %q, want degraded", resp.Status)
	}
	if resp.Components["store"] == "healthy" {
		t.Error("store component should report the ping failure")
	}
}

// --- /status ---

func TestHandler_Status(t *testing.T) {
	var gotGiveUpAt int
	st := &mockHandlerStore{
		statsFn: func(ctx context.Context, giveUpAt int) (store.Stats, error) {
			gotGiveUpAt = giveUpAt
			return store.Stats{
				Pending:     3,
				Running:     1,
				Succeeded:   40,
				Failed:      2,
				GivenUp:     1,
				LastSuccess: "20240115120000",
			}, nil
		},
	}
	handler := newTestHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if gotGiveUpAt != 10 {
		t.Errorf("store queried with giveUpAt %d, want 10", gotGiveUpAt)
	}

	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Stats.Succeeded != 40 {
		t.Errorf("Succeeded = %d, want 40", resp.Stats.Succeeded)
	}
	if resp.Stats.LastSuccess != "20240115120000" {
		t.Errorf("LastSuccess = %q, want 20240115120000", resp.Stats.LastSuccess)
	}
	if resp.GiveUpAt != 10 {
		t.Errorf("GiveUpAt = %d, want 10", resp.GiveUpAt)
	}
}

func TestHandler_StatusStoreError(t *testing.T) {
	st := &mockHandlerStore{
		statsFn: func(ctx context.Context, giveUpAt int) (store.Stats, error) {
			return store.Stats{}, errors.New("database is locked")
		},
	}
	handler := newTestHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Error == "" {
		t.Error("error response should carry a message")
	}
}

// --- /timestamps ---

func TestHandler_Timestamps(t *testing.T) {
	runID := uuid.New()
	attemptAt := time.Date(2024, 1, 15, 12, 5, 0, 0, time.UTC)
	var gotLimit int
	st := &mockHandlerStore{
		listRecentFn: func(ctx context.Context, limit int) ([]domain.TaskRecord, error) {
			gotLimit = limit
			return []domain.TaskRecord{
				{
					Timestamp:     "20240115120000",
					Status:        domain.TaskStatusFailed,
					Attempts:      2,
					LastError:     "acquire grid: connection refused",
					LastRunID:     runID,
					LastAttemptAt: attemptAt,
					UpdatedAt:     attemptAt,
				},
				{
					Timestamp: "20240115114500",
					Status:    domain.TaskStatusPending,
					UpdatedAt: attemptAt,
				},
			}, nil
		},
	}
	handler := newTestHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/timestamps", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if gotLimit != DefaultLimit {
		t.Errorf("store queried with limit %d, want %d", gotLimit, DefaultLimit)
	}

	var resp ListTimestampsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(resp.Timestamps) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(resp.Timestamps))
	}

	failed := resp.Timestamps[0]
	if failed.Timestamp != "20240115120000" || failed.Status != "failed" || failed.Attempts != 2 {
		t.Errorf("failed row mapped wrong: %+v", failed)
	}
	if failed.LastRunID != runID.String() {
		t.Errorf("LastRunID = %q, want %s", failed.LastRunID, runID)
	}
	if failed.LastAttemptAt == "" {
		t.Error("failed row should carry last_attempt_at")
	}

	pending := resp.Timestamps[1]
	if pending.LastRunID != "" || pending.LastAttemptAt != "" {
		t.Errorf("pending row should omit run fields: %+v", pending)
	}
}

func TestHandler_TimestampsLimitClamped(t *testing.T) {
	var gotLimit int
	st := &mockHandlerStore{
		listRecentFn: func(ctx context.Context, limit int) ([]domain.TaskRecord, error) {
			gotLimit = limit
			return nil, nil
		},
	}
	handler := newTestHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/timestamps?limit=5000", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if gotLimit != MaxLimit {
		t.Errorf("store queried with limit %d, want clamp to %d", gotLimit, MaxLimit)
	}
}

func TestHandler_TimestampsBadLimit(t *testing.T) {
	handler := newTestHandler(&mockHandlerStore{})

	req := httptest.NewRequest(http.MethodGet, "/timestamps?limit=abc", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- routing ---

func TestHandler_MethodNotAllowed(t *testing.T) {
	handler := newTestHandler(&mockHandlerStore{})

	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestHandler_UnknownPath(t *testing.T) {
	handler := newTestHandler(&mockHandlerStore{})

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandler_MetricsDisabled(t *testing.T) {
	handler := newTestHandler(&mockHandlerStore{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a metrics handler, got %d", w.Code)
	}
}

func TestHandler_MetricsDelegates(t *testing.T) {
	exposition := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# HELP fy4b_runs_total\n"))
	})
	handler := newTestHandler(&mockHandlerStore{}).WithMetrics(exposition)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Error("metrics handler not invoked")
	}
}
