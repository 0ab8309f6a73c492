// Package api serves the admin HTTP surface: liveness, store aggregates,
// and recent task rows. The surface is read-only; runs are triggered by
// the scheduler or the CLI, never over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/domain"
	"github.com/lanseria/fy-4b-tools/internal/store"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const pingTimeout = 3 * time.Second

// Store is the slice of the task store the handlers read from.
type Store interface {
	Stats(ctx context.Context, giveUpAt int) (store.Stats, error)
	ListRecent(ctx context.Context, limit int) ([]domain.TaskRecord, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	store    Store
	giveUpAt int
	log      zerolog.Logger
	metrics  http.Handler // optional, nil = /metrics disabled
}

func NewHandler(st Store, giveUpAt int, log zerolog.Logger) *Handler {
	return &Handler{store: st, giveUpAt: giveUpAt, log: log}
}

// WithMetrics exposes m at /metrics.
func (h *Handler) WithMetrics(m http.Handler) *Handler {
	h.metrics = m
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch r.URL.Path {
	case "/health":
		h.health(w, r)

	case "/status":
		h.status(w, r)

	case "/timestamps":
		h.timestamps(w, r)

	case "/metrics":
		if h.metrics == nil {
			h.writeError(w, http.StatusNotFound, "not found")
			return
		}
		h.metrics.ServeHTTP(w, r)

	default:
		h.writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	if !verbose {
		h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{Status: "ok", Components: make(map[string]string)}

	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["store"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["store"] = "healthy"
	}

	status := http.StatusOK
	if resp.Status == "degraded" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context(), h.giveUpAt)
	if err != nil {
		h.log.Error().Err(err).Msg("status query failed")
		h.writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{Status: "ok", Stats: stats, GiveUpAt: h.giveUpAt})
}

func (h *Handler) timestamps(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("timestamp query failed")
		h.writeError(w, http.StatusInternalServerError, "failed to list timestamps")
		return
	}

	resp := ListTimestampsResponse{Timestamps: make([]TaskResponse, len(records))}
	for i, rec := range records {
		resp.Timestamps[i] = taskResponse(rec)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug().Err(err).Msg("response encode failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg})
}

// parseLimit reads ?limit=, applying the default and clamping to the
// hard cap. Zero means default, not unlimited.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	switch {
	case limit == 0:
		return DefaultLimit, nil
	case limit > MaxLimit:
		return MaxLimit, nil
	}
	return limit, nil
}
