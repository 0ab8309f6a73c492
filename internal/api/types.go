package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/lanseria/fy-4b-tools/internal/domain"
	"github.com/lanseria/fy-4b-tools/internal/store"
)

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// StatusResponse is the /status payload: store aggregates plus the retry
// threshold that classifies a failed row as given up.
type StatusResponse struct {
	Status   string      `json:"status"`
	Stats    store.Stats `json:"stats"`
	GiveUpAt int         `json:"give_up_at"`
}

// TaskResponse is one row of /timestamps.
type TaskResponse struct {
	Timestamp     string `json:"timestamp"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
	LastRunID     string `json:"last_run_id,omitempty"`
	LastAttemptAt string `json:"last_attempt_at,omitempty"`
	UpdatedAt     string `json:"updated_at"`
}

type ListTimestampsResponse struct {
	Timestamps []TaskResponse `json:"timestamps"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func taskResponse(rec domain.TaskRecord) TaskResponse {
	resp := TaskResponse{
		Timestamp: rec.Timestamp.String(),
		Status:    string(rec.Status),
		Attempts:  rec.Attempts,
		LastError: rec.LastError,
		UpdatedAt: formatTime(rec.UpdatedAt),
	}
	if rec.LastRunID != uuid.Nil {
		resp.LastRunID = rec.LastRunID.String()
	}
	if !rec.LastAttemptAt.IsZero() {
		resp.LastAttemptAt = formatTime(rec.LastAttemptAt)
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
