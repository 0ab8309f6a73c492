package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunOutcome is the terminal classification of a single pipeline run.
type RunOutcome string

const (
	// RunSucceeded means the pipeline produced a tile set for the timestamp.
	RunSucceeded RunOutcome = "succeeded"
	// RunFailed means the run failed but the timestamp stays retryable.
	RunFailed RunOutcome = "failed"
	// RunGaveUp means the run failed and the retry queue refused further
	// attempts; the timestamp needs a manual re-run.
	RunGaveUp RunOutcome = "gave_up"
)

// RunResult summarizes one completed pipeline run for sinks that record
// outcomes (analytics, metrics) without needing the full task record.
type RunResult struct {
	RunID     uuid.UUID
	Timestamp Timestamp
	Outcome   RunOutcome

	// FailureClass is "transient", "permanent" or "timeout" for failed runs,
	// empty on success.
	FailureClass string

	// Attempts completed including this run.
	Attempts int

	Duration   time.Duration
	FinishedAt time.Time
}
