package domain

import (
	"time"

	"github.com/google/uuid"
)

// DispatchRequest asks a dispatcher worker to run the pipeline for one
// claimed timestamp. The claim (store row moved to running) happens before
// the request is emitted, so workers never race for the same slot.
type DispatchRequest struct {
	RunID     uuid.UUID
	Timestamp Timestamp

	// Attempts completed before this run, for logging and backoff context.
	Attempts int

	// Manual marks a one-shot CLI dispatch rather than a scheduler tick.
	Manual bool

	EnqueuedAt time.Time
}
