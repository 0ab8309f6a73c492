package domain

import (
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskRecord is the durable per-timestamp outcome. The store owns its
// lifecycle; everything else reads and mutates through the store API.
type TaskRecord struct {
	Timestamp Timestamp

	Status   TaskStatus
	Attempts int

	LastError string
	LastRunID uuid.UUID

	LastAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
