package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, dispatched int, err error)
	TickDrift(drift time.Duration)
	DispatchSkipped(reason string)

	// Run metrics
	RunCompleted(outcome string, failureClass string, duration time.Duration)
	StepCompleted(step string, duration time.Duration)
	RunsInFlightIncr()
	RunsInFlightDecr()

	// Retry queue metrics
	QueueDepthUpdate(depth int)
	GivenUpUpdate(count int)
	StaleReclaimed(count int)

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()

	// Upstream and retention metrics
	BreakerTransition(host string, state string)
	RetentionDeleted(count int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
}

// Skip reason constants for DispatchSkipped.
const (
	SkipConflict  = "conflict"
	SkipSucceeded = "succeeded"
)

// Failure class constants for RunCompleted. Succeeded runs use ClassNone.
const (
	ClassNone      = "none"
	ClassTransient = "transient"
	ClassPermanent = "permanent"
	ClassTimeout   = "timeout"
)
