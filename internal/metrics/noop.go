package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                    {}
func (n *NoopSink) TickCompleted(duration time.Duration, dispatched int, err error) {}
func (n *NoopSink) TickDrift(drift time.Duration)                                   {}
func (n *NoopSink) DispatchSkipped(reason string)                                   {}
func (n *NoopSink) RunCompleted(outcome, failureClass string, d time.Duration)      {}
func (n *NoopSink) StepCompleted(step string, duration time.Duration)               {}
func (n *NoopSink) RunsInFlightIncr()                                               {}
func (n *NoopSink) RunsInFlightDecr()                                               {}
func (n *NoopSink) QueueDepthUpdate(depth int)                                      {}
func (n *NoopSink) GivenUpUpdate(count int)                                         {}
func (n *NoopSink) StaleReclaimed(count int)                                        {}
func (n *NoopSink) BufferSizeUpdate(size int)                                       {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                  {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)                       {}
func (n *NoopSink) EmitError()                                                      {}
func (n *NoopSink) BreakerTransition(host string, state string)                     {}
func (n *NoopSink) RetentionDeleted(count int)                                      {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                               {}
