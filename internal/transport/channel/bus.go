// Package channel is the in-process transport between the scheduler and the
// dispatcher workers: a bounded channel of dispatch requests. The buffer
// absorbs tick bursts; a full buffer pushes back on the scheduler, which
// fails the claim so the timestamp re-enters the retry path instead of
// being lost.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/lanseria/fy-4b-tools/internal/domain"
)

// DefaultEmitTimeout bounds how long Emit waits for buffer space before
// reporting ErrBufferFull.
const DefaultEmitTimeout = 30 * time.Second

// ErrBufferFull is returned when the buffer stays full for the emit timeout.
var ErrBufferFull = errors.New("dispatch buffer full")

// MetricsSink receives buffer gauges. Implemented by metrics.Sink.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

// Option configures an EventBus.
type Option func(*EventBus)

// WithEmitTimeout overrides DefaultEmitTimeout.
func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) {
		if d > 0 {
			b.emitTimeout = d
		}
	}
}

// WithMetrics attaches a metrics sink for buffer gauges.
func WithMetrics(sink MetricsSink) Option {
	return func(b *EventBus) {
		b.metrics = sink
	}
}

// EventBus carries dispatch requests from the scheduler to the workers.
type EventBus struct {
	ch          chan domain.DispatchRequest
	emitTimeout time.Duration
	metrics     MetricsSink
}

// NewEventBus creates a bus with the given buffer capacity.
func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.DispatchRequest, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

// Emit enqueues req, waiting up to the emit timeout for buffer space.
// Returns ErrBufferFull on timeout and the context error on cancellation.
func (b *EventBus) Emit(ctx context.Context, req domain.DispatchRequest) error {
	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- req:
		b.updateGauges()
		return nil
	case <-timer.C:
		if b.metrics != nil {
			b.metrics.EmitError()
		}
		return ErrBufferFull
	case <-ctx.Done():
		if b.metrics != nil {
			b.metrics.EmitError()
		}
		return ctx.Err()
	}
}

// Channel returns the receive side consumed by dispatcher workers.
func (b *EventBus) Channel() <-chan domain.DispatchRequest {
	return b.ch
}

// Depth returns the number of buffered requests.
func (b *EventBus) Depth() int {
	return len(b.ch)
}

func (b *EventBus) updateGauges() {
	if b.metrics == nil {
		return
	}
	size := len(b.ch)
	b.metrics.BufferSizeUpdate(size)
	if cap(b.ch) > 0 {
		b.metrics.BufferSaturationUpdate(float64(size) / float64(cap(b.ch)))
	}
}
