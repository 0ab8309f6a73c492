package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/lanseria/fy-4b-tools/internal/logging"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, logging.Nop())
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	// Should not panic or error with a fresh registry.
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, logging.Nop())
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_TickStarted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.TickStarted()
	sink.TickStarted()

	val := getCounterValue(t, reg, "fy4b_scheduler_ticks_total")
	if val != 2 {
		t.Errorf("ticks_total = %v, want 2", val)
	}
}

func TestPrometheusSink_TickCompleted_WithError(t *testing.T) {
	sink, reg := newTestSink(t)

	// No error
	sink.TickCompleted(100*time.Millisecond, 5, nil)
	errCount := getCounterValue(t, reg, "fy4b_scheduler_tick_errors_total")
	if errCount != 0 {
		t.Errorf("tick_errors_total = %v after success, want 0", errCount)
	}

	// With error
	sink.TickCompleted(100*time.Millisecond, 0, errors.New("db error"))
	errCount = getCounterValue(t, reg, "fy4b_scheduler_tick_errors_total")
	if errCount != 1 {
		t.Errorf("tick_errors_total = %v after error, want 1", errCount)
	}

	dispatched := getCounterValue(t, reg, "fy4b_scheduler_dispatched_total")
	if dispatched != 5 {
		t.Errorf("dispatched_total = %v, want 5", dispatched)
	}
}

func TestPrometheusSink_DispatchSkipped(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DispatchSkipped(SkipConflict)
	sink.DispatchSkipped(SkipConflict)
	sink.DispatchSkipped(SkipSucceeded)

	conflictVal := getCounterVecValue(t, reg, "fy4b_scheduler_dispatch_skipped_total",
		map[string]string{"reason": "conflict"})
	if conflictVal != 2 {
		t.Errorf("reason=conflict = %v, want 2", conflictVal)
	}

	succeededVal := getCounterVecValue(t, reg, "fy4b_scheduler_dispatch_skipped_total",
		map[string]string{"reason": "succeeded"})
	if succeededVal != 1 {
		t.Errorf("reason=succeeded = %v, want 1", succeededVal)
	}
}

func TestPrometheusSink_RunCompletedLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.RunCompleted("succeeded", "", 5*time.Minute)
	sink.RunCompleted("failed", ClassTransient, time.Minute)
	sink.RunCompleted("gave_up", ClassPermanent, time.Minute)

	okVal := getCounterVecValue(t, reg, "fy4b_runs_total",
		map[string]string{"outcome": "succeeded", "class": "none"})
	if okVal != 1 {
		t.Errorf("outcome=succeeded,class=none = %v, want 1", okVal)
	}

	failVal := getCounterVecValue(t, reg, "fy4b_runs_total",
		map[string]string{"outcome": "failed", "class": "transient"})
	if failVal != 1 {
		t.Errorf("outcome=failed,class=transient = %v, want 1", failVal)
	}

	gaveUpVal := getCounterVecValue(t, reg, "fy4b_runs_total",
		map[string]string{"outcome": "gave_up", "class": "permanent"})
	if gaveUpVal != 1 {
		t.Errorf("outcome=gave_up,class=permanent = %v, want 1", gaveUpVal)
	}
}

func TestPrometheusSink_RunsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.RunsInFlightIncr()
	sink.RunsInFlightIncr()
	sink.RunsInFlightDecr()

	val := getGaugeValue(t, reg, "fy4b_runs_in_flight")
	if val != 1 {
		t.Errorf("runs_in_flight = %v, want 1", val)
	}
}

func TestPrometheusSink_QueueMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.QueueDepthUpdate(7)
	sink.GivenUpUpdate(2)
	sink.StaleReclaimed(3)
	sink.StaleReclaimed(1)

	if val := getGaugeValue(t, reg, "fy4b_retry_queue_depth"); val != 7 {
		t.Errorf("retry_queue_depth = %v, want 7", val)
	}
	if val := getGaugeValue(t, reg, "fy4b_given_up_timestamps"); val != 2 {
		t.Errorf("given_up_timestamps = %v, want 2", val)
	}
	if val := getCounterValue(t, reg, "fy4b_stale_reclaimed_total"); val != 4 {
		t.Errorf("stale_reclaimed_total = %v, want 4", val)
	}
}

func TestPrometheusSink_BufferMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BufferCapacitySet(100)
	sink.BufferSizeUpdate(42)
	sink.BufferSaturationUpdate(0.42)

	capVal := getGaugeValue(t, reg, "fy4b_eventbus_buffer_capacity")
	if capVal != 100 {
		t.Errorf("buffer_capacity = %v, want 100", capVal)
	}

	sizeVal := getGaugeValue(t, reg, "fy4b_eventbus_buffer_size")
	if sizeVal != 42 {
		t.Errorf("buffer_size = %v, want 42", sizeVal)
	}

	satVal := getGaugeValue(t, reg, "fy4b_eventbus_buffer_saturation")
	if satVal != 0.42 {
		t.Errorf("buffer_saturation = %v, want 0.42", satVal)
	}
}

func TestPrometheusSink_BreakerTransitions(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BreakerTransition("rsapp.nsmc.org.cn", "open")
	sink.BreakerTransition("rsapp.nsmc.org.cn", "open")
	sink.BreakerTransition("rsapp.nsmc.org.cn", "closed")

	openVal := getCounterVecValue(t, reg, "fy4b_breaker_transitions_total",
		map[string]string{"host": "rsapp.nsmc.org.cn", "state": "open"})
	if openVal != 2 {
		t.Errorf("state=open = %v, want 2", openVal)
	}
}

func TestPrometheusSink_RetentionDeleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.RetentionDeleted(12)
	sink.RetentionDeleted(3)

	if val := getCounterValue(t, reg, "fy4b_retention_deleted_total"); val != 15 {
		t.Errorf("retention_deleted_total = %v, want 15", val)
	}
}

func TestPrometheusSink_LeaderStatus(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeaderStatusChanged(true)
	if val := getGaugeValue(t, reg, "fy4b_leader"); val != 1 {
		t.Errorf("leader = %v, want 1", val)
	}

	sink.LeaderStatusChanged(false)
	if val := getGaugeValue(t, reg, "fy4b_leader"); val != 0 {
		t.Errorf("leader = %v, want 0", val)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// Registering metrics twice with the same registry should not panic.
	// The second registration will fail, but should be handled gracefully.
	reg := prometheus.NewRegistry()

	sink1 := NewPrometheusSink(reg, logging.Nop())
	if sink1 == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}

	// Second registration will fail for all metrics, but should not panic.
	sink2 := NewPrometheusSink(reg, logging.Nop())
	if sink2 == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
