package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	log zerolog.Logger

	// Scheduler metrics
	ticksTotal           prometheus.Counter
	tickErrorsTotal      prometheus.Counter
	dispatchedTotal      prometheus.Counter
	tickDuration         prometheus.Histogram
	tickDrift            prometheus.Histogram
	dispatchSkippedTotal *prometheus.CounterVec

	// Run metrics
	runsTotal    *prometheus.CounterVec
	runDuration  prometheus.Histogram
	stepDuration *prometheus.HistogramVec
	runsInFlight prometheus.Gauge

	// Retry queue metrics
	queueDepth          prometheus.Gauge
	givenUp             prometheus.Gauge
	staleReclaimedTotal prometheus.Counter

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Upstream and retention metrics
	breakerTransitionsTotal *prometheus.CounterVec
	retentionDeletedTotal   prometheus.Counter

	// Leader election metrics
	leaderStatus prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer, log zerolog.Logger) *PrometheusSink {
	s := &PrometheusSink{log: log}
	s.initSchedulerMetrics(reg)
	s.initRunMetrics(reg)
	s.initQueueMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initUpstreamMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fy4b_scheduler_ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fy4b_scheduler_tick_errors_total",
		Help: "Total number of scheduler tick errors.",
	})
	s.dispatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fy4b_scheduler_dispatched_total",
		Help: "Total number of timestamps claimed and handed to workers.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fy4b_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.tickDrift = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fy4b_scheduler_tick_drift_seconds",
		Help:    "Difference between actual tick time and expected interval in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
	s.dispatchSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fy4b_scheduler_dispatch_skipped_total",
		Help: "Total number of dispatch candidates skipped at claim time.",
	}, []string{"reason"})

	s.register(reg, s.ticksTotal, "fy4b_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "fy4b_scheduler_tick_errors_total")
	s.register(reg, s.dispatchedTotal, "fy4b_scheduler_dispatched_total")
	s.register(reg, s.tickDuration, "fy4b_scheduler_tick_duration_seconds")
	s.register(reg, s.tickDrift, "fy4b_scheduler_tick_drift_seconds")
	s.register(reg, s.dispatchSkippedTotal, "fy4b_scheduler_dispatch_skipped_total")
}

func (s *PrometheusSink) initRunMetrics(reg prometheus.Registerer) {
	s.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fy4b_runs_total",
		Help: "Total number of completed pipeline runs by terminal outcome.",
	}, []string{"outcome", "class"})

	s.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fy4b_run_duration_seconds",
		Help:    "End-to-end pipeline run duration in seconds.",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
	})

	s.stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fy4b_step_duration_seconds",
		Help:    "Per-step pipeline duration in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 120, 300, 600},
	}, []string{"step"})

	s.runsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fy4b_runs_in_flight",
		Help: "Number of pipeline runs currently executing.",
	})

	s.register(reg, s.runsTotal, "fy4b_runs_total")
	s.register(reg, s.runDuration, "fy4b_run_duration_seconds")
	s.register(reg, s.stepDuration, "fy4b_step_duration_seconds")
	s.register(reg, s.runsInFlight, "fy4b_runs_in_flight")
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fy4b_retry_queue_depth",
		Help: "Number of failed timestamps waiting for another attempt.",
	})
	s.givenUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fy4b_given_up_timestamps",
		Help: "Number of timestamps retired after exhausting retries.",
	})
	s.staleReclaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fy4b_stale_reclaimed_total",
		Help: "Total number of stale running rows reclaimed to failed.",
	})

	s.register(reg, s.queueDepth, "fy4b_retry_queue_depth")
	s.register(reg, s.givenUp, "fy4b_given_up_timestamps")
	s.register(reg, s.staleReclaimedTotal, "fy4b_stale_reclaimed_total")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fy4b_eventbus_buffer_size",
		Help: "Current number of requests in the dispatch buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fy4b_eventbus_buffer_capacity",
		Help: "Configured capacity of the dispatch buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fy4b_eventbus_buffer_saturation",
		Help: "Dispatch buffer fill ratio between 0 and 1.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fy4b_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full or cancelled).",
	})

	s.register(reg, s.bufferSize, "fy4b_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "fy4b_eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "fy4b_eventbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "fy4b_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initUpstreamMetrics(reg prometheus.Registerer) {
	s.breakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fy4b_breaker_transitions_total",
		Help: "Total number of circuit breaker state transitions per host.",
	}, []string{"host", "state"})

	s.retentionDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fy4b_retention_deleted_total",
		Help: "Total number of timestamps removed by retention sweeps.",
	})

	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fy4b_leader",
		Help: "Whether this daemon currently holds the leader lock (1) or not (0).",
	})

	s.register(reg, s.breakerTransitionsTotal, "fy4b_breaker_transitions_total")
	s.register(reg, s.retentionDeletedTotal, "fy4b_retention_deleted_total")
	s.register(reg, s.leaderStatus, "fy4b_leader")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.Warn().Err(err).Str("metric", name).Msg("metrics registration failed")
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, dispatched int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.dispatchedTotal.Add(float64(dispatched))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TickDrift(drift time.Duration) {
	// Drift can be early or late; the histogram tracks magnitude.
	d := drift.Seconds()
	if d < 0 {
		d = -d
	}
	s.tickDrift.Observe(d)
}

func (s *PrometheusSink) DispatchSkipped(reason string) {
	s.dispatchSkippedTotal.WithLabelValues(reason).Inc()
}

// Run metrics implementation

func (s *PrometheusSink) RunCompleted(outcome string, failureClass string, duration time.Duration) {
	if failureClass == "" {
		failureClass = ClassNone
	}
	s.runsTotal.WithLabelValues(outcome, failureClass).Inc()
	s.runDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) StepCompleted(step string, duration time.Duration) {
	s.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

func (s *PrometheusSink) RunsInFlightIncr() {
	s.runsInFlight.Inc()
}

func (s *PrometheusSink) RunsInFlightDecr() {
	s.runsInFlight.Dec()
}

// Retry queue metrics implementation

func (s *PrometheusSink) QueueDepthUpdate(depth int) {
	s.queueDepth.Set(float64(depth))
}

func (s *PrometheusSink) GivenUpUpdate(count int) {
	s.givenUp.Set(float64(count))
}

func (s *PrometheusSink) StaleReclaimed(count int) {
	s.staleReclaimedTotal.Add(float64(count))
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Upstream and retention metrics implementation

func (s *PrometheusSink) BreakerTransition(host string, state string) {
	s.breakerTransitionsTotal.WithLabelValues(host, state).Inc()
}

func (s *PrometheusSink) RetentionDeleted(count int) {
	s.retentionDeletedTotal.Add(float64(count))
}

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}
