package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/domain"
)

// Config holds runner configuration.
type Config struct {
	// KeepFiles disables intermediate artifact deletion, for debugging and
	// for operators who want the full-disk composites around.
	KeepFiles bool
}

// StepMetrics receives per-step timings. Implemented by metrics.Sink.
type StepMetrics interface {
	StepCompleted(step string, duration time.Duration)
}

// Runner executes a step sequence for one timestamp. It never touches the
// task store; terminal bookkeeping belongs to the dispatcher.
type Runner struct {
	config  Config
	log     zerolog.Logger
	metrics StepMetrics
}

// New creates a Runner.
func New(config Config, log zerolog.Logger) *Runner {
	return &Runner{config: config, log: log}
}

// WithMetrics attaches a sink for per-step durations.
func (r *Runner) WithMetrics(sink StepMetrics) *Runner {
	r.metrics = sink
	return r
}

// Run executes the steps strictly in order; each step's output is the next
// step's input by construction. It returns the final step's output path on
// success. Every output except the final one is deleted on both success and
// failure paths unless KeepFiles is set, so long daemon operation cannot
// accumulate intermediates.
func (r *Runner) Run(ctx context.Context, ts domain.Timestamp, steps []Step) (string, error) {
	if len(steps) == 0 {
		return "", Permanent(errors.New("no pipeline steps configured"))
	}

	cleanup := func() {
		if r.config.KeepFiles {
			return
		}
		for _, s := range steps[:len(steps)-1] {
			out := s.OutputPath()
			if out == "" {
				continue
			}
			if err := os.RemoveAll(out); err != nil {
				r.log.Warn().Err(err).Str("artifact", out).Msg("intermediate cleanup failed")
			}
		}
	}

	for i, step := range steps {
		if ctx.Err() != nil {
			cleanup()
			return "", &StepFailure{Index: i, Step: step.Name(), Err: Transient(ctx.Err())}
		}

		if !step.IdempotentSafe() {
			if out := step.OutputPath(); out != "" {
				if err := os.RemoveAll(out); err != nil {
					cleanup()
					return "", &StepFailure{Index: i, Step: step.Name(), Err: Permanent(fmt.Errorf("remove stale output: %w", err))}
				}
			}
		}

		start := time.Now()
		r.log.Debug().Str("timestamp", ts.String()).Str("step", step.Name()).Msg("step started")

		if err := step.Run(ctx); err != nil {
			cleanup()
			r.log.Warn().Str("timestamp", ts.String()).Str("step", step.Name()).
				Str("class", Class(err)).Dur("elapsed", time.Since(start)).Err(err).Msg("step failed")
			return "", &StepFailure{Index: i, Step: step.Name(), Err: err}
		}

		if r.metrics != nil {
			r.metrics.StepCompleted(step.Name(), time.Since(start))
		}
		r.log.Debug().Str("timestamp", ts.String()).Str("step", step.Name()).
			Dur("elapsed", time.Since(start)).Msg("step completed")
	}

	final := steps[len(steps)-1].OutputPath()
	cleanup()
	return final, nil
}
