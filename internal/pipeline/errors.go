package pipeline

import (
	"errors"
	"fmt"
)

// Step failures come in two classes. Both are retried until the give-up
// threshold, since upstream data can self-correct, but they are reported
// distinctly in logs and metrics.

type errorClass int

const (
	classTransient errorClass = iota
	classPermanent
)

type stepError struct {
	class errorClass
	err   error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

// Transient marks a failure expected to clear on its own: network faults,
// upstream publication lag, busy external tools.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &stepError{class: classTransient, err: err}
}

// Permanent marks a failure that will not clear without intervention:
// malformed input, unsupported geometry, missing tools or assets.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &stepError{class: classPermanent, err: err}
}

func IsPermanent(err error) bool {
	var se *stepError
	return errors.As(err, &se) && se.class == classPermanent
}

// IsTransient reports the failure class; unclassified errors count as
// transient so that plain IO errors keep being retried.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// Class returns "permanent" or "transient" for log fields and metric labels.
func Class(err error) string {
	if IsPermanent(err) {
		return "permanent"
	}
	return "transient"
}

// StepFailure reports which stage broke a run.
type StepFailure struct {
	Index int
	Step  string
	Err   error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Step, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }
