// Package engineerrors implements the engine's error taxonomy: every
// internal failure is wrapped in a StepError that carries the step it
// occurred in, a stable code, and a Kind that tells callers whether to
// surface, log-and-continue, or treat as fatal.
package engineerrors

import (
	"errors"
	"fmt"
)

// Kind classifies how a StepError should propagate.
type Kind string

const (
	// Configuration errors are returned to the caller of start_*; the
	// operation is refused with the reason attached.
	Configuration Kind = "configuration"
	// Transient errors are logged and swallowed; the caller continues.
	Transient Kind = "transient"
	// Fatal errors mean the engine (or the affected stream) cannot
	// continue: absence of the transcoder binary, a corrupt timeline.
	Fatal Kind = "fatal"
)

// StepError wraps an error with the step and code it occurred at.
type StepError struct {
	Step    string
	Code    string
	Kind    Kind
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Step, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Step, e.Code, e.Message)
}

func (e *StepError) Unwrap() error { return e.Err }

// New constructs a StepError.
func New(step, code string, kind Kind, msg string, err error) *StepError {
	return &StepError{Step: step, Code: code, Kind: kind, Message: msg, Err: err}
}

// IsFatal reports whether err is a StepError of Kind Fatal.
func IsFatal(err error) bool {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind == Fatal
	}
	return false
}
