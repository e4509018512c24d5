package model

import (
	"errors"
	"fmt"
)

var (
	ErrStaging           = errors.New("staging job files")
	ErrLaunch            = errors.New("launching normalization process")
	ErrRunnerUsed        = errors.New("runner already used")
	ErrNonZeroExit       = errors.New("normalization process exited with non-zero code")
	ErrTerminationFailed = errors.New("normalization process did not terminate")
)

// WorkerError is returned when a normalization process did not succeed.
// ExitCode is -1 when the process never reported one.
type WorkerError struct {
	ExitCode int
	Traces   []TraceMessage
	Cause    error
}

func (e *WorkerError) Error() string {
	msg := fmt.Sprintf("normalization process wasn't successful: exit code %d", e.ExitCode)
	if len(e.Traces) > 0 {
		msg += ": " + e.Traces[0].Message
		if n := len(e.Traces) - 1; n > 0 {
			msg += fmt.Sprintf(" (and %d more)", n)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *WorkerError) Unwrap() error {
	return e.Cause
}

// Is reports ErrNonZeroExit for errors without a cause.
func (e *WorkerError) Is(target error) bool {
	return target == ErrNonZeroExit && e.Cause == nil
}
