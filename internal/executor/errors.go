package executor

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStageExecution = errors.New("stage execution failed")
	ErrTimeout        = errors.New("stage timed out")
	// ErrCancelled is the cause recorded for attempts killed by run cancellation.
	ErrCancelled = errors.New("cancelled")
)

// StageExecutionError reports a non-zero exit, a start failure or a missing
// declared output.
type StageExecutionError struct {
	StageID  string
	Attempt  int
	ExitCode int
	Err      error
}

func (e *StageExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %q attempt %d: %v", e.StageID, e.Attempt, e.Err)
	}
	return fmt.Sprintf("stage %q attempt %d: exit code %d", e.StageID, e.Attempt, e.ExitCode)
}

func (e *StageExecutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStageExecution}
	}
	return []error{ErrStageExecution, e.Err}
}

// TimeoutError reports an attempt killed after exceeding its timeout.
type TimeoutError struct {
	StageID string
	Attempt int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %q attempt %d: timed out after %s", e.StageID, e.Attempt, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
