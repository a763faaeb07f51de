package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTaskDone is returned when an operation targets a task that already
	// reached a terminal state.
	ErrTaskDone = errors.New("task already done")

	// ErrTimeout matches every *TimeoutError through errors.Is.
	ErrTimeout = errors.New("timeout expired")

	// ErrCancelled matches every *CancelledError through errors.Is.
	ErrCancelled = errors.New("task cancelled")
)

// TimeoutError reports a managed process that outlived its deadline and was
// terminated. Output holds whatever the process wrote before it was killed.
type TimeoutError struct {
	Cmd     string
	Timeout time.Duration
	Stdout  []byte
	Stderr  []byte
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command '%s' timed out after %s", e.Cmd, e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) true for any TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ComputationError wraps any other failure raised while a task was resumed,
// including recovered panics (Stack is set in that case).
type ComputationError struct {
	TaskID uint64
	Task   string
	Err    error
	Stack  []byte
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("task %d (%s): %v", e.TaskID, e.Task, e.Err)
}

func (e *ComputationError) Unwrap() error {
	return e.Err
}

// CancelledError is the outcome of a task that was cancelled before it finished.
type CancelledError struct {
	TaskID uint64
	Task   string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("task %d (%s) was cancelled", e.TaskID, e.Task)
}

// Is makes errors.Is(err, ErrCancelled) true for any CancelledError.
func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}

// IsTaxonomy reports whether err is already one of the typed task failures
// (timeout, computation error, cancellation) and needs no further wrapping.
func IsTaxonomy(err error) bool {
	var te *TimeoutError
	var ce *ComputationError
	var xe *CancelledError
	return errors.As(err, &te) || errors.As(err, &ce) || errors.As(err, &xe)
}
