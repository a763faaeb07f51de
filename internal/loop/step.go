package loop

import (
	"context"
	"errors"
	"math"
)

// StepKind identifies the outcome of one resumption of a Computation.
type StepKind int

// The zero StepKind is invalid, so a zero Step fails the task.
const (
	StepSuspend StepKind = iota + 1
	StepDone
	StepFailed
)

func (k StepKind) String() string {
	switch k {
	case StepSuspend:
		return "suspend"
	case StepDone:
		return "done"
	case StepFailed:
		return "failed"
	}
	return "unknown"
}

// Step is the result of resuming a Computation once: a suspend request for
// some number of ticks, a final value, or an error.
type Step struct {
	kind  StepKind
	ticks int64
	value any
	err   error
}

// Suspend asks the loop to resume the computation no earlier than ticks ticks
// from now. Negative values are treated as zero.
func Suspend(ticks int64) Step {
	if ticks < 0 {
		ticks = 0
	}
	return Step{kind: StepSuspend, ticks: ticks}
}

// Done finishes the computation with value.
func Done(value any) Step {
	return Step{kind: StepDone, value: value}
}

// Fail finishes the computation with err.
func Fail(err error) Step {
	if err == nil {
		err = errors.New("computation failed with a nil error")
	}
	return Step{kind: StepFailed, err: err}
}

func (s Step) Kind() StepKind { return s.kind }
func (s Step) Ticks() int64   { return s.ticks }
func (s Step) Value() any     { return s.value }
func (s Step) Err() error     { return s.err }

// Computation is a unit of work the loop resumes repeatedly. It keeps its own
// state between calls to Poll; the loop only looks at the returned Step.
// Poll must not block.
type Computation interface {
	Poll(ctx context.Context) Step
}

// ComputationFunc adapts a plain function to the Computation interface.
type ComputationFunc func(ctx context.Context) Step

// Poll implements Computation.
func (f ComputationFunc) Poll(ctx context.Context) Step {
	return f(ctx)
}

// Canceler is implemented by computations that hold external resources
// (processes, pool slots) to release when their task is cancelled.
type Canceler interface {
	Cancel()
}

type sleep struct {
	ticks int64
	slept bool
}

// Sleep returns a computation that suspends for ticks ticks once and then
// completes with a nil value.
func Sleep(ticks int64) Computation {
	return &sleep{ticks: ticks}
}

func (s *sleep) Poll(context.Context) Step {
	if !s.slept {
		s.slept = true
		return Suspend(s.ticks)
	}
	return Done(nil)
}

// addTicks adds n to tick without overflowing.
func addTicks(tick, n int64) int64 {
	if n > math.MaxInt64-tick {
		return math.MaxInt64
	}
	return tick + n
}
