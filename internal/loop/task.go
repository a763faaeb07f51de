package loop

import (
	"fmt"
	"time"

	"github.com/me/pipe/pkg/model"
)

// Callback is invoked with a task once it reaches a terminal state.
type Callback func(t *Task)

// CallbackID identifies a done callback registered with AddDoneCallback.
// The zero value never identifies a registered callback.
type CallbackID uint64

type doneCallback struct {
	id CallbackID
	fn Callback
}

type dependent struct {
	comp Computation
	opts []TaskOption
}

// Task wraps one Computation with identity, lifecycle state and the outcome
// slots. Tasks are created by Loop.CreateTask and must only be touched from
// the loop goroutine.
type Task struct {
	id   uint64
	name string
	loop *Loop
	comp Computation

	state  model.TaskState
	result any
	err    error

	callback   Callback
	errback    Callback
	done       []doneCallback
	lastCbID   CallbackID
	dependents []dependent

	createdTick  int64
	finishedTick int64
	createdAt    time.Time
	finishedAt   time.Time

	wakeAt          int64
	queued          bool
	retired         bool
	cancelRequested bool
}

// TaskOption configures a task at creation.
type TaskOption func(*Task)

// WithName sets the display name used in logs and history.
func WithName(name string) TaskOption {
	return func(t *Task) {
		t.name = name
	}
}

// WithCallback overrides the loop's default success callback.
func WithCallback(fn Callback) TaskOption {
	return func(t *Task) {
		t.callback = fn
	}
}

// WithErrback overrides the loop's default failure callback.
func WithErrback(fn Callback) TaskOption {
	return func(t *Task) {
		t.errback = fn
	}
}

// WithDoneCallback registers a done callback at creation.
func WithDoneCallback(fn Callback) TaskOption {
	return func(t *Task) {
		t.AddDoneCallback(fn)
	}
}

// WithDependent appends a computation to start as a new task, created with
// opts, once this task completes successfully.
func WithDependent(c Computation, opts ...TaskOption) TaskOption {
	return func(t *Task) {
		t.dependents = append(t.dependents, dependent{comp: c, opts: opts})
	}
}

// WithDependents appends several dependents with default options.
func WithDependents(cs ...Computation) TaskOption {
	return func(t *Task) {
		for _, c := range cs {
			t.dependents = append(t.dependents, dependent{comp: c})
		}
	}
}

func (t *Task) ID() uint64               { return t.id }
func (t *Task) Name() string             { return t.name }
func (t *Task) State() model.TaskState   { return t.state }
func (t *Task) Computation() Computation { return t.comp }
func (t *Task) CreatedTick() int64       { return t.createdTick }
func (t *Task) FinishedTick() int64      { return t.finishedTick }
func (t *Task) CreatedAt() time.Time     { return t.createdAt }
func (t *Task) FinishedAt() time.Time    { return t.finishedAt }

// Retired reports whether the loop has removed the task from its live set.
func (t *Task) Retired() bool { return t.retired }

// Done reports whether the task reached a terminal state.
func (t *Task) Done() bool { return t.state.IsTerminal() }

// Cancelled reports whether the task was cancelled.
func (t *Task) Cancelled() bool { return t.state == model.TaskStateCancelled }

func (t *Task) String() string { return fmt.Sprintf("task %d (%s)", t.id, t.name) }

// Result returns the value the computation completed with, or nil.
func (t *Task) Result() any {
	return t.result
}

// Err returns the failure or cancellation error, or nil.
func (t *Task) Err() error {
	return t.err
}

// WakeAt returns the tick the task is queued for. Only meaningful while the
// task is pending.
func (t *Task) WakeAt() int64 {
	return t.wakeAt
}

// AddDoneCallback registers fn to run once the task reaches any terminal
// state. It returns the zero CallbackID when the task is already done.
func (t *Task) AddDoneCallback(fn Callback) CallbackID {
	if fn == nil || t.Done() {
		return 0
	}
	t.lastCbID++
	t.done = append(t.done, doneCallback{id: t.lastCbID, fn: fn})
	return t.lastCbID
}

// RemoveDoneCallback unregisters a done callback. It reports whether the
// callback was registered.
func (t *Task) RemoveDoneCallback(id CallbackID) bool {
	for i, cb := range t.done {
		if cb.id == id {
			t.done = append(t.done[:i:i], t.done[i+1:]...)
			return true
		}
	}
	return false
}

// AddDependent appends a dependent computation. It fails with
// model.ErrTaskDone once the task has finished.
func (t *Task) AddDependent(c Computation, opts ...TaskOption) error {
	if t.Done() {
		return fmt.Errorf("add dependent to %s: %w", t, model.ErrTaskDone)
	}
	t.dependents = append(t.dependents, dependent{comp: c, opts: opts})
	return nil
}

// Cancel finishes the task with a CancelledError, terminating whatever the
// computation holds. It reports false when the task was already done.
// A task cancelling itself from inside Poll is finalised when Poll returns.
func (t *Task) Cancel() bool {
	return t.loop.cancel(t)
}

// View returns a snapshot suitable for status reporting.
func (t *Task) View() model.TaskView {
	v := model.TaskView{
		ID:           t.id,
		Name:         t.name,
		State:        t.state,
		WakeAt:       t.wakeAt,
		CreatedTick:  t.createdTick,
		FinishedTick: t.finishedTick,
		Result:       t.result,
	}
	if t.err != nil {
		v.Error = t.err.Error()
	}
	return v
}

func (t *Task) transition(to model.TaskState) error {
	if !t.state.CanTransitionTo(to) {
		return &model.InvalidTransitionError{
			Entity: "task",
			ID:     fmt.Sprint(t.id),
			From:   t.state.String(),
			To:     to.String(),
		}
	}
	t.state = to
	return nil
}
