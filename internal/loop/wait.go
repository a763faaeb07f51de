package loop

import (
	"context"

	"github.com/me/pipe/pkg/model"
)

type monitor struct {
	target *Task
}

// Monitor returns a computation that finishes when target does: with the
// target's result if it completed, or with the target's error otherwise.
func Monitor(target *Task) Computation {
	return &monitor{target: target}
}

func (m *monitor) Poll(context.Context) Step {
	if !m.target.Done() {
		return Suspend(0)
	}
	if m.target.State() == model.TaskStateCompleted {
		return Done(m.target.Result())
	}
	return Fail(m.target.Err())
}

type waitAll struct {
	loop    *Loop
	comps   []Computation
	tasks   []*Task
	started bool
	pending int
}

// Wait returns a computation that starts every cs as its own task the first
// time it is polled and completes, with the []*Task in argument order, once
// all of them are done. Failures of the children do not fail the wait.
func (l *Loop) Wait(cs ...Computation) Computation {
	return &waitAll{loop: l, comps: cs}
}

func (w *waitAll) Poll(context.Context) Step {
	if !w.started {
		w.started = true
		w.tasks = make([]*Task, 0, len(w.comps))
		for _, c := range w.comps {
			w.pending++
			w.tasks = append(w.tasks, w.loop.CreateTask(c, WithDoneCallback(func(*Task) { w.pending-- })))
		}
	}
	if w.pending > 0 {
		return Suspend(0)
	}
	return Done(w.tasks)
}

// Cancel cancels the children that are still running.
func (w *waitAll) Cancel() {
	for _, t := range w.tasks {
		t.Cancel()
	}
}
