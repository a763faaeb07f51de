package loop

// Observer receives task lifecycle events. Methods are called synchronously
// on the loop goroutine and must not block.
type Observer interface {
	// TaskCreated is called once a task has been queued.
	TaskCreated(t *Task)
	// TaskResumed is called after every Poll with the step it returned: once
	// a suspended task is back in the queue, or before a final step is
	// applied.
	TaskResumed(t *Task, step Step)
	// TaskRetired is called after a task's callbacks ran and it left the
	// live set.
	TaskRetired(t *Task)
	// Ticked is called at the end of every pass.
	Ticked(tick int64, live int)
}

// NopObserver implements Observer with no-ops. Embed it to implement only
// the events you need.
type NopObserver struct{}

func (NopObserver) TaskCreated(*Task)       {}
func (NopObserver) TaskResumed(*Task, Step) {}
func (NopObserver) TaskRetired(*Task)       {}
func (NopObserver) Ticked(int64, int)       {}
