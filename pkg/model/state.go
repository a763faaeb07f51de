package model

// TaskState represents the lifecycle state of a Task.
type TaskState string

const (
	TaskStatePending   TaskState = "PENDING"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateSuspended TaskState = "SUSPENDED"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateCancelled TaskState = "CANCELLED"
)

// String returns the string representation of the task state.
func (s TaskState) String() string {
	return string(s)
}

// IsTerminal returns true if the task is in a final state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// ValidTaskTransitions defines the allowed state transitions for Tasks.
// Terminal states have no outgoing transitions.
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStatePending:   {TaskStateRunning, TaskStateCancelled},
	TaskStateRunning:   {TaskStateSuspended, TaskStateCompleted, TaskStateFailed, TaskStateCancelled},
	TaskStateSuspended: {TaskStatePending, TaskStateCancelled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunState represents the lifecycle state of a recorded pipeline run.
type RunState string

const (
	RunStateRunning   RunState = "RUNNING"
	RunStateCompleted RunState = "COMPLETED"
	RunStateFailed    RunState = "FAILED"
	RunStateStopped   RunState = "STOPPED"
)

// String returns the string representation of the run state.
func (s RunState) String() string {
	return string(s)
}

// IsTerminal returns true if the run is in a final state.
func (s RunState) IsTerminal() bool {
	return s != RunStateRunning
}
