package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    TaskState
		terminal bool
	}{
		{TaskStatePending, false},
		{TaskStateRunning, false},
		{TaskStateSuspended, false},
		{TaskStateCompleted, true},
		{TaskStateFailed, true},
		{TaskStateCancelled, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.state.IsTerminal(), "TaskState(%q).IsTerminal()", tt.state)
	}
}

func TestTaskState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  TaskState
		to    TaskState
		valid bool
	}{
		// Valid transitions
		{TaskStatePending, TaskStateRunning, true},
		{TaskStatePending, TaskStateCancelled, true},
		{TaskStateRunning, TaskStateSuspended, true},
		{TaskStateRunning, TaskStateCompleted, true},
		{TaskStateRunning, TaskStateFailed, true},
		{TaskStateSuspended, TaskStatePending, true},

		// Invalid transitions
		{TaskStatePending, TaskStateCompleted, false},
		{TaskStateSuspended, TaskStateRunning, false},
		{TaskStateCompleted, TaskStatePending, false},
		{TaskStateCompleted, TaskStateFailed, false},
		{TaskStateFailed, TaskStateRunning, false},
		{TaskStateCancelled, TaskStatePending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, tt.from.CanTransitionTo(tt.to), "TaskState(%q).CanTransitionTo(%q)", tt.from, tt.to)
	}
}

func TestTaskState_TerminalHasNoTransitions(t *testing.T) {
	for from := range ValidTaskTransitions {
		assert.False(t, from.IsTerminal(), "terminal state %q must not have outgoing transitions", from)
	}
}

func TestRunState_IsTerminal(t *testing.T) {
	assert.False(t, RunStateRunning.IsTerminal())
	assert.True(t, RunStateCompleted.IsTerminal())
	assert.True(t, RunStateFailed.IsTerminal())
	assert.True(t, RunStateStopped.IsTerminal())
}
