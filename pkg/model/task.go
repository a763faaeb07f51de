package model

import (
	"time"
)

// Run is one recorded execution of a pipeline file.
type Run struct {
	ID          string     `json:"id"`
	Pipeline    string     `json:"pipeline"`
	File        string     `json:"file,omitempty"`
	State       RunState   `json:"state"`
	Tasks       int        `json:"tasks"`
	Failed      int        `json:"failed"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskRecord is the persisted outcome of a retired task.
type TaskRecord struct {
	RunID        string    `json:"run_id"`
	TaskID       uint64    `json:"task_id"`
	Name         string    `json:"name"`
	State        TaskState `json:"state"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	Result       string    `json:"result,omitempty"`
	Error        string    `json:"error,omitempty"`
	Stdout       string    `json:"-"`
	Stderr       string    `json:"-"`
	CreatedTick  int64     `json:"created_tick"`
	FinishedTick int64     `json:"finished_tick"`
	CreatedAt    time.Time `json:"created_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Duration returns the wall time between creation and retirement.
func (r *TaskRecord) Duration() time.Duration {
	return r.CompletedAt.Sub(r.CreatedAt)
}

// TaskView is a read-only snapshot of a task for status endpoints.
type TaskView struct {
	ID           uint64    `json:"id"`
	Name         string    `json:"name"`
	State        TaskState `json:"state"`
	WakeAt       int64     `json:"wake_at"`
	CreatedTick  int64     `json:"created_tick"`
	FinishedTick int64     `json:"finished_tick,omitempty"`
	Result       any       `json:"result,omitempty"`
	Error        string    `json:"error,omitempty"`
}
