// Package history records the outcome of pipeline runs and their tasks.
// It is a write-mostly log; nothing in it is used to restore a loop.
package history

import (
	"context"
	"time"

	"github.com/me/pipe/pkg/model"
)

// Store defines the persistence layer for run history.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	FinishRun(ctx context.Context, id string, state model.RunState, tasks, failed int, at time.Time) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)

	// Task records
	RecordTask(ctx context.Context, rec *model.TaskRecord) error
	ListTaskRecords(ctx context.Context, runID string) ([]*model.TaskRecord, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
