package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/me/pipe/internal/loop"
	"github.com/me/pipe/pkg/model"
)

// MaxOutput caps the bytes of stdout and stderr kept per task record.
const MaxOutput = 64 << 10

// RecordQueue is how many task records may wait for the writer before
// retiring tasks blocks the loop.
const RecordQueue = 256

type exitCoder interface {
	ExitCode() (int, bool)
}

type outputter interface {
	Output() (stdout, stderr []byte)
}

// Recorder is a loop observer that writes one TaskRecord per retired task
// under a single run. Records are snapshotted on the loop goroutine and
// written by a background writer, so a pass does not wait on the disk.
// Store failures are logged and otherwise ignored.
type Recorder struct {
	loop.NopObserver

	store  Store
	logger *slog.Logger
	ctx    context.Context
	run    *model.Run

	records chan *model.TaskRecord
	written chan struct{}
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.With("component", "recorder"),
		ctx:    context.Background(),
	}
}

// Start creates the run row. It must be called before the loop runs.
func (r *Recorder) Start(ctx context.Context, pipeline, file string) (*model.Run, error) {
	run := &model.Run{
		ID:        "run_" + uuid.New().String(),
		Pipeline:  pipeline,
		File:      file,
		State:     model.RunStateRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	// Task records are still written while an interrupted loop cancels
	// its tasks.
	r.ctx = context.WithoutCancel(ctx)
	r.run = run
	r.records = make(chan *model.TaskRecord, RecordQueue)
	r.written = make(chan struct{})
	go r.write(r.records)
	r.logger.Info("run started", "run_id", run.ID, "pipeline", pipeline)
	return run, nil
}

// Run returns the current run, or nil before Start.
func (r *Recorder) Run() *model.Run {
	return r.run
}

// TaskRetired implements loop.Observer.
func (r *Recorder) TaskRetired(t *loop.Task) {
	if r.run == nil {
		return
	}
	r.run.Tasks++
	if t.State() != model.TaskStateCompleted {
		r.run.Failed++
	}

	rec := NewTaskRecord(r.run.ID, t)
	if r.records == nil {
		r.record(rec)
		return
	}
	r.records <- rec
}

func (r *Recorder) write(records <-chan *model.TaskRecord) {
	defer close(r.written)
	for rec := range records {
		r.record(rec)
	}
}

func (r *Recorder) record(rec *model.TaskRecord) {
	if err := r.store.RecordTask(r.ctx, rec); err != nil {
		r.logger.Warn("record task failed", "run_id", rec.RunID, "task_id", rec.TaskID, "error", err)
	}
}

// flush waits until every queued record was written.
func (r *Recorder) flush() {
	if r.records == nil {
		return
	}
	close(r.records)
	<-r.written
	r.records = nil
}

// Finish writes the queued task records and closes the run. An empty state
// derives COMPLETED or FAILED from the recorded tasks. Tasks retiring after
// Finish are written directly.
func (r *Recorder) Finish(ctx context.Context, state model.RunState) error {
	if r.run == nil {
		return errors.New("run not started")
	}
	r.flush()
	if state == "" {
		state = model.RunStateCompleted
		if r.run.Failed > 0 {
			state = model.RunStateFailed
		}
	}
	now := time.Now().UTC()
	r.run.State = state
	r.run.CompletedAt = &now
	if err := r.store.FinishRun(ctx, r.run.ID, state, r.run.Tasks, r.run.Failed, now); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	r.logger.Info("run finished", "run_id", r.run.ID, "state", state,
		"tasks", r.run.Tasks, "failed", r.run.Failed)
	return nil
}

// NewTaskRecord snapshots a finished task. Exit code and output are taken
// from the computation when it exposes them, or from a timeout error.
func NewTaskRecord(runID string, t *loop.Task) *model.TaskRecord {
	rec := &model.TaskRecord{
		RunID:        runID,
		TaskID:       t.ID(),
		Name:         t.Name(),
		State:        t.State(),
		CreatedTick:  t.CreatedTick(),
		FinishedTick: t.FinishedTick(),
		CreatedAt:    t.CreatedAt(),
		CompletedAt:  t.FinishedAt(),
	}

	if err := t.Err(); err != nil {
		rec.Error = err.Error()
	} else if v := t.Result(); v != nil {
		if b, err := json.Marshal(v); err == nil {
			rec.Result = string(b)
		} else {
			rec.Result = fmt.Sprint(v)
		}
	}

	if ec, ok := t.Computation().(exitCoder); ok {
		if code, exited := ec.ExitCode(); exited {
			rec.ExitCode = &code
		}
	}
	var stdout, stderr []byte
	if o, ok := t.Computation().(outputter); ok {
		stdout, stderr = o.Output()
	}
	var te *model.TimeoutError
	if errors.As(t.Err(), &te) && len(stdout) == 0 && len(stderr) == 0 {
		stdout, stderr = te.Stdout, te.Stderr
	}
	rec.Stdout = clip(stdout)
	rec.Stderr = clip(stderr)
	return rec
}

func clip(b []byte) string {
	if len(b) > MaxOutput {
		b = b[len(b)-MaxOutput:]
	}
	return string(b)
}
