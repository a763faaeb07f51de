package history

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/pipe/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(":memory:", testLogger())
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleRun(id string, started time.Time) *model.Run {
	return &model.Run{
		ID:        id,
		Pipeline:  "demo",
		File:      "demo.yaml",
		State:     model.RunStateRunning,
		StartedAt: started,
	}
}

func TestRunLifecycle(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, st.CreateRun(ctx, sampleRun("run_1", now)))

	got, err := st.GetRun(ctx, "run_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "demo", got.Pipeline)
	assert.Equal(t, "demo.yaml", got.File)
	assert.Equal(t, model.RunStateRunning, got.State)
	assert.True(t, got.StartedAt.Equal(now))
	assert.Nil(t, got.CompletedAt)

	done := now.Add(2 * time.Second)
	require.NoError(t, st.FinishRun(ctx, "run_1", model.RunStateFailed, 3, 1, done))

	got, err = st.GetRun(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFailed, got.State)
	assert.Equal(t, 3, got.Tasks)
	assert.Equal(t, 1, got.Failed)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(done))
}

func TestGetRun_NotFound(t *testing.T) {
	st := testStore(t)
	got, err := st.GetRun(context.Background(), "run_missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFinishRun_NotFound(t *testing.T) {
	st := testStore(t)
	err := st.FinishRun(context.Background(), "run_missing", model.RunStateCompleted, 0, 0, time.Now())
	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, model.ErrNotFound, apiErr.Code)
}

func TestListRuns(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		run := sampleRun(fmt.Sprintf("run_%d", i), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, st.CreateRun(ctx, run))
	}
	require.NoError(t, st.FinishRun(ctx, "run_0", model.RunStateCompleted, 1, 0, base))

	runs, total, err := st.ListRuns(ctx, model.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, runs, 2)
	assert.Equal(t, "run_4", runs[0].ID, "newest first")
	assert.Equal(t, "run_3", runs[1].ID)

	runs, total, err = st.ListRuns(ctx, model.ListOptions{Limit: 10, State: "COMPLETED"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, runs, 1)
	assert.Equal(t, "run_0", runs[0].ID)
}

func TestTaskRecords(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, st.CreateRun(ctx, sampleRun("run_1", now)))

	code := 2
	recs := []*model.TaskRecord{
		{RunID: "run_1", TaskID: 2, Name: "build", State: model.TaskStateFailed, ExitCode: &code,
			Error: "command 'make' exited with code 2", Stderr: "boom\n",
			CreatedTick: 0, FinishedTick: 40, CreatedAt: now, CompletedAt: now.Add(time.Second)},
		{RunID: "run_1", TaskID: 1, Name: "nap", State: model.TaskStateCompleted, Result: "100",
			CreatedTick: 0, FinishedTick: 100, CreatedAt: now, CompletedAt: now.Add(100 * time.Millisecond)},
	}
	for _, rec := range recs {
		require.NoError(t, st.RecordTask(ctx, rec))
	}

	got, err := st.ListTaskRecords(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "nap", got[0].Name, "ordered by task id")
	assert.Nil(t, got[0].ExitCode)
	assert.Equal(t, "100", got[0].Result)
	assert.Equal(t, 100*time.Millisecond, got[0].Duration())

	assert.Equal(t, "build", got[1].Name)
	require.NotNil(t, got[1].ExitCode)
	assert.Equal(t, 2, *got[1].ExitCode)
	assert.Equal(t, "boom\n", got[1].Stderr)
	assert.Equal(t, int64(40), got[1].FinishedTick)
	assert.True(t, got[1].CompletedAt.Equal(now.Add(time.Second)))
}

func TestRecordTask_UnknownRun(t *testing.T) {
	st := testStore(t)
	now := time.Now().UTC()
	err := st.RecordTask(context.Background(), &model.TaskRecord{
		RunID: "run_missing", TaskID: 1, Name: "x", State: model.TaskStateCompleted,
		CreatedAt: now, CompletedAt: now,
	})
	assert.Error(t, err, "foreign key enforced")
}

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestNewSQLiteStore_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	st, err := NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.CreateRun(ctx, sampleRun("run_1", time.Now().UTC())))
	require.NoError(t, st.Close())

	st, err = NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Migrate(ctx))
	got, err := st.GetRun(ctx, "run_1")
	require.NoError(t, err)
	require.NotNil(t, got)
}
