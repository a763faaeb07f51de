package history

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/pipe/internal/loop"
	"github.com/me/pipe/pkg/model"
)

// procLike exposes an exit code and output like process.Runner.
type procLike struct {
	code   int
	stdout string
}

func (p *procLike) Poll(context.Context) loop.Step { return loop.Done(p.code) }
func (p *procLike) ExitCode() (int, bool)          { return p.code, true }
func (p *procLike) Output() ([]byte, []byte)       { return []byte(p.stdout), nil }

func TestRecorder(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	rec := NewRecorder(st, testLogger())

	run, err := rec.Start(ctx, "demo", "demo.yaml")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(run.ID, "run_"))
	assert.Same(t, run, rec.Run())

	l := loop.New(loop.Config{}, testLogger(), loop.WithObserver(rec))
	l.CreateTask(&procLike{code: 0, stdout: "hello\n"}, loop.WithName("echo"))
	l.CreateTask(loop.ComputationFunc(func(context.Context) loop.Step {
		return loop.Fail(errors.New("nope"))
	}), loop.WithName("bad"))
	l.CreateTask(loop.Sleep(3), loop.WithName("nap"))
	require.NoError(t, l.Run(ctx))

	require.NoError(t, rec.Finish(ctx, ""))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFailed, got.State)
	assert.Equal(t, 3, got.Tasks)
	assert.Equal(t, 1, got.Failed)

	recs, err := st.ListTaskRecords(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	byName := map[string]*model.TaskRecord{}
	for _, r := range recs {
		byName[r.Name] = r
	}
	echo := byName["echo"]
	require.NotNil(t, echo)
	require.NotNil(t, echo.ExitCode)
	assert.Equal(t, 0, *echo.ExitCode)
	assert.Equal(t, "hello\n", echo.Stdout)
	assert.Equal(t, "0", echo.Result)

	bad := byName["bad"]
	require.NotNil(t, bad)
	assert.Equal(t, model.TaskStateFailed, bad.State)
	assert.Contains(t, bad.Error, "nope")
	assert.Nil(t, bad.ExitCode)

	nap := byName["nap"]
	require.NotNil(t, nap)
	assert.Equal(t, int64(3), nap.FinishedTick)
}

func TestRecorder_FinishExplicitState(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	rec := NewRecorder(st, testLogger())
	run, err := rec.Start(ctx, "demo", "")
	require.NoError(t, err)

	require.NoError(t, rec.Finish(ctx, model.RunStateStopped))
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateStopped, got.State)
}

func TestRecorder_NotStarted(t *testing.T) {
	rec := NewRecorder(testStore(t), testLogger())
	assert.Error(t, rec.Finish(context.Background(), ""))

	// Retired tasks before Start are ignored.
	l := loop.New(loop.Config{}, testLogger(), loop.WithObserver(rec))
	l.CreateTask(loop.Sleep(0))
	require.NoError(t, l.Run(context.Background()))
	assert.Nil(t, rec.Run())
}

func TestRecorder_StoreFailureIsNotFatal(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	rec := NewRecorder(st, testLogger())
	_, err := rec.Start(ctx, "demo", "")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	l := loop.New(loop.Config{}, testLogger(), loop.WithObserver(rec))
	task := l.CreateTask(loop.Sleep(1))
	require.NoError(t, l.Run(ctx))
	assert.Equal(t, model.TaskStateCompleted, task.State())
	assert.Error(t, rec.Finish(ctx, ""))
}

// gatedStore holds every RecordTask call until release is closed.
type gatedStore struct {
	Store
	release chan struct{}
}

func (g *gatedStore) RecordTask(ctx context.Context, rec *model.TaskRecord) error {
	<-g.release
	return g.Store.RecordTask(ctx, rec)
}

func TestRecorder_WritesOffLoop(t *testing.T) {
	st := testStore(t)
	gated := &gatedStore{Store: st, release: make(chan struct{})}
	ctx := context.Background()
	rec := NewRecorder(gated, testLogger())
	run, err := rec.Start(ctx, "demo", "")
	require.NoError(t, err)

	l := loop.New(loop.Config{}, testLogger(), loop.WithObserver(rec))
	for i := 0; i < 5; i++ {
		l.CreateTask(loop.Sleep(int64(i)))
	}

	// The loop finishes although no record could be written yet.
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop blocked on the history store")
	}

	close(gated.release)
	require.NoError(t, rec.Finish(ctx, ""))

	recs, err := st.ListTaskRecords(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 5)

	// Late retirements are written directly.
	l.CreateTask(loop.Sleep(0))
	require.NoError(t, l.Run(ctx))
	recs, err = st.ListTaskRecords(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 6)
}

func TestNewTaskRecord_TimeoutOutput(t *testing.T) {
	l := loop.New(loop.Config{}, testLogger())
	task := l.CreateTask(loop.ComputationFunc(func(context.Context) loop.Step {
		return loop.Fail(&model.TimeoutError{Cmd: "sleep 9", Timeout: time.Second, Stdout: []byte("partial")})
	}))
	require.NoError(t, l.Run(context.Background()))

	rec := NewTaskRecord("run_x", task)
	assert.Equal(t, model.TaskStateFailed, rec.State)
	assert.Equal(t, "partial", rec.Stdout)
	assert.Contains(t, rec.Error, "timed out")
}

func TestClip(t *testing.T) {
	big := strings.Repeat("a", MaxOutput) + "tail"
	got := clip([]byte(big))
	assert.Len(t, got, MaxOutput)
	assert.True(t, strings.HasSuffix(got, "tail"))
	assert.Equal(t, "x", clip([]byte("x")))
}
