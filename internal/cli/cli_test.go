package cli

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/pipe/internal/pipeline"
)

// execute runs the root command with args and returns stdout, stderr and
// the command error.
func execute(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func writePipeline(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testDB(t *testing.T) string {
	return filepath.Join(t.TempDir(), "history.db")
}

const okPipeline = `
name: ok
jobs:
  - name: nap
    sleep: 10
    then:
      - name: count
        script: |
          function poll(state) {
            state.n = (state.n || 0) + 1;
            return state.n < 3 ? {suspend: 2} : {done: state.n};
          }
  - name: burn
    call: {func: sleep, duration: 1ms}
`

const failingPipeline = `
name: bad
jobs:
  - name: nap
    sleep: 1
  - name: boom
    script: |
      function poll(state) { return {fail: "boom"}; }
`

func TestValidate_OK(t *testing.T) {
	path := writePipeline(t, okPipeline)
	out, _, err := execute(t, context.Background(), "validate", path)
	require.NoError(t, err)
	assert.Equal(t, "pipeline ok: 3 jobs OK\n", out)
}

func TestValidate_Invalid(t *testing.T) {
	path := writePipeline(t, `
name: broken
jobs:
  - name: a
    sleep: 1
    argv: [echo]
  - name: a
    monitor: nobody
`)
	_, stderr, err := execute(t, context.Background(), "validate", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline broken")
	assert.Contains(t, stderr, "mixes")
	assert.Contains(t, stderr, "duplicate name")
	assert.Contains(t, stderr, "nobody")
}

func TestRun_Completes(t *testing.T) {
	path := writePipeline(t, okPipeline)
	out, _, err := execute(t, context.Background(), "run", "--tick", "0", "--no-history", path)
	require.NoError(t, err)
	assert.Contains(t, out, "nap")
	assert.Contains(t, out, "count")
	assert.Contains(t, out, "burn")
	assert.Contains(t, out, "COMPLETED")
	assert.NotContains(t, out, "run: ")
}

func TestRun_FailedTaskExitsNonZero(t *testing.T) {
	path := writePipeline(t, failingPipeline)
	out, _, err := execute(t, context.Background(), "run", "--tick", "0", "--no-history", path)

	var ee *ExitError
	require.True(t, errors.As(err, &ee), "want ExitError, got %v", err)
	assert.Equal(t, ExitFailure, ee.Code)
	assert.Contains(t, ee.Error(), "1 of 2 tasks failed")
	assert.Contains(t, out, "boom")
}

func TestRun_Quiet(t *testing.T) {
	path := writePipeline(t, okPipeline)
	out, _, err := execute(t, context.Background(), "run", "-q", "--tick", "0", "--no-history", path)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRun_RejectsUnlimitedCron(t *testing.T) {
	path := writePipeline(t, `
name: forever
jobs:
  - name: tick
    cron: "@every 1s"
    sleep: 1
`)
	_, _, err := execute(t, context.Background(), "run", "--no-history", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipe serve")
}

func TestRun_InvalidPipeline(t *testing.T) {
	path := writePipeline(t, "name: empty\njobs: []\n")
	_, _, err := execute(t, context.Background(), "run", "--no-history", path)

	var ve *pipeline.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "jobs", ve.Errors[0].Field)
}

func TestRun_BadFlags(t *testing.T) {
	path := writePipeline(t, okPipeline)
	_, _, err := execute(t, context.Background(), "run", "--workers", "0", "--no-history", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")

	_, _, err = execute(t, context.Background(), "run", "--log-format", "xml", "--no-history", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log format")
}

func TestHistory(t *testing.T) {
	db := testDB(t)
	path := writePipeline(t, failingPipeline)

	out, _, err := execute(t, context.Background(), "run", "--tick", "0", "--db", db, path)
	require.Error(t, err)
	require.Contains(t, out, "run: run_")

	out, _, err = execute(t, context.Background(), "history", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "PIPELINE")
	assert.Contains(t, out, "bad")
	assert.Contains(t, out, "FAILED")

	out, _, err = execute(t, context.Background(), "history", "--db", db, "--state", "completed")
	require.NoError(t, err)
	assert.NotContains(t, out, "bad")
}

func TestHistory_Detail(t *testing.T) {
	db := testDB(t)
	path := writePipeline(t, failingPipeline)

	out, _, _ := execute(t, context.Background(), "run", "--tick", "0", "--db", db, path)
	i := bytes.LastIndex([]byte(out), []byte("run: "))
	require.GreaterOrEqual(t, i, 0)
	id := string(bytes.TrimSpace([]byte(out[i+len("run: "):])))

	out, _, err := execute(t, context.Background(), "history", "--db", db, id)
	require.NoError(t, err)
	assert.Contains(t, out, "pipeline: bad")
	assert.Contains(t, out, "2 tasks, 1 failed")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "nap")
}

func TestHistory_Errors(t *testing.T) {
	db := testDB(t)

	_, _, err := execute(t, context.Background(), "history", "--db", db, "run_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, _, err = execute(t, context.Background(), "history", "--db", db, "--state", "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown run state")

	_, _, err = execute(t, context.Background(), "history", "--no-history")
	require.EqualError(t, err, "history is disabled")
}

func TestExec_ExitCode(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	out, stderr, err := execute(t, context.Background(),
		"exec", "--tick", "0", "--no-history", "--", "sh", "-c", "echo hi; echo oops >&2; exit 3")

	var ee *ExitError
	require.True(t, errors.As(err, &ee), "want ExitError, got %v", err)
	assert.Equal(t, 3, ee.Code)
	assert.Nil(t, ee.Err)
	assert.Equal(t, "hi\n", out)
	assert.Contains(t, stderr, "oops")
}

func TestExec_Success(t *testing.T) {
	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}
	out, _, err := execute(t, context.Background(), "exec", "--tick", "0", "--no-history", "--", "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestExec_Timeout(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	start := time.Now()
	_, _, err := execute(t, context.Background(),
		"exec", "--tick", "1ms", "--timeout", "100ms", "--no-history", "--", "sleep", "10")

	var ee *ExitError
	require.True(t, errors.As(err, &ee), "want ExitError, got %v", err)
	assert.Equal(t, ExitTimeout, ee.Code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestServe_StopsWithContext(t *testing.T) {
	path := writePipeline(t, `
name: served
jobs:
  - name: nap
    sleep: 5
`)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, _, err := execute(t, ctx, "serve", "--tick", "1ms", "--no-history", path)
	assert.NoError(t, err)
}

func TestServe_ListenFailureStops(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	path := writePipeline(t, `
name: served
jobs:
  - name: nap
    sleep: 1000000
`)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _, err = execute(t, ctx, "serve", "--tick", "1ms", "--no-history", "--listen", ln.Addr().String(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status server")
	assert.NoError(t, ctx.Err())
}

func TestExitError(t *testing.T) {
	e := &ExitError{Code: 3}
	assert.Equal(t, "exit status 3", e.Error())
	assert.Nil(t, errors.Unwrap(e))

	inner := errors.New("interrupted")
	e = &ExitError{Code: ExitInterrupt, Err: inner}
	assert.Equal(t, "interrupted", e.Error())
	assert.ErrorIs(t, e, inner)
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "short", oneLine("short", 10))
	assert.Equal(t, "first ...", oneLine("first\nsecond", 20))
	assert.Equal(t, "abcdefg...", oneLine("abcdefghijklmnop", 10))

	// "é" is two bytes; the cut must not split it.
	got := oneLine("abcdeféééé", 10)
	assert.True(t, utf8.ValidString(got), "%q", got)
	assert.Equal(t, "abcdef...", got)
}
