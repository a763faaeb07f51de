package process

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/pipe/internal/loop"
	"github.com/me/pipe/pkg/model"
)

// DefaultPollTicks is how long a runner suspends between polls of a process
// that is still running.
const DefaultPollTicks = 20

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithTimeout fails the runner with a *model.TimeoutError once the process
// has been running for d. Zero means no timeout.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.timeout = d
	}
}

// WithPollTicks sets the suspension between polls.
func WithPollTicks(n int64) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.pollTicks = n
		}
	}
}

// WithCheckExit fails the runner with an *ExitError when the process exits
// with a non-zero code, instead of completing with the code.
func WithCheckExit() RunnerOption {
	return func(r *Runner) {
		r.checkExit = true
	}
}

// WithSpawner replaces the default ExecSpawner.
func WithSpawner(s Spawner) RunnerOption {
	return func(r *Runner) {
		r.spawner = s
	}
}

// WithClock overrides the wall clock used for the timeout.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		r.now = now
	}
}

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// Runner is a loop.Computation that runs one external process. It spawns on
// its first poll and completes with the exit code.
type Runner struct {
	spec      Spec
	timeout   time.Duration
	checkExit bool
	pollTicks int64
	spawner   Spawner
	now       func() time.Time
	logger    *slog.Logger

	handle   Handle
	started  time.Time
	timedOut bool
	exited   bool
	code     int
}

var _ loop.Computation = (*Runner)(nil)
var _ loop.Canceler = (*Runner)(nil)

// NewRunner creates a runner for spec.
func NewRunner(spec Spec, opts ...RunnerOption) *Runner {
	r := &Runner{
		spec:      spec,
		pollTicks: DefaultPollTicks,
		spawner:   ExecSpawner{},
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "runner", "cmd", spec.String())
	return r
}

// Spec returns the command the runner executes.
func (r *Runner) Spec() Spec {
	return r.spec
}

// Poll implements loop.Computation.
func (r *Runner) Poll(context.Context) loop.Step {
	if r.handle == nil {
		h, err := r.spawner.Spawn(r.spec)
		if err != nil {
			return loop.Fail(err)
		}
		r.handle = h
		r.started = r.now()
		r.logger.Debug("process spawned", "timeout", r.timeout)
	}

	code, exited, err := r.handle.Poll()
	if exited {
		r.exited = true
		r.code = code
		if r.timedOut {
			stdout, stderr := r.handle.Output()
			return loop.Fail(&model.TimeoutError{
				Cmd:     r.spec.String(),
				Timeout: r.timeout,
				Stdout:  stdout,
				Stderr:  stderr,
			})
		}
		if err != nil {
			return loop.Fail(fmt.Errorf("wait %q: %w", r.spec.String(), err))
		}
		r.logger.Debug("process exited", "exit_code", code, "elapsed", r.now().Sub(r.started))
		if r.checkExit && code != 0 {
			_, stderr := r.handle.Output()
			return loop.Fail(&ExitError{Cmd: r.spec.String(), Code: code, Stderr: stderr})
		}
		return loop.Done(code)
	}

	if r.timedOut {
		// Killed; wait for the process to be reaped before reading output.
		return loop.Suspend(1)
	}
	if r.timeout > 0 && r.now().Sub(r.started) >= r.timeout {
		r.timedOut = true
		r.logger.Info("process timed out, terminating", "timeout", r.timeout)
		if err := r.handle.Terminate(); err != nil {
			r.logger.Warn("terminate failed", "error", err)
		}
		return loop.Suspend(1)
	}
	return loop.Suspend(r.pollTicks)
}

// Cancel terminates the process if it is still running.
func (r *Runner) Cancel() {
	if r.handle == nil || r.exited {
		return
	}
	if err := r.handle.Terminate(); err != nil {
		r.logger.Warn("terminate failed", "error", err)
	}
}

// ExitCode returns the exit code once the process has exited.
func (r *Runner) ExitCode() (int, bool) {
	return r.code, r.exited
}

// TimedOut reports whether the runner killed the process for exceeding its
// timeout.
func (r *Runner) TimedOut() bool {
	return r.timedOut
}

// Output returns the captured stdout and stderr once the process has exited.
func (r *Runner) Output() (stdout, stderr []byte) {
	if r.handle == nil {
		return nil, nil
	}
	return r.handle.Output()
}
