// Package process spawns external commands and drives them as loop
// computations through non-blocking polling.
package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// Spec describes a command to spawn.
type Spec struct {
	Argv []string          `yaml:"argv" json:"argv"`
	Dir  string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env  map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// String returns the command line joined by spaces.
func (s Spec) String() string {
	return strings.Join(s.Argv, " ")
}

// ExitError reports a non-zero exit of a runner created WithCheckExit.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr []byte
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command '%s' exited with code %d", e.Cmd, e.Code)
}

// Spawner starts processes.
type Spawner interface {
	Spawn(spec Spec) (Handle, error)
}

// Handle is a started process. Poll and Output never block.
type Handle interface {
	// Poll reports the exit code once the process has exited. err is set when
	// waiting on the process failed for a reason other than a non-zero exit.
	Poll() (code int, exited bool, err error)
	// Terminate kills the process. Terminating an exited process is a no-op.
	Terminate() error
	// Output returns the captured stdout and stderr. Both are nil until the
	// process has exited.
	Output() (stdout, stderr []byte)
}

// ExecSpawner spawns local OS processes with os/exec, buffering their
// output in memory.
type ExecSpawner struct {
	// WaitDelay bounds how long output copying may outlive a killed process
	// (grandchildren holding the pipes). Defaults to one second.
	WaitDelay time.Duration
}

// Spawn starts the command described by spec.
func (s ExecSpawner) Spawn(spec Spec) (Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("spawn: empty argv")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(spec.Env)...)
	}
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Second
	}

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	cmd.Stdout = &h.stdout
	cmd.Stderr = &h.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %q: %w", spec.String(), err)
	}
	go h.wait()
	return h, nil
}

type execHandle struct {
	cmd            *exec.Cmd
	stdout, stderr bytes.Buffer
	done           chan struct{}

	// Set by wait before done is closed.
	code    int
	waitErr error

	killOnce sync.Once
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		h.code = 0
	case errors.As(err, &exitErr):
		h.code = exitErr.ExitCode()
	case errors.Is(err, exec.ErrWaitDelay):
		h.code = h.cmd.ProcessState.ExitCode()
	default:
		h.code = -1
		h.waitErr = err
	}
	close(h.done)
}

func (h *execHandle) Poll() (int, bool, error) {
	select {
	case <-h.done:
		return h.code, true, h.waitErr
	default:
		return 0, false, nil
	}
}

func (h *execHandle) Terminate() error {
	var err error
	h.killOnce.Do(func() {
		err = h.cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	})
	return err
}

func (h *execHandle) Output() ([]byte, []byte) {
	select {
	case <-h.done:
		return h.stdout.Bytes(), h.stderr.Bytes()
	default:
		return nil, nil
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
