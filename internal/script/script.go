// Package script runs JavaScript step functions as loop computations.
//
// A script defines poll(state). Each resumption calls it once with a state
// object that persists between calls. The return value decides the step:
//
//	{suspend: n}   resume again n ticks later
//	{done: v}      complete with v
//	{fail: "msg"}  fail with msg
//	undefined      complete with null
//
// Throwing fails the task. The script sees its job arguments as the global
// args and may call log(msg).
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/me/pipe/internal/loop"
)

// DefaultTimeLimit bounds a single call of poll and the evaluation of the
// script's top-level code.
const DefaultTimeLimit = time.Second

// Option configures a Computation.
type Option func(*Computation)

// WithTimeLimit interrupts top-level evaluation or a poll call that runs
// longer than d. Zero disables the limit.
func WithTimeLimit(d time.Duration) Option {
	return func(c *Computation) {
		c.timeLimit = d
	}
}

// Computation is a loop.Computation backed by a goja runtime.
type Computation struct {
	name      string
	logger    *slog.Logger
	timeLimit time.Duration

	vm    *goja.Runtime
	poll  goja.Callable
	state *goja.Object
	calls int
}

// Compile checks that source parses and is a candidate script.
func Compile(name, source string) error {
	if _, err := goja.Compile(name, source, false); err != nil {
		return fmt.Errorf("compile %s: %w", name, err)
	}
	return nil
}

// New evaluates source in a fresh runtime and returns a computation calling
// its poll function.
func New(name, source string, args map[string]any, logger *slog.Logger, opts ...Option) (*Computation, error) {
	c := &Computation{
		name:      name,
		logger:    logger.With("component", "script", "script", name),
		timeLimit: DefaultTimeLimit,
		vm:        goja.New(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := c.vm.Set("args", args); err != nil {
		return nil, fmt.Errorf("script %s: set args: %w", name, err)
	}
	if err := c.vm.Set("log", func(call goja.FunctionCall) goja.Value {
		msg := make([]any, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			msg = append(msg, a.Export())
		}
		c.logger.Info(strings.TrimSuffix(fmt.Sprintln(msg...), "\n"))
		return goja.Undefined()
	}); err != nil {
		return nil, fmt.Errorf("script %s: set log: %w", name, err)
	}

	prog, err := goja.Compile(name, source, false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	release := c.arm("evaluation")
	_, err = c.vm.RunProgram(prog)
	release()
	if err != nil {
		return nil, c.wrap(err)
	}

	poll, ok := goja.AssertFunction(c.vm.Get("poll"))
	if !ok {
		return nil, fmt.Errorf("script %s: poll(state) is not defined", name)
	}
	c.poll = poll
	c.state = c.vm.NewObject()
	return c, nil
}

// Calls returns how many times poll has been called.
func (c *Computation) Calls() int {
	return c.calls
}

// Poll implements loop.Computation.
func (c *Computation) Poll(context.Context) loop.Step {
	c.calls++
	release := c.arm("poll")
	ret, err := c.poll(goja.Undefined(), c.state)
	release()
	if err != nil {
		return loop.Fail(c.wrap(err))
	}
	return c.step(ret)
}

// arm interrupts the runtime once the time limit elapses. The returned
// function disarms it and clears a pending interrupt.
func (c *Computation) arm(what string) func() {
	if c.timeLimit <= 0 {
		return func() {}
	}
	timer := time.AfterFunc(c.timeLimit, func() {
		c.vm.Interrupt(fmt.Sprintf("%s exceeded %s", what, c.timeLimit))
	})
	return func() {
		timer.Stop()
		c.vm.ClearInterrupt()
	}
}

func (c *Computation) wrap(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("script %s: %v", c.name, interrupted.Value())
	}
	return fmt.Errorf("script %s: %w", c.name, err)
}

func (c *Computation) step(ret goja.Value) loop.Step {
	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return loop.Done(nil)
	}
	obj, ok := ret.(*goja.Object)
	if !ok {
		return loop.Fail(fmt.Errorf("script %s: poll returned %s, want an object", c.name, ret.String()))
	}

	if v := obj.Get("suspend"); v != nil && !goja.IsUndefined(v) {
		return loop.Suspend(v.ToInteger())
	}
	if v := obj.Get("done"); v != nil {
		return loop.Done(v.Export())
	}
	if v := obj.Get("fail"); v != nil && !goja.IsUndefined(v) {
		return loop.Fail(fmt.Errorf("script %s: %s", c.name, v.String()))
	}
	return loop.Fail(fmt.Errorf("script %s: poll returned an object without suspend, done or fail", c.name))
}
