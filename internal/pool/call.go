package pool

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/me/pipe/internal/loop"
)

type call struct {
	pool      *Pool
	fn        Func
	pollTicks int64
	future    *Future
}

// Call returns a computation that runs fn on p and completes with its
// result. It never blocks the loop: a full queue and an unfinished function
// both suspend for pollTicks.
func Call(p *Pool, fn Func, pollTicks int64) loop.Computation {
	if pollTicks < 0 {
		pollTicks = 0
	}
	return &call{pool: p, fn: fn, pollTicks: pollTicks}
}

func (c *call) Poll(ctx context.Context) loop.Step {
	if c.future == nil {
		f, ok, err := c.pool.TrySubmit(ctx, c.fn)
		if err != nil {
			return loop.Fail(err)
		}
		if !ok {
			return loop.Suspend(c.pollTicks)
		}
		c.future = f
	}
	if !c.future.Ready() {
		return loop.Suspend(c.pollTicks)
	}
	v, err := c.future.Result()
	if err != nil {
		return loop.Fail(err)
	}
	return loop.Done(v)
}

// Cancel cancels the function's context. The worker stays busy until the
// function observes it.
func (c *call) Cancel() {
	if c.future != nil {
		c.future.Cancel()
	}
}

// Builtin returns a named function usable from pipeline files.
//
//	sleep  blocks for d, completes with d as a string
//	spin   burns CPU for d, completes with the iteration count
func Builtin(name string, d time.Duration) (Func, error) {
	switch name {
	case "sleep":
		return func(ctx context.Context) (any, error) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return d.String(), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}, nil
	case "spin":
		return func(ctx context.Context) (any, error) {
			deadline := time.Now().Add(d)
			var n int64
			for {
				n++
				if n%4096 == 0 {
					if err := ctx.Err(); err != nil {
						return nil, err
					}
					if !time.Now().Before(deadline) {
						return n, nil
					}
				}
			}
		}, nil
	}
	return nil, fmt.Errorf("unknown function %q (known: %v)", name, Builtins())
}

// Builtins lists the names accepted by Builtin.
func Builtins() []string {
	names := []string{"sleep", "spin"}
	sort.Strings(names)
	return names
}
