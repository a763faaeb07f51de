// Package trigger starts tasks on a wall-clock schedule.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/me/pipe/internal/loop"
)

// DefaultPollTicks is how often a trigger checks the clock.
const DefaultPollTicks = 100

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse parses a cron expression with a seconds field ("*/10 * * * * *") or
// a descriptor ("@every 1m", "@hourly").
func Parse(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return s, nil
}

// Factory builds the computation for the n-th firing, starting at 1.
type Factory func(n int) (loop.Computation, error)

// Option configures a Cron.
type Option func(*Cron)

// WithLimit completes the trigger after n firings. Zero means unlimited.
func WithLimit(n int) Option {
	return func(c *Cron) {
		c.limit = n
	}
}

// WithPollTicks sets how many ticks the trigger sleeps between clock checks.
func WithPollTicks(n int64) Option {
	return func(c *Cron) {
		if n > 0 {
			c.pollTicks = n
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Cron) {
		c.now = now
	}
}

// WithLogger sets the trigger's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cron) {
		c.logger = logger
	}
}

// WithTaskOptions applies opts to every task the trigger creates. The name is
// always set by the trigger.
func WithTaskOptions(opts ...loop.TaskOption) Option {
	return func(c *Cron) {
		c.taskOpts = append(c.taskOpts, opts...)
	}
}

// Cron is a loop.Computation that creates a new task every time its schedule
// fires. It completes with the number of firings once its limit is reached
// and otherwise runs until cancelled.
type Cron struct {
	loop      *loop.Loop
	name      string
	expr      string
	schedule  cron.Schedule
	factory   Factory
	limit     int
	pollTicks int64
	now       func() time.Time
	logger    *slog.Logger
	taskOpts  []loop.TaskOption

	next  time.Time
	fired int
	live  map[uint64]*loop.Task
}

// NewCron creates a trigger on l.
func NewCron(l *loop.Loop, name, expr string, factory Factory, opts ...Option) (*Cron, error) {
	schedule, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	c := &Cron{
		loop:      l,
		name:      name,
		expr:      expr,
		schedule:  schedule,
		factory:   factory,
		pollTicks: DefaultPollTicks,
		now:       time.Now,
		logger:    slog.Default(),
		live:      make(map[uint64]*loop.Task),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cron", "trigger", name)
	return c, nil
}

// Fired returns the number of tasks created so far.
func (c *Cron) Fired() int {
	return c.fired
}

// Live returns the fired tasks that have not finished yet, in firing order.
// Finished firings are forgotten.
func (c *Cron) Live() []*loop.Task {
	tasks := make([]*loop.Task, 0, len(c.live))
	for _, t := range c.live {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID() < tasks[j].ID() })
	return tasks
}

// Next returns the next scheduled firing. Zero before the first poll.
func (c *Cron) Next() time.Time {
	return c.next
}

// Poll implements loop.Computation.
func (c *Cron) Poll(context.Context) loop.Step {
	now := c.now()
	if c.next.IsZero() {
		c.next = c.schedule.Next(now)
		c.logger.Info("trigger armed", "expr", c.expr, "next", c.next)
	}
	if !now.Before(c.next) {
		if err := c.fire(); err != nil {
			return loop.Fail(err)
		}
		c.next = c.schedule.Next(now)
	}
	if c.limit > 0 && c.fired >= c.limit {
		return loop.Done(c.fired)
	}
	return loop.Suspend(c.pollTicks)
}

func (c *Cron) fire() error {
	n := c.fired + 1
	comp, err := c.factory(n)
	if err != nil {
		return fmt.Errorf("trigger %s firing %d: %w", c.name, n, err)
	}
	opts := append(append([]loop.TaskOption{}, c.taskOpts...), loop.WithName(fmt.Sprintf("%s#%d", c.name, n)))
	t := c.loop.CreateTask(comp, opts...)
	c.fired = n
	c.live[t.ID()] = t
	t.AddDoneCallback(func(t *loop.Task) { delete(c.live, t.ID()) })
	c.logger.Info("trigger fired", "firing", n, "task_id", t.ID())
	return nil
}
