package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/me/pipe/internal/loop"
	"github.com/me/pipe/internal/pool"
	"github.com/me/pipe/internal/process"
	"github.com/me/pipe/internal/script"
	"github.com/me/pipe/internal/trigger"
)

// Env carries what Build needs besides the file.
type Env struct {
	Logger    *slog.Logger
	Pool      *pool.Pool // required by call jobs
	PollTicks int64      // suspension between polls; process.DefaultPollTicks if zero

	Spawner process.Spawner  // optional, defaults to process.ExecSpawner
	Now     func() time.Time // optional clock for timeouts and cron

	// TaskOptions are applied to every task Build creates, dependents and
	// cron firings included.
	TaskOptions []loop.TaskOption
}

// Build validates f and creates its top-level tasks on l: every non-monitor
// job in file order, then the monitors. It returns the created tasks by job
// name.
func Build(l *loop.Loop, f *File, env Env) (map[string]*loop.Task, error) {
	if err := Validate(f); err != nil {
		return nil, err
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if env.PollTicks <= 0 {
		env.PollTicks = process.DefaultPollTicks
	}
	logger := env.Logger.With("component", "pipeline", "pipeline", f.Name)

	tasks := make(map[string]*loop.Task, len(f.Jobs))
	for i := range f.Jobs {
		j := &f.Jobs[i]
		if j.Monitor != "" {
			continue
		}
		var (
			comp loop.Computation
			err  error
		)
		if j.Cron != "" {
			comp, err = env.cron(l, j)
		} else {
			comp, err = env.computation(j)
		}
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", j.Name, err)
		}
		opts, err := env.taskOptions(j)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", j.Name, err)
		}
		tasks[j.Name] = l.CreateTask(comp, opts...)
	}
	for i := range f.Jobs {
		j := &f.Jobs[i]
		if j.Monitor == "" {
			continue
		}
		opts := append([]loop.TaskOption{loop.WithName(j.Name)}, env.TaskOptions...)
		tasks[j.Name] = l.CreateTask(loop.Monitor(tasks[j.Monitor]), opts...)
	}

	logger.Info("pipeline built", "jobs", len(f.Jobs), "tasks", len(tasks))
	return tasks, nil
}

// taskOptions names the task and attaches its dependents, recursively.
func (env Env) taskOptions(j *Job) ([]loop.TaskOption, error) {
	opts := []loop.TaskOption{loop.WithName(j.Name)}
	opts = append(opts, env.TaskOptions...)
	for i := range j.Then {
		child := &j.Then[i]
		comp, err := env.computation(child)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", child.Name, err)
		}
		childOpts, err := env.taskOptions(child)
		if err != nil {
			return nil, err
		}
		opts = append(opts, loop.WithDependent(comp, childOpts...))
	}
	return opts, nil
}

// computation builds the computation for a non-monitor job, ignoring Cron.
func (env Env) computation(j *Job) (loop.Computation, error) {
	switch j.Kind() {
	case KindProcess:
		opts := []process.RunnerOption{
			process.WithTimeout(j.Timeout),
			process.WithPollTicks(env.PollTicks),
			process.WithLogger(env.Logger),
		}
		if j.Check {
			opts = append(opts, process.WithCheckExit())
		}
		if env.Spawner != nil {
			opts = append(opts, process.WithSpawner(env.Spawner))
		}
		if env.Now != nil {
			opts = append(opts, process.WithClock(env.Now))
		}
		return process.NewRunner(process.Spec{Argv: j.Argv, Dir: j.Dir, Env: j.Env}, opts...), nil
	case KindScript:
		return script.New(j.Name, j.Script, j.Args, env.Logger)
	case KindCall:
		if env.Pool == nil {
			return nil, fmt.Errorf("call jobs need a worker pool")
		}
		fn, err := pool.Builtin(j.Call.Func, j.Call.Duration)
		if err != nil {
			return nil, err
		}
		return pool.Call(env.Pool, fn, env.PollTicks), nil
	case KindSleep:
		return loop.Sleep(*j.Sleep), nil
	}
	return nil, fmt.Errorf("job has no runnable kind")
}

func (env Env) cron(l *loop.Loop, j *Job) (loop.Computation, error) {
	opts := []trigger.Option{
		trigger.WithLimit(j.Limit),
		trigger.WithLogger(env.Logger),
		trigger.WithTaskOptions(env.TaskOptions...),
	}
	if env.Now != nil {
		opts = append(opts, trigger.WithClock(env.Now))
	}
	factory := func(int) (loop.Computation, error) {
		return env.computation(j)
	}
	return trigger.NewCron(l, j.Name, j.Cron, factory, opts...)
}

// Unlimited reports whether f has a cron job without a limit, which never
// completes on its own.
func (f *File) Unlimited() bool {
	for _, j := range f.Jobs {
		if j.Cron != "" && j.Limit == 0 {
			return true
		}
	}
	return false
}
