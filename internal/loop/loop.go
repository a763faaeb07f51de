package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/pipe/pkg/model"
)

// Config holds loop configuration.
type Config struct {
	// TickDuration is the wall time one tick stands for. Zero runs the loop
	// as a free-running simulation that never sleeps.
	TickDuration time.Duration

	// OnComplete and OnError are attached to every task that does not
	// override them with WithCallback / WithErrback.
	OnComplete Callback
	OnError    Callback
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{TickDuration: time.Millisecond}
}

// Option configures optional Loop dependencies.
type Option func(*Loop)

// WithObserver registers an Observer notified of task lifecycle events.
func WithObserver(o Observer) Option {
	return func(l *Loop) {
		if o != nil {
			l.observers = append(l.observers, o)
		}
	}
}

// WithClock overrides the wall clock used for task timestamps and pacing.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		l.now = now
	}
}

// Loop is a single-threaded cooperative scheduler. It owns a tick cursor and
// a ready queue, and resumes every task that is due at the current tick.
//
// Everything except Stop and Post must be called from the goroutine running
// the loop (computations, callbacks and observers already are).
type Loop struct {
	config    Config
	logger    *slog.Logger
	observers []Observer
	now       func() time.Time

	cursor   int64
	queue    readyQueue
	live     map[uint64]*Task
	lastID   uint64
	draining bool
	current  *Task

	stopped atomic.Bool
	mu      sync.Mutex
	inbox   []func()
	wake    chan struct{}
}

// New creates a loop with its cursor at tick 0.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Loop {
	l := &Loop{
		config: cfg,
		logger: logger.With("component", "loop"),
		now:    time.Now,
		queue:  newReadyQueue(),
		live:   make(map[uint64]*Task),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddObserver registers o after construction. Call it before Run.
func (l *Loop) AddObserver(o Observer) {
	if o != nil {
		l.observers = append(l.observers, o)
	}
}

// Now returns the current tick.
func (l *Loop) Now() int64 {
	return l.cursor
}

// Len returns the number of live (not yet retired) tasks.
func (l *Loop) Len() int {
	return len(l.live)
}

// Live returns the live tasks ordered by ID.
func (l *Loop) Live() []*Task {
	tasks := make([]*Task, 0, len(l.live))
	for _, t := range l.live {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].id < tasks[j].id })
	return tasks
}

// Lookup returns the live task with the given ID, or nil.
func (l *Loop) Lookup(id uint64) *Task {
	return l.live[id]
}

// CreateTask wraps c in a new task and schedules it at the first possible
// tick: the current one, or the next one when called during a pass.
func (l *Loop) CreateTask(c Computation, opts ...TaskOption) *Task {
	if c == nil {
		c = ComputationFunc(func(context.Context) Step {
			return Fail(errors.New("nil computation"))
		})
	}
	l.lastID++
	t := &Task{
		id:          l.lastID,
		loop:        l,
		comp:        c,
		state:       model.TaskStatePending,
		callback:    l.config.OnComplete,
		errback:     l.config.OnError,
		createdTick: l.cursor,
		createdAt:   l.now(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.name == "" {
		t.name = fmt.Sprintf("task-%d", t.id)
	}

	l.live[t.id] = t
	tick := l.queue.insert(t, l.cursor, l.cursor, l.draining)
	for _, o := range l.observers {
		o.TaskCreated(t)
	}
	l.logger.Info("task scheduled", "task_id", t.id, "task", t.name, "tick", tick)
	return t
}

// Schedule moves a live task to the bucket for tick. Ticks in the past are
// clamped to the present.
func (l *Loop) Schedule(t *Task, tick int64) error {
	if t.loop != l {
		return fmt.Errorf("schedule %s: task belongs to another loop", t)
	}
	if t.Done() || t.retired {
		return fmt.Errorf("schedule %s: %w", t, model.ErrTaskDone)
	}
	if l.current == t {
		return fmt.Errorf("schedule %s: task is running, suspend it instead", t)
	}
	l.queue.remove(t)
	at := l.queue.insert(t, tick, l.cursor, l.draining)
	l.logger.Debug("task rescheduled", "task_id", t.id, "task", t.name, "tick", at)
	return nil
}

// Stop makes the running loop return after the current pass. A Stop issued
// while the loop is not running makes the next run return at once. Safe to
// call from any goroutine.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	l.signal()
}

// Post queues fn to run on the loop goroutine before the next pass. It is
// the only way for other goroutines to create, schedule or cancel tasks.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.inbox = append(l.inbox, fn)
	l.mu.Unlock()
	l.signal()
}

// CancelAll cancels every live task in ID order.
func (l *Loop) CancelAll() int {
	n := 0
	for _, t := range l.Live() {
		if t.Cancel() {
			n++
		}
	}
	return n
}

// Run drives the loop until no live tasks remain, Stop is called or ctx is
// done.
func (l *Loop) Run(ctx context.Context) error {
	return l.run(ctx, false)
}

// RunForever drives the loop until Stop is called or ctx is done, idling
// while there is nothing to do.
func (l *Loop) RunForever(ctx context.Context) error {
	return l.run(ctx, true)
}

// RunUntilComplete runs c as a task and stops the loop as soon as that task
// finishes. It returns the task's result, or its error. Other tasks stay live
// and resume on the next run.
func (l *Loop) RunUntilComplete(ctx context.Context, c Computation, opts ...TaskOption) (any, error) {
	t := l.CreateTask(c, opts...)
	id := t.AddDoneCallback(func(*Task) { l.Stop() })
	err := l.RunForever(ctx)
	t.RemoveDoneCallback(id)
	if !t.Done() {
		if err == nil {
			err = fmt.Errorf("loop stopped before %s finished", t)
		}
		return nil, err
	}
	return t.Result(), t.Err()
}

// Tick runs a single iteration without pacing: it drains the inbox, resumes
// the tasks due at the current tick and advances the cursor to the next
// non-empty bucket (or by one tick). It returns the number of resumed tasks.
func (l *Loop) Tick(ctx context.Context) int {
	l.drainInbox()
	n := l.pass(ctx)
	if next, ok := l.queue.next(); ok {
		l.advanceTo(next)
	} else {
		l.advanceTo(addTicks(l.cursor, 1))
	}
	return n
}

func (l *Loop) run(ctx context.Context, forever bool) error {
	l.logger.Info("loop started", "tick", l.cursor, "live", len(l.live), "forever", forever)

	for {
		if err := ctx.Err(); err != nil {
			l.logger.Info("loop stopping (context cancelled)", "tick", l.cursor, "live", len(l.live))
			return err
		}
		if l.stopped.Swap(false) {
			l.logger.Info("loop stopping (stop called)", "tick", l.cursor, "live", len(l.live))
			return nil
		}
		l.drainInbox()
		if !forever && len(l.live) == 0 {
			l.logger.Info("loop drained", "tick", l.cursor)
			return nil
		}

		l.pass(ctx)

		if l.stopped.Load() || (!forever && len(l.live) == 0) {
			continue
		}
		next, ok := l.queue.next()
		if !ok {
			l.advanceTo(addTicks(l.cursor, l.idle(ctx)))
			continue
		}
		l.advanceTo(addTicks(l.cursor, l.pace(ctx, next-l.cursor)))
	}
}

// pass resumes every task in the bucket at the cursor, in insertion order.
func (l *Loop) pass(ctx context.Context) int {
	bucket := l.queue.detach(l.cursor)
	l.draining = true
	defer func() { l.draining = false }()

	n := 0
	for _, t := range bucket {
		// Cancelled or rescheduled while the bucket was waiting.
		if !t.queued || t.wakeAt != l.cursor || t.state != model.TaskStatePending {
			continue
		}
		t.queued = false
		l.resume(ctx, t)
		n++
	}
	for _, o := range l.observers {
		o.Ticked(l.cursor, len(l.live))
	}
	return n
}

func (l *Loop) resume(ctx context.Context, t *Task) {
	if err := t.transition(model.TaskStateRunning); err != nil {
		l.logger.Error("resume", "task_id", t.id, "error", err)
		return
	}
	l.current = t
	step := l.poll(ctx, t)
	l.current = nil

	if t.cancelRequested {
		l.resumed(t, step)
		l.cancelResources(t)
		l.finish(t, model.TaskStateCancelled, nil, &model.CancelledError{TaskID: t.id, Task: t.name})
		return
	}

	switch step.kind {
	case StepSuspend:
		_ = t.transition(model.TaskStateSuspended)
		at := l.queue.insert(t, addTicks(l.cursor, step.ticks), l.cursor, l.draining)
		l.logger.Debug("task suspended", "task_id", t.id, "task", t.name, "tick", l.cursor, "wake_at", at)
		l.resumed(t, step)
	case StepDone:
		l.resumed(t, step)
		l.finish(t, model.TaskStateCompleted, step.value, nil)
	default:
		l.resumed(t, step)
		err := step.err
		if err == nil {
			err = fmt.Errorf("computation returned an invalid step (%s)", step.kind)
		}
		if !model.IsTaxonomy(err) {
			err = &model.ComputationError{TaskID: t.id, Task: t.name, Err: err}
		}
		l.finish(t, model.TaskStateFailed, nil, err)
	}
}

func (l *Loop) resumed(t *Task, step Step) {
	for _, o := range l.observers {
		o.TaskResumed(t, step)
	}
}

// poll resumes the computation once; a panic becomes a ComputationError.
func (l *Loop) poll(ctx context.Context, t *Task) (step Step) {
	defer func() {
		if r := recover(); r != nil {
			step = Fail(&model.ComputationError{
				TaskID: t.id,
				Task:   t.name,
				Err:    fmt.Errorf("panic: %v", r),
				Stack:  debug.Stack(),
			})
		}
	}()
	return t.comp.Poll(ctx)
}

// finish moves t to a terminal state, runs its callbacks, starts its
// dependents on success and retires it.
func (l *Loop) finish(t *Task, state model.TaskState, value any, err error) {
	if err := t.transition(state); err != nil {
		l.logger.Error("finish", "task_id", t.id, "error", err)
		return
	}
	t.result = value
	t.err = err
	t.finishedTick = l.cursor
	t.finishedAt = l.now()

	if state == model.TaskStateCompleted {
		l.logger.Info("task completed", "task_id", t.id, "task", t.name, "tick", l.cursor, "result", value)
		l.invoke(t, t.callback)
	} else {
		l.logger.Warn("task failed", "task_id", t.id, "task", t.name, "tick", l.cursor, "state", state, "error", err)
		l.invoke(t, t.errback)
	}

	done := make([]doneCallback, len(t.done))
	copy(done, t.done)
	for _, cb := range done {
		l.invoke(t, cb.fn)
	}

	deps := t.dependents
	t.dependents = nil
	if state == model.TaskStateCompleted {
		for _, d := range deps {
			child := l.CreateTask(d.comp, d.opts...)
			l.logger.Info("dependent scheduled", "task_id", t.id, "child_id", child.id, "child", child.name)
		}
	} else if len(deps) > 0 {
		l.logger.Info("dependents dropped", "task_id", t.id, "task", t.name, "count", len(deps))
	}

	l.retire(t)
}

// invoke runs a callback, containing any panic so a bad callback cannot
// take the loop down.
func (l *Loop) invoke(t *Task, fn Callback) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("callback panicked", "task_id", t.id, "task", t.name, "panic", r)
		}
	}()
	fn(t)
}

func (l *Loop) retire(t *Task) {
	if t.retired {
		return
	}
	t.retired = true
	l.queue.remove(t)
	delete(l.live, t.id)
	for _, o := range l.observers {
		o.TaskRetired(t)
	}
	l.logger.Debug("task retired", "task_id", t.id, "task", t.name, "live", len(l.live))
}

func (l *Loop) cancel(t *Task) bool {
	if t.Done() || t.retired {
		return false
	}
	if l.current == t {
		t.cancelRequested = true
		return true
	}
	l.queue.remove(t)
	l.cancelResources(t)
	l.finish(t, model.TaskStateCancelled, nil, &model.CancelledError{TaskID: t.id, Task: t.name})
	return true
}

func (l *Loop) cancelResources(t *Task) {
	c, ok := t.comp.(Canceler)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("cancel panicked", "task_id", t.id, "task", t.name, "panic", r)
		}
	}()
	c.Cancel()
}

func (l *Loop) drainInbox() {
	l.mu.Lock()
	fns := l.inbox
	l.inbox = nil
	l.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("posted function panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
}

func (l *Loop) advanceTo(tick int64) {
	if tick > l.cursor {
		l.cursor = tick
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// pace waits for delta ticks of wall time and returns how many ticks
// actually elapsed. A wake-up (Post, Stop) or ctx cancellation cuts the wait
// short; the result never exceeds delta.
func (l *Loop) pace(ctx context.Context, delta int64) int64 {
	if delta <= 0 {
		return 0
	}
	if l.config.TickDuration <= 0 {
		return delta
	}
	wait := time.Duration(math.MaxInt64)
	if delta < int64(math.MaxInt64/l.config.TickDuration) {
		wait = time.Duration(delta) * l.config.TickDuration
	}

	start := l.now()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return delta
	case <-ctx.Done():
	case <-l.wake:
	}
	elapsed := int64(l.now().Sub(start) / l.config.TickDuration)
	if elapsed > delta {
		elapsed = delta
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed
}

// idle blocks while nothing is scheduled until something is posted, Stop is
// called or ctx is done, and returns the ticks that elapsed meanwhile.
func (l *Loop) idle(ctx context.Context) int64 {
	l.mu.Lock()
	pending := len(l.inbox)
	l.mu.Unlock()
	if pending > 0 {
		return 0
	}

	start := l.now()
	select {
	case <-ctx.Done():
	case <-l.wake:
	}
	if l.config.TickDuration <= 0 {
		return 1
	}
	return int64(l.now().Sub(start) / l.config.TickDuration)
}
