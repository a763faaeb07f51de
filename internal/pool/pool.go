// Package pool runs blocking or CPU-bound Go functions on a bounded set of
// goroutines and exposes their completion as pollable futures.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned when submitting to a pool that has been shut down.
var ErrClosed = errors.New("pool is shut down")

// ErrNotReady is returned by Future.Result before the function finished.
var ErrNotReady = errors.New("future is not ready")

// Func is a unit of work executed by a worker.
type Func func(ctx context.Context) (any, error)

// Future is the pending result of a submitted Func.
type Future struct {
	done     chan struct{}
	cancel   context.CancelFunc
	value    any
	err      error
	worker   int
	duration time.Duration
}

// Ready reports whether the function has returned. It never blocks.
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the function's value and error once Ready.
func (f *Future) Result() (any, error) {
	if !f.Ready() {
		return nil, ErrNotReady
	}
	return f.value, f.err
}

// Cancel cancels the context the function runs with.
func (f *Future) Cancel() {
	f.cancel()
}

// Duration returns how long the function ran. Zero until Ready.
func (f *Future) Duration() time.Duration {
	if !f.Ready() {
		return 0
	}
	return f.duration
}

type job struct {
	ctx    context.Context
	fn     Func
	future *Future
}

// Pool is a fixed-size worker pool with a bounded queue.
type Pool struct {
	logger  *slog.Logger
	workers int
	jobs    chan job

	mu     sync.RWMutex
	closed bool

	wg           sync.WaitGroup
	shutdownOnce sync.Once

	active    atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
}

// New starts a pool of workers goroutines with room for queue waiting jobs.
// Non-positive workers means one worker; negative queue means no queue.
func New(workers, queue int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		logger:  logger.With("component", "pool"),
		workers: workers,
		jobs:    make(chan job, queue),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	p.logger.Debug("pool started", "workers", workers, "queue", queue)
	return p
}

// TrySubmit queues fn without blocking. ok is false when every worker is busy
// and the queue is full; retry later.
func (p *Pool) TrySubmit(ctx context.Context, fn Func) (f *Future, ok bool, err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, false, ErrClosed
	}

	jctx, cancel := context.WithCancel(ctx)
	f = &Future{done: make(chan struct{}), cancel: cancel}
	select {
	case p.jobs <- job{ctx: jctx, fn: fn, future: f}:
		p.submitted.Add(1)
		return f, true, nil
	default:
		cancel()
		return nil, false, nil
	}
}

// Shutdown stops accepting work, lets queued jobs finish and waits for the
// workers to exit.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
		p.wg.Wait()
		p.logger.Debug("pool stopped", "completed", p.completed.Load())
	})
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.workers }

// QueueSize returns the number of jobs waiting for a worker.
func (p *Pool) QueueSize() int { return len(p.jobs) }

// ActiveWorkers returns the number of workers running a job.
func (p *Pool) ActiveWorkers() int { return int(p.active.Load()) }

// TotalSubmitted returns the number of accepted jobs.
func (p *Pool) TotalSubmitted() int64 { return p.submitted.Load() }

// TotalCompleted returns the number of finished jobs.
func (p *Pool) TotalCompleted() int64 { return p.completed.Load() }

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		p.active.Add(1)
		p.execute(id, j)
		p.active.Add(-1)
		p.completed.Add(1)
	}
}

func (p *Pool) execute(id int, j job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			j.future.err = fmt.Errorf("pool function panicked: %v\n%s", r, debug.Stack())
			p.logger.Error("worker recovered from panic", "worker", id, "panic", r)
		}
		j.future.worker = id
		j.future.duration = time.Since(start)
		j.future.cancel()
		close(j.future.done)
	}()
	j.future.value, j.future.err = j.fn(j.ctx)
}
