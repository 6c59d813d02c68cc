// Package worker runs cancellable render tasks on a fixed pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

var (
	// ErrCancelled is the result of a task cancelled before it finished.
	ErrCancelled = errors.New("task cancelled")
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("task queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("worker pool stopped")
)

// Config contains configuration for the pool.
type Config struct {
	Workers   int // concurrent tasks (default 4)
	QueueSize int // pending tasks before Submit fails (default 256)
	Logger    *log.Logger
}

// Pool executes submitted tasks with a fixed number of goroutines.
type Pool struct {
	cfg    Config
	logger *log.Logger
	queue  chan func()

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once

	running atomic.Int64
}

// NewPool creates a pool. Call Start before submitting work.
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan func(), cfg.QueueSize),
		base:   base,
		cancel: cancel,
	}
}

// Start starts the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Printf("[WorkerPool] started %d workers (queue %d)", p.cfg.Workers, p.cfg.QueueSize)
}

// Stop cancels every pending and running task and waits for workers to exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()
		p.cancel()
		p.wg.Wait()
		p.logger.Printf("[WorkerPool] stopped")
	})
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for run := range p.queue {
		p.running.Add(1)
		run()
		p.running.Add(-1)
	}
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.queue)
}

func (p *Pool) enqueue(run func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- run:
		return nil
	default:
		return ErrQueueFull
	}
}

// Submit schedules fn and returns its handle. A task that cannot be queued
// yields a future that has already failed.
func Submit[T any](p *Pool, fn func(ctx context.Context) (T, error)) *Future[T] {
	ctx, cancel := context.WithCancel(p.base)
	f := &Future[T]{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	if err := p.enqueue(func() { f.run(fn, p.logger) }); err != nil {
		var zero T
		f.finish(zero, err)
		cancel()
	}
	return f
}

// Future is the cancellable handle to a submitted task.
type Future[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	once      sync.Once
	done      chan struct{}
	val       T
	err       error
	cancelled atomic.Bool
}

func (f *Future[T]) run(fn func(ctx context.Context) (T, error), logger *log.Logger) {
	var zero T
	if f.ctx.Err() != nil {
		f.finish(zero, ErrCancelled)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("[WorkerPool] task panic: %v", r)
			f.finish(zero, fmt.Errorf("task panic: %v", r))
		}
		f.cancel()
	}()
	v, err := fn(f.ctx)
	if f.ctx.Err() != nil {
		f.finish(zero, ErrCancelled)
		return
	}
	f.finish(v, err)
}

func (f *Future[T]) finish(v T, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// Cancel stops the task. A task that has not started never runs; a running
// task sees its context cancelled and its result is discarded.
func (f *Future[T]) Cancel() {
	f.cancelled.Store(true)
	f.cancel()
	var zero T
	f.finish(zero, ErrCancelled)
}

// IsCancelled reports whether Cancel was called.
func (f *Future[T]) IsCancelled() bool {
	return f.cancelled.Load()
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the task completes or ctx ends. When ctx ends first the
// context's error is returned and the task keeps running. A cancelled future
// yields ErrCancelled even if its task had already finished.
func (f *Future[T]) Result(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		if f.cancelled.Load() {
			var zero T
			return zero, ErrCancelled
		}
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Failed reports whether the task has completed with an error or was
// cancelled.
func (f *Future[T]) Failed() bool {
	select {
	case <-f.done:
		return f.err != nil || f.cancelled.Load()
	default:
		return false
	}
}
