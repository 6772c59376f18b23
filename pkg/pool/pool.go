// Package pool provides the bounded thread pool used for parallel I/O and
// map-reduce fan-in. Submit returns a future; results never cross goroutine
// boundaries as panics.
package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/sirupsen/logrus"
)

// Errors returned by Submit.
var (
	ErrPoolStopped = errors.New("pool: not running")
	ErrQueueFull   = errors.New("pool: task queue is full")
)

// Task is a unit of work. Tasks must be pure functions of their arguments;
// the pool may run them in any order.
type Task func(ctx context.Context) (interface{}, error)

// Future holds the eventual result of a submitted task.
type Future struct {
	done chan struct{}
	val  interface{}
	err  error
}

// Wait blocks until the task finishes or ctx is canceled.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

type item struct {
	task Task
	fut  *Future
}

// Pool is a fixed-size worker pool over a bounded queue.
type Pool struct {
	size   int
	queue  chan item
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logrus.Logger

	submitted int64
	completed int64
	failed    int64

	running bool
	mu      sync.Mutex
}

// HardwareConcurrency returns the logical CPU count. It asks gopsutil first
// and falls back to the runtime when the probe fails.
func HardwareConcurrency() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// New creates a pool of the given size. Size -1 (or 0) resolves to the
// hardware concurrency. The queue holds 4 tasks per worker.
func New(size int, logger *logrus.Logger) *Pool {
	if size <= 0 {
		size = HardwareConcurrency()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:   size,
		queue:  make(chan item, 4*size),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Start launches the workers. Starting a running pool is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.logger.WithFields(logrus.Fields{
		"component": "pool",
		"workers":   p.size,
	}).Debug("Starting thread pool")
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.running = true
}

// Stop cancels the pool context, lets the workers run every task still
// queued (those tasks see the canceled context) and waits for all of them
// to complete. Workers are never force-terminated.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.running = false
	p.logger.WithFields(logrus.Fields{
		"component": "pool",
		"submitted": atomic.LoadInt64(&p.submitted),
		"completed": atomic.LoadInt64(&p.completed),
		"failed":    atomic.LoadInt64(&p.failed),
	}).Debug("Thread pool stopped")
}

// Size returns the worker count.
func (p *Pool) Size() int { return p.size }

// QueueDepth returns the number of queued, unstarted tasks.
func (p *Pool) QueueDepth() int { return len(p.queue) }

// Submit enqueues a task, blocking while the queue is full. It returns a
// future resolving to the task's result.
func (p *Pool) Submit(task Task) (*Future, error) {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return nil, ErrPoolStopped
	}
	fut := &Future{done: make(chan struct{})}
	atomic.AddInt64(&p.submitted, 1)
	select {
	case p.queue <- item{task: task, fut: fut}:
		return fut, nil
	case <-p.ctx.Done():
		return nil, ErrPoolStopped
	}
}

// TrySubmit enqueues a task without blocking; it fails with ErrQueueFull
// when no queue slot is free.
func (p *Pool) TrySubmit(task Task) (*Future, error) {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return nil, ErrPoolStopped
	}
	fut := &Future{done: make(chan struct{})}
	select {
	case p.queue <- item{task: task, fut: fut}:
		atomic.AddInt64(&p.submitted, 1)
		return fut, nil
	default:
		return nil, ErrQueueFull
	}
}

// WaitAll blocks until every future resolves, returning results in submit
// order. A canceled ctx aborts the wait.
func WaitAll(ctx context.Context, futures []*Future) ([]interface{}, []error) {
	vals := make([]interface{}, len(futures))
	errs := make([]error, len(futures))
	for i, f := range futures {
		vals[i], errs[i] = f.Wait(ctx)
	}
	return vals, errs
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case it := <-p.queue:
			p.run(id, it)
		case <-p.ctx.Done():
			// Drain what is already queued so futures always resolve.
			for {
				select {
				case it := <-p.queue:
					p.run(id, it)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(id int, it item) {
	defer func() {
		if r := recover(); r != nil {
			it.fut.err = errors.New("pool: task panicked")
			atomic.AddInt64(&p.failed, 1)
			p.logger.WithFields(logrus.Fields{
				"component": "pool",
				"worker_id": id,
				"panic":     r,
			}).Error("Task panicked")
			close(it.fut.done)
		}
	}()
	val, err := it.task(p.ctx)
	it.fut.val = val
	it.fut.err = err
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
	} else {
		atomic.AddInt64(&p.completed, 1)
	}
	close(it.fut.done)
}
