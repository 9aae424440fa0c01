// Package pool runs background tasks on a bounded, lazily grown set of
// workers. Stages use it for asynchronous hand-offs.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task is a unit of background work. It receives the context it was
// submitted with.
type Task func(ctx context.Context)

// Config configures a WorkerPool.
type Config struct {
	MaxWorkers   int           `json:"max_workers" yaml:"max_workers"`
	QueueSize    int           `json:"queue_size" yaml:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	PanicHandler func(any)     `json:"-" yaml:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  16,
		QueueSize:   256,
		IdleTimeout: 30 * time.Second,
	}
}

// WorkerPool executes submitted tasks. Workers are spawned on demand up to
// MaxWorkers and retire after IdleTimeout, keeping at least one alive.
type WorkerPool struct {
	config Config
	queue  chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	workers   atomic.Int32
	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	panicked  atomic.Int64
}

type job struct {
	ctx  context.Context
	task Task
}

// New creates a pool. Zero fields fall back to DefaultConfig.
func New(config Config) *WorkerPool {
	def := DefaultConfig()
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = def.MaxWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	return &WorkerPool{
		config: config,
		queue:  make(chan job, config.QueueSize),
	}
}

// Submit queues a task without blocking. It returns ErrPoolFull when the
// queue is at capacity and ErrPoolClosed after Drain.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.rejected.Add(1)
		return ErrPoolClosed
	}
	select {
	case p.queue <- job{ctx: ctx, task: task}:
		p.submitted.Add(1)
		p.ensureWorker()
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// Drain stops accepting tasks and waits until every queued task has run or
// ctx expires. It is safe to call more than once.
func (p *WorkerPool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool drain: %w", ctx.Err())
	}
}

// ensureWorker is called with mu held for reading, so no worker is added
// once Drain has started waiting.
func (p *WorkerPool) ensureWorker() {
	for {
		n := p.workers.Load()
		if n >= int32(p.config.MaxWorkers) {
			return
		}
		if idle := n - p.active.Load(); idle > 0 && int(idle) >= len(p.queue) {
			return
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	timer := time.NewTimer(p.config.IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				p.workers.Add(-1)
				return
			}
			p.run(j)
			timer.Reset(p.config.IdleTimeout)

		case <-timer.C:
			if p.retire() {
				return
			}
			timer.Reset(p.config.IdleTimeout)
		}
	}
}

// retire decrements the worker count unless this is the last worker.
func (p *WorkerPool) retire() bool {
	for {
		n := p.workers.Load()
		if n <= 1 {
			return false
		}
		if p.workers.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (p *WorkerPool) run(j job) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			if p.config.PanicHandler != nil {
				p.config.PanicHandler(r)
			}
			return
		}
		p.completed.Add(1)
	}()
	j.task(j.ctx)
}

// Stats returns a snapshot of pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   int(p.workers.Load()),
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
	Panicked  int64 `json:"panicked"`
}
