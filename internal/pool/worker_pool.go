// Package pool provides a bounded worker pool for background work such
// as index publishing and reconciliation.
package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/types"
)

// Task is one unit of background work.
type Task func(ctx context.Context) error

// Config sizes the pool.
type Config struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
}

// DefaultConfig returns the default pool sizing.
func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 256}
}

// WorkerPool runs tasks on a fixed set of workers behind a bounded
// queue. A full queue rejects instead of blocking the caller.
type WorkerPool struct {
	queue  chan job
	wg     sync.WaitGroup
	closed atomic.Bool
	active atomic.Int32

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	logger *zap.Logger
}

type job struct {
	task   Task
	ctx    context.Context
	result chan error
}

// New starts the pool's workers.
func New(cfg Config, logger *zap.Logger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &WorkerPool{
		queue:  make(chan job, cfg.QueueSize),
		logger: logger.With(zap.String("component", "worker_pool")),
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a task without waiting for it. A full queue or closed
// pool returns CapacityExceeded so the caller can fall back to inline
// execution or park the work.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return types.NewError(types.ErrCapacityExceeded, "worker pool closed")
	}
	p.submitted.Add(1)

	select {
	case p.queue <- job{task: task, ctx: ctx}:
		return nil
	default:
		p.rejected.Add(1)
		return types.NewError(types.ErrCapacityExceeded, "worker pool queue full")
	}
}

// SubmitWait enqueues a task and blocks until it completes or ctx ends.
func (p *WorkerPool) SubmitWait(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return types.NewError(types.ErrCapacityExceeded, "worker pool closed")
	}
	p.submitted.Add(1)

	j := job{task: task, ctx: ctx, result: make(chan error, 1)}
	select {
	case p.queue <- j:
	case <-ctx.Done():
		p.rejected.Add(1)
		return types.NewError(types.ErrCancelled, "task submission cancelled").WithCause(ctx.Err())
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return types.NewError(types.ErrCancelled, "task wait cancelled").WithCause(ctx.Err())
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for j := range p.queue {
		p.active.Add(1)
		err := p.run(j)
		p.active.Add(-1)

		if j.result != nil {
			j.result <- err
			close(j.result)
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}
}

func (p *WorkerPool) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r))
			err = types.NewErrorf(types.ErrInternal, "task panicked: %v", r)
		}
	}()
	return j.task(j.ctx)
}

// Close stops accepting tasks and drains the queue.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.queue)
	p.wg.Wait()
}

// Stats snapshots pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats contains pool counters.
type Stats struct {
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
