// Package dispatch fans incoming event batches out to per-tenant plugin
// work, isolating failures so one tenant, plugin or event never affects
// the others.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
)

// Task is one unit of work executed by a pool worker.
type Task func(ctx context.Context)

// PoolConfig holds task pool configuration.
type PoolConfig struct {
	// Workers is the number of concurrent executors. Defaults to the
	// available hardware parallelism.
	Workers int

	// QueueSize is the pending-work queue depth. Submit blocks when
	// the queue is full, which is the only backpressure the engine
	// applies to overlapping batches.
	QueueSize int

	Logger *slog.Logger
}

// Pool runs a fixed set of workers pulling tasks from a bounded queue.
// Each worker executes one task at a time; a panic inside a task is
// recovered and logged so sibling tasks keep running.
type Pool struct {
	cfg   PoolConfig
	tasks chan Task

	wg   sync.WaitGroup
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPool creates a task pool. Call Start before submitting work.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 16
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "task-pool")

	return &Pool{
		cfg:   cfg,
		tasks: make(chan Task, cfg.QueueSize),
		done:  make(chan struct{}),
	}
}

// Start launches the workers. Idempotent.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.cfg.Workers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
		p.cfg.Logger.Info("task pool started", "workers", p.cfg.Workers, "queue", p.cfg.QueueSize)
	})
}

// Stop drains the workers and waits for in-flight tasks. Idempotent.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		p.cfg.Logger.Info("task pool stopped")
	})
}

// Submit enqueues a task, blocking while the queue is full. It fails
// only when the pool is stopped or the context is cancelled.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-p.done:
		return fmt.Errorf("pool is stopped")
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- task:
		return nil
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	ctx := context.Background()
	for {
		select {
		case <-p.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case task := <-p.tasks:
					p.run(ctx, id, task)
				default:
					return
				}
			}
		case task := <-p.tasks:
			p.run(ctx, id, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, worker int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.cfg.Logger.Error("task panicked", "worker", worker, "panic", r)
		}
	}()
	task(ctx)
}
