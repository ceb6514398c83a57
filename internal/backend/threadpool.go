package backend

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
)

type job struct {
	ctx    context.Context
	task   fetch.Task
	fn     WorkFunc
	future *Future
}

// ThreadPool runs work on a fixed set of goroutines sharing one address space.
type ThreadPool struct {
	size     int
	jobs     chan job
	quit     chan struct{}
	exited   <-chan struct{}
	queue    jobQueue
	stopOnce sync.Once
	wg       sync.WaitGroup
	inflight *inflight
	active   atomic.Int32
	logger   *zap.Logger
}

// NewThreadPool starts size workers.
func NewThreadPool(size int, logger *zap.Logger) *ThreadPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &ThreadPool{
		size:     size,
		jobs:     make(chan job, size),
		quit:     make(chan struct{}),
		inflight: newInflight(),
		logger:   logger,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.exited = watchWorkers(&p.wg, p.inflight)
	p.queue = jobQueue{jobs: p.jobs, quit: p.quit, exited: p.exited, inflight: p.inflight}
	return p
}

// Submit hands the work to the next idle worker.
func (p *ThreadPool) Submit(ctx context.Context, task fetch.Task, fn WorkFunc) *Future {
	return p.queue.submit(ctx, task, fn)
}

func (p *ThreadPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			p.run(j)
		case <-p.quit:
			for {
				select {
				case j := <-p.jobs:
					p.run(j)
				default:
					return
				}
			}
		}
	}
}

func (p *ThreadPool) run(j job) {
	defer p.inflight.remove(j.future)
	if err := j.ctx.Err(); err != nil {
		j.future.resolve(cancelledOutcome(err))
		return
	}
	p.active.Add(1)
	defer p.active.Add(-1)
	out := safeRun(j.ctx, j.task, j.fn)
	if panicErr, ok := out.Err.(*fetch.PanicError); ok {
		p.logger.Error("work panicked",
			zap.String("task_id", j.task.ID),
			zap.Any("panic", panicErr.Value),
			zap.ByteString("stack", panicErr.Stack),
		)
	}
	j.future.resolve(out)
}

// Shutdown stops accepting work and waits for workers to go idle.
func (p *ThreadPool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.quit)
	})
	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		n := p.inflight.abandon(cancelledOutcome(ctx.Err()))
		p.logger.Warn("thread pool shutdown expired; abandoning work", zap.Int("abandoned", n))
		return fmt.Errorf("thread pool shutdown: %w", ctx.Err())
	}
}

// PoolSize returns the number of workers.
func (p *ThreadPool) PoolSize() int { return p.size }

// Kind identifies the strategy.
func (p *ThreadPool) Kind() Kind { return KindThread }

// ActiveWorkers reports how many workers are running work right now.
func (p *ThreadPool) ActiveWorkers() int32 { return p.active.Load() }
