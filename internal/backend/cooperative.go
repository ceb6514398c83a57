package backend

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
)

type turnKey struct{}

// turn is the baton handle owned by one logical task. It is only touched by
// the goroutine running that task.
type turn struct {
	loop *Cooperative
	held bool
}

func (t *turn) release() {
	if t.held {
		t.held = false
		<-t.loop.baton
	}
}

func (t *turn) reacquire() {
	t.loop.baton <- struct{}{}
	t.held = true
}

// AwaitIO marks fn as a suspension point. Under the cooperative backend the
// caller yields the loop while fn blocks and resumes once it can take the loop
// back; the order of resumption is not FIFO. Elsewhere it simply calls fn.
func AwaitIO(ctx context.Context, fn func()) {
	t, ok := ctx.Value(turnKey{}).(*turn)
	if !ok || t == nil || !t.held {
		fn()
		return
	}
	t.release()
	defer t.reacquire()
	fn()
}

// Cooperative runs many logical tasks of which at most one executes at any
// instant. Tasks hand the loop over only at AwaitIO points.
type Cooperative struct {
	size     int
	baton    chan struct{}
	slots    chan struct{}
	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	inflight *inflight
	logger   *zap.Logger
}

// NewCooperative builds a loop that admits up to size tasks in flight.
func NewCooperative(size int, logger *zap.Logger) *Cooperative {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cooperative{
		size:     size,
		baton:    make(chan struct{}, 1),
		slots:    make(chan struct{}, size),
		inflight: newInflight(),
		logger:   logger,
	}
}

// Submit starts a logical task that waits for a slot and then for the loop.
func (c *Cooperative) Submit(ctx context.Context, task fetch.Task, fn WorkFunc) *Future {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return resolvedFuture(fetch.Outcome{Err: ErrClosed})
	}
	f := newFuture()
	c.inflight.add(f)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.runTask(ctx, task, fn, f)
	return f
}

func (c *Cooperative) runTask(ctx context.Context, task fetch.Task, fn WorkFunc, f *Future) {
	defer c.wg.Done()
	defer c.inflight.remove(f)

	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		f.resolve(cancelledOutcome(ctx.Err()))
		return
	}
	defer func() { <-c.slots }()

	select {
	case c.baton <- struct{}{}:
	case <-ctx.Done():
		f.resolve(cancelledOutcome(ctx.Err()))
		return
	}
	t := &turn{loop: c, held: true}
	out := safeRun(context.WithValue(ctx, turnKey{}, t), task, fn)
	t.release()

	if panicErr, ok := out.Err.(*fetch.PanicError); ok {
		c.logger.Error("work panicked",
			zap.String("task_id", task.ID),
			zap.Any("panic", panicErr.Value),
			zap.ByteString("stack", panicErr.Stack),
		)
	}
	f.resolve(out)
}

// Shutdown stops accepting tasks and waits for the running ones.
func (c *Cooperative) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	select {
	case <-waitGroupDone(&c.wg):
		return nil
	case <-ctx.Done():
		n := c.inflight.abandon(cancelledOutcome(ctx.Err()))
		c.logger.Warn("cooperative loop shutdown expired; abandoning work", zap.Int("abandoned", n))
		return fmt.Errorf("cooperative loop shutdown: %w", ctx.Err())
	}
}

// PoolSize returns the in-flight task bound.
func (c *Cooperative) PoolSize() int { return c.size }

// Kind identifies the strategy.
func (c *Cooperative) Kind() Kind { return KindAsync }
