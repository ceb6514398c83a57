// Package backend provides the interchangeable execution strategies that run
// fetch attempts: a goroutine pool, a pool of worker processes, and a
// cooperative loop where one logical task runs at a time.
package backend

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
)

// Kind selects an execution strategy.
type Kind string

// Supported backends.
const (
	KindThread  Kind = "thread"
	KindProcess Kind = "process"
	KindAsync   Kind = "async"
)

// ParseKind validates a configured backend name.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindThread, KindProcess, KindAsync:
		return k, nil
	default:
		return "", fmt.Errorf("unknown backend %q (want thread, process or async)", raw)
	}
}

// ErrClosed is the outcome of submitting to a backend after Shutdown.
var ErrClosed = fmt.Errorf("backend closed: %w", fetch.ErrCancelled)

// WorkFunc runs one attempt of a task.
type WorkFunc func(ctx context.Context, task fetch.Task) fetch.Outcome

// Backend is the capability every execution strategy provides.
type Backend interface {
	// Submit schedules fn for task. The returned Future always resolves: with
	// the work's outcome, or with a cancelled outcome once ctx ends or the
	// backend is shut down.
	Submit(ctx context.Context, task fetch.Task, fn WorkFunc) *Future
	// Shutdown drains in-flight work. If ctx ends first, in-flight work is
	// abandoned and resolved as cancelled.
	Shutdown(ctx context.Context) error
	// PoolSize is the configured concurrency bound.
	PoolSize() int
	Kind() Kind
}

// Config selects and sizes a backend.
type Config struct {
	Kind     Kind
	PoolSize int
	Process  ProcessConfig
	Logger   *zap.Logger
}

// New builds the backend selected by cfg.Kind.
func New(cfg Config) (Backend, error) {
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("backend pool size must be > 0, got %d", cfg.PoolSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Kind {
	case KindThread, "":
		return NewThreadPool(cfg.PoolSize, logger.Named("thread")), nil
	case KindAsync:
		return NewCooperative(cfg.PoolSize, logger.Named("async")), nil
	case KindProcess:
		return NewProcessPool(cfg.PoolSize, cfg.Process, logger.Named("process"))
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Kind)
	}
}

// FetchWork adapts a Fetcher into a WorkFunc. The fetch call is the I/O await
// point for the cooperative backend.
func FetchWork(f fetch.Fetcher, timeout time.Duration) WorkFunc {
	return func(ctx context.Context, task fetch.Task) fetch.Outcome {
		var (
			resp fetch.Response
			err  error
		)
		start := time.Now()
		AwaitIO(ctx, func() {
			resp, err = f.Fetch(ctx, task.TargetURI, timeout)
		})
		out := fetch.Outcome{
			StatusCode: resp.StatusCode,
			Bytes:      len(resp.Payload),
			Latency:    time.Since(start),
		}
		switch {
		case err != nil:
			if out.StatusCode == 0 {
				out.StatusCode = fetch.HTTPStatusOf(err)
			}
			out.Err = err
		case resp.StatusCode >= 400:
			out.Err = &fetch.StatusError{Code: resp.StatusCode, RetryAfter: resp.RetryAfter}
		}
		return out
	}
}

// safeRun is the worker boundary: a panic in fn becomes a failed outcome.
func safeRun(ctx context.Context, task fetch.Task, fn WorkFunc) (out fetch.Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			out = fetch.Outcome{
				Err:     &fetch.PanicError{Value: r, Stack: buf[:n]},
				Latency: time.Since(start),
			}
		}
	}()
	out = fn(ctx, task)
	if out.Latency == 0 {
		out.Latency = time.Since(start)
	}
	return out
}

func cancelledOutcome(cause error) fetch.Outcome {
	if cause == nil {
		return fetch.Outcome{Err: fetch.ErrCancelled}
	}
	return fetch.Outcome{Err: fmt.Errorf("%w: %w", fetch.ErrCancelled, cause)}
}

// inflight tracks unresolved futures so an expired Shutdown can resolve them.
type inflight struct {
	mu      sync.Mutex
	futures map[*Future]struct{}
}

func newInflight() *inflight {
	return &inflight{futures: make(map[*Future]struct{})}
}

func (t *inflight) add(f *Future) {
	t.mu.Lock()
	t.futures[f] = struct{}{}
	t.mu.Unlock()
}

func (t *inflight) remove(f *Future) {
	t.mu.Lock()
	delete(t.futures, f)
	t.mu.Unlock()
}

// abandon resolves every tracked future with out and forgets them.
func (t *inflight) abandon(out fetch.Outcome) int {
	t.mu.Lock()
	pending := make([]*Future, 0, len(t.futures))
	for f := range t.futures {
		pending = append(pending, f)
	}
	t.futures = make(map[*Future]struct{})
	t.mu.Unlock()

	n := 0
	for _, f := range pending {
		if f.resolve(out) {
			n++
		}
	}
	return n
}

func waitGroupDone(wg *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	return done
}

// watchWorkers returns a channel closed once every worker has returned. A job
// that reached the buffer after the last drain has nobody left to run it, so
// whatever is still tracked at that point resolves as closed.
func watchWorkers(wg *sync.WaitGroup, t *inflight) <-chan struct{} {
	exited := make(chan struct{})
	go func() {
		wg.Wait()
		close(exited)
		t.abandon(fetch.Outcome{Err: ErrClosed})
	}()
	return exited
}

// jobQueue is the submission side shared by the goroutine and process pools.
type jobQueue struct {
	jobs     chan<- job
	quit     <-chan struct{}
	exited   <-chan struct{}
	inflight *inflight
}

func (q jobQueue) submit(ctx context.Context, task fetch.Task, fn WorkFunc) *Future {
	select {
	case <-q.quit:
		return resolvedFuture(fetch.Outcome{Err: ErrClosed})
	default:
	}
	f := newFuture()
	q.inflight.add(f)
	select {
	case q.jobs <- job{ctx: ctx, task: task, fn: fn, future: f}:
		// Tracked before the send: either the exit sweep sees f, or the
		// workers were already gone when the send landed.
		select {
		case <-q.exited:
			q.inflight.remove(f)
			f.resolve(fetch.Outcome{Err: ErrClosed})
		default:
		}
	case <-ctx.Done():
		q.inflight.remove(f)
		f.resolve(cancelledOutcome(ctx.Err()))
	case <-q.quit:
		q.inflight.remove(f)
		f.resolve(fetch.Outcome{Err: ErrClosed})
	}
	return f
}
