package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
)

const workerStopTimeout = 2 * time.Second

// ProcessConfig describes how worker processes are launched.
type ProcessConfig struct {
	// Command is the worker executable and its arguments; the process must
	// call ServeWorker on its stdin/stdout.
	Command []string
	// Env is appended to the parent's environment.
	Env []string
	// RequestTimeout bounds each attempt inside the worker.
	RequestTimeout time.Duration
	// Stderr receives worker stderr. Nil means os.Stderr.
	Stderr io.Writer
}

// ProcessPool runs each attempt in one of a fixed set of worker processes.
// The work itself is whatever the worker process serves: the fn passed to
// Submit stays in the parent and is not shipped across the process boundary.
// Rate limiting is arbitrated by the caller before Submit, so workers hold no
// shared admission state.
type ProcessPool struct {
	size     int
	cfg      ProcessConfig
	jobs     chan job
	quit     chan struct{}
	exited   <-chan struct{}
	queue    jobQueue
	abort    chan struct{}
	stopOnce sync.Once
	abortMu  sync.Once
	wg       sync.WaitGroup
	inflight *inflight
	seq      atomic.Uint64
	restarts atomic.Int64
	logger   *zap.Logger
}

// NewProcessPool starts size supervisors. Worker processes are spawned lazily
// on first use and respawned after a crash.
func NewProcessPool(size int, cfg ProcessConfig, logger *zap.Logger) (*ProcessPool, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("process backend requires a worker command")
	}
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &ProcessPool{
		size:     size,
		cfg:      cfg,
		jobs:     make(chan job, size),
		quit:     make(chan struct{}),
		abort:    make(chan struct{}),
		inflight: newInflight(),
		logger:   logger,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.supervise(i)
	}
	p.exited = watchWorkers(&p.wg, p.inflight)
	p.queue = jobQueue{jobs: p.jobs, quit: p.quit, exited: p.exited, inflight: p.inflight}
	return p, nil
}

// Submit queues the task for the next idle worker process.
func (p *ProcessPool) Submit(ctx context.Context, task fetch.Task, fn WorkFunc) *Future {
	return p.queue.submit(ctx, task, fn)
}

func (p *ProcessPool) supervise(slot int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("slot", slot))
	var w *procWorker
	defer func() {
		if w != nil {
			w.stop()
		}
	}()

	handle := func(j job) {
		defer p.inflight.remove(j.future)
		if err := j.ctx.Err(); err != nil {
			j.future.resolve(cancelledOutcome(err))
			return
		}
		if w == nil {
			spawned, err := p.spawn()
			if err != nil {
				logger.Error("spawn worker process failed", zap.Error(err))
				j.future.resolve(fetch.Outcome{Err: &fetch.CrashError{Err: err}})
				return
			}
			w = spawned
		}
		out, healthy := w.run(j, p.nextSeq(), p.cfg.RequestTimeout, p.abort)
		if !healthy {
			w.kill()
			w = nil
			p.restarts.Add(1)
			logger.Warn("worker process replaced", zap.String("task_id", j.task.ID), zap.Error(out.Err))
		}
		j.future.resolve(out)
	}

	for {
		select {
		case j := <-p.jobs:
			handle(j)
		case <-p.quit:
			for {
				select {
				case j := <-p.jobs:
					handle(j)
				default:
					return
				}
			}
		}
	}
}

func (p *ProcessPool) nextSeq() uint64 {
	return p.seq.Add(1)
}

func (p *ProcessPool) spawn() (*procWorker, error) {
	cmd := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...) //nolint:gosec // command comes from trusted config
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Stderr = p.cfg.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	return &procWorker{
		cmd:   cmd,
		stdin: stdin,
		enc:   json.NewEncoder(stdin),
		dec:   json.NewDecoder(bufio.NewReader(stdout)),
	}, nil
}

// Shutdown stops accepting work, lets running attempts finish and closes the
// worker processes. If ctx ends first, the workers are killed and in-flight
// work is resolved as cancelled.
func (p *ProcessPool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.quit)
	})
	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		p.abortMu.Do(func() { close(p.abort) })
		n := p.inflight.abandon(cancelledOutcome(ctx.Err()))
		p.logger.Warn("process pool shutdown expired; abandoning work", zap.Int("abandoned", n))
		return fmt.Errorf("process pool shutdown: %w", ctx.Err())
	}
}

// PoolSize returns the number of worker processes.
func (p *ProcessPool) PoolSize() int { return p.size }

// Kind identifies the strategy.
func (p *ProcessPool) Kind() Kind { return KindProcess }

// Restarts reports how many worker processes have been replaced.
func (p *ProcessPool) Restarts() int64 { return p.restarts.Load() }

type procWorker struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *json.Encoder
	dec   *json.Decoder
}

type replyOrErr struct {
	reply workReply
	err   error
}

// run sends one request and waits for its reply. healthy is false when the
// worker can no longer be trusted with another request.
func (w *procWorker) run(j job, seq uint64, timeout time.Duration, abort <-chan struct{}) (fetch.Outcome, bool) {
	req := workRequest{
		Seq:       seq,
		TaskID:    j.task.ID,
		Target:    j.task.TargetURI,
		Host:      j.task.Host,
		Attempt:   j.task.Attempt,
		TimeoutMs: timeout.Milliseconds(),
	}
	start := time.Now()
	if err := w.enc.Encode(req); err != nil {
		return fetch.Outcome{Err: &fetch.CrashError{Err: err}, Latency: time.Since(start)}, false
	}

	replies := make(chan replyOrErr, 1)
	go func() {
		var reply workReply
		err := w.dec.Decode(&reply)
		replies <- replyOrErr{reply: reply, err: err}
	}()

	select {
	case r := <-replies:
		if r.err != nil {
			return fetch.Outcome{Err: &fetch.CrashError{Err: r.err}, Latency: time.Since(start)}, false
		}
		if r.reply.Seq != seq {
			err := fmt.Errorf("reply sequence %d does not match request %d", r.reply.Seq, seq)
			return fetch.Outcome{Err: &fetch.CrashError{Err: err}, Latency: time.Since(start)}, false
		}
		return r.reply.outcome(), true
	case <-j.ctx.Done():
		w.kill()
		<-replies
		return cancelledOutcome(j.ctx.Err()), false
	case <-abort:
		w.kill()
		<-replies
		return cancelledOutcome(context.Canceled), false
	}
}

func (w *procWorker) kill() {
	if w.cmd.Process == nil || w.cmd.ProcessState != nil {
		return
	}
	_ = w.cmd.Process.Kill()
	_ = w.stdin.Close()
	_ = w.cmd.Wait()
}

func (w *procWorker) stop() {
	if w.cmd.ProcessState != nil {
		return
	}
	_ = w.stdin.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.cmd.Wait()
	}()
	select {
	case <-done:
	case <-time.After(workerStopTimeout):
		_ = w.cmd.Process.Kill()
		<-done
	}
}
