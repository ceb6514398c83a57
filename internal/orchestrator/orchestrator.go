// Package orchestrator drives a list of targets through the queue, the per-host
// rate limiter, a concurrency backend and the retry manager, and returns the
// aggregated report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fetch-orchestrator/internal/aggregate"
	"github.com/JakeFAU/fetch-orchestrator/internal/backend"
	"github.com/JakeFAU/fetch-orchestrator/internal/clock/system"
	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
	"github.com/JakeFAU/fetch-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/fetch-orchestrator/internal/metrics"
	"github.com/JakeFAU/fetch-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/fetch-orchestrator/internal/queue/memory"
	"github.com/JakeFAU/fetch-orchestrator/internal/retry"
	"github.com/JakeFAU/fetch-orchestrator/internal/telemetry"
)

// Orchestrator runs fetch jobs. One Orchestrator may run several jobs in
// sequence; each Run builds its own queue, limiter and aggregator.
type Orchestrator struct {
	cfg     Config
	work    backend.WorkFunc
	backend backend.Backend
	limiter fetch.RateLimiter
	sinks   []fetch.ResultSink
	clock   fetch.Clock
	ids     fetch.IDGenerator
	retry   *retry.Manager
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *zap.Logger

	mu      sync.Mutex
	current *aggregate.Aggregator
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithBackend uses b instead of building one from Config.Backend. The caller
// keeps ownership of b and is responsible for shutting it down.
func WithBackend(b backend.Backend) Option {
	return func(o *Orchestrator) { o.backend = b }
}

// WithLimiter replaces the in-process per-host limiter.
func WithLimiter(l fetch.RateLimiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

// WithSinks registers result sinks.
func WithSinks(sinks ...fetch.ResultSink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, sinks...) }
}

// WithClock overrides the wall clock used for timestamps.
func WithClock(c fetch.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithIDGenerator overrides task ID generation.
func WithIDGenerator(g fetch.IDGenerator) Option {
	return func(o *Orchestrator) { o.ids = g }
}

// WithRetryManager overrides error classification and backoff.
func WithRetryManager(m *retry.Manager) Option {
	return func(o *Orchestrator) { o.retry = m }
}

// WithMetrics records Prometheus metrics for every run.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracerProvider records spans against tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = telemetry.Tracer(tp) }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New builds an Orchestrator that fetches each target with fetcher.
func New(cfg Config, fetcher fetch.Fetcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	if o.ids == nil {
		o.ids = uuid.New()
	}
	if o.retry == nil {
		o.retry = retry.NewManager()
	}
	if o.tracer == nil {
		o.tracer = telemetry.Tracer(nil)
	}
	if fetcher != nil {
		o.work = backend.FetchWork(fetcher, cfg.RequestTimeout)
	}
	return o
}

// Snapshot reports progress of the current (or last) run.
func (o *Orchestrator) Snapshot() fetch.Report {
	o.mu.Lock()
	agg := o.current
	o.mu.Unlock()
	if agg == nil {
		return fetch.Report{}
	}
	return agg.Snapshot()
}

// Run fetches every target and returns the report. The only errors are
// configuration errors, detected before anything is scheduled; failures of
// individual targets are reported in the Report.
func (o *Orchestrator) Run(ctx context.Context, targets []string) (fetch.Report, error) {
	if err := o.cfg.Validate(); err != nil {
		o.logger.Error("rejecting run configuration", zap.Error(err))
		return fetch.Report{}, err
	}
	if o.work == nil && o.cfg.Backend != backend.KindProcess {
		return fetch.Report{}, fmt.Errorf("%w: no fetcher configured", ErrInvalidConfig)
	}

	be := o.backend
	if be == nil {
		built, err := backend.New(backend.Config{
			Kind:     o.cfg.Backend,
			PoolSize: o.cfg.PoolSize,
			Process:  o.cfg.Process,
			Logger:   o.logger.Named("backend"),
		})
		if err != nil {
			o.logger.Error("backend construction failed", zap.Error(err))
			return fetch.Report{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		be = built
		defer o.shutdownBackend(be)
	}

	limiter := o.limiter
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{
			PerHostRPS:     o.cfg.PerHostRPS,
			Burst:          o.cfg.Burst,
			AcquireTimeout: o.cfg.AcquireTimeout,
			OnWait:         o.metrics.ObserveRateLimitDelay,
		})
	}

	runCtx := ctx
	if o.cfg.OverallDeadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.OverallDeadline)
		defer cancel()
	}
	runCtx, span := o.tracer.Start(runCtx, "orchestrator.run", trace.WithAttributes(
		attribute.Int("targets", len(targets)),
		attribute.String("backend", string(be.Kind())),
		attribute.Int("pool_size", be.PoolSize()),
	))
	defer span.End()

	// Sinks run past the deadline but still belong to the run's trace.
	agg := aggregate.New(aggregate.Config{
		Expected:    len(targets),
		BaseContext: trace.ContextWithSpan(context.Background(), span),
		Logger:      o.logger.Named("aggregate"),
	}, o.sinks...)
	o.mu.Lock()
	o.current = agg
	o.mu.Unlock()

	start := time.Now()
	o.logger.Info("run starting",
		zap.Int("targets", len(targets)),
		zap.String("backend", string(be.Kind())),
		zap.Int("pool_size", be.PoolSize()),
	)

	r := &run{
		o:       o,
		backend: be,
		limiter: limiter,
		agg:     agg,
	}
	r.execute(runCtx, targets)

	report, err := agg.Finalize(context.Background())
	if err != nil {
		o.logger.Error("finalize report", zap.Error(err))
	}
	span.SetAttributes(
		attribute.Int("succeeded", report.Succeeded),
		attribute.Int("failed", report.Failed),
		attribute.Int("cancelled", report.Cancelled),
	)
	o.logger.Info("run finished",
		zap.Int("total", report.Total),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("cancelled", report.Cancelled),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

func (o *Orchestrator) shutdownBackend(be backend.Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownGrace)
	defer cancel()
	if err := be.Shutdown(ctx); err != nil {
		o.logger.Warn("backend shutdown", zap.Error(err))
	}
}

// run is the state of one Run call.
type run struct {
	o       *Orchestrator
	backend backend.Backend
	limiter fetch.RateLimiter
	agg     *aggregate.Aggregator
	queue   *memory.Queue

	tasks       []fetch.Task
	index       map[string]int
	settled     []atomic.Bool
	outstanding atomic.Int64
	retries     sync.WaitGroup
}

func (r *run) execute(ctx context.Context, targets []string) {
	r.seed(targets)

	// Every task occupies at most one queue slot at a time, so Enqueue never
	// reports ErrFull.
	r.queue = memory.NewQueue(len(r.tasks))
	r.outstanding.Store(int64(len(r.tasks)))
	if len(r.tasks) == 0 {
		r.queue.Close()
	}
	for _, task := range r.tasks {
		if err := r.queue.Enqueue(task); err != nil {
			r.settle(task, r.cancelled(task, err, fetch.Outcome{}))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.backend.PoolSize(); i++ {
		logger := r.o.logger.Named("scheduler").With(zap.Int("loop", i))
		g.Go(func() error {
			r.loop(gctx, logger)
			return nil
		})
	}
	_ = g.Wait()
	r.retries.Wait()

	// Whatever is left was cut off by the deadline.
	for _, task := range r.queue.Drain() {
		r.settle(task, r.cancelled(task, ctx.Err(), fetch.Outcome{}))
	}
	for i := range r.tasks {
		if !r.settled[i].Load() {
			r.settle(r.tasks[i], r.cancelled(r.tasks[i], ctx.Err(), fetch.Outcome{}))
		}
	}
}

// seed builds one task per target. Targets that cannot be parsed are recorded
// straight away and never dispatched.
func (r *run) seed(targets []string) {
	now := r.o.clock.Now()
	r.tasks = make([]fetch.Task, 0, len(targets))
	r.index = make(map[string]int, len(targets))
	used := make(map[string]struct{}, len(targets))
	var malformed []fetch.Result
	for i, raw := range targets {
		id, err := r.o.ids.NewID()
		if err != nil {
			r.o.logger.Warn("id generation failed; using positional id", zap.Error(err))
			id = ""
		}
		if _, dup := used[id]; dup && id != "" {
			r.o.logger.Warn("id generator returned a duplicate; using positional id", zap.String("task_id", id))
			id = ""
		}
		if id == "" {
			id = positionalID(i, used)
		}
		used[id] = struct{}{}
		normalized, host, err := fetch.ParseTarget(raw)
		if err != nil {
			malformed = append(malformed, fetch.Result{
				TaskID:    id,
				TargetURI: raw,
				Status:    fetch.StatusFailedTerminal,
				ErrorKind: fetch.KindMalformedTarget,
				Message:   err.Error(),
				Timestamp: now,
			})
			continue
		}
		r.index[id] = len(r.tasks)
		r.tasks = append(r.tasks, fetch.Task{
			ID:        id,
			TargetURI: normalized,
			Host:      host,
			CreatedAt: now,
		})
	}
	r.settled = make([]atomic.Bool, len(r.tasks))
	for _, res := range malformed {
		r.record(res)
	}
}

// positionalID returns task-<i>, suffixed until it is unused. Task IDs key the
// dispatch index and the aggregator, so they must be unique within a run.
func positionalID(i int, used map[string]struct{}) string {
	id := fmt.Sprintf("task-%d", i)
	for n := 1; ; n++ {
		if _, ok := used[id]; !ok {
			return id
		}
		id = fmt.Sprintf("task-%d-%d", i, n)
	}
}

func (r *run) loop(ctx context.Context, logger *zap.Logger) {
	for {
		task, err := r.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, memory.ErrClosed) {
				logger.Debug("scheduler loop stopping", zap.Error(err))
			}
			return
		}
		r.dispatch(ctx, task, logger)
	}
}

func (r *run) dispatch(ctx context.Context, task fetch.Task, logger *zap.Logger) {
	if err := r.limiter.Acquire(ctx, task.Host); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			// Admission timeout: back to pending without spending an attempt.
			r.o.metrics.ObserveAdmissionTimeout(task.Host)
			logger.Debug("admission timed out; requeueing", zap.String("task_id", task.ID), zap.String("host", task.Host))
			if qerr := r.queue.Enqueue(task); qerr != nil {
				r.settle(task, r.cancelled(task, qerr, fetch.Outcome{}))
			}
			return
		}
		r.settle(task, r.cancelled(task, err, fetch.Outcome{}))
		return
	}

	task.Attempt++
	kind := string(r.backend.Kind())
	attemptCtx, span := r.o.tracer.Start(ctx, "orchestrator.attempt", trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("host", task.Host),
		attribute.Int("attempt", task.Attempt),
	))
	r.o.metrics.ObserveDispatch(kind)
	out := r.backend.Submit(attemptCtx, task, r.o.work).Await(ctx)
	r.o.metrics.ObserveAttemptDone(kind, out.Latency)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	span.End()

	switch {
	case out.Succeeded():
		r.settle(task, r.result(task, fetch.StatusSucceeded, fetch.KindNone, "", out))
	case ctx.Err() != nil || errors.Is(out.Err, fetch.ErrCancelled):
		r.settle(task, r.cancelled(task, out.Err, out))
	case r.o.retry.ShouldRetry(out.Err, task.Attempt, r.o.cfg.Retry):
		delay := r.o.retry.DelayFor(out.Err, task.Attempt, r.o.cfg.Retry)
		errKind := r.o.retry.Kind(out.Err)
		r.o.metrics.ObserveRetry(string(errKind))
		logger.Debug("retry scheduled",
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempt),
			zap.Duration("delay", delay),
			zap.String("kind", string(errKind)),
			zap.Error(out.Err),
		)
		r.scheduleRetry(ctx, task, delay, out)
	default:
		errKind := r.o.retry.Kind(out.Err)
		msg := out.Err.Error()
		if r.o.retry.Classify(out.Err) == retry.Retryable {
			errKind = fetch.KindRetryBudgetExhausted
			msg = fmt.Sprintf("retry budget exhausted after %d attempts: %s", task.Attempt, msg)
		}
		r.settle(task, r.result(task, fetch.StatusFailedTerminal, errKind, msg, out))
	}
}

// scheduleRetry re-enqueues task after delay. The wait is a timer, and the
// deadline turns it into a cancellation.
func (r *run) scheduleRetry(ctx context.Context, task fetch.Task, delay time.Duration, last fetch.Outcome) {
	r.retries.Add(1)
	go func() {
		defer r.retries.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			if err := r.queue.Enqueue(task); err != nil {
				r.settle(task, r.cancelled(task, err, last))
			}
		case <-ctx.Done():
			r.settle(task, r.cancelled(task, ctx.Err(), last))
		}
	}()
}

// settle records the terminal result for task exactly once.
func (r *run) settle(task fetch.Task, res fetch.Result) {
	i, ok := r.index[task.ID]
	if !ok || !r.settled[i].CompareAndSwap(false, true) {
		return
	}
	r.record(res)
	if r.outstanding.Add(-1) == 0 {
		r.queue.Close()
	}
}

func (r *run) record(res fetch.Result) {
	if err := r.agg.Record(context.Background(), res); err != nil {
		r.o.logger.Error("record result", zap.String("task_id", res.TaskID), zap.Error(err))
	}
	r.o.metrics.ObserveResult(string(res.Status), string(res.ErrorKind))
}

func (r *run) result(task fetch.Task, status fetch.Status, kind fetch.ErrorKind, msg string, out fetch.Outcome) fetch.Result {
	code := out.StatusCode
	if code == 0 && out.Err != nil {
		code = fetch.HTTPStatusOf(out.Err)
	}
	return fetch.Result{
		TaskID:     task.ID,
		TargetURI:  task.TargetURI,
		Host:       task.Host,
		Status:     status,
		HTTPStatus: code,
		ErrorKind:  kind,
		Message:    msg,
		Attempts:   task.Attempt,
		Latency:    out.Latency,
		Timestamp:  r.o.clock.Now(),
	}
}

func (r *run) cancelled(task fetch.Task, cause error, last fetch.Outcome) fetch.Result {
	msg := fetch.ErrCancelled.Error()
	if cause != nil {
		msg = cause.Error()
	}
	return r.result(task, fetch.StatusCancelled, fetch.KindBackendCancelled, msg, last)
}
