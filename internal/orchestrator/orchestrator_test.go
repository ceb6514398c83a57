package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-orchestrator/internal/backend"
	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
	"github.com/JakeFAU/fetch-orchestrator/internal/metrics"
	"github.com/JakeFAU/fetch-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/fetch-orchestrator/internal/retry"
	"github.com/JakeFAU/fetch-orchestrator/internal/sink"
)

const helperEnv = "FETCHD_ORCHESTRATOR_HELPER"

// TestMain doubles the test binary as a process-backend worker.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		fetcher := fetch.FetcherFunc(func(ctx context.Context, target string, _ time.Duration) (fetch.Response, error) {
			if strings.Contains(target, "missing") {
				return fetch.Response{StatusCode: http.StatusNotFound}, nil
			}
			if strings.Contains(target, "hang") {
				select {
				case <-ctx.Done():
					return fetch.Response{}, ctx.Err()
				case <-time.After(time.Minute):
				}
			}
			return fetch.Response{StatusCode: http.StatusOK, Payload: []byte("ok")}, nil
		})
		work := backend.FetchWork(fetcher, time.Minute)
		if err := backend.ServeWorker(context.Background(), os.Stdin, os.Stdout, work, retry.NewManager()); err != nil {
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// scriptedFetcher answers per target: the n-th call (1-based) for a target
// returns script(target, n).
type scriptedFetcher struct {
	mu     sync.Mutex
	calls  map[string]int
	script func(ctx context.Context, target string, n int) (fetch.Response, error)
}

func newScriptedFetcher(script func(ctx context.Context, target string, n int) (fetch.Response, error)) *scriptedFetcher {
	return &scriptedFetcher{calls: make(map[string]int), script: script}
}

func (f *scriptedFetcher) Fetch(ctx context.Context, target string, _ time.Duration) (fetch.Response, error) {
	f.mu.Lock()
	f.calls[target]++
	n := f.calls[target]
	f.mu.Unlock()
	return f.script(ctx, target, n)
}

func (f *scriptedFetcher) callsFor(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[target]
}

func (f *scriptedFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func alwaysOK(context.Context, string, int) (fetch.Response, error) {
	return fetch.Response{StatusCode: http.StatusOK, Payload: []byte("<html/>")}, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func testConfig(kind backend.Kind) Config {
	cfg := DefaultConfig()
	cfg.Backend = kind
	cfg.PoolSize = 3
	cfg.PerHostRPS = 1000
	cfg.Burst = 100
	cfg.Retry = retry.Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		JitterFraction: 0.5,
	}
	cfg.RequestTimeout = time.Second
	cfg.ShutdownGrace = time.Second
	return cfg
}

func targets(n int, format string) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf(format, i))
	}
	return out
}

func assertReportInvariant(t *testing.T, report fetch.Report, want int) {
	t.Helper()
	assert.Equal(t, want, report.Total)
	assert.Len(t, report.Results, want)
	assert.Equal(t, report.Total, report.Succeeded+report.Failed+report.Cancelled)
	seen := make(map[string]struct{}, len(report.Results))
	for _, res := range report.Results {
		_, dup := seen[res.TaskID]
		assert.False(t, dup, "task %s recorded twice", res.TaskID)
		seen[res.TaskID] = struct{}{}
	}
}

func TestRunAllSucceed(t *testing.T) {
	t.Parallel()

	for _, kind := range []backend.Kind{backend.KindThread, backend.KindAsync} {
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()
			fetcher := newScriptedFetcher(alwaysOK)
			o := New(testConfig(kind), fetcher, WithLogger(zap.NewNop()))

			report, err := o.Run(context.Background(), targets(10, "https://site-%d.test/page"))
			require.NoError(t, err)
			assertReportInvariant(t, report, 10)
			assert.Equal(t, 10, report.Succeeded)
			assert.Zero(t, report.Failed)
			for _, res := range report.Results {
				assert.Equal(t, 1, res.Attempts)
				assert.Equal(t, http.StatusOK, res.HTTPStatus)
				assert.Equal(t, fetch.KindNone, res.ErrorKind)
			}
		})
	}
}

func TestRunRetriesServerErrorsThenSucceeds(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(func(_ context.Context, _ string, n int) (fetch.Response, error) {
		if n <= 2 {
			return fetch.Response{StatusCode: http.StatusInternalServerError}, nil
		}
		return fetch.Response{StatusCode: http.StatusOK}, nil
	})
	o := New(testConfig(backend.KindThread), fetcher)
	list := targets(5, "http://flaky.test/%d")

	report, err := o.Run(context.Background(), list)
	require.NoError(t, err)
	assertReportInvariant(t, report, 5)
	assert.Equal(t, 5, report.Succeeded)
	for _, res := range report.Results {
		assert.Equal(t, 3, res.Attempts)
	}
	for _, target := range list {
		assert.LessOrEqual(t, fetcher.callsFor(target), 3)
	}
}

func TestRunClientErrorIsTerminal(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(func(context.Context, string, int) (fetch.Response, error) {
		return fetch.Response{StatusCode: http.StatusNotFound}, nil
	})
	o := New(testConfig(backend.KindThread), fetcher)

	report, err := o.Run(context.Background(), []string{"http://gone.test/x"})
	require.NoError(t, err)
	assertReportInvariant(t, report, 1)
	res := report.Results[0]
	assert.Equal(t, fetch.StatusFailedTerminal, res.Status)
	assert.Equal(t, fetch.KindTerminalClient, res.ErrorKind)
	assert.Equal(t, http.StatusNotFound, res.HTTPStatus)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, fetcher.totalCalls())
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(func(context.Context, string, int) (fetch.Response, error) {
		return fetch.Response{}, errors.New("connection reset by peer")
	})
	cfg := testConfig(backend.KindAsync)
	cfg.Retry.MaxAttempts = 4
	o := New(cfg, fetcher)

	report, err := o.Run(context.Background(), []string{"http://down.test/"})
	require.NoError(t, err)
	res := report.Results[0]
	assert.Equal(t, fetch.StatusFailedTerminal, res.Status)
	assert.Equal(t, fetch.KindRetryBudgetExhausted, res.ErrorKind)
	assert.Equal(t, 4, res.Attempts)
	assert.Contains(t, res.Message, "connection reset by peer")
	assert.Equal(t, 4, fetcher.totalCalls())
}

func TestRunRecordsMalformedTargetsWithoutDispatch(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(alwaysOK)
	o := New(testConfig(backend.KindThread), fetcher)

	report, err := o.Run(context.Background(), []string{"", "ftp://files.test/a", "http://", "ok.test/path"})
	require.NoError(t, err)
	assertReportInvariant(t, report, 4)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 3, report.Failed)
	for _, res := range report.Results {
		if res.Status == fetch.StatusSucceeded {
			assert.Equal(t, "http://ok.test/path", res.TargetURI)
			continue
		}
		assert.Equal(t, fetch.KindMalformedTarget, res.ErrorKind)
		assert.Zero(t, res.Attempts)
	}
	assert.Equal(t, 1, fetcher.totalCalls())
}

func TestRunEmptyTargetList(t *testing.T) {
	t.Parallel()

	o := New(testConfig(backend.KindThread), newScriptedFetcher(alwaysOK))
	report, err := o.Run(context.Background(), nil)
	require.NoError(t, err)
	assertReportInvariant(t, report, 0)
}

func TestRunRejectsInvalidConfigBeforeScheduling(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(alwaysOK)
	cfg := testConfig(backend.KindThread)
	cfg.PoolSize = 0
	cfg.PerHostRPS = 0
	cfg.Retry.MaxAttempts = 0

	_, err := New(cfg, fetcher).Run(context.Background(), []string{"http://a.test"})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "pool size")
	assert.Contains(t, err.Error(), "per-host rate")
	assert.Contains(t, err.Error(), "retry.max_attempts")
	assert.Zero(t, fetcher.totalCalls())
}

func TestRunDeadlineCancelsEverything(t *testing.T) {
	t.Parallel()

	for _, kind := range []backend.Kind{backend.KindThread, backend.KindAsync} {
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()
			fetcher := newScriptedFetcher(func(ctx context.Context, _ string, _ int) (fetch.Response, error) {
				var err error
				backend.AwaitIO(ctx, func() {
					<-ctx.Done()
					err = ctx.Err()
				})
				return fetch.Response{}, err
			})
			cfg := testConfig(kind)
			cfg.PoolSize = 2
			cfg.OverallDeadline = 100 * time.Millisecond
			o := New(cfg, fetcher)

			start := time.Now()
			report, err := o.Run(context.Background(), targets(6, "http://hang.test/%d"))
			require.NoError(t, err)
			assert.Less(t, time.Since(start), 2*time.Second)
			assertReportInvariant(t, report, 6)
			assert.Equal(t, 6, report.Cancelled)
			for _, res := range report.Results {
				assert.Equal(t, fetch.KindBackendCancelled, res.ErrorKind)
			}
		})
	}
}

func TestRunCancelsPendingRetries(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(func(context.Context, string, int) (fetch.Response, error) {
		return fetch.Response{StatusCode: http.StatusServiceUnavailable}, nil
	})
	cfg := testConfig(backend.KindThread)
	cfg.Retry = retry.Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 2 * time.Second}
	cfg.OverallDeadline = 100 * time.Millisecond
	o := New(cfg, fetcher)

	start := time.Now()
	report, err := o.Run(context.Background(), targets(3, "http://busy.test/%d"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 3, report.Cancelled)
	for _, res := range report.Results {
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, http.StatusServiceUnavailable, res.HTTPStatus)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	t.Parallel()

	script := func(_ context.Context, target string, n int) (fetch.Response, error) {
		switch {
		case strings.HasSuffix(target, "/0"), strings.HasSuffix(target, "/5"):
			return fetch.Response{StatusCode: http.StatusForbidden}, nil
		case strings.HasSuffix(target, "/3") && n == 1:
			return fetch.Response{StatusCode: http.StatusBadGateway}, nil
		}
		return fetch.Response{StatusCode: http.StatusOK}, nil
	}
	list := targets(12, "http://det.test/%d")

	counts := func() [3]int {
		report, err := New(testConfig(backend.KindThread), newScriptedFetcher(script)).Run(context.Background(), list)
		require.NoError(t, err)
		return [3]int{report.Succeeded, report.Failed, report.Cancelled}
	}
	first := counts()
	assert.Equal(t, [3]int{10, 2, 0}, first)
	assert.Equal(t, first, counts())
}

func TestRunWorkerPanicIsIsolated(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(func(_ context.Context, target string, _ int) (fetch.Response, error) {
		if strings.Contains(target, "boom") {
			panic("fetcher exploded")
		}
		return fetch.Response{StatusCode: http.StatusOK}, nil
	})
	o := New(testConfig(backend.KindThread), fetcher)

	report, err := o.Run(context.Background(), []string{"http://boom.test/", "http://fine.test/1", "http://fine.test/2"})
	require.NoError(t, err)
	assertReportInvariant(t, report, 3)
	assert.Equal(t, 2, report.Succeeded)
	for _, res := range report.Results {
		if res.Host == "boom.test" {
			assert.Equal(t, fetch.KindWorkerPanic, res.ErrorKind)
			assert.Equal(t, 1, res.Attempts)
		}
	}
}

func TestRunHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(func(_ context.Context, _ string, n int) (fetch.Response, error) {
		if n == 1 {
			return fetch.Response{StatusCode: http.StatusTooManyRequests, RetryAfter: 150 * time.Millisecond}, nil
		}
		return fetch.Response{StatusCode: http.StatusOK}, nil
	})
	cfg := testConfig(backend.KindThread)
	cfg.Retry.MaxDelay = time.Second

	start := time.Now()
	report, err := New(cfg, fetcher).Run(context.Background(), []string{"http://slowdown.test/"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, report.Results[0].Attempts)
}

// flakyAdmission times out the first admission for every host.
type flakyAdmission struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (l *flakyAdmission) Acquire(_ context.Context, host string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.seen[host] {
		l.seen[host] = true
		return ratelimit.ErrAdmissionTimeout
	}
	return nil
}

func TestRunAdmissionTimeoutDoesNotSpendAttempt(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(alwaysOK)
	o := New(testConfig(backend.KindThread), fetcher, WithLimiter(&flakyAdmission{seen: map[string]bool{}}))

	report, err := o.Run(context.Background(), targets(4, "http://h%d.test/"))
	require.NoError(t, err)
	assert.Equal(t, 4, report.Succeeded)
	for _, res := range report.Results {
		assert.Equal(t, 1, res.Attempts)
	}
}

func TestRunRespectsPerHostRate(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	t.Parallel()

	cfg := testConfig(backend.KindThread)
	cfg.PerHostRPS = 2
	cfg.Burst = 1
	cfg.PoolSize = 4
	o := New(cfg, newScriptedFetcher(alwaysOK))

	start := time.Now()
	report, err := o.Run(context.Background(), targets(10, "http://one-host.test/%d"))
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.Equal(t, 10, report.Succeeded)
	// (10 - burst) / rate seconds, with a little slack for timer granularity.
	assert.GreaterOrEqual(t, elapsed, 4400*time.Millisecond)
}

func TestRunProcessBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(backend.KindProcess)
	cfg.PoolSize = 2
	cfg.Process = backend.ProcessConfig{
		Command:        []string{os.Args[0]},
		Env:            []string{helperEnv + "=1"},
		RequestTimeout: time.Second,
	}
	o := New(cfg, nil)

	list := append(targets(4, "http://proc.test/%d"), "http://proc.test/missing")
	report, err := o.Run(context.Background(), list)
	require.NoError(t, err)
	assertReportInvariant(t, report, 5)
	assert.Equal(t, 4, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	for _, res := range report.Results {
		if strings.Contains(res.TargetURI, "missing") {
			assert.Equal(t, fetch.KindTerminalClient, res.ErrorKind)
			assert.Equal(t, http.StatusNotFound, res.HTTPStatus)
			assert.Equal(t, 1, res.Attempts)
		}
	}
}

func TestRunProcessBackendDeadlineCancelsEverything(t *testing.T) {
	t.Parallel()

	cfg := testConfig(backend.KindProcess)
	cfg.PoolSize = 2
	cfg.OverallDeadline = 300 * time.Millisecond
	cfg.Process = backend.ProcessConfig{
		Command:        []string{os.Args[0]},
		Env:            []string{helperEnv + "=1"},
		RequestTimeout: 30 * time.Second,
	}
	o := New(cfg, nil)

	start := time.Now()
	report, err := o.Run(context.Background(), targets(4, "http://hang.test/%d"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assertReportInvariant(t, report, 4)
	assert.Equal(t, 4, report.Cancelled)
	for _, res := range report.Results {
		assert.Equal(t, fetch.StatusCancelled, res.Status)
		assert.Equal(t, fetch.KindBackendCancelled, res.ErrorKind)
	}
}

// countingLimiter counts Acquire calls on the way to the real limiter.
type countingLimiter struct {
	next  fetch.RateLimiter
	calls atomic.Int64
}

func (l *countingLimiter) Acquire(ctx context.Context, host string) error {
	l.calls.Add(1)
	return l.next.Acquire(ctx, host)
}

func TestRunAdmissionTimeoutRequeueIsPaced(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	t.Parallel()

	cfg := testConfig(backend.KindThread)
	cfg.PerHostRPS = 2
	cfg.Burst = 1
	cfg.AcquireTimeout = 50 * time.Millisecond
	limiter := &countingLimiter{next: ratelimit.New(ratelimit.Config{
		PerHostRPS:     cfg.PerHostRPS,
		Burst:          cfg.Burst,
		AcquireTimeout: cfg.AcquireTimeout,
	})}
	fetcher := newScriptedFetcher(alwaysOK)
	o := New(cfg, fetcher, WithLimiter(limiter))

	report, err := o.Run(context.Background(), targets(4, "http://one-host.test/%d"))
	require.NoError(t, err)
	assert.Equal(t, 4, report.Succeeded)
	for _, res := range report.Results {
		assert.Equal(t, 1, res.Attempts)
	}
	assert.Equal(t, 4, fetcher.totalCalls())
	// Three tokens at 2/s is ~1.5s of waiting. Every caller is held for up to
	// the 50ms acquire timeout, so PoolSize loops make a few hundred calls at most.
	assert.Less(t, limiter.calls.Load(), int64(500))
}

type constantIDs struct{ id string }

func (g constantIDs) NewID() (string, error) { return g.id, nil }

func TestRunDuplicateIDsFallBackToPositional(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(alwaysOK)
	o := New(testConfig(backend.KindThread), fetcher, WithIDGenerator(constantIDs{id: "same"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := o.Run(ctx, []string{"http://a.test/", "http://b.test/", "ftp://files.test/a", "http://c.test/"})
	require.NoError(t, err)
	require.NoError(t, ctx.Err(), "run must finish without relying on the caller's deadline")
	assertReportInvariant(t, report, 4)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 3, fetcher.totalCalls())

	ids := make([]string, 0, len(report.Results))
	for _, res := range report.Results {
		ids = append(ids, res.TaskID)
	}
	assert.ElementsMatch(t, []string{"same", "task-1", "task-2", "task-3"}, ids)
}

func TestPositionalIDSkipsTakenIDs(t *testing.T) {
	t.Parallel()

	used := map[string]struct{}{"task-2": {}, "task-2-1": {}}
	assert.Equal(t, "task-2-2", positionalID(2, used))
	assert.Equal(t, "task-3", positionalID(3, used))
}

// capturingPublisher keeps every message handed to it.
type capturingPublisher struct {
	mu       sync.Mutex
	messages []*pubsub.Message
}

func (p *capturingPublisher) Publish(_ context.Context, msg *pubsub.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return fmt.Sprintf("msg-%d", len(p.messages)), nil
}

func TestRunPropagatesTraceContextToSinks(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	publisher := &capturingPublisher{}

	o := New(testConfig(backend.KindThread), newScriptedFetcher(alwaysOK),
		WithSinks(sink.NewPubSubSink(publisher)),
		WithTracerProvider(tp),
	)
	_, err := o.Run(context.Background(), targets(2, "http://traced.test/%d"))
	require.NoError(t, err)

	var runSpan sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == "orchestrator.run" {
			runSpan = span
		}
	}
	require.NotNil(t, runSpan)
	traceID := runSpan.SpanContext().TraceID().String()

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	require.Len(t, publisher.messages, 3)
	for _, msg := range publisher.messages {
		require.Contains(t, msg.Attributes, "traceparent", "message type %s", msg.Attributes["type"])
		assert.Contains(t, msg.Attributes["traceparent"], traceID)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	results []fetch.Result
	reports []fetch.Report
}

func (s *recordingSink) OnResult(_ context.Context, r fetch.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *recordingSink) OnReport(_ context.Context, r fetch.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func TestRunWiresSinksMetricsAndTracing(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	clock := fixedClock{now: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}

	o := New(testConfig(backend.KindAsync), newScriptedFetcher(alwaysOK),
		WithSinks(rec),
		WithMetrics(m),
		WithTracerProvider(tp),
		WithClock(clock),
	)
	report, err := o.Run(context.Background(), targets(3, "http://obs.test/%d"))
	require.NoError(t, err)

	rec.mu.Lock()
	assert.Len(t, rec.results, 3)
	require.Len(t, rec.reports, 1)
	assert.Equal(t, report, rec.reports[0])
	rec.mu.Unlock()
	for _, res := range report.Results {
		assert.Equal(t, clock.now, res.Timestamp)
	}
	assert.Equal(t, report, o.Snapshot())

	series, err := testutil.GatherAndCount(reg, "fetchd_results_total", "fetchd_attempts_dispatched_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)

	names := map[string]int{}
	for _, span := range recorder.Ended() {
		names[span.Name()]++
	}
	assert.Equal(t, 1, names["orchestrator.run"])
	assert.Equal(t, 3, names["orchestrator.attempt"])
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Backend = "greenlets"
	cfg.Burst = 0
	cfg.Retry.BaseDelay = 0
	cfg.OverallDeadline = -time.Second
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	for _, want := range []string{"unknown backend", "burst", "retry.base_delay", "overall deadline"} {
		assert.Contains(t, err.Error(), want)
	}
}
