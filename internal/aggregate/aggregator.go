// Package aggregate collects terminal fetch results and computes run statistics.
//
// The Aggregator is a single goroutine that owns all tallies; callers talk to
// it over a channel, so recording from many scheduler loops never contends on
// a shared lock.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
)

var (
	// ErrDuplicate is returned when a second terminal result arrives for a task.
	ErrDuplicate = errors.New("result already recorded for task")
	// ErrFinalized is returned once the aggregator no longer accepts results.
	ErrFinalized = errors.New("aggregator finalized")
)

const (
	defaultBufferSize  = 256
	defaultSinkTimeout = 10 * time.Second
)

// Config controls buffering and sink fan-out.
//   - Expected: number of results the run will produce; used to presize.
//   - BufferSize: size of the request channel (default 256).
//   - SinkTimeout: per-sink call timeout (default 10s).
//   - BaseContext: parent context for sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for sink failures.
type Config struct {
	Expected    int
	BufferSize  int
	SinkTimeout time.Duration
	BaseContext context.Context
	Logger      *zap.Logger
}

type opKind int

const (
	opRecord opKind = iota
	opSnapshot
	opFinalize
)

type request struct {
	op     opKind
	result fetch.Result
	reply  chan response
}

type response struct {
	report fetch.Report
	err    error
}

// Aggregator records exactly one terminal result per task.
type Aggregator struct {
	cfg      Config
	sinks    []fetch.ResultSink
	requests chan request
	doneCh   chan struct{}
	logger   *zap.Logger

	finalizeOnce sync.Once
	// final is written by run before doneCh closes.
	final fetch.Report

	// owned by run
	results []fetch.Result
	seen    map[string]struct{}
}

// New starts the aggregation goroutine. Results are forwarded to sinks as they
// are recorded and the final report is handed to every sink on Finalize.
func New(cfg Config, sinks ...fetch.ResultSink) *Aggregator {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Expected < 0 {
		cfg.Expected = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		cfg:      cfg,
		sinks:    append([]fetch.ResultSink(nil), sinks...),
		requests: make(chan request, cfg.BufferSize),
		doneCh:   make(chan struct{}),
		logger:   logger,
		results:  make([]fetch.Result, 0, cfg.Expected),
		seen:     make(map[string]struct{}, cfg.Expected),
	}
	go a.run()
	return a
}

// Record stores the terminal result for one task. A second result for the same
// task is rejected with ErrDuplicate rather than overwriting the first.
func (a *Aggregator) Record(ctx context.Context, result fetch.Result) error {
	if result.TaskID == "" {
		return errors.New("result has no task id")
	}
	resp, err := a.call(ctx, request{op: opRecord, result: result})
	if err != nil {
		return err
	}
	return resp.err
}

// Snapshot returns a consistent view of the results recorded so far. After
// Finalize it returns the final report.
func (a *Aggregator) Snapshot() fetch.Report {
	resp, err := a.call(context.Background(), request{op: opSnapshot})
	if err != nil {
		return a.final
	}
	return resp.report
}

// Finalize freezes the aggregator, delivers the report to every sink, and
// returns it. Only the first call finalizes; later calls return the same
// report together with ErrFinalized.
func (a *Aggregator) Finalize(ctx context.Context) (fetch.Report, error) {
	first := false
	a.finalizeOnce.Do(func() { first = true })
	if !first {
		select {
		case <-a.doneCh:
			return a.final, ErrFinalized
		case <-ctx.Done():
			return fetch.Report{}, fmt.Errorf("finalize wait: %w", ctx.Err())
		}
	}
	resp, err := a.call(ctx, request{op: opFinalize})
	if err != nil {
		return fetch.Report{}, fmt.Errorf("finalize: %w", err)
	}
	return resp.report, nil
}

// Done is closed once the aggregator has finalized.
func (a *Aggregator) Done() <-chan struct{} {
	return a.doneCh
}

func (a *Aggregator) call(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case a.requests <- req:
	case <-a.doneCh:
		return response{}, ErrFinalized
	case <-ctx.Done():
		return response{}, fmt.Errorf("aggregator request: %w", ctx.Err())
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-a.doneCh:
		// Replies are sent before doneCh closes.
		select {
		case resp := <-req.reply:
			return resp, nil
		default:
			return response{}, ErrFinalized
		}
	case <-ctx.Done():
		return response{}, fmt.Errorf("aggregator reply: %w", ctx.Err())
	}
}

func (a *Aggregator) run() {
	for req := range a.requests {
		switch req.op {
		case opRecord:
			req.reply <- response{err: a.record(req.result)}
		case opSnapshot:
			req.reply <- response{report: a.report()}
		case opFinalize:
			report := a.report()
			a.deliverReport(report)
			a.final = report
			req.reply <- response{report: report}
			a.rejectPending()
			close(a.doneCh)
			return
		}
	}
}

func (a *Aggregator) record(result fetch.Result) error {
	if _, dup := a.seen[result.TaskID]; dup {
		a.logger.Error("duplicate terminal result rejected",
			zap.String("task_id", result.TaskID),
			zap.String("status", string(result.Status)),
		)
		return fmt.Errorf("%w: %s", ErrDuplicate, result.TaskID)
	}
	a.seen[result.TaskID] = struct{}{}
	a.results = append(a.results, result)
	for _, sink := range a.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(a.cfg.BaseContext, a.cfg.SinkTimeout)
		if err := sink.OnResult(ctx, result); err != nil {
			a.logger.Warn("result sink failed", zap.String("task_id", result.TaskID), zap.Error(err))
		}
		cancel()
	}
	return nil
}

func (a *Aggregator) deliverReport(report fetch.Report) {
	for _, sink := range a.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(a.cfg.BaseContext, a.cfg.SinkTimeout)
		if err := sink.OnReport(ctx, report); err != nil {
			a.logger.Warn("report sink failed", zap.Error(err))
		}
		cancel()
	}
}

// rejectPending answers requests that raced with finalization.
func (a *Aggregator) rejectPending() {
	for {
		select {
		case req := <-a.requests:
			switch req.op {
			case opSnapshot:
				req.reply <- response{report: a.final}
			default:
				req.reply <- response{report: a.final, err: ErrFinalized}
			}
		default:
			return
		}
	}
}

func (a *Aggregator) report() fetch.Report {
	results := append([]fetch.Result(nil), a.results...)
	report := fetch.Report{Total: len(results), Results: results}
	for _, r := range results {
		switch r.Status {
		case fetch.StatusSucceeded:
			report.Succeeded++
		case fetch.StatusCancelled:
			report.Cancelled++
		default:
			report.Failed++
		}
	}
	report.AvgLatency, report.P95Latency = LatencyStats(results)
	return report
}

// LatencyStats returns the mean and nearest-rank 95th percentile latency over
// results that completed an attempt. Cancelled results and results that were
// never dispatched are excluded.
func LatencyStats(results []fetch.Result) (time.Duration, time.Duration) {
	samples := make([]time.Duration, 0, len(results))
	for _, r := range results {
		if r.Status == fetch.StatusCancelled || r.Attempts == 0 {
			continue
		}
		samples = append(samples, r.Latency)
	}
	if len(samples) == 0 {
		return 0, 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	rank := int(math.Ceil(0.95*float64(len(samples)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sum / time.Duration(len(samples)), samples[rank]
}
