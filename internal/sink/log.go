package sink

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
)

// LogSink emits one structured log line per result and one for the report.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// OnResult logs successes at Info and everything else at Warn.
func (s *LogSink) OnResult(_ context.Context, r fetch.Result) error {
	fields := []zap.Field{
		zap.String("task_id", r.TaskID),
		zap.String("target", r.TargetURI),
		zap.String("host", r.Host),
		zap.String("status", string(r.Status)),
		zap.Int("attempts", r.Attempts),
		zap.Duration("latency", r.Latency),
	}
	if r.HTTPStatus != 0 {
		fields = append(fields, zap.Int("http_status", r.HTTPStatus))
	}
	if r.Status == fetch.StatusSucceeded {
		s.logger.Info("task finished", fields...)
		return nil
	}
	fields = append(fields,
		zap.String("error_kind", string(r.ErrorKind)),
		zap.String("message", r.Message),
	)
	s.logger.Warn("task finished", fields...)
	return nil
}

// OnReport logs the run totals.
func (s *LogSink) OnReport(_ context.Context, rep fetch.Report) error {
	s.logger.Info("run finished",
		zap.Int("total", rep.Total),
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("failed", rep.Failed),
		zap.Int("cancelled", rep.Cancelled),
		zap.Duration("avg_latency", rep.AvgLatency),
		zap.Duration("p95_latency", rep.P95Latency),
	)
	return nil
}
