// Package fetch defines the core types shared across the orchestrator subsystems.
package fetch

import (
	"net/url"
	"strings"
	"time"
)

// Status is the terminal state of a task.
type Status string

// Terminal status values recorded by the aggregator.
const (
	StatusSucceeded      Status = "succeeded"
	StatusCancelled      Status = "cancelled"
	StatusFailedTerminal Status = "failed_terminal"
)

// ErrorKind is the machine-classifiable reason attached to a failed result.
type ErrorKind string

// Error kinds surfaced on failed or cancelled results.
const (
	KindNone                 ErrorKind = ""
	KindTransientNetwork     ErrorKind = "transient_network"
	KindTerminalClient       ErrorKind = "terminal_client"
	KindMalformedTarget      ErrorKind = "malformed_target"
	KindBackendCancelled     ErrorKind = "backend_cancelled"
	KindRetryBudgetExhausted ErrorKind = "retry_budget_exhausted"
	KindWorkerPanic          ErrorKind = "worker_panic"
	KindWorkerCrashed        ErrorKind = "worker_crashed"
)

// Task is the mutable scheduling unit wrapping one target.
// Attempt is only mutated by the scheduler loop right before dispatch.
type Task struct {
	ID        string
	TargetURI string
	Host      string
	Attempt   int
	CreatedAt time.Time
}

// Result is the single terminal outcome recorded per task.
type Result struct {
	TaskID     string        `json:"task_id"`
	TargetURI  string        `json:"target"`
	Host       string        `json:"host"`
	Status     Status        `json:"status"`
	HTTPStatus int           `json:"http_status,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	Message    string        `json:"message,omitempty"`
	Attempts   int           `json:"attempts"`
	Latency    time.Duration `json:"latency"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Report is the aggregated outcome of one orchestration run.
type Report struct {
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Cancelled  int           `json:"cancelled"`
	AvgLatency time.Duration `json:"avg_latency"`
	P95Latency time.Duration `json:"p95_latency"`
	Results    []Result      `json:"results"`
}

// Response is what a Fetcher returns for one attempt. The orchestrator never
// inspects Payload beyond its length.
type Response struct {
	Payload    []byte
	StatusCode int
	RetryAfter time.Duration
}

// Outcome is the result of running one attempt on a backend.
type Outcome struct {
	StatusCode int
	Bytes      int
	Latency    time.Duration
	Err        error
}

// Succeeded reports whether the attempt completed with a non-error status.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// ParseTarget normalizes a raw target and extracts its host. Targets without a
// scheme are treated as http.
func ParseTarget(raw string) (string, string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", ErrMalformedTarget
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", "", &MalformedTargetError{Target: raw, Err: err}
	}
	if u.Hostname() == "" {
		return "", "", &MalformedTargetError{Target: raw, Err: ErrMalformedTarget}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", &MalformedTargetError{Target: raw, Err: ErrMalformedTarget}
	}
	return u.String(), strings.ToLower(u.Hostname()), nil
}
