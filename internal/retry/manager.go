// Package retry classifies fetch errors and computes jittered exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
)

// Decision is the outcome of classifying an error.
type Decision int

// Classification results.
const (
	Terminal Decision = iota
	Retryable
)

func (d Decision) String() string {
	if d == Retryable {
		return "retryable"
	}
	return "terminal"
}

// Policy is immutable and shared read-only across tasks.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      250 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		JitterFraction: 0.2,
	}
}

// Validate rejects policies the manager cannot honor.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be > 0")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	if p.JitterFraction < 0 || p.JitterFraction > 1 {
		return fmt.Errorf("retry.jitter_fraction must be within [0, 1]")
	}
	return nil
}

// Manager is a stateless policy object. The zero value uses crypto/rand for
// jitter.
type Manager struct {
	// Jitter returns a uniform duration in [0, limit]. Nil means crypto/rand.
	Jitter func(limit time.Duration) time.Duration
}

// NewManager builds a Manager with the default jitter source.
func NewManager() *Manager {
	return &Manager{}
}

// Classify decides whether err is worth another attempt.
func (m *Manager) Classify(err error) Decision {
	switch {
	case err == nil:
		return Terminal
	case errors.Is(err, fetch.ErrCancelled), errors.Is(err, context.Canceled):
		return Terminal
	case errors.Is(err, fetch.ErrMalformedTarget):
		return Terminal
	}

	var panicErr *fetch.PanicError
	if errors.As(err, &panicErr) {
		return Terminal
	}
	var crashErr *fetch.CrashError
	if errors.As(err, &crashErr) {
		return Retryable
	}
	if code := fetch.HTTPStatusOf(err); code != 0 {
		return classifyStatus(code)
	}
	var remoteErr *fetch.RemoteError
	if errors.As(err, &remoteErr) {
		switch remoteErr.Kind {
		case fetch.KindTransientNetwork, fetch.KindWorkerCrashed:
			return Retryable
		default:
			return Terminal
		}
	}

	// Timeouts, connection resets and other transport errors are transient.
	return Retryable
}

func classifyStatus(code int) Decision {
	switch {
	case code == http.StatusTooManyRequests:
		return Retryable
	case code >= 500 && code < 600:
		return Retryable
	default:
		return Terminal
	}
}

// Kind maps err onto the machine-classifiable error kind for reporting.
func (m *Manager) Kind(err error) fetch.ErrorKind {
	if err == nil {
		return fetch.KindNone
	}
	var remoteErr *fetch.RemoteError
	if errors.As(err, &remoteErr) && remoteErr.Kind != fetch.KindNone {
		return remoteErr.Kind
	}
	var panicErr *fetch.PanicError
	var crashErr *fetch.CrashError
	switch {
	case errors.Is(err, fetch.ErrCancelled), errors.Is(err, context.Canceled):
		return fetch.KindBackendCancelled
	case errors.Is(err, fetch.ErrMalformedTarget):
		return fetch.KindMalformedTarget
	case errors.As(err, &panicErr):
		return fetch.KindWorkerPanic
	case errors.As(err, &crashErr):
		return fetch.KindWorkerCrashed
	}
	if m.Classify(err) == Retryable {
		return fetch.KindTransientNetwork
	}
	return fetch.KindTerminalClient
}

// ShouldRetry is true iff attempt < policy.MaxAttempts and err is retryable.
func (m *Manager) ShouldRetry(err error, attempt int, policy Policy) bool {
	if attempt >= policy.MaxAttempts {
		return false
	}
	return m.Classify(err) == Retryable
}

// NextDelay returns min(base*2^(attempt-1), max) plus uniform jitter in
// [0, jitterFraction*delay].
func (m *Manager) NextDelay(attempt int, policy Policy) time.Duration {
	delay := BaseBackoff(attempt, policy)
	return delay + m.jitter(time.Duration(float64(delay)*policy.JitterFraction))
}

// DelayFor is NextDelay raised to any Retry-After hint carried by err. The
// hint is capped at policy.MaxDelay.
func (m *Manager) DelayFor(err error, attempt int, policy Policy) time.Duration {
	delay := m.NextDelay(attempt, policy)
	hint := fetch.RetryAfterHint(err)
	if hint > policy.MaxDelay {
		hint = policy.MaxDelay
	}
	if hint > delay {
		return hint
	}
	return delay
}

// BaseBackoff is the un-jittered exponential delay for attempt (1-based).
func BaseBackoff(attempt int, policy Policy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(policy.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	return time.Duration(delay)
}

func (m *Manager) jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	if m != nil && m.Jitter != nil {
		return m.Jitter(limit)
	}
	bound := big.NewInt(int64(limit) + 1)
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
