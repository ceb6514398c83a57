package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrMalformedTarget marks a target that cannot be parsed into a fetchable URL.
	ErrMalformedTarget = errors.New("malformed target")
	// ErrCancelled marks work abandoned because the run deadline or shutdown fired.
	ErrCancelled = errors.New("backend cancelled")
)

// MalformedTargetError wraps the parse failure for a target.
type MalformedTargetError struct {
	Target string
	Err    error
}

func (e *MalformedTargetError) Error() string {
	return fmt.Sprintf("malformed target %q: %v", e.Target, e.Err)
}

// Unwrap exposes ErrMalformedTarget to errors.Is.
func (e *MalformedTargetError) Unwrap() []error {
	return []error{ErrMalformedTarget, e.Err}
}

// StatusError reports a non-success HTTP status returned by a Fetcher.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d (%s)", e.Code, http.StatusText(e.Code))
}

// PanicError is produced when a work function panics inside a backend worker.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker panic: %v", e.Value)
}

// RemoteError is an error reported back by a worker process. Kind carries the
// classification the worker computed on its side of the pipe.
type RemoteError struct {
	Kind       ErrorKind
	Message    string
	Code       int
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	return e.Message
}

// CrashError reports that a worker process exited while running a task.
type CrashError struct {
	Err error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("worker process crashed: %v", e.Err)
}

func (e *CrashError) Unwrap() error {
	return e.Err
}

// RetryAfterHint extracts a server-provided Retry-After duration from err.
func RetryAfterHint(err error) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.RetryAfter
	}
	return 0
}

// HTTPStatusOf returns the HTTP status carried by err, or 0.
func HTTPStatusOf(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Code
	}
	return 0
}
