package fetch

import (
	"context"
	"time"
)

// Fetcher retrieves one target. Non-2xx responses may be returned either as a
// Response with StatusCode set or as a *StatusError; both are classified the
// same way by the retry manager.
type Fetcher interface {
	Fetch(ctx context.Context, targetURI string, timeout time.Duration) (Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, targetURI string, timeout time.Duration) (Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, targetURI string, timeout time.Duration) (Response, error) {
	return f(ctx, targetURI, timeout)
}

// ResultSink receives each terminal result as it is recorded and the final
// report once the run is finalized. Implementations must be safe for calls from
// a single aggregator goroutine and should honor ctx deadlines.
type ResultSink interface {
	OnResult(ctx context.Context, result Result) error
	OnReport(ctx context.Context, report Report) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// RateLimiter admits work per host. Acquire blocks until a token is available,
// ctx ends, or the limiter's own admission timeout elapses.
type RateLimiter interface {
	Acquire(ctx context.Context, host string) error
}
