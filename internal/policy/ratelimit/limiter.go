// Package ratelimit implements a token bucket rate limiter for per-host admission control.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrAdmissionTimeout is returned when the configured acquire timeout elapses
// before a token is available. It is an admission signal, not a fetch failure.
var ErrAdmissionTimeout = fmt.Errorf("rate limit admission timeout: %w", context.DeadlineExceeded)

// Config holds rate limiter configuration.
type Config struct {
	PerHostRPS     float64
	Burst          int
	AcquireTimeout time.Duration
	// OnWait is called after a successful Acquire that had to wait.
	OnWait func(host string, waited time.Duration)
}

// Bucket is an observation of one host's token bucket.
type Bucket struct {
	Host       string
	Tokens     float64
	Capacity   int
	RefillRate float64
	LastRefill time.Time
}

type hostBucket struct {
	limiter    *rate.Limiter
	lastRefill time.Time
}

// Limiter manages per-host token buckets. One mutex guards the bucket map; the
// buckets themselves are safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*hostBucket
	rate    rate.Limit
	burst   int
	timeout time.Duration
	onWait  func(string, time.Duration)
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PerHostRPS)
	if cfg.PerHostRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*hostBucket),
		rate:    r,
		burst:   burst,
		timeout: cfg.AcquireTimeout,
		onWait:  cfg.OnWait,
	}
}

func (l *Limiter) bucket(host string) *hostBucket {
	key := strings.ToLower(host)
	if key == "" {
		key = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &hostBucket{
			limiter:    rate.NewLimiter(l.rate, l.burst),
			lastRefill: time.Now(),
		}
		l.buckets[key] = b
	}
	return b
}

// Acquire blocks until a token is available for host, respecting the context
// and the configured acquire timeout. Exactly one token is consumed on success.
// When the next token is further away than the timeout, Acquire still holds the
// caller for the full timeout before giving the reservation back, so a caller
// that retries on ErrAdmissionTimeout is paced by the timeout.
func (l *Limiter) Acquire(ctx context.Context, host string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	b := l.bucket(host)

	start := time.Now()
	res := b.limiter.Reserve()
	if !res.OK() {
		return fmt.Errorf("rate limit wait: burst %d cannot admit one token", l.burst)
	}
	delay := res.Delay()
	expired := l.timeout > 0 && delay > l.timeout
	if expired {
		delay = l.timeout
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			res.Cancel()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		}
	}
	if expired {
		res.Cancel()
		return ErrAdmissionTimeout
	}

	l.mu.Lock()
	b.lastRefill = time.Now()
	l.mu.Unlock()

	if waited := time.Since(start); waited > time.Millisecond && l.onWait != nil {
		l.onWait(host, waited)
	}
	return nil
}

// Bucket returns a snapshot of host's bucket. Tokens are clamped to
// [0, capacity].
func (l *Limiter) Bucket(host string) Bucket {
	b := l.bucket(host)
	tokens := b.limiter.Tokens()
	if tokens < 0 {
		tokens = 0
	}
	if tokens > float64(l.burst) {
		tokens = float64(l.burst)
	}
	l.mu.Lock()
	last := b.lastRefill
	l.mu.Unlock()
	return Bucket{
		Host:       strings.ToLower(host),
		Tokens:     tokens,
		Capacity:   l.burst,
		RefillRate: float64(l.rate),
		LastRefill: last,
	}
}

// IsAdmissionTimeout reports whether err came from the acquire timeout rather
// than the caller's own context.
func IsAdmissionTimeout(err error) bool {
	return errors.Is(err, ErrAdmissionTimeout)
}
