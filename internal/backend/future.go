package backend

import (
	"context"
	"sync"

	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
)

// Future is the pending outcome of a submitted attempt. It resolves exactly
// once; later resolutions are ignored.
type Future struct {
	done    chan struct{}
	once    sync.Once
	outcome fetch.Outcome
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolvedFuture(out fetch.Outcome) *Future {
	f := newFuture()
	f.resolve(out)
	return f
}

func (f *Future) resolve(out fetch.Outcome) bool {
	resolved := false
	f.once.Do(func() {
		f.outcome = out
		close(f.done)
		resolved = true
	})
	return resolved
}

// Await blocks until the future resolves or ctx ends. When ctx wins, the
// future itself is resolved as cancelled so every waiter sees the same outcome.
func (f *Future) Await(ctx context.Context) fetch.Outcome {
	select {
	case <-f.done:
		return f.outcome
	case <-ctx.Done():
		f.resolve(cancelledOutcome(ctx.Err()))
		<-f.done
		return f.outcome
	}
}
