// Package memory provides the in-process task queue used by the scheduler loops.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
)

var (
	// ErrClosed is returned once the queue is closed and fully drained.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned when Enqueue would exceed the queue capacity.
	ErrFull = errors.New("queue full")
)

// Queue is a bounded in-memory queue with context-aware operations. Each task
// is delivered to exactly one Dequeue caller.
type Queue struct {
	ch      chan fetch.Task
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan fetch.Task, capacity),
	}
}

// Enqueue pushes a task without blocking. It fails with ErrFull when the
// backlog is at capacity and ErrClosed after Close.
func (q *Queue) Enqueue(task fetch.Task) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- task:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue pops the next task, respecting context cancellation. Tasks enqueued
// before Close are still delivered; after that it returns ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (fetch.Task, error) {
	select {
	case <-ctx.Done():
		return fetch.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return fetch.Task{}, ErrClosed
		}
		return task, nil
	}
}

// Drain removes and returns every task currently buffered without blocking.
func (q *Queue) Drain() []fetch.Task {
	var out []fetch.Task
	for {
		select {
		case task, ok := <-q.ch:
			if !ok {
				return out
			}
			out = append(out, task)
		default:
			return out
		}
	}
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. Blocked Dequeue calls wake
// once the buffered tasks are consumed. Closing twice is safe.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
