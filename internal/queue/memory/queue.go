// Package memory provides the bounded in-process queue carrying backfill
// requests from the crawl pipeline to the history workers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/telemirror/telemirror/internal/mirror"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan mirror.BackfillRequest
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan mirror.BackfillRequest, capacity),
	}
}

// Enqueue pushes a request into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, req mirror.BackfillRequest) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- req:
		return nil
	}
}

// Dequeue pops the next request, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (mirror.BackfillRequest, error) {
	select {
	case <-ctx.Done():
		return mirror.BackfillRequest{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req, ok := <-q.ch:
		if !ok {
			return mirror.BackfillRequest{}, errors.New("queue closed")
		}
		return req, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
