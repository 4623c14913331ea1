// Package memory provides the in-process dispatch queue for capture ids.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of capture ids with context-aware Dequeue.
// Enqueue never blocks; backpressure is applied by the consumer.
type Queue struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
	closed bool
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue appends id. It fails only after Close or when ctx is already done.
func (q *Queue) Enqueue(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, id)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Dequeue pops the oldest id, blocking until one is available or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return id, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return "", ErrClosed
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.notify:
		}
	}
}

// Len reports the number of waiting ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops new enqueues and wakes blocked consumers. Queued ids remain
// dequeueable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

func (q *Queue) signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
