// Package handoff provides a bounded, closable queue used to pass work between
// goroutines with an explicit end-of-stream state.
package handoff

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send after Close, and by Receive once the queue is
// closed and drained.
var ErrClosed = errors.New("handoff: queue closed")

// Queue is a FIFO channel wrapper that can be closed from any goroutine
// without racing concurrent senders. A capacity of zero makes every Send wait
// for a matching Receive.
type Queue[T any] struct {
	ch      chan T
	closing chan struct{}
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// New creates a queue that buffers up to capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		ch:      make(chan T, capacity),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Send enqueues v, waiting for room. It fails with ErrClosed if the queue is
// or becomes closed, and with ctx.Err() if ctx ends first.
func (q *Queue[T]) Send(ctx context.Context, v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.ch <- v:
		return nil
	case <-q.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues v only if it can do so without waiting.
func (q *Queue[T]) TrySend(v T) (bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false, ErrClosed
	}

	select {
	case q.ch <- v:
		return true, nil
	case <-q.closing:
		return false, ErrClosed
	default:
		return false, nil
	}
}

// Receive returns the next item. Items queued before Close are still
// delivered; after that Receive returns ErrClosed.
func (q *Queue[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-q.ch:
		return v, nil
	case <-q.done:
		select {
		case v := <-q.ch:
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close marks the end of the stream. Pending senders are released with
// ErrClosed. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.once.Do(func() {
		close(q.closing)
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the buffer capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
