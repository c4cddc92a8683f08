// Package queue provides the unbounded FIFO used by the channel bridges.
package queue

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Send once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO. Send never blocks. Receive blocks until a value
// is available, the queue is closed and drained, or the context ends.
//
// A queue is meant to have one receiving goroutine; any number may send.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	err    error
	notify chan struct{}
	done   chan struct{}
}

// New creates an empty open queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Send appends v. It fails with ErrClosed after Close.
func (q *Queue[T]) Send(ctx context.Context, v T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Receive removes and returns the oldest value. Values sent before Close are
// still delivered; after that Receive returns io.EOF, or the error given to
// CloseWithError.
func (q *Queue[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			return zero, err
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close stops accepting values. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.CloseWithError(nil)
}

// CloseWithError closes the queue so that, once drained, Receive returns err.
// A nil err means io.EOF. Only the first close takes effect.
func (q *Queue[T]) CloseWithError(err error) {
	if err == nil {
		err = io.EOF
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	close(q.done)
}

// Len returns the number of buffered values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
