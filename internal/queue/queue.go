// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

// Package queue provides the unbounded FIFO shared by the message bus and the
// scheduler bridge.
//
// Push never blocks, so the consumer may itself enqueue follow-up work.
package queue

import (
	"context"
	"sync"
)

// Queue is an unbounded multi-producer single-consumer FIFO.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	notify chan struct{}
	closed bool
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

// Push appends item. It returns false if the queue was closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// TryPop removes the oldest item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if q.head == len(q.items) {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item, true
}

// Pop waits for the oldest item. It returns false when ctx is done or the
// queue is closed and empty.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	for {
		q.mu.Lock()
		item, ok := q.popLocked()
		closed := q.closed
		q.mu.Unlock()
		if ok {
			return item, true
		}
		if closed {
			var zero T
			return zero, false
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close rejects further pushes. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain closes the queue and returns whatever was still queued.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	q.closed = true
	rest := make([]T, len(q.items)-q.head)
	copy(rest, q.items[q.head:])
	q.items = nil
	q.head = 0
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return rest
}
