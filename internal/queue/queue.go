// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package queue is the hand-off between packet capture and classification.
//
// Push never blocks. When the queue is full the oldest pending record is
// discarded to admit the new one (drop-oldest): under flood conditions the
// most recent observations are the ones worth classifying. PushWait is the
// lossless variant for producers that may block. Pop blocks for
// at most the poll interval so consumers observe cancellation promptly.
package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"grimm.is/tripwire/internal/flow"
)

// DefaultCapacity is the queue bound used when none is configured.
const DefaultCapacity = 10000

// ErrEmpty is returned by Pop when no record arrived within the timeout.
var ErrEmpty = errors.New("queue: empty")

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("queue: closed")

// Queue is a bounded multi-consumer FIFO of feature records.
type Queue struct {
	ch     chan flow.Record
	closed atomic.Bool
	done   chan struct{}

	pushed  atomic.Uint64
	dropped atomic.Uint64

	onDrop func()
}

// New creates a Queue holding at most capacity records.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		ch:   make(chan flow.Record, capacity),
		done: make(chan struct{}),
	}
}

// OnDrop registers a hook invoked for every discarded record. It must be
// set before the producer starts.
func (q *Queue) OnDrop(fn func()) {
	q.onDrop = fn
}

// Push enqueues rec without blocking. It reports false when the queue is
// closed.
func (q *Queue) Push(rec flow.Record) bool {
	if q.closed.Load() {
		return false
	}
	for {
		select {
		case q.ch <- rec:
			q.pushed.Add(1)
			return true
		default:
		}

		// Full: discard the oldest record and retry. A consumer may win the
		// race for it, in which case nothing is dropped.
		select {
		case <-q.ch:
			q.dropped.Add(1)
			if q.onDrop != nil {
				q.onDrop()
			}
		default:
		}
	}
}

// PushWait enqueues rec, waiting for room instead of discarding. It is for
// producers that can be slowed down, such as a file replay, and reports
// false when ctx ends or the queue is closed first.
func (q *Queue) PushWait(ctx context.Context, rec flow.Record) bool {
	if q.closed.Load() {
		return false
	}
	select {
	case q.ch <- rec:
		q.pushed.Add(1)
		return true
	case <-ctx.Done():
		return false
	case <-q.done:
		return false
	}
}

// Pop waits up to timeout for a record. It returns ErrEmpty on timeout,
// ctx.Err() on cancellation and ErrClosed once the queue is closed and no
// records remain.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (flow.Record, error) {
	select {
	case rec := <-q.ch:
		return rec, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rec := <-q.ch:
		return rec, nil
	case <-ctx.Done():
		return flow.Record{}, ctx.Err()
	case <-q.done:
		select {
		case rec := <-q.ch:
			return rec, nil
		default:
			return flow.Record{}, ErrClosed
		}
	case <-timer.C:
		return flow.Record{}, ErrEmpty
	}
}

// Close stops further pushes. Pending records can still be popped.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
}

// Len returns the number of pending records.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue bound.
func (q *Queue) Cap() int { return cap(q.ch) }

// Stats returns cumulative push and drop counts.
func (q *Queue) Stats() (pushed, dropped uint64) {
	return q.pushed.Load(), q.dropped.Load()
}
