package sched

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueAborted is returned by Push/Pop after Abort.
var ErrQueueAborted = errors.New("sched: queue aborted")

// Queue is the bounded FIFO primitive from spec §4.2: PushEventually blocks
// on capacity, Pop blocks on availability, Abort terminates all waiters. It
// backs both the RPC connection's outbound buffer FIFO (spec §4.5.2) and a
// stream child's bounded receive queue (spec §4.5.5).
//
// The buffered-channel-as-bounded-queue idiom is plain Go rather than a
// pack dependency: none of the retrieval pack's libraries expose an
// abortable bounded queue, and a channel of capacity N already gives the
// exact "push blocks when full, pop blocks when empty" semantics for free;
// Abort layers in the one piece a bare channel can't do alone.
type Queue[T any] struct {
	items chan T
	abort chan struct{}
	once  sync.Once
	err   error
}

// NewQueue creates a Queue with room for capacity items before PushEventually
// blocks.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		items: make(chan T, capacity),
		abort: make(chan struct{}),
	}
}

// PushEventually enqueues v, blocking while the queue is at capacity.
func (q *Queue[T]) PushEventually(ctx context.Context, v T) error {
	select {
	case q.items <- v:
		return nil
	case <-q.abort:
		return q.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues v without blocking, returning false if the queue is
// full or aborted.
func (q *Queue[T]) TryPush(v T) bool {
	select {
	case <-q.abort:
		return false
	default:
	}
	select {
	case q.items <- v:
		return true
	default:
		return false
	}
}

// Pop dequeues the next item, blocking while the queue is empty.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	select {
	case v := <-q.items:
		return v, nil
	case <-q.abort:
		var zero T
		return zero, q.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Len reports the number of items currently buffered (best-effort: may be
// stale the instant it's observed by anyone but the single consumer).
func (q *Queue[T]) Len() int { return len(q.items) }

// Abort wakes every blocked and future Push/Pop call with err (or
// ErrQueueAborted if err is nil). Idempotent.
func (q *Queue[T]) Abort(err error) {
	if err == nil {
		err = ErrQueueAborted
	}
	q.once.Do(func() {
		q.err = err
		close(q.abort)
	})
}
