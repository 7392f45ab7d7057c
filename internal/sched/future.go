package sched

import (
	"context"
	"sync"
)

// subscriber pairs a continuation with the shard it must run on, matching
// spec.md's "task records owning their state; await points expressed as
// discrete states" design note - a Then registration *is* that record.
type subscriber[T any] struct {
	shard *Shard
	cb    func(T, error)
}

// Future represents a value or failure that becomes available at most
// once (spec §4.2's "readiness primitive"). The zero value is not usable;
// construct one with NewFuture.
type Future[T any] struct {
	mu   sync.Mutex
	done bool
	val  T
	err  error
	subs []subscriber[T]
}

// Promise is the write side of a Future, held by whoever produces the
// result (a connection's outstanding-call record, a gate's close
// notification, a cross-shard Submit).
type Promise[T any] struct {
	f *Future[T]
}

// NewFuture creates a linked Future/Promise pair.
func NewFuture[T any]() (*Future[T], *Promise[T]) {
	f := &Future[T]{}
	return f, &Promise[T]{f: f}
}

// Resolve completes the future successfully. Resolving an already-settled
// future is a no-op, making double-completion (e.g. a racing timeout and
// reply) safe by construction.
func (p *Promise[T]) Resolve(v T) { p.settle(v, nil) }

// Reject completes the future with a failure.
func (p *Promise[T]) Reject(err error) {
	var zero T
	p.settle(zero, err)
}

func (p *Promise[T]) settle(v T, err error) {
	f := p.f
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done, f.val, f.err = true, v, err
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()
	for _, s := range subs {
		cb, shard := s.cb, s.shard
		if shard == nil {
			// Await's bridge subscriber: run directly, no shard to post to.
			cb(v, err)
			continue
		}
		shard.Spawn(func() { cb(v, err) })
	}
}

// Then registers cb to run on shard once f settles. If f has already
// settled, cb is scheduled immediately (still via shard.Spawn, never
// inline) so callers can rely on "Then never reenters the caller's stack".
func (f *Future[T]) Then(shard *Shard, cb func(T, error)) {
	f.mu.Lock()
	if f.done {
		v, err := f.val, f.err
		f.mu.Unlock()
		shard.Spawn(func() { cb(v, err) })
		return
	}
	f.subs = append(f.subs, subscriber[T]{shard: shard, cb: cb})
	f.mu.Unlock()
}

// Await blocks the calling goroutine until f settles or ctx is cancelled.
// It is the bridge used by code that is not itself a shard task - test
// harnesses, a client's public Call API waiting on its own goroutine, the
// top-level Dial/Serve entry points - to synchronously consume a future
// produced by shard-cooperative code.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	f.mu.Lock()
	if f.done {
		v, err := f.val, f.err
		f.mu.Unlock()
		return v, err
	}
	ch := make(chan struct{})
	f.subs = append(f.subs, subscriber[T]{shard: nil, cb: func(T, error) { close(ch) }})
	f.mu.Unlock()

	select {
	case <-ch:
		f.mu.Lock()
		v, err := f.val, f.err
		f.mu.Unlock()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
