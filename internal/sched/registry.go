package sched

import "context"

// Registry is the per-process "streaming_domain -> shard" style lookup
// spec §9 calls for replacing a global mutable map with: a table the
// process builds once at startup, used both for C2's cross-shard submit
// and for C5's STREAM_PARENT resolution (looking up the parent connection
// on its own shard without any shard reading another shard's memory
// directly).
type Registry struct {
	shards []*Shard
}

// NewRegistry wraps a fixed slice of shards, indexed by Shard.ID(). Callers
// typically build this once at startup, with one Shard per intended OS
// thread.
func NewRegistry(shards []*Shard) *Registry {
	return &Registry{shards: append([]*Shard(nil), shards...)}
}

// Shard returns the shard registered at index i, or nil if out of range.
func (r *Registry) Shard(i int) *Shard {
	if i < 0 || i >= len(r.shards) {
		return nil
	}
	return r.shards[i]
}

// Len returns the number of shards in the registry.
func (r *Registry) Len() int { return len(r.shards) }

// Submit schedules fn to run on the shard at index target and returns a
// Future completing with its result. Per spec §4.2, ordering between
// submissions issued from the same source shard to the same target is
// preserved in submit order - guaranteed here because Submit does nothing
// more than an ordinary Shard.Spawn, and Spawn always appends to the
// target's FIFO task queue.
func (r *Registry) Submit(target int, fn func() (any, error)) *Future[any] {
	f, p := NewFuture[any]()
	shard := r.Shard(target)
	if shard == nil {
		p.Reject(ErrNoSuchShard)
		return f
	}
	shard.Spawn(func() {
		v, err := fn()
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(v)
	})
	return f
}

// SubmitAwait is a convenience wrapper that blocks the calling goroutine
// (not a shard task - see Future.Await) for callers outside any shard, such
// as an accept loop deciding which shard owns a newly dialed stream
// parent.
func (r *Registry) SubmitAwait(ctx context.Context, target int, fn func() (any, error)) (any, error) {
	return r.Submit(target, fn).Await(ctx)
}
