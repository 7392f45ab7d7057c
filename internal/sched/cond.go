package sched

import "sync"

// Cond is the "wait-until-predicate over shared state mutated only on this
// shard; signal/broadcast wake any waiters" primitive from spec §4.2. Unlike
// sync.Cond, Wait never blocks the calling goroutine: it registers a
// continuation that Signal/Broadcast re-checks and, once the predicate
// holds, schedules onto the waiter's own shard via Shard.Spawn - consistent
// with the rule that a shard only ever resumes work through its task queue.
type Cond struct {
	mu      sync.Mutex
	waiters []*condWaiter
}

type condWaiter struct {
	shard     *Shard
	predicate func() bool
	cb        func()
	fired     bool
}

// NewCond creates an unparented Cond. Callers are responsible for only
// mutating the state predicate closes over from the shard(s) that also
// call Signal/Broadcast, per spec §5's shared-resource rule.
func NewCond() *Cond { return &Cond{} }

// Wait registers cb to run on shard as soon as predicate returns true. If
// predicate already holds, cb is scheduled immediately. predicate is
// evaluated synchronously by whichever goroutine calls Wait, Signal, or
// Broadcast, so it must be cheap and side-effect free.
func (c *Cond) Wait(shard *Shard, predicate func() bool, cb func()) {
	if predicate() {
		shard.Spawn(cb)
		return
	}
	c.mu.Lock()
	c.waiters = append(c.waiters, &condWaiter{shard: shard, predicate: predicate, cb: cb})
	c.mu.Unlock()
}

// Signal wakes at most one waiter whose predicate currently holds.
func (c *Cond) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w.predicate() {
			c.removeAndFire(i, w)
			return
		}
	}
}

// Broadcast wakes every waiter whose predicate currently holds.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.predicate() {
			w.shard.Spawn(w.cb)
		} else {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}

// removeAndFire must be called with c.mu held; it removes waiters[i] and
// schedules its continuation.
func (c *Cond) removeAndFire(i int, w *condWaiter) {
	c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
	w.shard.Spawn(w.cb)
}
