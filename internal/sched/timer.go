package sched

import (
	"container/heap"
	"time"
)

// Timer is a cancellable handle returned by Shard.AfterFunc. Fires exactly
// once unless Cancel beats it to the punch; both outcomes are idempotent.
type Timer struct {
	shard     *Shard
	when      time.Time
	fn        Task
	index     int // heap index, maintained by container/heap
	cancelled bool
}

// timerHeap is a min-heap ordered by when, the same shape as eventloop's
// timerHeap (joeycumines-go-utilpkg/eventloop/loop.go), adapted to carry a
// *Timer (for O(log n) cancellation via heap.Fix/heap.Remove) rather than a
// bare struct.
type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { t := x.(*Timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// AfterFunc schedules fn to run on s after d elapses. fn runs as an
// ordinary task: it observes shard state exactly as any other Spawned task
// would, with no special synchronization needed.
//
// The timer heap, like the task queue, is mutex-protected rather than
// itself cooperative: Shard.mu is the single point of serialization for
// "getting work onto the shard" from any goroutine, while everything that
// comes *off* the heap or queue only ever runs on the shard's own
// goroutine. AfterFunc and Cancel mutate the heap directly under that lock
// instead of round-tripping through Spawn, because Cancel must be callable
// synchronously from within a task running on this very shard (the
// application-supplied cancellation token case, spec §4.5.4) without
// deadlocking on its own completion.
func (s *Shard) AfterFunc(d time.Duration, fn Task) *Timer {
	t := &Timer{shard: s, when: time.Now().Add(d), fn: fn}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.cancelled = true
		return t
	}
	heap.Push(&s.timers, t)
	s.mu.Unlock()
	s.signalWake()
	return t
}

// Cancel removes the timer before it fires. Returns true if this call is
// the one that prevented the timer from firing; false if it had already
// fired or was already cancelled. Safe to call from any goroutine,
// including synchronously from within a task running on the timer's own
// shard.
func (t *Timer) Cancel() bool {
	t.shard.mu.Lock()
	defer t.shard.mu.Unlock()
	if t.cancelled || t.index < 0 {
		return false
	}
	t.cancelled = true
	heap.Remove(&t.shard.timers, t.index)
	return true
}

// fireDueTimers pops and runs every timer whose deadline has passed. Called
// once per Run loop iteration, after draining the task queue, so a timer
// callback sees the same "runs like any other task" semantics.
func (s *Shard) fireDueTimers() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.timers) == 0 || s.timers[0].when.After(now) {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.timers).(*Timer)
		t.cancelled = true // already fired; Cancel becomes a no-op
		s.mu.Unlock()
		s.safeExecute(t.fn)
	}
}
