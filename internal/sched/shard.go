// Package sched implements the cooperative, single-thread-per-shard task
// scheduler (C2) that the fair queue (internal/fairqueue) and the RPC
// connection engine (internal/rpc) are built on.
//
// A Shard owns exactly one goroutine that drains a task queue to
// completion, in submission order, with no preemption between tasks:
// everything between two suspension points runs atomically with respect to
// that shard's state. Suspension happens only at explicit points - a Future
// callback registered via Then, a Timer firing, a Cond wait being
// satisfied, or a cross-shard Submit completing - mirroring the
// continuation-passing model described in spec.md's Design Notes, but
// expressed as goroutines + channels rather than captured-by-value
// continuations kept alive by a shared pointer.
//
// The run loop itself, and the swap-buffer queue drain, are grounded on
// eventloop's Loop (joeycumines-go-utilpkg/eventloop/loop.go): a mutex
// guarding a task slice, a dedicated wakeup signal, and panic-isolated task
// execution (safeExecute).
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/shardfq/shardfq/internal/obslog"
)

// Task is a unit of work queued on a Shard. It never blocks: anything that
// would block belongs on a goroutine outside the shard, which feeds its
// result back in via Spawn, a Future, or a Timer.
type Task func()

// Shard is a single cooperative execution domain. Create one per logical
// shard (typically one per OS thread you intend to pin work to) and call
// Run in its own goroutine.
type Shard struct {
	id     int
	logger *obslog.Logger

	mu     sync.Mutex
	queue  []Task
	timers timerHeap
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New creates a Shard identified by id. id is opaque to Shard itself; it
// exists so higher layers (fairqueue classes, RPC connection ids) can
// encode "which shard" without a separate side table.
func New(id int, logger *obslog.Logger) *Shard {
	if logger == nil {
		logger = obslog.Disabled()
	}
	return &Shard{
		id:     id,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID returns the shard's opaque identifier.
func (s *Shard) ID() int { return s.id }

// Spawn enqueues fn to run on this shard's goroutine, in FIFO order
// relative to every other Spawn call observed so far. Safe to call from any
// goroutine, including from within a task already running on s.
func (s *Shard) Spawn(fn Task) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	s.signalWake()
}

func (s *Shard) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drains the shard's queue until ctx is cancelled or Stop is called. It
// must be invoked from a single, dedicated goroutine - that goroutine *is*
// the shard, for every cooperative primitive's purposes.
func (s *Shard) Run(ctx context.Context) {
	defer close(s.done)
	for {
		s.mu.Lock()
		stopped := s.closed
		s.mu.Unlock()
		if stopped {
			return
		}
		batch, sleepFor, hasTimer := s.drain()
		for _, t := range batch {
			s.safeExecute(t)
		}
		s.fireDueTimers()

		if len(batch) > 0 {
			// More work may have been queued while we executed; loop
			// immediately instead of sleeping so throughput isn't starved by
			// an unnecessary channel round-trip.
			s.mu.Lock()
			empty := len(s.queue) == 0
			s.mu.Unlock()
			if !empty {
				continue
			}
		}

		if hasTimer {
			timer := time.NewTimer(sleepFor)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.wake:
				timer.Stop()
			case <-timer.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
		}
	}
}

// drain swaps out the pending task queue and reports how long the loop may
// sleep before the next timer is due (if any).
func (s *Shard) drain() (batch []Task, sleepFor time.Duration, hasTimer bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch = s.queue
	s.queue = nil
	if len(s.timers) > 0 {
		hasTimer = true
		sleepFor = time.Until(s.timers[0].when)
		if sleepFor < 0 {
			sleepFor = 0
		}
	}
	return
}

// Stop requests the shard's Run loop to exit and rejects further Spawn
// calls. It does not wait for Run to return; use Done for that.
func (s *Shard) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signalWake()
}

// Done returns a channel closed once Run has returned.
func (s *Shard) Done() <-chan struct{} { return s.done }

// safeExecute runs a task with panic recovery, the way eventloop's
// safeExecute keeps one bad task from taking down the whole loop.
func (s *Shard) safeExecute(t Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Err().Any("panic", r).Int("shard", s.id).Log("sched: task panicked")
		}
	}()
	t()
}
