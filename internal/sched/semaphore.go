package sched

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

// ErrSemaphoreBroken is delivered to every pending and future Acquire call
// once Break has been invoked (spec §4.2: "broken wakes all waiters with a
// terminal failure").
var ErrSemaphoreBroken = errors.New("sched: semaphore broken")

// Semaphore is a counting semaphore over an abstract "units" resource
// (spec §4.2). It is hand-rolled rather than built on
// golang.org/x/sync/semaphore.Weighted because Weighted has no notion of
// being permanently broken - a connection abort or fair-queue teardown
// needs to wake every blocked Acquire with a terminal error, not merely
// cancel one caller's context. See internal/rpc's stream receive-path
// memory accounting for the plain (unbreakable) case, which does use
// golang.org/x/sync/semaphore directly.
type Semaphore struct {
	mu      sync.Mutex
	avail   int64
	waiters list.List // of *semWaiter
	broken  error
}

type semWaiter struct {
	n  int64
	ch chan error
}

// NewSemaphore creates a Semaphore with units available units.
func NewSemaphore(units int64) *Semaphore {
	return &Semaphore{avail: units}
}

// Acquire blocks until n units are available, ctx is cancelled, or the
// semaphore is broken.
func (s *Semaphore) Acquire(ctx context.Context, n int64) error {
	s.mu.Lock()
	if s.broken != nil {
		err := s.broken
		s.mu.Unlock()
		return err
	}
	if s.waiters.Len() == 0 && s.avail >= n {
		s.avail -= n
		s.mu.Unlock()
		return nil
	}
	w := &semWaiter{n: n, ch: make(chan error, 1)}
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case err := <-w.ch:
			// Acquire() raced with ctx cancellation; honor the grant/break
			// that already happened rather than silently dropping units.
			s.mu.Unlock()
			return err
		default:
			s.waiters.Remove(elem)
			s.mu.Unlock()
			return ctx.Err()
		}
	}
}

// TryAcquire acquires n units without blocking, returning false if they're
// not immediately available (or the semaphore is broken).
func (s *Semaphore) TryAcquire(n int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken != nil || s.waiters.Len() > 0 || s.avail < n {
		return false
	}
	s.avail -= n
	return true
}

// Release returns n units, waking as many queued waiters as can now be
// satisfied, in FIFO order.
func (s *Semaphore) Release(n int64) {
	s.mu.Lock()
	if s.broken != nil {
		s.mu.Unlock()
		return
	}
	s.avail += n
	var woken []*semWaiter
	for e := s.waiters.Front(); e != nil; {
		w := e.Value.(*semWaiter)
		if w.n > s.avail {
			break
		}
		s.avail -= w.n
		woken = append(woken, w)
		next := e.Next()
		s.waiters.Remove(e)
		e = next
	}
	s.mu.Unlock()
	for _, w := range woken {
		w.ch <- nil
	}
}

// Break permanently fails the semaphore: every pending Acquire, and every
// future one, receives ErrSemaphoreBroken (or err, if non-nil).
func (s *Semaphore) Break(err error) {
	if err == nil {
		err = ErrSemaphoreBroken
	}
	s.mu.Lock()
	if s.broken != nil {
		s.mu.Unlock()
		return
	}
	s.broken = err
	var waiters []*semWaiter
	for e := s.waiters.Front(); e != nil; e = e.Next() {
		waiters = append(waiters, e.Value.(*semWaiter))
	}
	s.waiters.Init()
	s.mu.Unlock()
	for _, w := range waiters {
		w.ch <- err
	}
}
