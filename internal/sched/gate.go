package sched

import (
	"errors"
	"sync"
)

// ErrGateClosed is returned by Enter once Close has been called.
var ErrGateClosed = errors.New("sched: gate closed")

// Gate implements the "enter/leave, close disallows further enters and
// completes when the counter drops to zero" primitive from spec §4.2. It
// guards a server connection's in-flight reply count (spec §3, Connection)
// so shutdown (Conn.Stop) can wait for every handler invocation to
// finish replying.
type Gate struct {
	mu      sync.Mutex
	count   int
	closed  bool
	closeF  *Future[struct{}]
	closeP  *Promise[struct{}]
	closing bool
}

// NewGate creates an open gate with no entrants.
func NewGate() *Gate {
	g := &Gate{}
	g.closeF, g.closeP = NewFuture[struct{}]()
	return g
}

// Enter registers one entrant, or fails with ErrGateClosed if Close has
// already been called.
func (g *Gate) Enter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGateClosed
	}
	g.count++
	return nil
}

// Leave deregisters one entrant previously registered with Enter. Calling
// Leave without a matching successful Enter is a programming error.
func (g *Gate) Leave() {
	g.mu.Lock()
	g.count--
	settle := g.closing && g.count == 0
	g.mu.Unlock()
	if settle {
		g.closeP.Resolve(struct{}{})
	}
}

// Close disallows further Enter calls and returns a Future that resolves
// once every already-registered entrant has called Leave.
func (g *Gate) Close() *Future[struct{}] {
	g.mu.Lock()
	already := g.closing
	g.closed = true
	g.closing = true
	settleNow := g.count == 0
	g.mu.Unlock()
	if settleNow && !already {
		g.closeP.Resolve(struct{}{})
	}
	return g.closeF
}
