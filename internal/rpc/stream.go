package rpc

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/shardfq/shardfq/internal/buf"
	"github.com/shardfq/shardfq/internal/sched"
	"golang.org/x/sync/semaphore"
)

// DefaultStreamMemoryLimit bounds the bytes a single stream child may have
// queued but not yet consumed, per spec §4.5.5 and §5's "global-per-
// connection semaphore bounds bytes-in-flight on the stream-receive path
// to prevent a noisy child from monopolizing memory."
const DefaultStreamMemoryLimit = 4 << 20

// ErrUnknownConnID is returned when a STREAM_PARENT value does not name a
// connection the addressed server currently recognizes.
var ErrUnknownConnID = errors.New("rpc: unknown parent connection id")

// streamChild is the subordinate side of a parent/child stream pairing
// (spec §3 "Stream child", §4.5.5). It is not itself exposed to request/
// response matching: its connection's frames are flagged "stream" and
// flow instead into a bounded, memory-accounted queue the application
// drains with Recv.
type streamChild struct {
	id     ConnID
	conn   *Conn // the child's own connection (owns the socket, recv/send loops)
	parent *Conn // the parent this child is registered under

	queue *sched.Queue[*buf.Buffer]
	mem   *semaphore.Weighted

	ended int32 // set once the end-of-stream sentinel has been observed
}

// newStreamChild wires a freshly accepted child connection to its parent.
// memLimit bounds the bytes this child may have queued awaiting Recv; a
// non-positive value falls back to DefaultStreamMemoryLimit.
func newStreamChild(id ConnID, child, parent *Conn, memLimit int64) *streamChild {
	if memLimit <= 0 {
		memLimit = DefaultStreamMemoryLimit
	}
	sc := &streamChild{
		id:     id,
		conn:   child,
		parent: parent,
		queue:  sched.NewQueue[*buf.Buffer](1024),
		mem:    semaphore.NewWeighted(memLimit),
	}
	child.asChild = sc
	return sc
}

// ID returns the 128-bit id this child is registered under in its
// parent's children table.
func (sc *streamChild) ID() ConnID { return sc.id }

// deliver is called directly from the child connection's recvLoop
// goroutine (never wrapped in Shard.Spawn) for every non-sentinel stream
// frame. Acquiring memory here - on recvLoop's own dedicated goroutine,
// never the shard's - blocks that goroutine exactly the way a slow
// consumer blocks any other backpressured read loop in this codebase
// (spec §5: semaphore operations are a legitimate suspension point),
// without stalling the owning shard's other work.
//
// payload was decoded on the child connection's own shard (sc.conn.shard),
// but the parent consuming it via Stream.Recv may run on a different
// shard entirely (attachChild resolves parents across shards by
// CONNECTION_ID). WithReleaser/Share hand the consumer a recipient-local
// buffer whose eventual Release posts the memory release back onto the
// origin shard instead of touching sc.mem from whatever goroutine the
// consumer happens to call Recv on (spec §4.1, §9's "remote handle").
func (sc *streamChild) deliver(payload *buf.Buffer) {
	n := int64(payload.Len())
	if err := sc.mem.Acquire(context.Background(), n); err != nil {
		return
	}
	origin := sc.conn.shard
	payload.WithReleaser(func() {
		origin.Spawn(func() { sc.mem.Release(n) })
	})
	shared := payload.Share()
	payload.Release()
	if err := sc.queue.PushEventually(context.Background(), shared); err != nil {
		shared.Release()
	}
}

// deliverEnd pushes the sticky end-of-stream sentinel (spec §8 scenario
// 8). Safe to call more than once; only the first call has any effect.
func (sc *streamChild) deliverEnd() {
	if !atomic.CompareAndSwapInt32(&sc.ended, 0, 1) {
		return
	}
	sc.queue.PushEventually(context.Background(), nil)
}

// Recv returns the next queued payload, or io.EOF once the end-of-stream
// marker has been observed. Per spec §8 scenario 8, Recv stays sticky:
// once end-of-stream has been seen, every subsequent call keeps returning
// it rather than blocking on a now-permanently-empty queue.
func (sc *streamChild) Recv(ctx context.Context) (*buf.Buffer, error) {
	v, err := sc.queue.Pop(ctx)
	if err != nil {
		return nil, wrapFailure(KindStreamClosed, err)
	}
	if v == nil {
		// Re-push the marker on every observation so the *next* Recv also
		// observes end-of-stream without blocking.
		sc.queue.TryPush(nil)
		return nil, io.EOF
	}
	v.Release()
	return v, nil
}

// abort fails the child's queue so any blocked Recv wakes with a
// stream-closed failure (spec §7: "the bounded stream queue is aborted
// with a stream-closed error on connection teardown").
func (sc *streamChild) abort() {
	sc.queue.Abort(ErrStreamClosed)
}

// Stream is the public handle an application holds for a stream child
// once it has attached to a parent connection (spec §3 "Stream child").
// It deliberately exposes only Recv/ID, not the parent/queue internals.
type Stream struct{ sc *streamChild }

// ID returns the 128-bit id this stream is registered under.
func (s *Stream) ID() ConnID { return s.sc.id }

// Recv returns the next payload written by the child, or io.EOF once
// end-of-stream has been observed (spec §4.5.5, §8 scenario 8).
func (s *Stream) Recv(ctx context.Context) (*buf.Buffer, error) {
	return s.sc.Recv(ctx)
}

// deregister removes this child from its parent's children table, per
// spec §4.5.5's "on child termination the child deregisters from the
// parent." The removal always happens via Shard.Spawn onto the parent's
// own shard - the same cross-shard submission primitive used throughout
// this package - regardless of whether the parent happens to live on the
// same OS thread as the child.
func (sc *streamChild) deregister() {
	parent := sc.parent
	id := sc.id
	parent.shard.Spawn(func() {
		delete(parent.children, id)
	})
}
