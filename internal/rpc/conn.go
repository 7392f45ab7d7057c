// Package rpc implements the binary RPC connection engine (C5): feature
// negotiation, a send loop and receive loop per connection built on
// internal/sched, outstanding-call bookkeeping with per-call timeouts and
// cancellation, and stream-child multiplexing across shards.
//
// Every Conn is owned by exactly one internal/sched.Shard - every map it
// touches is mutated only by tasks on that shard, following the same
// single-writer discipline internal/fairqueue uses, while its send loop
// and receive loop run on dedicated goroutines that hand their results
// back to the shard (see Start). This is the re-architected form of
// spec.md's continuation-chained connection object (§9): rather than a
// shared pointer kept alive by a trailing continuation, the outer
// Serve/Dial caller holds a *Conn handle whose loops are released only
// once both have observed termination (tracked here by loopsDone, a
// counter of the two loops that have finished).
package rpc

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/shardfq/shardfq/internal/buf"
	"github.com/shardfq/shardfq/internal/obslog"
	"github.com/shardfq/shardfq/internal/sched"
	"github.com/shardfq/shardfq/internal/wire"
)

// State is a Conn's lifecycle stage (spec §3, Connection).
type State int

const (
	StateConnecting State = iota
	StateNegotiating
	StateReady
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// negotiated holds the feature set in effect for this Conn after
// negotiation completes (spec §4.5.1).
type negotiated struct {
	compress      bool
	timeout       bool
	connID        ConnID
	hasConnID     bool
	streamParent  ConnID
	isStreamChild bool
	isolation     string
}

// outboundEntry is one item in the send loop's FIFO: either a request (if
// kind is KindRequest), a response, or a stream payload. payload is
// written chunk-at-a-time via wire.WriteBody, never copied into a
// contiguous slice, honoring buf.Buffer's "ownership transfers to
// whoever writes it" contract (spec §3).
type outboundEntry struct {
	kind     wire.Kind
	request  wire.RequestHeader
	response wire.ResponseHeader
	stream   wire.StreamHeader
	payload  *buf.Buffer
}

// Conn is a single negotiated connection: a client connection with
// outstanding calls, or a server-accepted connection dispatching to verb
// handlers, or a stream child multiplexed under a parent. Every method
// must be called from a task running on the owning shard, unless
// documented otherwise (Call and a handful of setup functions bridge in
// from outside via shard.Spawn/Registry.Submit themselves).
type Conn struct {
	shard  *sched.Shard
	rw     io.ReadWriteCloser
	logger *obslog.Logger

	state State
	feat  negotiated

	compressW *wire.CompressWriter
	compressR *wire.CompressReader

	outbound *sched.Queue[outboundEntry]

	// client side
	nextMsgID   int64
	outstanding map[int64]*outstandingCall

	// server side
	replyGate *sched.Gate
	server    *Server

	// parent side: children keyed by the 128-bit id this parent assigned
	children map[ConnID]*streamChild
	// child side: non-nil when this Conn is itself a stream child
	asChild *streamChild

	// OnStream, if set, is invoked on this connection's owning shard
	// whenever a new stream child attaches to it (spec §4.5.5). Set it
	// before Start to avoid missing an attach that races construction.
	OnStream func(*Stream)

	sentMessages int64
	timeoutCount int64

	loopsDone int32 // counts up to 2 (send loop, receive loop)
	closedCh  chan struct{}
}

// NewConn wraps rw as a not-yet-negotiated connection owned by shard.
func NewConn(shard *sched.Shard, rw io.ReadWriteCloser, logger *obslog.Logger) *Conn {
	if logger == nil {
		logger = obslog.Disabled()
	}
	return &Conn{
		shard:       shard,
		rw:          rw,
		logger:      logger,
		state:       StateConnecting,
		outbound:    sched.NewQueue[outboundEntry](256),
		outstanding: make(map[int64]*outstandingCall),
		children:    make(map[ConnID]*streamChild),
		closedCh:    make(chan struct{}),
	}
}

// State returns the connection's current lifecycle state. Safe to call
// from any goroutine (reads are racy-but-benign on an int; callers that
// need a synchronized view should submit a task to the owning shard).
func (c *Conn) State() State { return c.state }

// Counters returns the connection's sent-message and timeout counts
// (spec §7: "increments a per-connection timeout counter").
func (c *Conn) Counters() (sent, timeouts int64) {
	return atomic.LoadInt64(&c.sentMessages), atomic.LoadInt64(&c.timeoutCount)
}

// ConnID returns the CONNECTION_ID the server assigned this connection
// during negotiation, if any (spec §4.5.1, §4.5.5: a sibling connection
// addresses this one as a stream parent by this id). The second return
// is false if the server never assigned one.
func (c *Conn) ConnID() (ConnID, bool) {
	return c.feat.connID, c.feat.hasConnID
}

// finalize records the negotiated feature set and, if COMPRESS is in
// effect, wraps the connection's reader/writer side so sendLoop/recvLoop
// never need to branch on compression themselves. Called once, before
// Start, from whichever goroutine ran negotiation.
func (c *Conn) finalize(n negotiated) {
	c.feat = n
	c.state = StateReady
	if n.compress {
		c.compressW = wire.NewCompressWriter(c.rw)
		c.compressR = wire.NewCompressReader(c.rw)
	}
}

// Start launches the send loop and receive loop, each on its own
// dedicated goroutine, after negotiation has completed (see
// NegotiateClient/NegotiateServer) or as part of accepting a stream
// child. It must be called exactly once.
//
// The loops themselves are not shard Tasks: spec §5's "suspension points
// are exclusively at socket reads/writes/flushes" means a blocking read
// or write logically suspends the owning connection's work without
// blocking the rest of the shard, which in Go terms means the blocking
// syscall happens on its own goroutine. Everything the loops learn from
// the network - a decoded frame, a completed write, a socket error - is
// handed back to the owning shard via Shard.Spawn before it touches any
// shared Conn state (the outstanding-call map, the children map), except
// that a stream child's frames are delivered from the receive goroutine
// itself (see recvLoop), the same bridge pattern
// internal/sched.Future and internal/sched.Timer use to fold external
// events into the cooperative model.
func (c *Conn) Start() {
	go c.sendLoop()
	go c.recvLoop()
}

// Abort closes the underlying connection (both directions) and flips the
// connection into the error state, per spec §4.5.6. It is idempotent and safe from any goroutine;
// the actual state mutation happens on the owning shard.
func (c *Conn) Abort(cause error) {
	c.shard.Spawn(func() { c.abortOnShard(cause) })
}

func (c *Conn) abortOnShard(cause error) {
	if c.state == StateError || c.state == StateClosed {
		return
	}
	c.state = StateError
	c.rw.Close()
	c.outbound.Abort(wrapFailure(KindClosed, cause))
	c.failAllOutstanding(wrapFailure(KindClosed, cause))
	if c.server != nil {
		c.replyGate.Close()
	}
	if c.asChild != nil {
		c.asChild.abort()
	}
	for _, child := range c.children {
		child.abort()
		child.conn.Abort(cause)
	}
}

// Stop aborts the connection and waits for both loops to finish and (on
// the server side) for the reply gate to drain, per spec §4.5.6.
func (c *Conn) Stop() {
	c.Abort(nil)
	<-c.closedCh
	if c.replyGate != nil {
		c.replyGate.Close().Await(context.Background())
	}
}

func (c *Conn) failAllOutstanding(f *Failure) {
	for id, oc := range c.outstanding {
		delete(c.outstanding, id)
		oc.fail(f)
	}
}

// loopFinished must be called by sendLoop/recvLoop exactly once each, on
// the owning shard, when they return. Once both have reported in, the
// connection is fully quiesced: closedCh unblocks Stop, and the
// underlying socket is guaranteed to have no further readers/writers.
func (c *Conn) loopFinished() {
	if atomic.AddInt32(&c.loopsDone, 1) == 2 {
		c.state = StateClosed
		if c.asChild != nil {
			c.asChild.deregister()
		}
		close(c.closedCh)
	}
}

// WriteStream pushes one stream-frame payload onto this connection's
// outbound FIFO (spec §4.5.5). Meaningful only on the dial side of a
// connection that negotiated STREAM_PARENT as its own role.
func (c *Conn) WriteStream(payload *buf.Buffer) error {
	if !c.feat.isStreamChild {
		return newFailure(KindProtocol, "not a stream child connection")
	}
	entry := outboundEntry{kind: wire.KindStream, stream: wire.StreamHeader{Length: uint32(payload.Len())}, payload: payload}
	if !c.outbound.TryPush(entry) {
		return newFailure(KindClosed, "outbound queue full")
	}
	return nil
}

// CloseStream pushes the sticky end-of-stream sentinel frame (spec §4.4,
// §8 scenario 8).
func (c *Conn) CloseStream() error {
	if !c.feat.isStreamChild {
		return newFailure(KindProtocol, "not a stream child connection")
	}
	entry := outboundEntry{kind: wire.KindStream, stream: wire.StreamHeader{Length: wire.StreamEndOfStream}}
	if !c.outbound.TryPush(entry) {
		return newFailure(KindClosed, "outbound queue full")
	}
	return nil
}
