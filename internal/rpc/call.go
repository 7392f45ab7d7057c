package rpc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shardfq/shardfq/internal/buf"
	"github.com/shardfq/shardfq/internal/sched"
	"github.com/shardfq/shardfq/internal/wire"
)

// outstandingCall is the record kept by a client connection, keyed by
// message-id, until exactly one of {reply received, deadline fires,
// cancellation, connection aborted} completes it (spec §3).
type outstandingCall struct {
	promise *sched.Promise[*buf.Buffer]
	verb    uint64
	done    bool
}

func (oc *outstandingCall) fail(f *Failure) {
	if oc.done {
		return
	}
	oc.done = true
	oc.promise.Reject(f)
}

func (oc *outstandingCall) succeed(b *buf.Buffer) {
	if oc.done {
		return
	}
	oc.done = true
	oc.promise.Resolve(b)
}

// Call issues a verb request and returns the reply payload or a
// *Failure. ctx governs both the per-call deadline and cancellation
// (spec §4.5.4): its Done channel, however it fires, removes the call
// from the outstanding-calls map and completes the caller's future
// exactly once - idempotent against a reply that arrives in the same
// instant, since outstandingCall.fail/succeed both check oc.done under
// the owning shard's single-writer guarantee. A request still waiting in
// the outbound FIFO is not removed from it: the send loop still writes
// it, and any reply to it is then dropped as unmatched.
//
// payload is consumed by Call: ownership transfers to the send loop,
// matching spec §3's "requests... transfer to the application when
// dispatched" handoff shape applied to the wire layer instead of the
// fair queue.
func (c *Conn) Call(ctx context.Context, verb uint64, payload *buf.Buffer) (*buf.Buffer, error) {
	future, promise := sched.NewFuture[*buf.Buffer]()
	oc := &outstandingCall{promise: promise, verb: verb}

	var relTimeoutMS int64
	hasDeadline := false
	if dl, ok := ctx.Deadline(); ok {
		hasDeadline = true
		if ms := dl.Sub(time.Now()).Milliseconds(); ms > 0 {
			relTimeoutMS = ms
		}
	}

	errCh := make(chan error, 1)
	c.shard.Spawn(func() {
		if c.state == StateError || c.state == StateClosed {
			errCh <- wrapFailure(KindClosed, nil)
			return
		}
		c.nextMsgID++
		msgID := c.nextMsgID
		c.outstanding[msgID] = oc

		hdr := wire.RequestHeader{Verb: verb, MessageID: msgID, PayloadLen: uint32(payload.Len())}
		if c.feat.timeout && hasDeadline {
			hdr.HasTimeout = true
			hdr.RelativeTimeoutMS = relTimeoutMS
		}
		entry := outboundEntry{kind: wire.KindRequest, request: hdr, payload: payload}
		if !c.outbound.TryPush(entry) {
			delete(c.outstanding, msgID)
			errCh <- newFailure(KindClosed, "outbound queue full")
			return
		}
		errCh <- nil

		go func() {
			select {
			case <-ctx.Done():
				kind := KindCancelled
				if ctx.Err() == context.DeadlineExceeded {
					kind = KindTimeout
				}
				c.shard.Spawn(func() {
					if existing, ok := c.outstanding[msgID]; ok && existing == oc {
						delete(c.outstanding, msgID)
						if kind == KindTimeout {
							atomic.AddInt64(&c.timeoutCount, 1)
						}
						oc.fail(newFailure(kind, ctx.Err().Error()))
					}
				})
			case <-c.closedCh:
			}
		}()
	})

	if err := <-errCh; err != nil {
		return nil, err
	}
	// Await on context.Background(), not ctx: the goroutine started above
	// already races ctx.Done() against a reply and rejects the promise
	// with a discriminable *Failure (KindTimeout/KindCancelled) the
	// instant ctx fires. Awaiting on ctx itself would let Future.Await's
	// own ctx.Done() case win that same race and return bare ctx.Err()
	// instead, losing the Kind spec §7 requires callers to branch on.
	// Every path that can settle the promise (reply, ctx firing,
	// connection abort) is reachable without ctx remaining live here.
	return future.Await(context.Background())
}
