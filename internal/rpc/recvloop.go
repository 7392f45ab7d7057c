package rpc

import (
	"net"

	"github.com/shardfq/shardfq/internal/buf"
	"github.com/shardfq/shardfq/internal/wire"
)

// recvLoop is the single per-connection read task from spec §4.5.3. It
// runs on its own goroutine (see Start's doc comment): the blocking read
// of each frame happens here, while everything it decodes is handed back
// to the owning shard via Shard.Spawn before touching shared state.
func (c *Conn) recvLoop() {
	defer func() { c.shard.Spawn(c.loopFinished) }()
	for {
		frame, err := c.readFrame()
		if err != nil {
			// Protocol violations are logged at the peer's address (spec
			// §7), which is only meaningful when the underlying rw is an
			// actual net.Conn - never the case in tests built on in-memory
			// pipes.
			ev := c.logger.Err().Err(err).Int("shard", c.shard.ID())
			if nc, ok := c.rw.(net.Conn); ok {
				ev = ev.Str("peer", nc.RemoteAddr().String())
			}
			ev.Log("rpc: receive loop read failed")
			c.Abort(err)
			return
		}
		if c.feat.isStreamChild {
			// Deliberately NOT wrapped in Shard.Spawn: handleStreamFrame
			// blocks on a memory semaphore for backpressure (spec §5), and
			// that must happen on this dedicated recvLoop goroutine, not
			// the owning shard's single cooperative goroutine.
			c.handleStreamFrame(frame)
		} else if c.server != nil {
			c.shard.Spawn(func() { c.handleServerFrame(frame) })
		} else {
			c.shard.Spawn(func() { c.handleClientFrame(frame) })
		}
	}
}

// decodedFrame is the result of reading one frame off the wire, in
// whichever of the three shapes this connection currently expects
// (request, response, or stream) - the server/client/child split in
// handleServerFrame/handleClientFrame/handleStreamFrame determines which
// field is populated.
type decodedFrame struct {
	kind     wire.Kind
	request  wire.RequestHeader
	response wire.ResponseHeader
	stream   wire.StreamHeader
	payload  *buf.Buffer
}

// readFrame decodes exactly one frame, transparently decompressing first
// if COMPRESS is in effect. Which frame kind to expect is determined by
// the connection's role: server connections (and stream children) read
// a fixed kind; ordinary client connections always read responses.
func (c *Conn) readFrame() (decodedFrame, error) {
	kind := wire.KindResponse
	switch {
	case c.feat.isStreamChild:
		kind = wire.KindStream
	case c.server != nil:
		kind = wire.KindRequest
	}

	if c.compressR != nil {
		raw, err := c.compressR.ReadFrame()
		if err != nil {
			return decodedFrame{}, err
		}
		return decodeFrameBytes(kind, raw, c.feat.timeout)
	}
	return c.decodeFrameFromWire(kind)
}

func (c *Conn) decodeFrameFromWire(kind wire.Kind) (decodedFrame, error) {
	switch kind {
	case wire.KindRequest:
		hdr, err := wire.DecodeRequestHeader(c.rw, c.feat.timeout)
		if err != nil {
			return decodedFrame{}, err
		}
		body, err := wire.ReadBody(c.rw, hdr.PayloadLen)
		if err != nil {
			return decodedFrame{}, err
		}
		return decodedFrame{kind: kind, request: hdr, payload: body}, nil
	case wire.KindResponse:
		hdr, err := wire.DecodeResponseHeader(c.rw)
		if err != nil {
			return decodedFrame{}, err
		}
		body, err := wire.ReadBody(c.rw, hdr.PayloadLen)
		if err != nil {
			return decodedFrame{}, err
		}
		return decodedFrame{kind: kind, response: hdr, payload: body}, nil
	default: // wire.KindStream
		hdr, err := wire.DecodeStreamHeader(c.rw)
		if err != nil {
			return decodedFrame{}, err
		}
		if hdr.EndOfStream() {
			return decodedFrame{kind: wire.KindStream, stream: hdr}, nil
		}
		body, err := wire.ReadBody(c.rw, hdr.Length)
		if err != nil {
			return decodedFrame{}, err
		}
		return decodedFrame{kind: wire.KindStream, stream: hdr, payload: body}, nil
	}
}

// decodeFrameBytes parses a fully-buffered, already-decompressed frame -
// the compressed-path counterpart of decodeFrameFromWire, reusing the
// exact same header decoders against an in-memory reader (spec §4.4:
// "decompressed bytes are then re-parsed using the same frame decoder").
func decodeFrameBytes(kind wire.Kind, raw []byte, timeoutNegotiated bool) (decodedFrame, error) {
	r := byteReader{raw}
	switch kind {
	case wire.KindRequest:
		hdr, err := wire.DecodeRequestHeader(&r, timeoutNegotiated)
		if err != nil {
			return decodedFrame{}, err
		}
		body, err := wire.ReadBody(&r, hdr.PayloadLen)
		if err != nil {
			return decodedFrame{}, err
		}
		return decodedFrame{kind: kind, request: hdr, payload: body}, nil
	case wire.KindResponse:
		hdr, err := wire.DecodeResponseHeader(&r)
		if err != nil {
			return decodedFrame{}, err
		}
		body, err := wire.ReadBody(&r, hdr.PayloadLen)
		if err != nil {
			return decodedFrame{}, err
		}
		return decodedFrame{kind: kind, response: hdr, payload: body}, nil
	default:
		hdr, err := wire.DecodeStreamHeader(&r)
		if err != nil {
			return decodedFrame{}, err
		}
		if hdr.EndOfStream() {
			return decodedFrame{kind: wire.KindStream, stream: hdr}, nil
		}
		body, err := wire.ReadBody(&r, hdr.Length)
		if err != nil {
			return decodedFrame{}, err
		}
		return decodedFrame{kind: wire.KindStream, stream: hdr, payload: body}, nil
	}
}

// byteReader is a minimal io.Reader over an in-memory slice, used only to
// let decodeFrameBytes reuse the header decoders' io.Reader-based API
// against an already fully-received decompressed block.
type byteReader struct{ b []byte }

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, errShortBuffer
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

var errShortBuffer = wire.ErrShortRead

// handleClientFrame dispatches a decoded response frame to its waiter,
// per spec §4.5.3. A negative message-id (exception reply) is negated
// back to the original id before the outstanding-call lookup.
func (c *Conn) handleClientFrame(f decodedFrame) {
	msgID := f.response.MessageID
	if f.response.IsException() {
		msgID = -msgID
	}
	oc, ok := c.outstanding[msgID]
	if !ok {
		if f.response.IsException() {
			// "logged and discarded - this happens legitimately when a
			// timeout has already retired the record" (spec §4.5.3).
			c.logger.Info().Int64("message_id", msgID).Log("rpc: unmatched exception reply discarded")
		}
		return
	}
	delete(c.outstanding, msgID)
	if f.response.IsException() {
		oc.fail(decodeException(f.payload))
		return
	}
	oc.succeed(f.payload)
}

// handleServerFrame dispatches a decoded request frame to its verb
// handler, per spec §4.5.3.
func (c *Conn) handleServerFrame(f decodedFrame) {
	if err := c.replyGate.Enter(); err != nil {
		return
	}
	c.server.dispatch(c, f.request, f.payload)
}

// handleStreamFrame delivers a decoded stream payload (or the
// end-of-stream sentinel) to this connection's streamChild, per spec
// §4.5.5 and §8 scenario 8's sticky end-of-stream behavior.
func (c *Conn) handleStreamFrame(f decodedFrame) {
	if c.asChild == nil {
		return
	}
	if f.stream.EndOfStream() {
		c.asChild.deliverEnd()
		return
	}
	c.asChild.deliver(f.payload)
}
