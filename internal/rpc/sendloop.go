package rpc

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/shardfq/shardfq/internal/wire"
)

// sendLoop is the single task per connection described in spec §4.5.2: it
// wakes whenever the outbound FIFO is non-empty, takes the head entry,
// converts it to its final on-wire form (compressing if COMPRESS is in
// effect), writes it, flushes, and increments sent_messages. On any
// error the loop marks the connection errored and exits.
//
// It runs on its own goroutine rather than as a Shard task - see the
// Start doc comment - so the blocking write below never stalls the
// owning shard's other work.
func (c *Conn) sendLoop() {
	defer func() { c.shard.Spawn(c.loopFinished) }()
	for {
		entry, err := c.outbound.Pop(context.Background())
		if err != nil {
			return
		}
		if err := c.writeEntry(entry); err != nil {
			c.logger.Err().Err(err).Int("shard", c.shard.ID()).Log("rpc: send loop write failed")
			c.Abort(err)
			return
		}
		atomic.AddInt64(&c.sentMessages, 1)
	}
}

// writeEntry serializes one outboundEntry to the wire, per spec §4.4.
func (c *Conn) writeEntry(e outboundEntry) error {
	if c.compressW != nil {
		raw, err := encodeEntryBytes(e)
		if err != nil {
			return err
		}
		return c.compressW.WriteFrame(raw)
	}

	var hdrErr error
	switch e.kind {
	case wire.KindRequest:
		hdrErr = wire.EncodeRequestHeader(c.rw, e.request)
	case wire.KindResponse:
		hdrErr = wire.EncodeResponseHeader(c.rw, e.response)
	case wire.KindStream:
		hdrErr = wire.EncodeStreamHeader(c.rw, e.stream)
	}
	if hdrErr != nil {
		return hdrErr
	}
	if e.payload == nil {
		return nil
	}
	return wire.WriteBody(c.rw, e.payload)
}

// encodeEntryBytes fully materializes one frame (header + payload) for
// the compressed path, which needs the complete frame bytes before it
// can compress them as a single snappy block (spec §4.4: "each frame...
// is preceded by a 4-byte compressed-length and follows a compressed
// payload").
func encodeEntryBytes(e outboundEntry) ([]byte, error) {
	return wire.EncodeFrameToBytes(func(w io.Writer) error {
		var err error
		switch e.kind {
		case wire.KindRequest:
			err = wire.EncodeRequestHeader(w, e.request)
		case wire.KindResponse:
			err = wire.EncodeResponseHeader(w, e.response)
		case wire.KindStream:
			err = wire.EncodeStreamHeader(w, e.stream)
		}
		if err != nil {
			return err
		}
		if e.payload == nil {
			return nil
		}
		return wire.WriteBody(w, e.payload)
	})
}
