// Package buf implements the scoped, ownership-tracked byte container (C1)
// shared by the wire codec and the RPC connection engine.
//
// A Buffer is either a single inline chunk (the common case: negotiation
// frames, small requests) or an ordered list of fixed-size chunks. Neither
// representation leaks through the public API: callers only ever see Front,
// TrimFront, Len and Share.
//
// The chunked-list case is grounded on the same "don't copy the wire bytes
// more than once" idea smux applies to its per-stream receive buffers
// (SagerNet-smux/session.go): chunks are independently refcounted so a
// cross-shard recipient can keep reading from storage it does not own,
// while release of the underlying memory always happens back on the shard
// that allocated it.
package buf

import (
	"errors"
	"fmt"
)

// ChunkSize is the fixed size of a single chunk. It must be large enough to
// hold the longest fixed-size protocol header defined in package wire (the
// request frame header with the TIMEOUT feature: 8+8+8+4 = 28 bytes).
const ChunkSize = 4096

func init() {
	if ChunkSize < 28 {
		panic("buf: ChunkSize must be >= 28 to hold the longest protocol header")
	}
}

// ErrAllocation is returned when a Buffer cannot be constructed because the
// backing storage could not be allocated. Go's allocator does not return
// errors on OOM (it panics/crashes the process), so in practice this is only
// reachable via an explicit injected allocator failure in tests.
var ErrAllocation = errors.New("buf: allocation failed")

// chunk is one fixed-size block of owned memory plus the portion of it that
// is still logically part of the buffer (start:len(data)]. release is called
// exactly once, when the last Buffer referencing this chunk is done with it;
// for a same-shard Buffer it is nil (no refcounting overhead is paid).
type chunk struct {
	data    []byte
	start   int
	release func()
}

func (c *chunk) size() int { return len(c.data) - c.start }

func newChunk(n int) *chunk {
	if n > ChunkSize {
		n = ChunkSize
	}
	return &chunk{data: make([]byte, n)}
}

// Buffer is a tagged variant: either a single inline chunk, or a list of
// chunks whose sizes sum to size. The two representations are never mixed
// mid-life: New picks one based on the requested size, and TrimFront only
// ever shrinks it.
type Buffer struct {
	size   int
	inline chunk    // used when chunks == nil
	chunks []*chunk // used when non-nil; always len(chunks) > 1
	shared *int32   // refcount for deep-shared buffers; nil if uniquely owned
}

// New allocates a Buffer able to hold exactly size bytes, as either a single
// inline chunk or a list of ChunkSize chunks.
func New(size int) (*Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("buf: negative size %d", size)
	}
	b := &Buffer{size: size}
	if size <= ChunkSize {
		b.inline = chunk{data: make([]byte, size)}
		return b, nil
	}
	remaining := size
	for remaining > 0 {
		n := remaining
		if n > ChunkSize {
			n = ChunkSize
		}
		b.chunks = append(b.chunks, newChunk(n))
		remaining -= n
	}
	return b, nil
}

// FromBytes wraps an existing slice as a single-chunk Buffer without
// copying. The caller must not mutate p afterwards.
func FromBytes(p []byte) *Buffer {
	return &Buffer{size: len(p), inline: chunk{data: p}}
}

// Len returns the number of logical bytes remaining in the buffer.
func (b *Buffer) Len() int { return b.size }

// Front returns a slice over the writable/readable bytes of the first chunk.
// On a buffer not yet trimmed it holds at least min(ChunkSize, Len())
// bytes; after TrimFront it holds only what remains of the first chunk,
// which can be fewer. The slice
// aliases the buffer's storage: callers must not retain it past a
// subsequent TrimFront or Share call that could release it.
func (b *Buffer) Front() []byte {
	if b.size == 0 {
		return nil
	}
	c := b.firstChunk()
	return c.data[c.start:]
}

// TrimFront advances the logical start of the buffer past n bytes,
// dropping any chunks that become fully consumed. Trimming beyond the
// logical length is a programming error (it panics, matching spec §4.1).
func (b *Buffer) TrimFront(n int) {
	if n < 0 || n > b.size {
		panic(fmt.Sprintf("buf: TrimFront(%d) exceeds remaining length %d", n, b.size))
	}
	b.size -= n
	for n > 0 {
		c := b.firstChunk()
		avail := c.size()
		if n < avail {
			c.start += n
			return
		}
		n -= avail
		if b.chunks == nil {
			c.start += avail
			return
		}
		b.popChunk()
	}
}

// firstChunk returns the chunk currently at the logical front of the buffer.
func (b *Buffer) firstChunk() *chunk {
	if b.chunks == nil {
		return &b.inline
	}
	return b.chunks[0]
}

// popChunk releases and discards the front chunk of a chunked buffer,
// collapsing back to the inline representation once only one remains.
func (b *Buffer) popChunk() {
	c := b.chunks[0]
	if c.release != nil {
		c.release()
	}
	b.chunks = b.chunks[1:]
	if len(b.chunks) == 1 {
		b.inline = *b.chunks[0]
		b.chunks = nil
	}
}

// Share produces a Buffer that aliases the same underlying storage but
// carries an independent release token: dropping either the original or the
// share via Release only releases that reference's claim on the storage.
// This is how a cross-shard transfer hands a recipient-local handle to
// memory still ultimately owned by the origin shard (spec §4.1, §9's
// "remote handle" pattern).
func (b *Buffer) Share() *Buffer {
	if b.shared == nil {
		n := int32(1)
		b.shared = &n
	}
	*b.shared++
	share := *b
	return &share
}

// Release drops this Buffer's claim on its storage. For a uniquely-owned
// Buffer (never Shared) this is a no-op: the storage is simply garbage once
// the last reference goes out of scope, matching a same-shard move. For a
// Shared buffer it decrements the refcount and, on reaching zero, invokes
// each chunk's independent deleter.
func (b *Buffer) Release() {
	if b.shared == nil {
		return
	}
	if *b.shared--; *b.shared > 0 {
		return
	}
	if b.chunks == nil {
		if b.inline.release != nil {
			b.inline.release()
		}
		return
	}
	for _, c := range b.chunks {
		if c.release != nil {
			c.release()
		}
	}
}

// WithReleaser attaches a deleter to every chunk of b, to be invoked when
// the last reference to that chunk is released. Call it on the
// origin-side Buffer before Share, not on the share itself: Share copies
// the chunk by value, so whichever chunks already carry a release func at
// the moment of the copy are the ones both sides end up aliasing. The RPC
// layer uses this to hand a stream child's cross-shard consumer a
// recipient-local Buffer whose deleter posts the actual release back onto
// the connection's owning shard (internal/rpc/stream.go's deliver/Recv).
func (b *Buffer) WithReleaser(release func()) {
	if release == nil {
		return
	}
	if b.chunks == nil {
		b.inline.release = release
		return
	}
	for _, c := range b.chunks {
		c.release = release
	}
}

// FillFrom populates a freshly allocated Buffer's backing storage,
// chunk-at-a-time, by calling fill with each chunk's full-capacity slice
// in order. It is the write-side companion to Front/TrimFront: those
// advance a read cursor over existing content, while FillFrom writes the
// content in the first place (the wire codec's declared-length payload
// reads use it to land network bytes directly into chunk storage without
// an intermediate copy). Calling it on a Buffer that has already been
// partially consumed via TrimFront is a programming error, since it
// always starts from each remaining chunk's full span rather than its
// current read position.
func (b *Buffer) FillFrom(fill func([]byte) error) error {
	if b.chunks == nil {
		return fill(b.inline.data)
	}
	for _, c := range b.chunks {
		if err := fill(c.data); err != nil {
			return err
		}
	}
	return nil
}

// Bytes copies the full logical content of the buffer into a single slice.
// It is a convenience for call sites (tests, small payload handlers) that
// don't need to stream chunk-by-chunk; it is never used on the hot path of
// the wire codec, which reads/writes chunk-at-a-time via Front/TrimFront.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, 0, b.size)
	if b.chunks == nil {
		c := &b.inline
		out = append(out, c.data[c.start:]...)
		return out
	}
	for _, c := range b.chunks {
		out = append(out, c.data[c.start:]...)
	}
	return out
}
