package wire

import (
	"io"

	"github.com/shardfq/shardfq/internal/buf"
)

// ReadBody reads exactly n declared bytes of a frame payload into a
// freshly allocated Buffer, honoring spec §4.4's "read up to the declared
// length, may receive multiple chunks, and asserts final length equals
// declared length" rule: Buffer.FillFrom hands the read one ChunkSize-sized
// chunk at a time without the caller needing to know that.
func ReadBody(r io.Reader, n uint32) (*buf.Buffer, error) {
	b, err := buf.New(int(n))
	if err != nil {
		return nil, err
	}
	if err := b.FillFrom(func(chunk []byte) error {
		return readExactly(r, chunk)
	}); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteBody writes the full logical content of b to w, chunk at a time,
// without copying into an intermediate contiguous slice.
func WriteBody(w io.Writer, b *buf.Buffer) error {
	for b.Len() > 0 {
		front := b.Front()
		if _, err := w.Write(front); err != nil {
			return err
		}
		b.TrimFront(len(front))
	}
	return nil
}
