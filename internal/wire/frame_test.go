package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/shardfq/shardfq/internal/buf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiationRoundTrip(t *testing.T) {
	var wireBuf bytes.Buffer
	in := NegotiationFrame{Features: []FeatureRecord{
		{ID: FeatureCompress, Value: []byte("snappy")},
		{ID: FeatureTimeout, Value: nil},
		{ID: FeatureConnectionID, Value: make([]byte, 16)},
	}}
	require.NoError(t, EncodeNegotiation(&wireBuf, in))

	out, err := DecodeNegotiation(&wireBuf)
	require.NoError(t, err)
	require.Len(t, out.Features, 3)
	assert.Equal(t, FeatureCompress, out.Features[0].ID)
	assert.Equal(t, []byte("snappy"), out.Features[0].Value)
	assert.Equal(t, FeatureTimeout, out.Features[1].ID)
	assert.Empty(t, out.Features[1].Value)
	assert.Equal(t, FeatureConnectionID, out.Features[2].ID)
	assert.Len(t, out.Features[2].Value, 16)
}

func TestNegotiationBadMagic(t *testing.T) {
	var b bytes.Buffer
	b.Write([]byte("GARBAGE0"))
	b.Write([]byte{0, 0, 0, 0})
	_, err := DecodeNegotiation(&b)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestRequestHeaderRoundTripNoTimeout(t *testing.T) {
	var wireBuf bytes.Buffer
	in := RequestHeader{Verb: 42, MessageID: 7, PayloadLen: 100}
	require.NoError(t, EncodeRequestHeader(&wireBuf, in))
	assert.Equal(t, requestHeaderSize(false), wireBuf.Len())

	out, err := DecodeRequestHeader(&wireBuf, false)
	require.NoError(t, err)
	assert.Equal(t, in.Verb, out.Verb)
	assert.Equal(t, in.MessageID, out.MessageID)
	assert.Equal(t, in.PayloadLen, out.PayloadLen)
	assert.False(t, out.HasTimeout)
}

func TestRequestHeaderRoundTripWithTimeout(t *testing.T) {
	var wireBuf bytes.Buffer
	in := RequestHeader{HasTimeout: true, RelativeTimeoutMS: 5000, Verb: 9, MessageID: -3, PayloadLen: 0}
	require.NoError(t, EncodeRequestHeader(&wireBuf, in))
	assert.Equal(t, requestHeaderSize(true), wireBuf.Len())

	out, err := DecodeRequestHeader(&wireBuf, true)
	require.NoError(t, err)
	assert.True(t, out.HasTimeout)
	assert.Equal(t, int64(5000), out.RelativeTimeoutMS)
	assert.Equal(t, in.MessageID, out.MessageID)
}

func TestResponseHeaderRoundTripAndException(t *testing.T) {
	var wireBuf bytes.Buffer
	in := ResponseHeader{MessageID: -12, PayloadLen: 4}
	require.NoError(t, EncodeResponseHeader(&wireBuf, in))

	out, err := DecodeResponseHeader(&wireBuf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.True(t, out.IsException())
}

func TestStreamHeaderEndOfStream(t *testing.T) {
	var wireBuf bytes.Buffer
	require.NoError(t, EncodeStreamHeader(&wireBuf, StreamHeader{Length: StreamEndOfStream}))
	out, err := DecodeStreamHeader(&wireBuf)
	require.NoError(t, err)
	assert.True(t, out.EndOfStream())
}

func TestReadExactlyZeroBytesIsEOF(t *testing.T) {
	var wireBuf bytes.Buffer
	_, err := DecodeResponseHeader(&wireBuf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadExactlyShortReadIsProtocolError(t *testing.T) {
	b := bytes.NewReader([]byte{1, 2, 3})
	_, err := DecodeResponseHeader(b)
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestBodyRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 9000) // spans multiple chunks
	var wireBuf bytes.Buffer
	require.NoError(t, WriteBody(&wireBuf, buf.FromBytes(append([]byte(nil), payload...))))

	got, err := ReadBody(&wireBuf, uint32(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got.Bytes())
}

func TestCompressedFrameRoundTrip(t *testing.T) {
	var pipe bytes.Buffer
	w := NewCompressWriter(&pipe)
	r := NewCompressReader(&pipe)

	raw, err := EncodeFrameToBytes(func(dst io.Writer) error {
		return EncodeResponseHeader(dst, ResponseHeader{MessageID: 5, PayloadLen: 3})
	})
	require.NoError(t, err)

	require.NoError(t, w.WriteFrame(raw))
	decompressed, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, raw, decompressed)

	hdr, err := DecodeResponseHeader(bytes.NewReader(decompressed))
	require.NoError(t, err)
	assert.Equal(t, int64(5), hdr.MessageID)
}
