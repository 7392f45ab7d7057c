// Package wire implements the binary frame codec (C4): four frame
// families with fixed little-endian headers, read-exactly/read-up-to body
// semantics, and an optional transparent compression layer.
//
// Frame headers are parsed from a contiguous prefix read with
// io.ReadFull, the same "fixed header, then a declared-length body" shape
// SagerNet-smux's session.go uses for its own frame reads
// (rawHeader + io.ReadFull, session.go recvLoop) - adapted here to four
// frame kinds instead of smux's single multiplexed header, and to
// message-id/verb semantics instead of stream ids.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind identifies one of the four frame families.
type Kind int

const (
	KindNegotiation Kind = iota
	KindRequest
	KindResponse
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindNegotiation:
		return "negotiation"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindStream:
		return "stream"
	default:
		return fmt.Sprintf("wire.Kind(%d)", int(k))
	}
}

// NegotiationMagic opens every negotiation frame. It has no protocol
// meaning beyond letting a peer fail fast on an obviously foreign stream.
var NegotiationMagic = [8]byte{'S', 'H', 'F', 'Q', 'N', 'E', 'G', '1'}

// StreamEndOfStream is the sentinel stream-frame length marking
// end-of-stream (spec §4.4: "a length field equal to 0xFFFFFFFF").
const StreamEndOfStream uint32 = 0xFFFFFFFF

// Errors returned while decoding frame headers.
var (
	ErrShortRead  = errors.New("wire: short read on frame header")
	ErrBadMagic   = errors.New("wire: bad negotiation magic")
	ErrHeaderSize = errors.New("wire: header declared an invalid payload length")
)

// FeatureID identifies a negotiation feature (spec §4.5.1).
type FeatureID uint32

const (
	FeatureCompress     FeatureID = 1
	FeatureTimeout      FeatureID = 2
	FeatureConnectionID FeatureID = 3
	FeatureStreamParent FeatureID = 4
	FeatureIsolation    FeatureID = 5
)

// FeatureRecord is one (feature_id, feature_value) pair carried in a
// negotiation frame's payload.
type FeatureRecord struct {
	ID    FeatureID
	Value []byte
}

// NegotiationFrame is the decoded form of a negotiation frame: an 8-byte
// magic followed by a sequence of feature records.
type NegotiationFrame struct {
	Features []FeatureRecord
}

// RequestHeader is the decoded fixed portion of a request frame. Timeout
// is only present (and only encoded) when the connection has negotiated
// the TIMEOUT feature; its zero value is indistinguishable from "0ms
// remaining", so callers must track negotiation state separately, not
// infer it from HasTimeout on a decoded header.
type RequestHeader struct {
	HasTimeout        bool
	RelativeTimeoutMS int64
	Verb              uint64
	MessageID         int64
	PayloadLen        uint32
}

// ResponseHeader is the decoded fixed portion of a response frame. A
// negative MessageID signals an exception reply whose payload decodes to
// an error rather than a success value.
type ResponseHeader struct {
	MessageID  int64
	PayloadLen uint32
}

// IsException reports whether h represents an exception reply.
func (h ResponseHeader) IsException() bool { return h.MessageID < 0 }

// StreamHeader is the decoded fixed portion of a stream frame.
type StreamHeader struct {
	Length uint32
}

// EndOfStream reports whether h is the end-of-stream marker.
func (h StreamHeader) EndOfStream() bool { return h.Length == StreamEndOfStream }

// requestHeaderSize returns the on-wire size of a request header, which
// varies by 8 bytes depending on whether TIMEOUT is in effect.
func requestHeaderSize(timeoutNegotiated bool) int {
	if timeoutNegotiated {
		return 8 + 8 + 8 + 4
	}
	return 8 + 8 + 4
}

const responseHeaderSize = 8 + 4
const streamHeaderSize = 4

// EncodeNegotiation writes a negotiation frame to w. Negotiation frames
// are never compressed (spec §4.4: "each frame (except the negotiation
// frame itself)").
func EncodeNegotiation(w io.Writer, f NegotiationFrame) error {
	var extra []byte
	for _, rec := range f.Features {
		var head [8]byte
		binary.LittleEndian.PutUint32(head[0:4], uint32(rec.ID))
		binary.LittleEndian.PutUint32(head[4:8], uint32(len(rec.Value)))
		extra = append(extra, head[:]...)
		extra = append(extra, rec.Value...)
	}
	var hdr [12]byte
	copy(hdr[0:8], NegotiationMagic[:])
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(extra)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(extra) == 0 {
		return nil
	}
	_, err := w.Write(extra)
	return err
}

// DecodeNegotiation reads a negotiation frame from r.
func DecodeNegotiation(r io.Reader) (NegotiationFrame, error) {
	var hdr [12]byte
	if err := readExactly(r, hdr[:]); err != nil {
		return NegotiationFrame{}, err
	}
	var magic [8]byte
	copy(magic[:], hdr[0:8])
	if magic != NegotiationMagic {
		return NegotiationFrame{}, ErrBadMagic
	}
	extraLen := binary.LittleEndian.Uint32(hdr[8:12])
	extra := make([]byte, extraLen)
	if err := readExactly(r, extra); err != nil {
		return NegotiationFrame{}, err
	}

	var out NegotiationFrame
	for len(extra) > 0 {
		if len(extra) < 8 {
			return NegotiationFrame{}, ErrHeaderSize
		}
		id := FeatureID(binary.LittleEndian.Uint32(extra[0:4]))
		valLen := binary.LittleEndian.Uint32(extra[4:8])
		extra = extra[8:]
		if uint64(valLen) > uint64(len(extra)) {
			return NegotiationFrame{}, ErrHeaderSize
		}
		val := make([]byte, valLen)
		copy(val, extra[:valLen])
		extra = extra[valLen:]
		out.Features = append(out.Features, FeatureRecord{ID: id, Value: val})
	}
	return out, nil
}

// EncodeRequestHeader writes a request frame's fixed header to w.
func EncodeRequestHeader(w io.Writer, h RequestHeader) error {
	buf := make([]byte, 0, requestHeaderSize(h.HasTimeout))
	if h.HasTimeout {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(h.RelativeTimeoutMS))
		buf = append(buf, b[:]...)
	}
	var verb, mid [8]byte
	binary.LittleEndian.PutUint64(verb[:], h.Verb)
	binary.LittleEndian.PutUint64(mid[:], uint64(h.MessageID))
	buf = append(buf, verb[:]...)
	buf = append(buf, mid[:]...)
	var plen [4]byte
	binary.LittleEndian.PutUint32(plen[:], h.PayloadLen)
	buf = append(buf, plen[:]...)
	_, err := w.Write(buf)
	return err
}

// DecodeRequestHeader reads a request frame's fixed header from r.
// timeoutNegotiated must reflect the connection's current negotiated
// state, since the header's layout (and thus its size) depends on it.
func DecodeRequestHeader(r io.Reader, timeoutNegotiated bool) (RequestHeader, error) {
	hdr := make([]byte, requestHeaderSize(timeoutNegotiated))
	if err := readExactly(r, hdr); err != nil {
		return RequestHeader{}, err
	}
	var out RequestHeader
	off := 0
	if timeoutNegotiated {
		out.HasTimeout = true
		out.RelativeTimeoutMS = int64(binary.LittleEndian.Uint64(hdr[off : off+8]))
		off += 8
	}
	out.Verb = binary.LittleEndian.Uint64(hdr[off : off+8])
	off += 8
	out.MessageID = int64(binary.LittleEndian.Uint64(hdr[off : off+8]))
	off += 8
	out.PayloadLen = binary.LittleEndian.Uint32(hdr[off : off+4])
	return out, nil
}

// EncodeResponseHeader writes a response frame's fixed header to w.
func EncodeResponseHeader(w io.Writer, h ResponseHeader) error {
	var buf [responseHeaderSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.MessageID))
	binary.LittleEndian.PutUint32(buf[8:12], h.PayloadLen)
	_, err := w.Write(buf[:])
	return err
}

// DecodeResponseHeader reads a response frame's fixed header from r.
func DecodeResponseHeader(r io.Reader) (ResponseHeader, error) {
	var buf [responseHeaderSize]byte
	if err := readExactly(r, buf[:]); err != nil {
		return ResponseHeader{}, err
	}
	return ResponseHeader{
		MessageID:  int64(binary.LittleEndian.Uint64(buf[0:8])),
		PayloadLen: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// EncodeStreamHeader writes a stream frame's fixed header to w.
func EncodeStreamHeader(w io.Writer, h StreamHeader) error {
	var buf [streamHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[:], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// DecodeStreamHeader reads a stream frame's fixed header from r.
func DecodeStreamHeader(r io.Reader) (StreamHeader, error) {
	var buf [streamHeaderSize]byte
	if err := readExactly(r, buf[:]); err != nil {
		return StreamHeader{}, err
	}
	return StreamHeader{Length: binary.LittleEndian.Uint32(buf[:])}, nil
}

// readExactly implements spec §4.4's reading rule: a zero-byte read is
// EOF (propagated as io.EOF), while a short non-zero read is a protocol
// error rather than a retry - io.ReadFull already gives exactly this
// distinction (io.EOF vs io.ErrUnexpectedEOF), so it is reused directly
// rather than hand-rolled.
func readExactly(r io.Reader, buf []byte) error {
	n, err := io.ReadFull(r, buf)
	if err == nil {
		return nil
	}
	if err == io.EOF && n == 0 {
		return io.EOF
	}
	if err == io.ErrUnexpectedEOF || (err == io.EOF && n > 0) {
		return fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, n, len(buf))
	}
	return err
}
