package rpc

import (
	"encoding/binary"

	"github.com/shardfq/shardfq/internal/buf"
)

// Exception payload shape, spec §6: TYPE_TAG(4) | EXC_LEN(4) | EXC_BYTES.
// UNKNOWN_VERB (tag 0) is the one format the wire spec fixes exactly,
// EXC_BYTES being the original 8-byte verb id; every other kind this
// package produces (handler exceptions) uses tag 1 with EXC_BYTES holding
// the UTF-8 failure message, following the same envelope.
const (
	excTagUnknownVerb = 0
	excTagHandler     = 1
)

func encodeUnknownVerbException(verb uint64) *buf.Buffer {
	p := make([]byte, 16)
	binary.LittleEndian.PutUint32(p[0:4], excTagUnknownVerb)
	binary.LittleEndian.PutUint32(p[4:8], 8)
	binary.LittleEndian.PutUint64(p[8:16], verb)
	return buf.FromBytes(p)
}

func encodeHandlerException(msg string) *buf.Buffer {
	body := []byte(msg)
	p := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint32(p[0:4], excTagHandler)
	binary.LittleEndian.PutUint32(p[4:8], uint32(len(body)))
	copy(p[8:], body)
	return buf.FromBytes(p)
}

// decodeException turns an exception-reply payload into a *Failure, per
// spec §7 ("the payload decodes to an error").
func decodeException(b *buf.Buffer) *Failure {
	if b == nil || b.Len() < 8 {
		return newFailure(KindProtocol, "malformed exception payload")
	}
	raw := b.Bytes()
	tag := binary.LittleEndian.Uint32(raw[0:4])
	excLen := binary.LittleEndian.Uint32(raw[4:8])
	if int(excLen) > len(raw)-8 {
		return newFailure(KindProtocol, "malformed exception payload")
	}
	body := raw[8 : 8+excLen]
	switch tag {
	case excTagUnknownVerb:
		if len(body) < 8 {
			return newFailure(KindProtocol, "malformed unknown-verb exception")
		}
		verb := binary.LittleEndian.Uint64(body)
		f := newFailure(KindUnknownVerb, "unknown verb")
		f.Verb = verb
		return f
	default:
		return newFailure(KindHandler, string(body))
	}
}
