package rpc

import (
	"io"

	"github.com/shardfq/shardfq/internal/wire"
)

// ClientOptions configures the feature set a client offers during
// negotiation (spec §4.5.1, §6 "Establish a client connection... with
// options").
type ClientOptions struct {
	Compressor      string // empty disables COMPRESS
	EnableTimeout   bool
	StreamParent    ConnID
	IsStreamChild   bool
	IsolationCookie string
}

// ServerAccept is the subset of offered features a server has decided to
// honor, plus any it assigns itself (CONNECTION_ID).
type ServerAccept struct {
	Compressor    string
	EnableTimeout bool
	ConnID        ConnID
	AssignConnID  bool
}

// NegotiateClient sends the initiator's negotiation frame and reads the
// server's accepted subset (spec §4.5.1). It is a plain blocking call on
// whatever goroutine dials the connection - negotiation precedes Start,
// so there is no shard contention to worry about yet.
func NegotiateClient(rw io.ReadWriter, opts ClientOptions) (negotiated, error) {
	var recs []wire.FeatureRecord
	if opts.Compressor != "" {
		recs = append(recs, wire.FeatureRecord{ID: wire.FeatureCompress, Value: []byte(opts.Compressor)})
	}
	if opts.EnableTimeout {
		recs = append(recs, wire.FeatureRecord{ID: wire.FeatureTimeout})
	}
	if opts.IsStreamChild {
		recs = append(recs, wire.FeatureRecord{ID: wire.FeatureStreamParent, Value: opts.StreamParent[:]})
	}
	if opts.IsolationCookie != "" {
		recs = append(recs, wire.FeatureRecord{ID: wire.FeatureIsolation, Value: []byte(opts.IsolationCookie)})
	}
	if err := wire.EncodeNegotiation(rw, wire.NegotiationFrame{Features: recs}); err != nil {
		return negotiated{}, wrapFailure(KindProtocol, err)
	}

	reply, err := wire.DecodeNegotiation(rw)
	if err != nil {
		return negotiated{}, wrapFailure(KindProtocol, err)
	}
	out := negotiated{isStreamChild: opts.IsStreamChild, streamParent: opts.StreamParent}
	applyFeatures(&out, reply.Features)
	return out, nil
}

// NegotiateServer reads the initiator's negotiation frame, decides which
// features to accept via decide, and sends the accepted subset back
// (spec §4.5.1: "the server responds with its accepted subset").
func NegotiateServer(rw io.ReadWriter, decide func(offered []wire.FeatureRecord) ServerAccept) (negotiated, error) {
	offer, err := wire.DecodeNegotiation(rw)
	if err != nil {
		return negotiated{}, wrapFailure(KindProtocol, err)
	}
	accept := decide(offer.Features)

	var recs []wire.FeatureRecord
	if accept.Compressor != "" {
		recs = append(recs, wire.FeatureRecord{ID: wire.FeatureCompress, Value: []byte(accept.Compressor)})
	}
	if accept.EnableTimeout {
		recs = append(recs, wire.FeatureRecord{ID: wire.FeatureTimeout})
	}
	if accept.AssignConnID {
		recs = append(recs, wire.FeatureRecord{ID: wire.FeatureConnectionID, Value: accept.ConnID[:]})
	}
	if err := wire.EncodeNegotiation(rw, wire.NegotiationFrame{Features: recs}); err != nil {
		return negotiated{}, wrapFailure(KindProtocol, err)
	}

	out := negotiated{}
	applyFeatures(&out, offer.Features)
	out.compress = accept.Compressor != ""
	out.timeout = accept.EnableTimeout
	if accept.AssignConnID {
		out.connID, out.hasConnID = accept.ConnID, true
	}
	return out, nil
}

// applyFeatures folds a set of feature records into n. Unknown feature
// ids are ignored silently, per spec §6: "unknown feature ids must be
// ignored silently both on send and receive".
func applyFeatures(n *negotiated, recs []wire.FeatureRecord) {
	for _, rec := range recs {
		switch rec.ID {
		case wire.FeatureCompress:
			n.compress = true
		case wire.FeatureTimeout:
			n.timeout = true
		case wire.FeatureConnectionID:
			if len(rec.Value) == 16 {
				copy(n.connID[:], rec.Value)
				n.hasConnID = true
			}
		case wire.FeatureStreamParent:
			if len(rec.Value) == 16 {
				copy(n.streamParent[:], rec.Value)
				n.isStreamChild = true
			}
		case wire.FeatureIsolation:
			n.isolation = string(rec.Value)
		}
	}
}
