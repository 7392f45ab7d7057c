package rpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/shardfq/shardfq/internal/buf"
	"github.com/shardfq/shardfq/internal/obslog"
	"github.com/shardfq/shardfq/internal/sched"
	"github.com/shardfq/shardfq/internal/wire"
)

// HandlerFunc handles one verb request. ctx carries the request's
// negotiated absolute deadline (spec §4.5.3: "converts the received
// relative deadline into an absolute deadline on the local clock") when
// TIMEOUT is in effect; it is context.Background() otherwise. The
// returned Buffer is consumed by the send loop exactly like a client
// payload (spec §3's ownership-transfer contract).
type HandlerFunc func(ctx context.Context, verb uint64, payload *buf.Buffer) (*buf.Buffer, error)

type handlerEntry struct {
	fn    HandlerFunc
	group *Group
}

// IsolationFunc maps a connection's negotiated isolation cookie (spec
// §4.5.1's ISOLATION feature) to the Group its handlers should run on.
// A nil IsolationFunc, or one returning nil, falls back to the server's
// default Group (spec §6: "register verb handlers each with a default
// scheduling group").
type IsolationFunc func(cookie string) *Group

// ServerConfig bundles the options spec §6 lists for server construction:
// "tcp-no-delay, load-balancing policy, streaming-domain, resource
// limits, connection-isolation function".
type ServerConfig struct {
	TCPNoDelay bool
	// StreamingDomain names the domain this server answers STREAM_PARENT
	// lookups under (spec §4.5.5). Empty disables stream-child support.
	StreamingDomain string
	// MaxStreamBytes bounds a single stream child's queued-but-unconsumed
	// bytes (spec §5); non-positive falls back to DefaultStreamMemoryLimit.
	MaxStreamBytes int64
	Isolation      IsolationFunc
}

// Server accepts connections on behalf of exactly one internal/sched.Shard
// - every accepted Conn is owned by this one shard, and its verb dispatch
// runs as a task on it (its send/receive loops run on their own
// goroutines, see Conn.Start), the same single-writer
// discipline internal/fairqueue.Queue documents for itself. A
// deployment that wants to spread load across shards runs one Server per
// shard and fans incoming connections out across them (see ServeRoundRobin).
type Server struct {
	shard    *sched.Shard
	logger   *obslog.Logger
	registry *sched.Registry
	domains  *DomainRegistry
	cfg      ServerConfig

	mu           sync.Mutex
	handlers     map[uint64]handlerEntry
	defaultGroup *Group

	connsByID      map[ConnID]*Conn
	nextLocalConn  uint64
	nextChildLocal uint64
}

// NewServer constructs a Server bound to shard, optionally registering
// into domains under cfg.StreamingDomain so other shards' servers can
// resolve it as a stream parent (spec §4.5.5, §9's "per-shard registry").
func NewServer(shard *sched.Shard, registry *sched.Registry, domains *DomainRegistry, logger *obslog.Logger, cfg ServerConfig) *Server {
	if logger == nil {
		logger = obslog.Disabled()
	}
	s := &Server{
		shard:        shard,
		logger:       obslog.Component(logger, "rpc.server"),
		registry:     registry,
		domains:      domains,
		cfg:          cfg,
		handlers:     make(map[uint64]handlerEntry),
		defaultGroup: NewGroup("default", 4),
		connsByID:    make(map[ConnID]*Conn),
	}
	if domains != nil && cfg.StreamingDomain != "" {
		domains.Register(cfg.StreamingDomain, s)
	}
	return s
}

// Handle registers fn for verb. A nil group routes invocations to the
// server's default group unless IsolationFunc picks a different one at
// request time.
func (s *Server) Handle(verb uint64, fn HandlerFunc, group *Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[verb] = handlerEntry{fn: fn, group: group}
}

// Accept runs the accept loop against ln until ctx is cancelled or ln is
// closed. Each accepted socket is negotiated synchronously (spec §4.5.1
// precedes Start, so there's no shard contention yet) before its Conn is
// registered and its loops started.
func (s *Server) Accept(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			tc.SetNoDelay(s.cfg.TCPNoDelay)
		}
		go s.handleAccepted(ctx, nc)
	}
}

// ServeRoundRobin accepts from one shared listener and hands each new
// connection to the next Server in servers in round-robin order - a
// deliberately simple stand-in for spec §6's "load-balancing policy"
// server option, spreading inbound connections (and thus the shard each
// one's send/receive loops run on) evenly rather than pinning every
// accept to a single shard.
func ServeRoundRobin(ctx context.Context, ln net.Listener, servers []*Server) error {
	if len(servers) == 0 {
		return errors.New("rpc: ServeRoundRobin requires at least one server")
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	var next int
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		s := servers[next%len(servers)]
		next++
		if tc, ok := nc.(*net.TCPConn); ok {
			tc.SetNoDelay(s.cfg.TCPNoDelay)
		}
		go s.handleAccepted(ctx, nc)
	}
}

func (s *Server) handleAccepted(ctx context.Context, nc net.Conn) {
	n, err := NegotiateServer(nc, s.decide)
	if err != nil {
		s.logger.Err().Err(err).Str("peer", nc.RemoteAddr().String()).Log("rpc: negotiation failed")
		nc.Close()
		return
	}

	c := NewConn(s.shard, nc, s.logger)
	c.server = s
	c.replyGate = sched.NewGate()
	c.finalize(n)

	s.shard.Spawn(func() {
		if n.hasConnID {
			s.connsByID[n.connID] = c
		}
	})

	if n.isStreamChild {
		if err := s.attachChild(ctx, n.streamParent, c); err != nil {
			s.logger.Err().Err(err).Log("rpc: stream child attach failed")
			c.Abort(err)
			return
		}
	}

	c.Start()
}

// decide is the NegotiateServer callback: accept whatever the client
// offers (symmetric compressor id, TIMEOUT) and always assign a
// CONNECTION_ID, since either a later Call from this client or a later
// STREAM_PARENT from a sibling connection may need to address it.
func (s *Server) decide(offered []wire.FeatureRecord) ServerAccept {
	accept := ServerAccept{AssignConnID: true}
	s.mu.Lock()
	s.nextLocalConn++
	local := s.nextLocalConn
	s.mu.Unlock()
	accept.ConnID = NewConnID(s.shard.ID(), local)
	for _, rec := range offered {
		switch rec.ID {
		case wire.FeatureCompress:
			accept.Compressor = string(rec.Value)
		case wire.FeatureTimeout:
			accept.EnableTimeout = true
		}
	}
	return accept
}

// attachChild resolves the parent connection named by parentID (possibly
// on another shard, via DomainRegistry + cross-shard submit, per spec
// §4.5.5) and moves child into its children table under a freshly
// assigned id.
func (s *Server) attachChild(ctx context.Context, parentID ConnID, child *Conn) error {
	if s.domains == nil || s.cfg.StreamingDomain == "" {
		return errors.New("rpc: server has no streaming domain configured")
	}
	parentShardID := parentID.Shard()
	parentSrv, err := s.domains.Lookup(ctx, parentShardID, s.cfg.StreamingDomain)
	if err != nil {
		return err
	}
	// nextChildLocal and connsByID are only ever touched from within a
	// task running on parentSrv's own shard (here, via SubmitAwait), the
	// same single-writer discipline internal/fairqueue.Queue relies on -
	// no separate mutex needed for either field.
	_, err = parentSrv.registry.SubmitAwait(ctx, parentShardID, func() (any, error) {
		parentConn, ok := parentSrv.connsByID[parentID]
		if !ok {
			return nil, ErrUnknownConnID
		}
		parentSrv.nextChildLocal++
		id := NewConnID(parentShardID, parentSrv.nextChildLocal)
		sc := newStreamChild(id, child, parentConn, s.cfg.MaxStreamBytes)
		parentConn.children[id] = sc
		if parentConn.OnStream != nil {
			parentConn.OnStream(&Stream{sc: sc})
		}
		return sc, nil
	})
	return err
}

// dispatch handles one decoded request frame, per spec §4.5.3. It runs
// as a shard task (see recvLoop), so the handler invocation itself is
// routed onto a Group's own goroutine rather than run inline.
func (s *Server) dispatch(c *Conn, req wire.RequestHeader, payload *buf.Buffer) {
	s.mu.Lock()
	entry, ok := s.handlers[req.Verb]
	s.mu.Unlock()
	if !ok {
		c.replyUnknownVerb(req)
		c.replyGate.Leave()
		return
	}

	group := entry.group
	if group == nil {
		group = s.defaultGroup
	}
	if s.cfg.Isolation != nil {
		if g := s.cfg.Isolation(c.feat.isolation); g != nil {
			group = g
		}
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if c.feat.timeout && req.HasTimeout {
		ctx, cancel = context.WithDeadline(ctx, time.Now().Add(time.Duration(req.RelativeTimeoutMS)*time.Millisecond))
	}

	group.Submit(func() {
		if cancel != nil {
			defer cancel()
		}
		result, err := entry.fn(ctx, req.Verb, payload)
		c.shard.Spawn(func() {
			defer c.replyGate.Leave()
			if err != nil {
				c.replyHandlerError(req.MessageID, err)
				return
			}
			c.replySuccess(req.MessageID, result)
		})
	})
}

func (c *Conn) replySuccess(msgID int64, payload *buf.Buffer) {
	if payload == nil {
		payload = buf.FromBytes(nil)
	}
	entry := outboundEntry{
		kind:     wire.KindResponse,
		response: wire.ResponseHeader{MessageID: msgID, PayloadLen: uint32(payload.Len())},
		payload:  payload,
	}
	c.outbound.TryPush(entry)
}

func (c *Conn) replyHandlerError(msgID int64, err error) {
	payload := encodeHandlerException(err.Error())
	entry := outboundEntry{
		kind:     wire.KindResponse,
		response: wire.ResponseHeader{MessageID: -msgID, PayloadLen: uint32(payload.Len())},
		payload:  payload,
	}
	c.outbound.TryPush(entry)
}

// replyUnknownVerb sends the fixed UNKNOWN_VERB exception reply, per spec
// §6: "the special exception kind UNKNOWN_VERB has a fixed payload."
func (c *Conn) replyUnknownVerb(req wire.RequestHeader) {
	payload := encodeUnknownVerbException(req.Verb)
	entry := outboundEntry{
		kind:     wire.KindResponse,
		response: wire.ResponseHeader{MessageID: -req.MessageID, PayloadLen: uint32(payload.Len())},
		payload:  payload,
	}
	c.outbound.TryPush(entry)
}
