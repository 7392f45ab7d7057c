package rpc

import (
	"net"
	"syscall"
	"time"

	"github.com/shardfq/shardfq/internal/obslog"
	"github.com/shardfq/shardfq/internal/sched"
)

// reuseAddrControl mirrors net.ListenConfig's usual SO_REUSEADDR dance,
// applied on the dial side (spec §6's "reuse-address" client option) so
// a client that rebinds to the same local ephemeral port range after a
// restart does not hit EADDRINUSE against its own recently-closed
// sockets. A disabled control is nil, not a no-op closure, so Dial pays
// no syscall cost when the option is off.
func reuseAddrControl(enable bool) func(network, address string, c syscall.RawConn) error {
	if !enable {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// DialOptions bundles every client-side knob spec §6 lists: "reuse-
// address, tcp-no-delay, keepalive, compressor factory, send-timeout-
// feature-enabled, streaming-parent-id, isolation-cookie."
type DialOptions struct {
	ReuseAddress    bool
	TCPNoDelay      bool
	Keepalive       time.Duration // 0 disables
	Compressor      string        // empty disables COMPRESS
	EnableTimeout   bool
	StreamParent    ConnID
	IsStreamChild   bool
	IsolationCookie string
}

func (o DialOptions) negotiation() ClientOptions {
	return ClientOptions{
		Compressor:      o.Compressor,
		EnableTimeout:   o.EnableTimeout,
		StreamParent:    o.StreamParent,
		IsStreamChild:   o.IsStreamChild,
		IsolationCookie: o.IsolationCookie,
	}
}

// Dial opens a TCP connection to addr, negotiates features, and returns
// a ready Conn with its send/receive loops started (spec §6: "establish a
// client connection to a host/port"). shard owns the returned Conn.
func Dial(shard *sched.Shard, addr string, opts DialOptions, logger *obslog.Logger) (*Conn, error) {
	dialer := net.Dialer{Control: reuseAddrControl(opts.ReuseAddress)}
	nc, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(opts.TCPNoDelay)
		if opts.Keepalive > 0 {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(opts.Keepalive)
		}
	}

	n, err := NegotiateClient(nc, opts.negotiation())
	if err != nil {
		nc.Close()
		return nil, err
	}

	c := NewConn(shard, nc, logger)
	c.finalize(n)
	// A dial-side stream child writes frames but has no inbound request/
	// response traffic of its own to match against an outstanding-calls
	// map: readFrame already picks wire.KindStream for it purely from
	// c.feat.isStreamChild (set by finalize above via NegotiateClient's
	// result), with no streamChild of its own needed on this side. The
	// parent-side registration happens on the server that accepts this
	// socket, via Server.attachChild.
	c.Start()
	return c, nil
}
