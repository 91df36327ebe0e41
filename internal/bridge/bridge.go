package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tunnelcore/internal/core"
	"tunnelcore/internal/endpoint"
)

// Resolver answers DNS queries carried over FWD_UDP sessions. Implemented by
// the dnspool package.
type Resolver interface {
	Resolve(ctx context.Context, query []byte) ([]byte, error)
}

// CounterFunc receives byte deltas spliced through the bridge (tx = toward
// the tunnel, rx = toward the client).
type CounterFunc func(tx, rx int64)

var copyBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 64*1024)
		return &buf
	},
}

// Bridge is the local SOCKS5 server that converts the traffic splitter's
// stream sessions into tunnel streams. Everything it accepts goes through a
// single upstream Endpoint; it never dials the physical network itself.
type Bridge struct {
	listenAddr string
	ep         endpoint.Endpoint
	resolver   Resolver
	counters   CounterFunc

	dialTimeout time.Duration

	listener net.Listener
	wg       sync.WaitGroup
	closed   atomic.Bool
	dead     atomic.Bool // accept loop exited

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// New creates a bridge listening on listenAddr with ep as its sole upstream.
// resolver may be nil, in which case FWD_UDP DNS queries fail their sessions.
// counters may be nil.
func New(listenAddr string, ep endpoint.Endpoint, resolver Resolver, counters CounterFunc) *Bridge {
	return &Bridge{
		listenAddr:  listenAddr,
		ep:          ep,
		resolver:    resolver,
		counters:    counters,
		dialTimeout: 30 * time.Second,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and launches the accept loop. A bind failure
// (port in use, most likely a previous instance not yet torn down) is
// returned synchronously so the caller can roll back.
func (b *Bridge) Start() error {
	ln, err := net.Listen("tcp", b.listenAddr)
	if err != nil {
		return fmt.Errorf("[Bridge] listen %s: %w", b.listenAddr, err)
	}
	b.listener = ln
	core.Log.Infof("Bridge", "Listening on %s (upstream %s)", ln.Addr(), b.ep.Name())

	b.wg.Add(1)
	go b.acceptLoop()
	return nil
}

// Addr returns the bound listener address. Valid only after Start.
func (b *Bridge) Addr() string {
	if b.listener == nil {
		return b.listenAddr
	}
	return b.listener.Addr().String()
}

// Alive reports whether the bridge is still accepting sessions. It goes false
// on Stop, and also when the accept loop dies on its own (listener error),
// so supervision can tell a blackholed bridge from a healthy one.
func (b *Bridge) Alive() bool {
	return b.listener != nil && !b.closed.Load() && !b.dead.Load()
}

// Stop closes the listener and every tracked session, then waits for the
// handlers to drain. Safe to call more than once.
func (b *Bridge) Stop() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.listener != nil {
		b.listener.Close()
	}

	b.connMu.Lock()
	for c := range b.conns {
		c.Close()
	}
	b.connMu.Unlock()

	b.wg.Wait()
	core.Log.Infof("Bridge", "Stopped %s", b.listenAddr)
	return nil
}

func (b *Bridge) acceptLoop() {
	defer b.wg.Done()
	defer b.dead.Store(true)
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if !b.closed.Load() {
				core.Log.Errorf("Bridge", "Accept failed: %v", err)
			}
			return
		}

		if !b.admit(conn) {
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer b.untrack(conn)
			defer conn.Close()
			b.handleSession(conn)
		}()
	}
}

// admit registers a freshly accepted connection. A connection accepted in the
// window between Stop's close sweep and the listener close would otherwise be
// tracked too late and stall Stop's wait on its deadline-less greeting read,
// so admit re-checks closed after tracking and rejects the straggler.
func (b *Bridge) admit(conn net.Conn) bool {
	b.track(conn)
	if b.closed.Load() {
		conn.Close()
		b.untrack(conn)
		return false
	}
	return true
}

func (b *Bridge) track(c net.Conn) {
	b.connMu.Lock()
	b.conns[c] = struct{}{}
	b.connMu.Unlock()
}

func (b *Bridge) untrack(c net.Conn) {
	b.connMu.Lock()
	delete(b.conns, c)
	b.connMu.Unlock()
}

// handleSession runs one client session to completion. Protocol violations
// abort only this session; the listener keeps serving.
func (b *Bridge) handleSession(conn net.Conn) {
	if err := readGreeting(conn); err != nil {
		core.Log.Debugf("Bridge", "Greeting from %s failed: %v", conn.RemoteAddr(), err)
		return
	}

	req, err := readRequest(conn)
	if err != nil {
		var perr *protocolError
		if errors.As(err, &perr) && perr.Reply != 0 {
			sendReply(conn, perr.Reply)
		}
		core.Log.Debugf("Bridge", "Request from %s failed: %v", conn.RemoteAddr(), err)
		return
	}

	switch req.Cmd {
	case cmdConnect:
		b.handleConnect(conn, req)
	case cmdFwdUDP:
		b.handleFwdUDP(conn, req)
	default:
		sendReply(conn, repCmdUnsupported)
		core.Log.Debugf("Bridge", "Unsupported command %d from %s", req.Cmd, conn.RemoteAddr())
	}
}

// handleConnect opens a tunnel stream to the destination and splices. The
// upstream's own rejection (including its auth handshake failing) is mapped
// to the nearest local reply code; the client never sees upstream auth.
func (b *Bridge) handleConnect(conn net.Conn, req *request) {
	dest := req.DestAddr()

	ctx, cancel := context.WithTimeout(context.Background(), b.dialTimeout)
	upstream, err := b.ep.DialContext(ctx, "tcp", dest)
	cancel()
	if err != nil {
		sendReply(conn, replyForDialError(err))
		core.Log.Warnf("Bridge", "Connect %s via %s failed: %v", dest, b.ep.Name(), err)
		return
	}
	defer upstream.Close()

	if err := sendReply(conn, repSuccess); err != nil {
		return
	}
	core.Log.Debugf("Bridge", "Connect %s -> %s", conn.RemoteAddr(), dest)

	b.splice(conn, upstream)
}

// replyForDialError picks the SOCKS5 reply code for an upstream dial failure.
func replyForDialError(err error) byte {
	var uerr *endpoint.UpstreamError
	if errors.As(err, &uerr) && uerr.Code == repRefused {
		return repRefused
	}
	return repGeneralFailure
}

// splice copies both directions until either side finishes, half-closing the
// write side of the peer as each direction drains.
func (b *Bridge) splice(client, upstream net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go b.copyHalf(upstream, client, true, &wg)  // client -> tunnel (tx)
	go b.copyHalf(client, upstream, false, &wg) // tunnel -> client (rx)
	wg.Wait()
}

func (b *Bridge) copyHalf(dst, src net.Conn, tx bool, wg *sync.WaitGroup) {
	defer wg.Done()

	bufPtr := copyBufPool.Get().(*[]byte)
	n, _ := io.CopyBuffer(dst, src, *bufPtr)
	copyBufPool.Put(bufPtr)

	if b.counters != nil && n > 0 {
		if tx {
			b.counters(n, 0)
		} else {
			b.counters(0, n)
		}
	}

	type closeWriter interface{ CloseWrite() error }
	type closeReader interface{ CloseRead() error }
	if cw, ok := dst.(closeWriter); ok {
		cw.CloseWrite()
	} else {
		dst.Close()
	}
	if cr, ok := src.(closeReader); ok {
		cr.CloseRead()
	}
}
