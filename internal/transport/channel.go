package transport

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/xtaci/smux"

	"tunnelcore/internal/core"
	"tunnelcore/internal/platform"
)

// channelHandle carries the DNS-tunneled raw TCP kind. The native
// collaborator hands us one reliable byte stream; we run an smux session
// over it and expose a loopback proxy port where every accepted connection
// becomes one smux stream to the remote side's proxy. One carrier, many
// concurrent bridge sessions.
type channelHandle struct {
	kind    core.TunnelKind
	carrier net.Conn
	sess    *smux.Session
	ln      net.Listener
	addr    string

	wg      sync.WaitGroup
	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

// channelCopyBufPool reuses 64KB buffers for stream relaying.
var channelCopyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 64*1024)
		return &b
	},
}

// StartChannel opens the raw channel via the native collaborator, layers an
// smux client session on it, and starts the loopback proxy listener on
// listenAddr (loopback-only).
func StartChannel(nt platform.NativeTransport, profile core.TunnelProfile, protector platform.SocketProtector, listenAddr string) (Handle, error) {
	if nt == nil {
		return nil, fmt.Errorf("[Transport] no native transport collaborator available")
	}

	carrier, err := nt.OpenChannel(profile, protector)
	if err != nil {
		return nil, fmt.Errorf("[Transport] open raw channel: %w", err)
	}

	cfg := smux.DefaultConfig()
	cfg.Version = 2
	cfg.KeepAliveInterval = 10 * time.Second
	if profile.KeepAlive > 0 {
		cfg.KeepAliveInterval = profile.KeepAlive
	}
	cfg.KeepAliveTimeout = 3 * cfg.KeepAliveInterval
	sess, err := smux.Client(carrier, cfg)
	if err != nil {
		carrier.Close()
		return nil, fmt.Errorf("[Transport] open smux session: %w", err)
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		sess.Close()
		carrier.Close()
		return nil, fmt.Errorf("[Transport] listen %s: %w", listenAddr, err)
	}

	h := &channelHandle{
		kind:    profile.Kind.InnerKind(),
		carrier: carrier,
		sess:    sess,
		ln:      ln,
		addr:    ln.Addr().String(),
		conns:   make(map[net.Conn]struct{}),
		stopped: make(chan struct{}),
	}

	h.wg.Add(1)
	go h.acceptLoop()

	core.Log.Infof("Transport", "Raw channel up (proxy=%s)", h.addr)
	return h, nil
}

func (h *channelHandle) Kind() core.TunnelKind { return h.kind }
func (h *channelHandle) ProxyAddr() string     { return h.addr }

func (h *channelHandle) IsAlive() bool {
	select {
	case <-h.stopped:
		return false
	default:
		return !h.sess.IsClosed()
	}
}

// IsReady mirrors IsAlive: the channel is usable as soon as the smux session
// is up, there is no separate secure-channel signal on this kind.
func (h *channelHandle) IsReady() bool { return h.IsAlive() }

func (h *channelHandle) Stop() error {
	h.stopOnce.Do(func() {
		close(h.stopped)
		h.ln.Close()
		h.sess.Close()
		h.carrier.Close()

		h.connsMu.Lock()
		for c := range h.conns {
			c.Close()
		}
		h.connsMu.Unlock()

		h.wg.Wait()
		core.Log.Infof("Transport", "Raw channel stopped")
	})
	return nil
}

func (h *channelHandle) acceptLoop() {
	defer h.wg.Done()

	for {
		conn, err := h.ln.Accept()
		if err != nil {
			select {
			case <-h.stopped:
				return
			default:
				core.Log.Errorf("Transport", "Channel accept error: %v", err)
				return
			}
		}

		h.wg.Add(1)
		go h.relay(conn)
	}
}

// relay pairs one local connection with one smux stream.
func (h *channelHandle) relay(local net.Conn) {
	defer h.wg.Done()
	defer local.Close()

	h.track(local)
	defer h.untrack(local)

	stream, err := h.sess.OpenStream()
	if err != nil {
		core.Log.Warnf("Transport", "Open stream: %v", err)
		return
	}
	defer stream.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go copyHalf(stream, local, &wg)
	go copyHalf(local, stream, &wg)
	wg.Wait()
}

func (h *channelHandle) track(c net.Conn) {
	h.connsMu.Lock()
	h.conns[c] = struct{}{}
	h.connsMu.Unlock()
}

func (h *channelHandle) untrack(c net.Conn) {
	h.connsMu.Lock()
	delete(h.conns, c)
	h.connsMu.Unlock()
}

// copyHalf copies src→dst and half-closes the destination on EOF so the
// other direction can drain independently. smux streams have no CloseWrite;
// fully closing one here would cut off an in-flight response, so a
// destination without CloseWrite is left open for relay's deferred close
// after both halves finish.
func copyHalf(dst, src net.Conn, wg *sync.WaitGroup) {
	defer wg.Done()

	bp := channelCopyBufPool.Get().(*[]byte)
	io.CopyBuffer(dst, src, *bp)
	channelCopyBufPool.Put(bp)

	type closeWriter interface{ CloseWrite() error }
	type closeReader interface{ CloseRead() error }
	if cw, ok := dst.(closeWriter); ok {
		cw.CloseWrite()
	}
	if cr, ok := src.(closeReader); ok {
		cr.CloseRead()
	}
}
