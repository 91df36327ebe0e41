package transport

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/xtaci/smux"

	"tunnelcore/internal/core"
	"tunnelcore/internal/platform"
)

// pipeNative hands out one side of an in-memory pipe as the raw channel and
// runs an smux echo server on the other side, standing in for the remote end
// of the DNS-tunneled raw TCP transport.
type pipeNative struct {
	t *testing.T
}

func (n *pipeNative) Start(profile core.TunnelProfile, protector platform.SocketProtector) (platform.NativeHandle, error) {
	n.t.Fatal("Start must not be called for the raw channel kind")
	return nil, nil
}

func (n *pipeNative) OpenChannel(profile core.TunnelProfile, protector platform.SocketProtector) (net.Conn, error) {
	local, remote := net.Pipe()

	cfg := smux.DefaultConfig()
	cfg.Version = 2
	go func() {
		sess, err := smux.Server(remote, cfg)
		if err != nil {
			return
		}
		for {
			stream, err := sess.AcceptStream()
			if err != nil {
				return
			}
			go func(s *smux.Stream) {
				defer s.Close()
				io.Copy(s, s)
			}(stream)
		}
	}()

	return local, nil
}

func TestChannelRelaysStreamsOverSmux(t *testing.T) {
	profile := core.TunnelProfile{
		Name:       "raw",
		Kind:       core.KindDNSRaw,
		RemoteHost: "t.example.net",
		ListenPort: 1080,
	}

	h, err := StartChannel(&pipeNative{t: t}, profile, nil, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("start channel: %v", err)
	}
	defer h.Stop()

	if !h.IsAlive() || !h.IsReady() {
		t.Fatal("fresh channel must be alive and ready")
	}
	if h.Kind() != core.KindDNSRaw {
		t.Errorf("kind = %s", h.Kind())
	}

	// Two concurrent sessions through the one carrier.
	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", h.ProxyAddr())
		if err != nil {
			t.Fatalf("dial proxy: %v", err)
		}
		msg := []byte("multiplexed hello")
		if _, err := conn.Write(msg); err != nil {
			t.Fatalf("write: %v", err)
		}
		got := make([]byte, len(msg))
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadFull(conn, got); err != nil {
			t.Fatalf("read echo: %v", err)
		}
		if string(got) != string(msg) {
			t.Errorf("echo mismatch: %q", got)
		}
		conn.Close()
	}
}

// lateReplyNative models a remote that reads a fixed-size request, answers
// only after a delay, and then closes the stream. Clients that shut their
// write side before reading must still get the full reply.
type lateReplyNative struct {
	t      *testing.T
	reqLen int
	reply  []byte
}

func (n *lateReplyNative) Start(profile core.TunnelProfile, protector platform.SocketProtector) (platform.NativeHandle, error) {
	n.t.Fatal("Start must not be called for the raw channel kind")
	return nil, nil
}

func (n *lateReplyNative) OpenChannel(profile core.TunnelProfile, protector platform.SocketProtector) (net.Conn, error) {
	local, remote := net.Pipe()

	cfg := smux.DefaultConfig()
	cfg.Version = 2
	go func() {
		sess, err := smux.Server(remote, cfg)
		if err != nil {
			return
		}
		for {
			stream, err := sess.AcceptStream()
			if err != nil {
				return
			}
			go func(s *smux.Stream) {
				defer s.Close()
				req := make([]byte, n.reqLen)
				if _, err := io.ReadFull(s, req); err != nil {
					return
				}
				time.Sleep(200 * time.Millisecond)
				s.Write(n.reply)
			}(stream)
		}
	}()

	return local, nil
}

func TestChannelDeliversReplyAfterLocalHalfClose(t *testing.T) {
	reply := []byte("late but complete reply")
	profile := core.TunnelProfile{
		Name:       "raw",
		Kind:       core.KindDNSRaw,
		RemoteHost: "t.example.net",
		ListenPort: 1080,
	}

	h, err := StartChannel(&lateReplyNative{t: t, reqLen: 4, reply: reply}, profile, nil, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("start channel: %v", err)
	}
	defer h.Stop()

	conn, err := net.Dial("tcp", h.ProxyAddr())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write request: %v", err)
	}
	// Shut the write side before the remote has replied; the relay must not
	// close the stream underneath the pending response.
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("half-close: %v", err)
	}

	got := make([]byte, len(reply))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read reply after half-close: %v", err)
	}
	if string(got) != string(reply) {
		t.Errorf("reply mismatch: %q", got)
	}
}

func TestChannelStopClosesEverything(t *testing.T) {
	profile := core.TunnelProfile{
		Name:       "raw",
		Kind:       core.KindDNSRaw,
		RemoteHost: "t.example.net",
		ListenPort: 1080,
	}

	h, err := StartChannel(&pipeNative{t: t}, profile, nil, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("start channel: %v", err)
	}
	addr := h.ProxyAddr()

	if err := h.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.IsAlive() {
		t.Error("stopped channel reports alive")
	}
	if _, err := net.Dial("tcp", addr); err == nil {
		t.Error("proxy port still accepting after Stop")
	}

	// Stop is idempotent.
	if err := h.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
