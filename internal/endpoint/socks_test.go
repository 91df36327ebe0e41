package endpoint

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// upstreamBehavior scripts a fake upstream SOCKS5 proxy for one connection.
type upstreamBehavior struct {
	method    byte // auth method the server picks
	authOK    bool // user/pass accepted
	replyCode byte // CONNECT reply code
}

// startUpstream runs a minimal upstream SOCKS5 server with the scripted
// behavior and returns its address.
func startUpstream(t *testing.T, b upstreamBehavior) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("upstream listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveUpstream(conn, b)
		}
	}()
	return ln.Addr().String()
}

func serveUpstream(conn net.Conn, b upstreamBehavior) {
	defer conn.Close()

	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return
	}
	if _, err := io.ReadFull(conn, make([]byte, int(header[1]))); err != nil {
		return
	}
	conn.Write([]byte{0x05, b.method})

	if b.method == authUserPassword {
		hdr := make([]byte, 2)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		user := make([]byte, int(hdr[1]))
		if _, err := io.ReadFull(conn, user); err != nil {
			return
		}
		plen := make([]byte, 1)
		if _, err := io.ReadFull(conn, plen); err != nil {
			return
		}
		if _, err := io.ReadFull(conn, make([]byte, int(plen[0]))); err != nil {
			return
		}
		status := byte(0x00)
		if !b.authOK {
			status = 0x01
		}
		conn.Write([]byte{userPassVersion, status})
		if !b.authOK {
			return
		}
	} else if b.method == authNoAcceptable {
		return
	}

	// CONNECT request: header + addr + port.
	reqHdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, reqHdr); err != nil {
		return
	}
	var addrLen int
	switch reqHdr[3] {
	case atypIPv4:
		addrLen = 4
	case atypIPv6:
		addrLen = 16
	case atypDomain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return
		}
		addrLen = int(l[0])
	}
	if _, err := io.ReadFull(conn, make([]byte, addrLen+2)); err != nil {
		return
	}

	conn.Write([]byte{0x05, b.replyCode, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	if b.replyCode == repSucceeded {
		io.Copy(conn, conn)
	}
}

func dialEndpoint(t *testing.T, addr string, auth *Credentials) (net.Conn, error) {
	t.Helper()
	ep := NewSOCKSEndpoint("Upstream", addr, auth, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return ep.DialContext(ctx, "tcp", "target.example.com:443")
}

func TestSOCKSEndpointNoAuth(t *testing.T) {
	addr := startUpstream(t, upstreamBehavior{method: authNone, replyCode: repSucceeded})

	conn, err := dialEndpoint(t, addr, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The server echoes after the handshake; verify the stream is relayed.
	msg := []byte("hello upstream")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
}

func TestSOCKSEndpointUserPassAccepted(t *testing.T) {
	addr := startUpstream(t, upstreamBehavior{method: authUserPassword, authOK: true, replyCode: repSucceeded})

	conn, err := dialEndpoint(t, addr, &Credentials{Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("dial with credentials: %v", err)
	}
	conn.Close()
}

func TestSOCKSEndpointAuthRejected(t *testing.T) {
	addr := startUpstream(t, upstreamBehavior{method: authUserPassword, authOK: false})

	_, err := dialEndpoint(t, addr, &Credentials{Username: "u", Password: "wrong"})
	if err == nil {
		t.Fatal("expected auth rejection")
	}
	var uerr *UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("error %v is not *UpstreamError", err)
	}
	if uerr.Code != 0xFF {
		t.Errorf("auth failure code 0x%02x, want 0xFF", uerr.Code)
	}
}

func TestSOCKSEndpointAuthRequiredButMissing(t *testing.T) {
	addr := startUpstream(t, upstreamBehavior{method: authUserPassword, authOK: true, replyCode: repSucceeded})

	_, err := dialEndpoint(t, addr, nil)
	var uerr *UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("error %v is not *UpstreamError", err)
	}
}

func TestSOCKSEndpointConnectRefused(t *testing.T) {
	addr := startUpstream(t, upstreamBehavior{method: authNone, replyCode: 0x05})

	_, err := dialEndpoint(t, addr, nil)
	var uerr *UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("error %v is not *UpstreamError", err)
	}
	if uerr.Code != 0x05 {
		t.Errorf("reply code 0x%02x, want 0x05", uerr.Code)
	}
}

func TestBuildConnectRequestAddressForms(t *testing.T) {
	req, err := buildConnectRequest("10.0.0.1:80")
	if err != nil {
		t.Fatalf("ipv4: %v", err)
	}
	if req[3] != atypIPv4 || len(req) != 4+4+2 {
		t.Errorf("ipv4 request malformed: % x", req)
	}

	req, err = buildConnectRequest("[2001:db8::1]:443")
	if err != nil {
		t.Fatalf("ipv6: %v", err)
	}
	if req[3] != atypIPv6 || len(req) != 4+16+2 {
		t.Errorf("ipv6 request malformed: % x", req)
	}

	req, err = buildConnectRequest("example.com:443")
	if err != nil {
		t.Fatalf("domain: %v", err)
	}
	if req[3] != atypDomain || req[4] != byte(len("example.com")) {
		t.Errorf("domain request malformed: % x", req)
	}
	if req[len(req)-2] != 0x01 || req[len(req)-1] != 0xBB {
		t.Errorf("port bytes wrong: % x", req[len(req)-2:])
	}

	if _, err := buildConnectRequest("no-port"); err == nil {
		t.Error("address without port must fail")
	}
}
