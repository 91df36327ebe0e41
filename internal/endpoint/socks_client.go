package endpoint

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
)

// SOCKS5 protocol constants (RFC 1928 / RFC 1929).
const (
	socksVersion     = 0x05
	authNone         = 0x00
	authUserPassword = 0x02
	authNoAcceptable = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSucceeded = 0x00

	userPassVersion   = 0x01
	userPassSucceeded = 0x00
)

// clientHandshake negotiates the auth method with an upstream SOCKS5 proxy
// and, when the proxy picks username/password, runs the RFC 1929 exchange.
func clientHandshake(conn net.Conn, auth *Credentials) error {
	var methods []byte
	if auth != nil {
		methods = []byte{authNone, authUserPassword}
	} else {
		methods = []byte{authNone}
	}

	greeting := make([]byte, 2+len(methods))
	greeting[0] = socksVersion
	greeting[1] = byte(len(methods))
	copy(greeting[2:], methods)

	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("read auth method: %w", err)
	}
	if reply[0] != socksVersion {
		return fmt.Errorf("invalid SOCKS version %d", reply[0])
	}

	switch reply[1] {
	case authNone:
		return nil
	case authUserPassword:
		if auth == nil {
			return &UpstreamError{Code: 0xFF, Msg: "upstream requires auth but no credentials configured"}
		}
		return userPassAuth(conn, auth)
	case authNoAcceptable:
		return &UpstreamError{Code: 0xFF, Msg: "upstream accepted no auth method"}
	default:
		return fmt.Errorf("unsupported auth method %d", reply[1])
	}
}

// userPassAuth performs RFC 1929 username/password authentication.
func userPassAuth(conn net.Conn, auth *Credentials) error {
	uLen := len(auth.Username)
	pLen := len(auth.Password)
	if uLen > 255 || pLen > 255 {
		return fmt.Errorf("username or password too long")
	}

	msg := make([]byte, 3+uLen+pLen)
	msg[0] = userPassVersion
	msg[1] = byte(uLen)
	copy(msg[2:], auth.Username)
	msg[2+uLen] = byte(pLen)
	copy(msg[3+uLen:], auth.Password)

	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("send user/pass: %w", err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	if reply[1] != userPassSucceeded {
		return &UpstreamError{Code: 0xFF, Msg: fmt.Sprintf("upstream rejected credentials (status %d)", reply[1])}
	}
	return nil
}

// clientConnect issues a CONNECT for addr on an already-handshaken upstream
// connection and consumes the reply. A non-success reply code surfaces as
// *UpstreamError so the bridge can map it to a local reply.
func clientConnect(conn net.Conn, addr string) error {
	req, err := buildConnectRequest(addr)
	if err != nil {
		return err
	}
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("send CONNECT: %w", err)
	}
	return readConnectReply(conn)
}

// buildConnectRequest encodes [VER CMD RSV ATYP ADDR PORT] for addr.
func buildConnectRequest(addr string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port in %q", addr)
	}

	req := []byte{socksVersion, cmdConnect, 0x00}
	if ip, err := netip.ParseAddr(host); err == nil {
		if ip.Is4() {
			a4 := ip.As4()
			req = append(req, atypIPv4)
			req = append(req, a4[:]...)
		} else {
			a16 := ip.As16()
			req = append(req, atypIPv6)
			req = append(req, a16[:]...)
		}
	} else {
		if len(host) > 255 {
			return nil, fmt.Errorf("domain %q too long", host)
		}
		req = append(req, atypDomain, byte(len(host)))
		req = append(req, host...)
	}
	req = append(req, byte(port>>8), byte(port))
	return req, nil
}

// readConnectReply reads and discards the bound address in the CONNECT reply.
func readConnectReply(conn net.Conn) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("read CONNECT reply: %w", err)
	}
	if header[0] != socksVersion {
		return fmt.Errorf("invalid SOCKS version %d in reply", header[0])
	}
	if header[1] != repSucceeded {
		return &UpstreamError{
			Code: header[1],
			Msg:  fmt.Sprintf("upstream CONNECT rejected (code %d)", header[1]),
		}
	}

	var addrLen int
	switch header[3] {
	case atypIPv4:
		addrLen = 4
	case atypIPv6:
		addrLen = 16
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return err
		}
		addrLen = int(lenBuf[0])
	default:
		return fmt.Errorf("unsupported address type %d in reply", header[3])
	}

	// Bound address + 2-byte port; value unused for CONNECT.
	if _, err := io.ReadFull(conn, make([]byte, addrLen+2)); err != nil {
		return err
	}
	return nil
}
