package bridge

import (
	"fmt"
	"io"
	"net"
)

// Server-side SOCKS5 constants. FWD_UDP (0x05) is this project's extension
// command: a length-prefixed datagram session over the TCP stream, used
// because most raw transports cannot carry real UDP.
const (
	socksVersion = 0x05

	cmdConnect = 0x01
	cmdFwdUDP  = 0x05

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess         = 0x00
	repGeneralFailure  = 0x01
	repRefused         = 0x05
	repCmdUnsupported  = 0x07
	repAddrUnsupported = 0x08
)

// protocolError marks malformed client bytes. It aborts only the offending
// session; Reply is the code to send back when the protocol state allows it
// (0 means the stream is too broken to answer).
type protocolError struct {
	Reply byte
	Msg   string
}

func (e *protocolError) Error() string { return e.Msg }

// request is one parsed SOCKS5 request.
type request struct {
	Cmd  byte
	Atyp byte
	Addr string // host (IP literal or domain), without port
	Port uint16
}

// DestAddr returns the destination as a host:port dial string.
func (r *request) DestAddr() string {
	return net.JoinHostPort(r.Addr, fmt.Sprintf("%d", r.Port))
}

// readGreeting consumes the client greeting [VER NMETHODS METHODS...] and
// answers no-auth. Upstream auth requirements are never exposed to the local
// client.
func readGreeting(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return &protocolError{Msg: fmt.Sprintf("read greeting: %v", err)}
	}
	if header[0] != socksVersion {
		return &protocolError{Msg: fmt.Sprintf("bad SOCKS version %d", header[0])}
	}
	nmethods := int(header[1])
	if nmethods > 0 {
		if _, err := io.ReadFull(conn, make([]byte, nmethods)); err != nil {
			return &protocolError{Msg: fmt.Sprintf("read methods: %v", err)}
		}
	}
	if _, err := conn.Write([]byte{socksVersion, 0x00}); err != nil {
		return &protocolError{Msg: fmt.Sprintf("send method choice: %v", err)}
	}
	return nil
}

// readRequest parses [VER CMD RSV ATYP ADDR PORT].
func readRequest(conn net.Conn) (*request, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, &protocolError{Msg: fmt.Sprintf("read request header: %v", err)}
	}
	if header[0] != socksVersion {
		return nil, &protocolError{Msg: fmt.Sprintf("bad SOCKS version %d in request", header[0])}
	}

	req := &request{Cmd: header[1], Atyp: header[3]}

	switch req.Atyp {
	case atypIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, &protocolError{Msg: fmt.Sprintf("read IPv4 addr: %v", err)}
		}
		req.Addr = net.IP(buf).String()
	case atypIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, &protocolError{Msg: fmt.Sprintf("read IPv6 addr: %v", err)}
		}
		req.Addr = net.IP(buf).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, &protocolError{Msg: fmt.Sprintf("read domain len: %v", err)}
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return nil, &protocolError{Msg: fmt.Sprintf("read domain: %v", err)}
		}
		req.Addr = string(domain)
	default:
		return nil, &protocolError{Reply: repAddrUnsupported, Msg: fmt.Sprintf("unsupported address type %d", req.Atyp)}
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, &protocolError{Msg: fmt.Sprintf("read port: %v", err)}
	}
	req.Port = uint16(portBuf[0])<<8 | uint16(portBuf[1])

	return req, nil
}

// sendReply writes [VER CODE RSV ATYP=IPv4 0.0.0.0 0]. The bound address is
// always zero; no peer of this bridge uses it.
func sendReply(conn net.Conn, code byte) error {
	_, err := conn.Write([]byte{socksVersion, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
