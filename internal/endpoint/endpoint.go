// Package endpoint abstracts "the thing the bridge dials through". Every raw
// transport exposes one Endpoint; the bridge and the DNS worker pool are
// written against this interface and never see transport-specific quirks
// (upstream auth requirements, SSH channels, pluggable-transport arguments).
package endpoint

import (
	"context"
	"net"
)

// Endpoint opens connections to arbitrary destinations through the active
// raw transport.
type Endpoint interface {
	// DialContext opens a stream to addr (host:port) through the transport.
	// Implementations perform whatever upstream handshake the transport
	// needs; an upstream SOCKS5 rejection surfaces as *UpstreamError.
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)

	// Name returns a short identifier for logging.
	Name() string

	// Close releases any long-lived resources held by the endpoint (SSH
	// sessions, cached dialers). Dialed connections are closed by callers.
	Close() error
}

// Credentials hold optional username/password for upstream SOCKS5
// authentication (method 0x02).
type Credentials struct {
	Username string
	Password string
}

// UpstreamError is returned when the transport's upstream SOCKS5 proxy
// rejects a handshake or CONNECT. Code is the upstream reply code (0x01
// general failure, 0x02 not allowed, 0x05 refused, ...), or 0xFF when the
// failure happened during auth negotiation before any reply code existed.
type UpstreamError struct {
	Code byte
	Msg  string
}

func (e *UpstreamError) Error() string {
	return e.Msg
}
