package endpoint

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"
)

// SOCKSEndpoint dials destinations through a raw transport's local SOCKS5
// proxy endpoint, performing the upstream handshake (with optional
// username/password) and CONNECT on every dial. Used for the DNS-tunneled
// kinds and anything else that exposes a local proxy port.
type SOCKSEndpoint struct {
	name      string
	proxyAddr string
	auth      *Credentials
	control   func(network, address string, c syscall.RawConn) error
	timeout   time.Duration
}

// NewSOCKSEndpoint creates an endpoint for the proxy at proxyAddr. auth is
// nil when the upstream accepts no-auth. control, when non-nil, is applied to
// the proxy-side socket (socket protection on mobile hosts).
func NewSOCKSEndpoint(name, proxyAddr string, auth *Credentials, control func(network, address string, c syscall.RawConn) error) *SOCKSEndpoint {
	return &SOCKSEndpoint{
		name:      name,
		proxyAddr: proxyAddr,
		auth:      auth,
		control:   control,
		timeout:   10 * time.Second,
	}
}

// Name returns the endpoint identifier for logging.
func (e *SOCKSEndpoint) Name() string { return e.name }

// DialContext connects to the local proxy, handshakes, and issues a CONNECT
// for addr. The returned conn carries the relayed stream.
func (e *SOCKSEndpoint) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("[%s] unsupported network %q", e.name, network)
	}

	d := net.Dialer{Timeout: e.timeout, Control: e.control}
	conn, err := d.DialContext(ctx, "tcp", e.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("[%s] connect to transport %s: %w", e.name, e.proxyAddr, err)
	}

	// Bound the handshake, not the relayed stream.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(e.timeout))
	}

	if err := clientHandshake(conn, e.auth); err != nil {
		conn.Close()
		return nil, err
	}
	if err := clientConnect(conn, addr); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}

// Close is a no-op; SOCKSEndpoint holds no long-lived state.
func (e *SOCKSEndpoint) Close() error { return nil }
