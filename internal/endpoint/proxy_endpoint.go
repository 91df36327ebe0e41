package endpoint

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/proxy"
)

// ProxyEndpoint dials through a pluggable-transport client's SOCKS5 port
// (Tor, Snowflake) using the x/net proxy dialer. These transports never ask
// for per-CONNECT reply-code mapping, so the stock dialer is enough; auth
// failures still come back as dial errors.
type ProxyEndpoint struct {
	name   string
	dialer proxy.Dialer
}

// NewProxyEndpoint builds an endpoint over the SOCKS5 proxy at proxyAddr.
func NewProxyEndpoint(name, proxyAddr string, auth *Credentials) (*ProxyEndpoint, error) {
	var pa *proxy.Auth
	if auth != nil {
		pa = &proxy.Auth{User: auth.Username, Password: auth.Password}
	}
	dialer, err := proxy.SOCKS5("tcp", proxyAddr, pa, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("[%s] create dialer: %w", name, err)
	}
	return &ProxyEndpoint{name: name, dialer: dialer}, nil
}

// Name returns the endpoint identifier for logging.
func (e *ProxyEndpoint) Name() string { return e.name }

// DialContext opens a relayed stream to addr through the proxy.
func (e *ProxyEndpoint) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := e.dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return e.dialer.Dial(network, addr)
}

// Close is a no-op; the dialer is stateless.
func (e *ProxyEndpoint) Close() error { return nil }
