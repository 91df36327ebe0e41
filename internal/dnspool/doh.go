package dnspool

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"

	"tunnelcore/internal/core"
)

const (
	dohContentType  = "application/dns-message"
	dohMaxResponse  = 64 * 1024
	dohProbeTimeout = 15 * time.Second
)

// dohClient POSTs raw DNS messages to an RFC 8484 endpoint. TLS is done with
// a uTLS browser fingerprint so the fallback does not stand out on networks
// that already forced us off plain DNS; the underlying TCP goes through the
// tunnel endpoint's dialer.
type dohClient struct {
	url  string
	dial func(ctx context.Context, network, addr string) (net.Conn, error)

	mu sync.Mutex
	rt http.RoundTripper
}

func newDoHClient(url string, dial func(ctx context.Context, network, addr string) (net.Conn, error)) *dohClient {
	return &dohClient{url: url, dial: dial}
}

// Exchange sends one DNS query and returns the raw response message.
func (c *dohClient) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	rt, err := c.roundTripper(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("build DoH request: %w", err)
	}
	req.Header.Set("Content-Type", dohContentType)
	req.Header.Set("Accept", dohContentType)

	resp, err := rt.RoundTrip(req)
	if err != nil {
		c.invalidate()
		return nil, fmt.Errorf("DoH round trip: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DoH status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, dohMaxResponse))
	if err != nil {
		return nil, fmt.Errorf("read DoH response: %w", err)
	}
	return body, nil
}

// roundTripper builds the HTTP transport lazily. The ALPN result of the
// first uTLS handshake decides whether requests go over HTTP/2 or HTTP/1.1,
// since the fingerprint offers both and the server picks.
func (c *dohClient) roundTripper(ctx context.Context) (http.RoundTripper, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rt != nil {
		return c.rt, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, dohProbeTimeout)
	defer cancel()

	req, err := http.NewRequest(http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	addr := req.URL.Host
	if req.URL.Port() == "" {
		addr = net.JoinHostPort(addr, "443")
	}

	probe, err := c.dialTLS(probeCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("DoH TLS probe: %w", err)
	}

	proto := probe.(*utls.UConn).ConnectionState().NegotiatedProtocol
	core.Log.Debugf("DNSPool", "DoH endpoint negotiated %q", proto)

	// Hand the probe connection to the transport so the handshake is not
	// wasted; later dials go through dialTLS again.
	var used sync.Once
	dialFn := func(ctx context.Context, network, addr string) (net.Conn, error) {
		var conn net.Conn
		used.Do(func() { conn = probe })
		if conn != nil {
			return conn, nil
		}
		return c.dialTLS(ctx, network, addr)
	}

	if proto == http2.NextProtoTLS {
		c.rt = &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialFn(ctx, network, addr)
			},
		}
	} else {
		c.rt = &http.Transport{
			DialTLSContext:  dialFn,
			MaxIdleConns:    2,
			IdleConnTimeout: 60 * time.Second,
		}
	}
	return c.rt, nil
}

// dialTLS opens a tunnel stream to addr and completes a uTLS handshake over
// it with a Chrome fingerprint.
func (c *dohClient) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	raw, err := c.dial(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	uconn := utls.UClient(raw, &utls.Config{ServerName: host}, utls.HelloChrome_Auto)
	if err := uconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("uTLS handshake with %s: %w", addr, err)
	}
	return uconn, nil
}

// invalidate drops the cached transport so the next exchange rebuilds it.
// Round-trip failures usually mean the tunnel underneath was replaced.
func (c *dohClient) invalidate() {
	c.mu.Lock()
	if c.rt != nil {
		if t, ok := c.rt.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
		c.rt = nil
	}
	c.mu.Unlock()
}
