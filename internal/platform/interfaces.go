package platform

import (
	"net"
	"syscall"

	"tunnelcore/internal/core"
)

// InterfaceParams describes the virtual network interface the OS/VPN host
// establishes on our behalf: address, routes, DNS and the per-app exclusion
// list that keeps the tunnel's own traffic off the interface.
type InterfaceParams struct {
	Address      string   // interface address in CIDR form, e.g. "10.111.222.1/30"
	Routes       []string // routed prefixes, usually ["0.0.0.0/0"]
	DNSServers   []string // DNS servers pushed to the host resolver
	ExcludedApps []string // package/executable names excluded from the interface
	MTU          int
}

// TunDevice is an established virtual interface. The OS-level traffic
// splitter reads from it and feeds the bridge; we only attach/detach the
// splitter and sample its byte counters.
type TunDevice interface {
	// AttachSplitter points the traffic splitter at the bridge's SOCKS5
	// listener. Called once after the bridge is up, and again (without
	// recreating the interface) after a reconnection.
	AttachSplitter(bridgeAddr string) error

	// DetachSplitter stops feeding the bridge. The interface stays up, so
	// default routes keep pointing into it (kill-switch behavior).
	DetachSplitter() error

	// Stats returns cumulative transmit/receive byte counters from the
	// traffic splitter.
	Stats() (tx, rx int64)

	// Close tears down the interface and releases its routes.
	Close() error
}

// VPNHost is the OS/VPN-host collaborator that can establish the virtual
// interface. This system only calls it, never implements it.
type VPNHost interface {
	EstablishInterface(params InterfaceParams) (TunDevice, error)
}

// SocketProtector marks a socket to bypass the virtual interface
// ("protect this socket"). Usable as a net.Dialer.Control function.
type SocketProtector interface {
	Control(network, address string, c syscall.RawConn) error
}

// NetworkNotifier delivers connectivity/link-property change notifications
// from the platform. Callbacks may arrive in bursts; debouncing is the
// caller's business.
type NetworkNotifier interface {
	Start(onChange func()) error
	Stop() error
}

// NativeHandle is the running native DNS-tunneled QUIC transport.
type NativeHandle interface {
	// ProxyAddr returns the transport's local proxy endpoint (host:port).
	ProxyAddr() string
	// IsAlive reports whether the native task is still running.
	IsAlive() bool
	// IsReady reports the secondary readiness signal (secure channel
	// established). May lag IsAlive by many seconds.
	IsReady() bool
	Stop() error
}

// NativeTransport is the native-transport collaborator contract:
// start(profile) → handle.
type NativeTransport interface {
	// Start launches the DNS-tunneled QUIC transport, which exposes its own
	// local proxy endpoint.
	Start(profile core.TunnelProfile, protector SocketProtector) (NativeHandle, error)

	// OpenChannel establishes the DNS-tunneled raw TCP channel and returns
	// it as a single reliable byte stream. The caller multiplexes it.
	OpenChannel(profile core.TunnelProfile, protector SocketProtector) (net.Conn, error)
}
