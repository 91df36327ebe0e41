// Package transport owns the raw transport handles: opaque references to a
// running point-to-point channel (native DNS-tunneled QUIC, in-process
// DNS-raw channel, external pluggable-transport process). The orchestrator
// holds exactly one handle per connection and is the only caller of Stop.
package transport

import "tunnelcore/internal/core"

// Handle is a running raw transport.
type Handle interface {
	// Kind returns the tunnel kind this handle carries.
	Kind() core.TunnelKind

	// ProxyAddr returns the transport's local proxy endpoint (host:port)
	// that the bridge dials through.
	ProxyAddr() string

	// IsAlive reports whether the underlying process/task is still running.
	IsAlive() bool

	// IsReady reports the secondary readiness signal, e.g. secure channel
	// established. Ready implies alive; readiness may lag liveness by many
	// seconds on slow links.
	IsReady() bool

	// Stop terminates the transport and releases its sockets. Idempotent.
	Stop() error
}
