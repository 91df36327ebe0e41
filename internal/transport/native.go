package transport

import (
	"fmt"

	"tunnelcore/internal/core"
	"tunnelcore/internal/platform"
)

// nativeHandle adapts the native-transport collaborator's handle to the
// transport.Handle contract. Used for the DNS-tunneled QUIC kind, whose
// implementation lives entirely behind the platform boundary.
type nativeHandle struct {
	kind  core.TunnelKind
	inner platform.NativeHandle
}

// StartNative asks the native collaborator to start the transport for the
// given profile and wraps the resulting handle.
func StartNative(nt platform.NativeTransport, profile core.TunnelProfile, protector platform.SocketProtector) (Handle, error) {
	if nt == nil {
		return nil, fmt.Errorf("[Transport] no native transport collaborator available")
	}
	inner, err := nt.Start(profile, protector)
	if err != nil {
		return nil, fmt.Errorf("[Transport] start native %s: %w", profile.Kind.InnerKind(), err)
	}
	core.Log.Infof("Transport", "Native transport started (kind=%s, proxy=%s)",
		profile.Kind.InnerKind(), inner.ProxyAddr())
	return &nativeHandle{kind: profile.Kind.InnerKind(), inner: inner}, nil
}

func (h *nativeHandle) Kind() core.TunnelKind { return h.kind }
func (h *nativeHandle) ProxyAddr() string     { return h.inner.ProxyAddr() }
func (h *nativeHandle) IsAlive() bool         { return h.inner.IsAlive() }
func (h *nativeHandle) IsReady() bool         { return h.inner.IsReady() }
func (h *nativeHandle) Stop() error           { return h.inner.Stop() }
