package main

import (
	"fmt"
	"net"

	"tunnelcore/internal/core"
	"tunnelcore/internal/platform"
)

// devHost simulates the OS/VPN-host collaborator on a development machine.
// No interface is created; applications reach the tunnel by pointing at the
// bridge's SOCKS5 port themselves.
type devHost struct{}

func (devHost) EstablishInterface(params platform.InterfaceParams) (platform.TunDevice, error) {
	core.Log.Infof("Core", "Simulated interface %s (routes=%v, mtu=%d)",
		params.Address, params.Routes, params.MTU)
	return &devTun{}, nil
}

type devTun struct{}

func (t *devTun) AttachSplitter(bridgeAddr string) error {
	core.Log.Infof("Core", "Splitter attached to %s (simulated)", bridgeAddr)
	return nil
}

func (t *devTun) DetachSplitter() error { return nil }
func (t *devTun) Stats() (int64, int64) { return 0, 0 }
func (t *devTun) Close() error          { return nil }

// unavailableNative stands in for the mobile-only native transport library.
// DNS-tunneled kinds fail with a clear message instead of a nil deref.
type unavailableNative struct{}

func (unavailableNative) Start(profile core.TunnelProfile, protector platform.SocketProtector) (platform.NativeHandle, error) {
	return nil, fmt.Errorf("[Transport] DNS-tunneled kinds require the native transport library (mobile host only)")
}

func (unavailableNative) OpenChannel(profile core.TunnelProfile, protector platform.SocketProtector) (net.Conn, error) {
	return nil, fmt.Errorf("[Transport] DNS-tunneled kinds require the native transport library (mobile host only)")
}
