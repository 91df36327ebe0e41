package orchestrator

import (
	"context"
	"fmt"
	"net"
	"time"

	"tunnelcore/internal/bridge"
	"tunnelcore/internal/core"
	"tunnelcore/internal/dnspool"
	"tunnelcore/internal/endpoint"
	"tunnelcore/internal/platform"
	"tunnelcore/internal/transport"
)

// interfaceSettleDelay gives the host a moment to install the per-process
// exclusion rule before the transport opens its first socket.
const interfaceSettleDelay = time.Second

const defaultSSHKeepAlive = 15 * time.Second

// dataPlane is the restartable half of a session: everything except the
// virtual interface. Network-change reconnection and kill-switch retries
// replace the data plane while the interface stays attached.
type dataPlane struct {
	handle transport.Handle // nil for the direct SSH kind
	sshEP  *endpoint.SSHEndpoint
	ep     endpoint.Endpoint
	pool   *dnspool.Pool
	brd    *bridge.Bridge
}

// stop tears the data plane down in reverse start order. Safe on a partially
// built plane.
func (d *dataPlane) stop() {
	if d.brd != nil {
		d.brd.Stop()
	}
	if d.pool != nil {
		d.pool.Stop()
	}
	if d.ep != nil {
		// For SSH kinds the endpoint is the SSH session itself; Close tears
		// the session and its keep-alive loop down.
		d.ep.Close()
	}
	if d.handle != nil {
		d.handle.Stop()
	}
}

// alive reports whether every live component of the plane still runs: the
// transport, the SSH layer when present, and the bridge itself.
func (d *dataPlane) alive() bool {
	if d.handle != nil && !d.handle.IsAlive() {
		return false
	}
	if d.sshEP != nil && !d.sshEP.Alive() {
		return false
	}
	if d.brd != nil && !d.brd.Alive() {
		return false
	}
	return true
}

// session is one established connection: a data plane plus the virtual
// interface.
type session struct {
	profile core.TunnelProfile
	plane   *dataPlane
	tun     platform.TunDevice
}

// teardown stops the data plane and, unless keepInterface is set (kill
// switch), closes the virtual interface.
func (s *session) teardown(keepInterface bool) {
	if s.plane != nil {
		s.plane.stop()
		s.plane = nil
	}
	if s.tun != nil {
		s.tun.DetachSplitter()
		if !keepInterface {
			s.tun.Close()
			s.tun = nil
		}
	}
}

// startSequence runs the tunnel-kind-specific startup shape. Any failed step
// tears down everything started so far.
func (o *Orchestrator) startSequence(ctx context.Context, profile core.TunnelProfile) (*session, error) {
	if profile.Kind.InterfaceFirst() {
		return o.startInterfaceFirst(ctx, profile)
	}
	return o.startTransportFirst(ctx, profile)
}

// startTransportFirst: transport → ports/readiness → bridge → interface.
// Used when the bridge's sockets only need exclusion once traffic flows.
func (o *Orchestrator) startTransportFirst(ctx context.Context, profile core.TunnelProfile) (*session, error) {
	plane, err := o.startDataPlane(ctx, profile)
	if err != nil {
		return nil, err
	}

	tun, err := o.deps.Host.EstablishInterface(interfaceParams(profile))
	if err != nil {
		plane.stop()
		return nil, fmt.Errorf("[Orchestrator] establish interface: %w", err)
	}
	if err := tun.AttachSplitter(plane.brd.Addr()); err != nil {
		tun.Close()
		plane.stop()
		return nil, fmt.Errorf("[Orchestrator] attach splitter: %w", err)
	}

	return &session{profile: profile, plane: plane, tun: tun}, nil
}

// startInterfaceFirst: interface → settle delay → transport → bridge. Used
// when the transport's own sockets must bypass the interface from the moment
// they are created.
func (o *Orchestrator) startInterfaceFirst(ctx context.Context, profile core.TunnelProfile) (*session, error) {
	tun, err := o.deps.Host.EstablishInterface(interfaceParams(profile))
	if err != nil {
		return nil, fmt.Errorf("[Orchestrator] establish interface: %w", err)
	}

	select {
	case <-ctx.Done():
		tun.Close()
		return nil, ctx.Err()
	case <-time.After(interfaceSettleDelay):
	}

	plane, err := o.startDataPlane(ctx, profile)
	if err != nil {
		tun.Close()
		return nil, err
	}
	if err := tun.AttachSplitter(plane.brd.Addr()); err != nil {
		plane.stop()
		tun.Close()
		return nil, fmt.Errorf("[Orchestrator] attach splitter: %w", err)
	}

	return &session{profile: profile, plane: plane, tun: tun}, nil
}

// startDataPlane builds transport, endpoint, DNS pool, and bridge, validating
// each step before the next layers on top. On error everything started so far
// is stopped.
func (o *Orchestrator) startDataPlane(ctx context.Context, profile core.TunnelProfile) (*dataPlane, error) {
	d := &dataPlane{}
	fail := func(err error) (*dataPlane, error) {
		d.stop()
		return nil, err
	}

	if profile.Kind.InnerKind() != core.KindSSH {
		handle, err := transport.Start(profile, transport.Deps{
			Native:    o.deps.Native,
			Protector: o.deps.Protector,
			Settings:  o.settings,
		})
		if err != nil {
			return nil, err
		}
		d.handle = handle

		if err := transport.PollPort(ctx, handle.ProxyAddr(), o.settings.PortPollTimeout); err != nil {
			return fail(fmt.Errorf("[Orchestrator] transport port: %w", err))
		}
		if err := transport.PollReady(ctx, handle, o.settings.ReadyPollTimeout); err != nil {
			return fail(fmt.Errorf("[Orchestrator] transport readiness: %w", err))
		}
	}

	ep, sshEP, err := o.buildEndpoint(ctx, profile, d.handle)
	if err != nil {
		return fail(err)
	}
	d.ep = ep
	d.sshEP = sshEP

	d.pool = dnspool.New(ep, poolResolvers(profile), profile.DoHEndpoint)
	d.pool.Start()

	d.brd = bridge.New(profile.ListenAddr(), ep, d.pool, o.stats.AddBytes)
	if err := d.brd.Start(); err != nil {
		return fail(err)
	}
	if err := transport.PollPort(ctx, d.brd.Addr(), o.settings.PortPollTimeout); err != nil {
		return fail(fmt.Errorf("[Orchestrator] bridge port: %w", err))
	}

	return d, nil
}

// buildEndpoint constructs the endpoint the bridge dials through, per kind.
// Composite kinds chain: inner transport proxy → SSH session → endpoint.
func (o *Orchestrator) buildEndpoint(ctx context.Context, profile core.TunnelProfile, handle transport.Handle) (endpoint.Endpoint, *endpoint.SSHEndpoint, error) {
	auth := socksAuth(profile)
	keepAlive := profile.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultSSHKeepAlive
	}

	switch profile.Kind {
	case core.KindDNSQuic, core.KindDNSRaw:
		return endpoint.NewSOCKSEndpoint("Upstream", handle.ProxyAddr(), auth, nil), nil, nil

	case core.KindTor, core.KindSnowflake:
		ep, err := endpoint.NewProxyEndpoint(profile.Kind.String(), handle.ProxyAddr(), nil)
		if err != nil {
			return nil, nil, err
		}
		return ep, nil, nil

	case core.KindSSH:
		// Direct SSH: the carrier is a plain TCP dial, protected so it
		// bypasses the already-attached interface.
		dial := func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: 15 * time.Second}
			if o.deps.Protector != nil {
				d.Control = o.deps.Protector.Control
			}
			return d.DialContext(ctx, "tcp", addr)
		}
		sshEP := endpoint.NewSSHEndpoint("SSH", profile.RemoteHost, profile.SSH, keepAlive, dial)
		if err := sshEP.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return sshEP, sshEP, nil

	case core.KindSSHOverDNSQuic, core.KindSSHOverDNSRaw:
		inner := endpoint.NewSOCKSEndpoint("Inner", handle.ProxyAddr(), auth, nil)
		dial := func(ctx context.Context, addr string) (net.Conn, error) {
			return inner.DialContext(ctx, "tcp", addr)
		}
		sshEP := endpoint.NewSSHEndpoint("SSH", profile.RemoteHost, profile.SSH, keepAlive, dial)
		if err := sshEP.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return sshEP, sshEP, nil

	default:
		return nil, nil, fmt.Errorf("[Orchestrator] unknown tunnel kind %s", profile.Kind)
	}
}

func socksAuth(profile core.TunnelProfile) *endpoint.Credentials {
	if profile.SOCKSUsername == "" {
		return nil
	}
	return &endpoint.Credentials{Username: profile.SOCKSUsername, Password: profile.SOCKSPassword}
}

// poolResolvers returns the profile's resolvers, falling back to well-known
// public resolvers so the pool's primary/secondary failover always has a
// secondary to fail over to.
func poolResolvers(profile core.TunnelProfile) []core.DNSServer {
	if len(profile.Resolvers) > 0 {
		return profile.Resolvers
	}
	return []core.DNSServer{
		{Host: "1.1.1.1", Port: 53},
		{Host: "8.8.8.8", Port: 53},
	}
}

// interfaceParams builds the virtual-interface request. Addressing is a fixed
// point-to-point stub network; the host side owns actual route installation.
func interfaceParams(profile core.TunnelProfile) platform.InterfaceParams {
	return platform.InterfaceParams{
		Address:    "10.111.222.1/30",
		Routes:     []string{"0.0.0.0/0"},
		DNSServers: []string{"10.111.222.2"},
		MTU:        1400,
	}
}
