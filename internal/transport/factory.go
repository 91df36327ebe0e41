package transport

import (
	"fmt"
	"net"

	"tunnelcore/internal/core"
	"tunnelcore/internal/platform"
)

// Deps are the collaborators a transport start needs.
type Deps struct {
	Native    platform.NativeTransport
	Protector platform.SocketProtector
	Settings  core.Settings
}

// Start launches the raw transport for the profile's kind (the inner kind
// for composites — the SSH layer is not a transport handle, the orchestrator
// builds it as an endpoint over the handle returned here).
func Start(profile core.TunnelProfile, deps Deps) (Handle, error) {
	switch profile.Kind.InnerKind() {
	case core.KindDNSQuic:
		return StartNative(deps.Native, profile, deps.Protector)

	case core.KindDNSRaw:
		listenAddr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", deps.Settings.InternalPort))
		if !profile.Kind.IsComposite() {
			// Standalone dns-raw: the channel proxy is the bridge's upstream
			// directly, so it can sit on an ephemeral port.
			listenAddr = "127.0.0.1:0"
		}
		return StartChannel(deps.Native, profile, deps.Protector, listenAddr)

	case core.KindTor, core.KindSnowflake:
		return StartProcess(torSpec(profile, deps.Settings))

	case core.KindSSH:
		return nil, fmt.Errorf("[Transport] ssh kind has no raw transport process")

	default:
		return nil, fmt.Errorf("[Transport] unknown tunnel kind %s", profile.Kind)
	}
}

// torSpec assembles the command line for the Tor-family transports. The
// Snowflake kind is Tor with the snowflake client registered as its
// pluggable transport and the profile's bridge lines enabled.
func torSpec(profile core.TunnelProfile, settings core.Settings) ProcessSpec {
	proxyAddr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", settings.TransportPort))

	args := []string{
		"--SocksPort", proxyAddr,
		"--DataDirectory", "tor-data",
		"--Log", "notice stdout",
	}

	if profile.Kind == core.KindSnowflake && settings.SnowflakeBinary != "" {
		args = append(args,
			"--ClientTransportPlugin", "snowflake exec "+settings.SnowflakeBinary,
		)
	}

	if len(profile.TorBridges) > 0 {
		args = append(args, "--UseBridges", "1")
		for _, line := range profile.TorBridges {
			args = append(args, "--Bridge", line)
		}
	}

	return ProcessSpec{
		Kind:      profile.Kind,
		Binary:    settings.TorBinary,
		Args:      args,
		ProxyAddr: proxyAddr,
	}
}
