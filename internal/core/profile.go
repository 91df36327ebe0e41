package core

import (
	"fmt"
	"net"
	"time"

	"gopkg.in/yaml.v3"
)

// TunnelKind identifies which raw transport a profile uses.
type TunnelKind int

const (
	// KindDNSQuic tunnels traffic over the native DNS-tunneled QUIC channel.
	KindDNSQuic TunnelKind = iota
	// KindDNSRaw tunnels traffic over the DNS-tunneled raw TCP channel.
	KindDNSRaw
	// KindSSH tunnels traffic over a direct SSH connection.
	KindSSH
	// KindSSHOverDNSQuic layers SSH on top of the DNS-tunneled QUIC channel.
	KindSSHOverDNSQuic
	// KindSSHOverDNSRaw layers SSH on top of the DNS-tunneled raw TCP channel.
	KindSSHOverDNSRaw
	// KindSnowflake tunnels traffic over a Snowflake pluggable transport.
	KindSnowflake
	// KindTor tunnels traffic over a Tor client with optional bridges.
	KindTor
)

func (k TunnelKind) String() string {
	switch k {
	case KindDNSQuic:
		return "dns-quic"
	case KindDNSRaw:
		return "dns-raw"
	case KindSSH:
		return "ssh"
	case KindSSHOverDNSQuic:
		return "ssh-over-dns-quic"
	case KindSSHOverDNSRaw:
		return "ssh-over-dns-raw"
	case KindSnowflake:
		return "snowflake"
	case KindTor:
		return "tor"
	default:
		return "unknown"
	}
}

// ParseTunnelKind parses a string into a TunnelKind.
func ParseTunnelKind(s string) (TunnelKind, error) {
	switch s {
	case "dns-quic", "dnsquic":
		return KindDNSQuic, nil
	case "dns-raw", "dnsraw", "dns-tcp":
		return KindDNSRaw, nil
	case "ssh":
		return KindSSH, nil
	case "ssh-over-dns-quic":
		return KindSSHOverDNSQuic, nil
	case "ssh-over-dns-raw":
		return KindSSHOverDNSRaw, nil
	case "snowflake":
		return KindSnowflake, nil
	case "tor":
		return KindTor, nil
	default:
		return KindDNSQuic, fmt.Errorf("unknown tunnel kind: %q", s)
	}
}

// IsComposite reports whether the kind chains SSH over an inner raw tunnel.
func (k TunnelKind) IsComposite() bool {
	return k == KindSSHOverDNSQuic || k == KindSSHOverDNSRaw
}

// InnerKind returns the inner raw tunnel of a composite kind.
// For non-composite kinds it returns the kind itself.
func (k TunnelKind) InnerKind() TunnelKind {
	switch k {
	case KindSSHOverDNSQuic:
		return KindDNSQuic
	case KindSSHOverDNSRaw:
		return KindDNSRaw
	default:
		return k
	}
}

// InterfaceFirst reports whether startup must attach the virtual interface
// before starting the transport. Kinds whose transport sockets are created by
// this process need the per-process exclusion rule to exist before any socket
// is opened; the DNS-tunneled kinds create their sockets behind the native
// collaborator or a protected dialer and attach the interface last, so their
// bridge sockets can be excluded once traffic starts flowing.
func (k TunnelKind) InterfaceFirst() bool {
	switch k {
	case KindSSH, KindSnowflake, KindTor:
		return true
	default:
		return false
	}
}

// DNSServer is one upstream resolver for the DNS worker pool.
type DNSServer struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Authoritative marks the resolver that terminates the DNS tunnel domain
	// (queried directly rather than recursively).
	Authoritative bool `yaml:"authoritative,omitempty"`
}

// Addr returns the server as a host:port dial string.
func (s DNSServer) Addr() string {
	port := s.Port
	if port == 0 {
		port = 53
	}
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", port))
}

// SSHCredentials holds SSH authentication material: password or key, with an
// optional passphrase for encrypted keys.
type SSHCredentials struct {
	Username   string `yaml:"username"`
	Password   string `yaml:"password,omitempty"`
	PrivateKey string `yaml:"private_key,omitempty"` // PEM, inline
	Passphrase string `yaml:"passphrase,omitempty"`
}

// TunnelProfile is the immutable per-connection configuration. It is owned by
// the external profile store; the orchestrator receives a validated read-only
// copy per Connect call and never mutates it.
type TunnelProfile struct {
	Name string     `yaml:"name"`
	Kind TunnelKind `yaml:"kind"`

	// RemoteHost is the remote endpoint: the tunnel domain for DNS-tunneled
	// kinds, host:port for SSH, a bridge target for Tor/Snowflake.
	RemoteHost string `yaml:"remote_host"`

	// Resolvers are the upstream DNS servers for the worker pool, tried in
	// order (first entry is the primary).
	Resolvers []DNSServer `yaml:"resolvers,omitempty"`

	// SOCKSUsername/SOCKSPassword authenticate against the raw transport's
	// upstream SOCKS5 proxy when it requires method 0x02. Optional.
	SOCKSUsername string `yaml:"socks_username,omitempty"`
	SOCKSPassword string `yaml:"socks_password,omitempty"`

	SSH SSHCredentials `yaml:"ssh,omitempty"`

	// DoHEndpoint is the DNS-over-HTTPS URL used as the resolution fallback
	// of last resort (RFC 8484 POST).
	DoHEndpoint string `yaml:"doh_endpoint,omitempty"`

	// TorBridges are bridge lines passed to the Tor/Snowflake transport.
	TorBridges []string `yaml:"tor_bridges,omitempty"`

	// ListenHost/ListenPort are the user-facing bridge listener address.
	ListenHost string `yaml:"listen_host,omitempty"`
	ListenPort int    `yaml:"listen_port"`

	// KeepAlive is the transport keep-alive interval. Zero disables it.
	KeepAlive time.Duration `yaml:"keep_alive,omitempty"`

	// Congestion is an opaque congestion-control hint forwarded to the
	// native transport (e.g. "bbr", "cubic").
	Congestion string `yaml:"congestion,omitempty"`
}

// Validate checks the profile for the fields its kind requires.
func (p *TunnelProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("[Core] profile name is required")
	}
	if p.RemoteHost == "" {
		return fmt.Errorf("[Core] profile %q: remote host is required", p.Name)
	}
	if p.ListenPort <= 0 || p.ListenPort > 65535 {
		return fmt.Errorf("[Core] profile %q: invalid listen port %d", p.Name, p.ListenPort)
	}
	switch p.Kind {
	case KindSSH, KindSSHOverDNSQuic, KindSSHOverDNSRaw:
		if p.SSH.Username == "" {
			return fmt.Errorf("[Core] profile %q: SSH username is required", p.Name)
		}
		if p.SSH.Password == "" && p.SSH.PrivateKey == "" {
			return fmt.Errorf("[Core] profile %q: SSH password or private key is required", p.Name)
		}
	case KindDNSQuic, KindDNSRaw:
		if len(p.Resolvers) == 0 {
			return fmt.Errorf("[Core] profile %q: at least one resolver is required", p.Name)
		}
	}
	return nil
}

// ListenAddr returns the user-facing bridge listen address.
func (p *TunnelProfile) ListenAddr() string {
	host := p.ListenHost
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", p.ListenPort))
}

// UnmarshalYAML implements yaml.Unmarshaler for TunnelKind.
func (k *TunnelKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseTunnelKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for TunnelKind.
func (k TunnelKind) MarshalYAML() (any, error) {
	return k.String(), nil
}
