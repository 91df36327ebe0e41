package core

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings are runtime knobs delivered by the external preferences store.
// They arrive already validated; zero values fall back to the defaults below.
type Settings struct {
	// KillSwitch keeps the virtual interface alive (blocking all egress)
	// when supervision fails, instead of tearing everything down.
	KillSwitch bool `yaml:"kill_switch,omitempty"`

	// HealthInterval is the supervision check period (default 5s).
	HealthInterval time.Duration `yaml:"health_interval,omitempty"`
	// HealthGrace delays the first health check after connect (default 15s).
	HealthGrace time.Duration `yaml:"health_grace,omitempty"`

	// NetworkDebounce collapses bursts of network-change events into a
	// single reconnection trigger (default 500ms).
	NetworkDebounce time.Duration `yaml:"network_debounce,omitempty"`

	// ReconnectInterval and ReconnectMaxRetries govern the timed
	// reconnection attempts scheduled by the kill switch and network-change
	// supervision. MaxRetries 0 means unlimited.
	ReconnectInterval   time.Duration `yaml:"reconnect_interval,omitempty"`
	ReconnectMaxRetries int           `yaml:"reconnect_max_retries,omitempty"`

	// PortPollTimeout bounds waiting for a started component's port to
	// accept connections (default 20s). ReadyPollTimeout bounds the
	// secondary readiness signal, which can take much longer (default 60s).
	PortPollTimeout  time.Duration `yaml:"port_poll_timeout,omitempty"`
	ReadyPollTimeout time.Duration `yaml:"ready_poll_timeout,omitempty"`

	// InternalPort is the loopback-only port the inner transport of a
	// composite kind exposes (default 18087).
	InternalPort int `yaml:"internal_port,omitempty"`

	// TransportPort is the local SOCKS port an external transport process
	// (Tor/Snowflake) is told to listen on (default 19050).
	TransportPort int `yaml:"transport_port,omitempty"`

	// TorBinary and SnowflakeBinary locate the external pluggable-transport
	// clients on hosts that ship them as separate executables.
	TorBinary       string `yaml:"tor_binary,omitempty"`
	SnowflakeBinary string `yaml:"snowflake_binary,omitempty"`
}

// Defaults returns a copy of s with zero fields replaced by defaults.
func (s Settings) Defaults() Settings {
	if s.HealthInterval <= 0 {
		s.HealthInterval = 5 * time.Second
	}
	if s.HealthGrace <= 0 {
		s.HealthGrace = 15 * time.Second
	}
	if s.NetworkDebounce <= 0 {
		s.NetworkDebounce = 500 * time.Millisecond
	}
	if s.ReconnectInterval <= 0 {
		s.ReconnectInterval = 10 * time.Second
	}
	if s.PortPollTimeout <= 0 {
		s.PortPollTimeout = 20 * time.Second
	}
	if s.ReadyPollTimeout <= 0 {
		s.ReadyPollTimeout = 60 * time.Second
	}
	if s.InternalPort <= 0 {
		s.InternalPort = 18087
	}
	if s.TransportPort <= 0 {
		s.TransportPort = 19050
	}
	return s
}

// Config is the top-level file format consumed by the CLI harness. The mobile
// host bypasses this entirely and hands the orchestrator validated values.
type Config struct {
	Profile  TunnelProfile `yaml:"profile"`
	Settings Settings      `yaml:"settings,omitempty"`
	Logging  LogConfig     `yaml:"logging,omitempty"`
}

// ProfileManager handles loading and saving the profile file.
type ProfileManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
}

// NewProfileManager creates a manager that reads from the given file.
func NewProfileManager(filePath string) *ProfileManager {
	return &ProfileManager{filePath: filePath}
}

// Load reads and parses the profile file, then validates the profile.
func (pm *ProfileManager) Load() error {
	data, err := os.ReadFile(pm.filePath)
	if err != nil {
		return fmt.Errorf("[Core] read profile %s: %w", pm.filePath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[Core] parse profile: %w", err)
	}
	if err := cfg.Profile.Validate(); err != nil {
		return err
	}

	pm.mu.Lock()
	pm.config = cfg
	pm.mu.Unlock()
	return nil
}

// Save writes the current configuration to disk.
func (pm *ProfileManager) Save() error {
	pm.mu.RLock()
	data, err := yaml.Marshal(&pm.config)
	pm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Core] marshal profile: %w", err)
	}
	if err := os.WriteFile(pm.filePath, data, 0600); err != nil {
		return fmt.Errorf("[Core] write profile %s: %w", pm.filePath, err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (pm *ProfileManager) Get() Config {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.config
}
