// Package config handles TOML configuration parsing and validation for kestrel-dhcpd.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/logging"
)

// Config is the top-level configuration for kestrel-dhcpd.
type Config struct {
	Server            ServerConfig            `toml:"server"`
	Network           NetworkConfig           `toml:"network"`
	ConflictDetection ConflictDetectionConfig `toml:"conflict_detection"`
	Metrics           MetricsConfig           `toml:"metrics"`
}

// ServerConfig holds core server settings.
type ServerConfig struct {
	Interface    string `toml:"interface"` // empty: listen on every interface
	BindAddress  string `toml:"bind_address"`
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
	LeaseDB      string `toml:"lease_db"`
	MaxInFlight  int    `toml:"max_in_flight"`
	OfferTimeout string `toml:"offer_timeout"`
	PIDFile      string `toml:"pid_file"`
}

// NetworkConfig describes the single served subnet.
type NetworkConfig struct {
	Network    string `toml:"network"`
	ServerID   string `toml:"server_id"`
	Gateway    string `toml:"gateway"`
	SubnetMask string `toml:"subnet_mask"`
	DNSServer  string `toml:"dns_server"`
	LeaseTime  string `toml:"lease_time"`
}

// ConflictDetectionConfig holds IP conflict detection settings.
type ConflictDetectionConfig struct {
	Enabled      bool   `toml:"enabled"`
	Method       string `toml:"method"`
	ProbeTimeout string `toml:"probe_timeout"`
	Privileged   bool   `toml:"privileged"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// Load reads and parses a TOML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes TOML data, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		ConflictDetection: ConflictDetectionConfig{Enabled: true, Privileged: true},
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in default values for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.BindAddress == "" {
		cfg.Server.BindAddress = DefaultBindAddress
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = DefaultLogFormat
	}
	if cfg.Server.LeaseDB == "" {
		cfg.Server.LeaseDB = DefaultLeaseDB
	}
	if cfg.Server.MaxInFlight == 0 {
		cfg.Server.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Server.OfferTimeout == "" {
		cfg.Server.OfferTimeout = DefaultOfferTimeout.String()
	}

	if cfg.Network.LeaseTime == "" {
		cfg.Network.LeaseTime = DefaultLeaseTime.String()
	}

	if cfg.ConflictDetection.Method == "" {
		cfg.ConflictDetection.Method = DefaultProbeMethod
	}
	if cfg.ConflictDetection.ProbeTimeout == "" {
		cfg.ConflictDetection.ProbeTimeout = DefaultProbeTimeout.String()
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = DefaultMetricsListen
	}
}

// validate checks the configuration for errors.
func validate(cfg *Config) error {
	if cfg.Server.MaxInFlight < 0 {
		return fmt.Errorf("server.max_in_flight must be positive, got %d", cfg.Server.MaxInFlight)
	}
	if _, err := positiveDuration(cfg.Server.OfferTimeout); err != nil {
		return fmt.Errorf("server.offer_timeout: %w", err)
	}
	if _, err := logging.ParseLevel(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("server.log_level: %w", err)
	}
	if !logging.ValidFormat(cfg.Server.LogFormat) {
		return fmt.Errorf("server.log_format must be %q or %q, got %q", logging.FormatJSON, logging.FormatText, cfg.Server.LogFormat)
	}
	if _, _, err := net.SplitHostPort(cfg.Server.BindAddress); err != nil {
		return fmt.Errorf("server.bind_address %q: %w", cfg.Server.BindAddress, err)
	}

	if _, err := cfg.Subnet(); err != nil {
		return err
	}

	switch cfg.ConflictDetection.Method {
	case "icmp", "ping", "none":
	default:
		return fmt.Errorf("conflict_detection.method must be \"icmp\", \"ping\" or \"none\", got %q", cfg.ConflictDetection.Method)
	}
	if _, err := positiveDuration(cfg.ConflictDetection.ProbeTimeout); err != nil {
		return fmt.Errorf("conflict_detection.probe_timeout: %w", err)
	}

	return nil
}

// Subnet builds the immutable view of the served network.
func (cfg *Config) Subnet() (*Subnet, error) {
	n := cfg.Network
	if n.Network == "" {
		return nil, fmt.Errorf("network.network is required")
	}
	_, network, err := net.ParseCIDR(n.Network)
	if err != nil {
		return nil, fmt.Errorf("network.network: invalid network %q: %w", n.Network, err)
	}
	if network.IP.To4() == nil {
		return nil, fmt.Errorf("network.network %q is not an IPv4 network", n.Network)
	}

	serverIP, err := requireIPv4("network.server_id", n.ServerID)
	if err != nil {
		return nil, err
	}
	gateway, err := requireIPv4("network.gateway", n.Gateway)
	if err != nil {
		return nil, err
	}
	dns, err := requireIPv4("network.dns_server", n.DNSServer)
	if err != nil {
		return nil, err
	}
	if !network.Contains(serverIP) {
		return nil, fmt.Errorf("network.server_id %s is not in network %s", serverIP, network)
	}
	if !network.Contains(gateway) {
		return nil, fmt.Errorf("network.gateway %s is not in network %s", gateway, network)
	}

	mask := net.IP(network.Mask).To4()
	if n.SubnetMask != "" {
		mask, err = requireIPv4("network.subnet_mask", n.SubnetMask)
		if err != nil {
			return nil, err
		}
		if ones, bits := net.IPMask(mask).Size(); bits == 0 {
			return nil, fmt.Errorf("network.subnet_mask %s is not a contiguous mask", n.SubnetMask)
		} else if ones != prefixLen(network) {
			return nil, fmt.Errorf("network.subnet_mask %s does not match network %s", n.SubnetMask, network)
		}
	}

	leaseTime, err := positiveDuration(n.LeaseTime)
	if err != nil {
		return nil, fmt.Errorf("network.lease_time: %w", err)
	}
	if leaseTime.Seconds() > float64(^uint32(0)) {
		return nil, fmt.Errorf("network.lease_time %s overflows 32 bits of seconds", leaseTime)
	}

	return &Subnet{
		Network:    network,
		ServerIP:   serverIP,
		Gateway:    gateway,
		SubnetMask: mask,
		DNS:        dns,
		LeaseTime:  leaseTime,
	}, nil
}

// OfferTimeoutDuration returns server.offer_timeout as a duration.
func (cfg *Config) OfferTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(cfg.Server.OfferTimeout)
	if err != nil {
		return DefaultOfferTimeout
	}
	return d
}

// ProbeTimeoutDuration returns conflict_detection.probe_timeout as a duration.
func (cfg *Config) ProbeTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(cfg.ConflictDetection.ProbeTimeout)
	if err != nil {
		return DefaultProbeTimeout
	}
	return d
}

// ProbeMethod returns the effective probe method, "none" when disabled.
func (cfg *Config) ProbeMethod() string {
	if !cfg.ConflictDetection.Enabled {
		return "none"
	}
	return cfg.ConflictDetection.Method
}

func requireIPv4(field, s string) (net.IP, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, fmt.Errorf("%s %q is not a valid IPv4 address", field, s)
	}
	return ip, nil
}

func positiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

func prefixLen(network *net.IPNet) int {
	ones, _ := network.Mask.Size()
	return ones
}
