package config

import "time"

// Default configuration values.
const (
	DefaultBindAddress   = "0.0.0.0:67"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultLeaseDB       = "/var/lib/kestrel-dhcpd/leases.db"
	DefaultMaxInFlight   = 64
	DefaultOfferTimeout  = 60 * time.Second
	DefaultLeaseTime     = 24 * time.Hour
	DefaultProbeMethod   = "icmp"
	DefaultProbeTimeout  = 200 * time.Millisecond
	DefaultMetricsListen = "127.0.0.1:9167"
)
