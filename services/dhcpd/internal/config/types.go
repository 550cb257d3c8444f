package config

import (
	"net/netip"
	"time"
)

// Config is the raw service configuration as read from the environment.
type Config struct {
	DHCP      DHCPConfig
	Probe     ProbeConfig
	Store     StoreConfig
	Ops       OpsConfig
	Telemetry TelemetryConfig
}

type DHCPConfig struct {
	Interface        string        `env:"DHCPD_INTERFACE, default=eth0"`
	ListenAddr       string        `env:"DHCPD_LISTEN_ADDR, default=0.0.0.0:67"`
	NetworkAddr      string        `env:"NETWORK_ADDR, required"`
	SubnetMask       string        `env:"SUBNET_MASK, required"`
	ServerIdentifier string        `env:"SERVER_IDENTIFIER, required"`
	DefaultGateway   string        `env:"DEFAULT_GATEWAY, required"`
	DNSServer        string        `env:"DNS_SERVER, required"`
	LeaseSeconds     int64         `env:"LEASE_TIME, default=86400"`
	OfferTimeout     time.Duration `env:"DHCPD_OFFER_TIMEOUT, default=60s"`
	ConflictHold     time.Duration `env:"DHCPD_CONFLICT_HOLD, default=10m"`
	SweepInterval    time.Duration `env:"DHCPD_SWEEP_INTERVAL, default=5s"`
}

type ProbeConfig struct {
	// Timeout zero disables conflict probing.
	Timeout time.Duration `env:"DHCPD_PROBE_TIMEOUT, default=200ms"`
	Network string        `env:"DHCPD_PROBE_NETWORK, default=ip4:icmp"`
}

type StoreConfig struct {
	DatabaseURL string `env:"DATABASE_URL, required"`
	NATSURL     string `env:"NATS_URL"`
}

type OpsConfig struct {
	Addr string `env:"DHCPD_OPS_ADDR, default=:8080"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL, default=info"`
}

// Network is the validated, immutable addressing plan served by dhcpd.
type Network struct {
	Prefix     netip.Prefix
	SubnetMask netip.Addr
	Gateway    netip.Addr
	Server     netip.Addr
	DNS        netip.Addr
	LeaseTime  time.Duration
}
