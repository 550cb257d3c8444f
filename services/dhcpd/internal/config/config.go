package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"

	"dhcpd/services/dhcpd/internal/pool"
)

// ErrInvalidConfig marks configuration that must stop the service at startup.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads the configuration through the given lookuper.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Probe.Network {
	case "ip4:icmp", "udp4":
	default:
		return fmt.Errorf("%w: DHCPD_PROBE_NETWORK must be ip4:icmp or udp4, got %q", ErrInvalidConfig, c.Probe.Network)
	}
	if c.Probe.Timeout < 0 {
		return fmt.Errorf("%w: DHCPD_PROBE_TIMEOUT must not be negative", ErrInvalidConfig)
	}
	if c.DHCP.OfferTimeout <= 0 {
		return fmt.Errorf("%w: DHCPD_OFFER_TIMEOUT must be positive", ErrInvalidConfig)
	}
	if c.DHCP.ConflictHold <= 0 {
		return fmt.Errorf("%w: DHCPD_CONFLICT_HOLD must be positive", ErrInvalidConfig)
	}
	if c.DHCP.SweepInterval <= 0 {
		return fmt.Errorf("%w: DHCPD_SWEEP_INTERVAL must be positive", ErrInvalidConfig)
	}
	if _, err := zerolog.ParseLevel(c.Telemetry.LogLevel); err != nil {
		return fmt.Errorf("%w: LOG_LEVEL: %w", ErrInvalidConfig, err)
	}
	_, err := c.Network()
	return err
}

// LogLevel returns the parsed LOG_LEVEL. It is only meaningful on a Config
// returned by Load.
func (c Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Telemetry.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Network validates the addressing fields and returns them as an immutable
// value.
func (c Config) Network() (Network, error) {
	networkAddr, err := parseIPv4("NETWORK_ADDR", c.DHCP.NetworkAddr)
	if err != nil {
		return Network{}, err
	}
	mask, err := parseIPv4("SUBNET_MASK", c.DHCP.SubnetMask)
	if err != nil {
		return Network{}, err
	}
	bits, err := maskBits(mask)
	if err != nil {
		return Network{}, err
	}
	if bits > 30 {
		return Network{}, fmt.Errorf("%w: SUBNET_MASK %s leaves no room for clients", ErrInvalidConfig, mask)
	}
	prefix := netip.PrefixFrom(networkAddr, bits)
	if prefix.Masked().Addr() != networkAddr {
		return Network{}, fmt.Errorf("%w: NETWORK_ADDR %s is not the network address of /%d", ErrInvalidConfig, networkAddr, bits)
	}
	if size := uint64(1) << (32 - bits); size > pool.MaxPrefixSize {
		return Network{}, fmt.Errorf("%w: /%d network is larger than %d addresses", ErrInvalidConfig, bits, pool.MaxPrefixSize)
	}

	server, err := parseIPv4("SERVER_IDENTIFIER", c.DHCP.ServerIdentifier)
	if err != nil {
		return Network{}, err
	}
	if err := checkHost("SERVER_IDENTIFIER", server, prefix); err != nil {
		return Network{}, err
	}
	gateway, err := parseIPv4("DEFAULT_GATEWAY", c.DHCP.DefaultGateway)
	if err != nil {
		return Network{}, err
	}
	if err := checkHost("DEFAULT_GATEWAY", gateway, prefix); err != nil {
		return Network{}, err
	}
	dns, err := parseIPv4("DNS_SERVER", c.DHCP.DNSServer)
	if err != nil {
		return Network{}, err
	}

	if c.DHCP.LeaseSeconds <= 0 || c.DHCP.LeaseSeconds > math.MaxUint32 {
		return Network{}, fmt.Errorf("%w: LEASE_TIME must be between 1 and %d seconds, got %d", ErrInvalidConfig, uint32(math.MaxUint32), c.DHCP.LeaseSeconds)
	}

	return Network{
		Prefix:     prefix,
		SubnetMask: mask,
		Gateway:    gateway,
		Server:     server,
		DNS:        dns,
		LeaseTime:  time.Duration(c.DHCP.LeaseSeconds) * time.Second,
	}, nil
}

// Reserved returns the addresses that are never handed out: network,
// gateway, server, DNS and broadcast.
func (n Network) Reserved() []netip.Addr {
	return []netip.Addr{
		n.Prefix.Addr(),
		n.Gateway,
		n.Server,
		n.DNS,
		pool.Broadcast(n.Prefix),
	}
}

// checkHost requires addr to be a host address of prefix, not its network or
// broadcast address.
func checkHost(key string, addr netip.Addr, prefix netip.Prefix) error {
	switch {
	case !prefix.Contains(addr):
		return fmt.Errorf("%w: %s %s is outside %s", ErrInvalidConfig, key, addr, prefix)
	case addr == prefix.Addr():
		return fmt.Errorf("%w: %s %s is the network address of %s", ErrInvalidConfig, key, addr, prefix)
	case addr == pool.Broadcast(prefix):
		return fmt.Errorf("%w: %s %s is the broadcast address of %s", ErrInvalidConfig, key, addr, prefix)
	}
	return nil
}

func parseIPv4(key, value string) (netip.Addr, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return netip.Addr{}, fmt.Errorf("%w: %s is required", ErrInvalidConfig, key)
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: invalid %s %q: %w", ErrInvalidConfig, key, value, err)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %s must be an IPv4 address, got %q", ErrInvalidConfig, key, value)
	}
	return addr, nil
}

func maskBits(mask netip.Addr) (int, error) {
	b := mask.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	bits := 0
	for v&0x80000000 != 0 {
		bits++
		v <<= 1
	}
	if v != 0 {
		return 0, fmt.Errorf("%w: SUBNET_MASK %s is not contiguous", ErrInvalidConfig, mask)
	}
	return bits, nil
}
