package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	// NetworkPrivileged uses a raw ICMP socket and needs CAP_NET_RAW.
	NetworkPrivileged = "ip4:icmp"
	// NetworkUnprivileged uses a datagram ICMP socket; the kernel rewrites
	// the echo identifier.
	NetworkUnprivileged = "udp4"

	protocolICMP = 1
	payload      = "dhcpd-conflict-probe"
)

// Conn is the part of icmp.PacketConn a probe needs.
type Conn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, dst net.Addr) (int, error)
	Close() error
}

// ListenFunc opens a socket able to send and receive ICMP echo messages.
type ListenFunc func(network string) (Conn, error)

func listenICMP(network string) (Conn, error) {
	c, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ICMP probes with a single echo request and waits up to Timeout for a reply.
type ICMP struct {
	network string
	timeout time.Duration
	listen  ListenFunc
	logger  zerolog.Logger
	id      int
	seq     atomic.Uint32
}

// NewICMP returns an ICMP prober. A nil listen uses icmp.ListenPacket.
func NewICMP(network string, timeout time.Duration, listen ListenFunc, logger zerolog.Logger) *ICMP {
	if listen == nil {
		listen = listenICMP
	}
	return &ICMP{
		network: network,
		timeout: timeout,
		listen:  listen,
		logger:  logger,
		id:      os.Getpid() & 0xffff,
	}
}

// Probe sends one echo request to addr. An echo reply from addr that arrives
// before the deadline means the address is in use; anything later is dropped.
// The socket is closed and the reader has returned by the time Probe does.
func (p *ICMP) Probe(ctx context.Context, addr netip.Addr) (Result, error) {
	if !addr.Is4() {
		return Available, fmt.Errorf("probe: %s is not an IPv4 address", addr)
	}

	conn, err := p.listen(p.network)
	if err != nil {
		return Available, fmt.Errorf("probe: listen %s: %w", p.network, err)
	}

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: []byte(payload)},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		conn.Close()
		return Available, fmt.Errorf("probe: marshal echo: %w", err)
	}
	if _, err := conn.WriteTo(wire, p.destination(addr)); err != nil {
		conn.Close()
		return Available, fmt.Errorf("probe: send echo to %s: %w", addr, err)
	}

	replied := make(chan struct{}, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		p.awaitReply(conn, addr, replied)
	}()
	defer func() {
		conn.Close()
		<-readerDone
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-replied:
		p.logger.Info().Stringer("addr", addr).Msg("icmp echo reply received, address in use")
		return InUse, nil
	case <-timer.C:
		p.logger.Debug().Stringer("addr", addr).Dur("timeout", p.timeout).Msg("no icmp echo reply within timeout")
		return Available, nil
	case <-ctx.Done():
		return Available, ctx.Err()
	}
}

func (p *ICMP) destination(addr netip.Addr) net.Addr {
	if p.network == NetworkUnprivileged {
		return &net.UDPAddr{IP: addr.AsSlice()}
	}
	return &net.IPAddr{IP: addr.AsSlice()}
}

// awaitReply reads until it sees an echo reply from target or the socket is
// closed. The send never blocks, so a reply that loses the race is discarded.
func (p *ICMP) awaitReply(conn Conn, target netip.Addr, replied chan<- struct{}) {
	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				p.logger.Debug().Err(err).Msg("icmp read stopped")
			}
			return
		}
		if !p.matches(buf[:n], peer, target) {
			continue
		}
		select {
		case replied <- struct{}{}:
		default:
		}
		return
	}
}

func (p *ICMP) matches(b []byte, peer net.Addr, target netip.Addr) bool {
	if peerAddr(peer) != target {
		return false
	}
	msg, err := icmp.ParseMessage(protocolICMP, b)
	if err != nil || msg.Type != ipv4.ICMPTypeEchoReply {
		return false
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return false
	}
	if p.network == NetworkUnprivileged {
		return true
	}
	return echo.ID == p.id
}

func peerAddr(a net.Addr) netip.Addr {
	var ip net.IP
	switch v := a.(type) {
	case *net.IPAddr:
		ip = v.IP
	case *net.UDPAddr:
		ip = v.IP
	default:
		return netip.Addr{}
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}
