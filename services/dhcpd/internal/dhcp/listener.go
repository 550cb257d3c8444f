package dhcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/rs/zerolog"

	"dhcpd/services/dhcpd/internal/packet"
)

const (
	maxDatagram = 1500
	clientPort  = 68
)

// ListenFunc opens the server socket bound to iface.
type ListenFunc func(iface string, addr *net.UDPAddr) (net.PacketConn, error)

func listenUDP(iface string, addr *net.UDPAddr) (net.PacketConn, error) {
	conn, err := server4.NewIPv4UDPConn(iface, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Listener reads DHCP requests from a UDP socket and handles each datagram
// on its own goroutine. Replies are broadcast to the client port.
type Listener struct {
	handler *Handler
	iface   string
	addr    *net.UDPAddr
	dest    *net.UDPAddr
	listen  ListenFunc
	logger  zerolog.Logger

	wg sync.WaitGroup
}

func NewListener(handler *Handler, iface, listenAddr string, logger zerolog.Logger) (*Listener, error) {
	addr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %q: %w", listenAddr, err)
	}
	return &Listener{
		handler: handler,
		iface:   iface,
		addr:    addr,
		dest:    &net.UDPAddr{IP: net.IPv4bcast, Port: clientPort},
		listen:  listenUDP,
		logger:  logger.With().Str("component", "dhcp_listener").Logger(),
	}, nil
}

// Run serves until ctx is done. In-flight datagrams are finished before Run
// returns.
func (l *Listener) Run(ctx context.Context, ready *atomic.Bool) error {
	conn, err := l.listen(l.iface, l.addr)
	if err != nil {
		return fmt.Errorf("start listener on %s: %w", l.iface, err)
	}
	defer conn.Close()
	defer l.wg.Wait()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	ready.Store(true)
	defer ready.Store(false)
	l.logger.Info().Str("interface", l.iface).Stringer("addr", conn.LocalAddr()).Msg("dhcp listening")

	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("dhcp read: %w", err)
		}

		datagram := bytes.Clone(buf[:n])
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serve(ctx, conn, peer, datagram)
		}()
	}
}

func (l *Listener) serve(ctx context.Context, conn net.PacketConn, peer net.Addr, datagram []byte) {
	reply, err := l.handler.Handle(ctx, datagram)
	switch {
	case errors.Is(err, packet.ErrMalformedPacket):
		l.logger.Debug().Err(err).Stringer("peer", peer).Int("bytes", len(datagram)).Msg("dropping malformed datagram")
		return
	case errors.Is(err, ErrAddressUnavailable), errors.Is(err, ErrPoolExhausted):
	case err != nil:
		l.logger.Error().Err(err).Stringer("peer", peer).Stringer("message", reply.Message).Msg("dhcp request failed")
	}

	if reply.Payload == nil {
		return
	}
	if _, err := conn.WriteTo(reply.Payload, l.dest); err != nil {
		l.logger.Error().Err(err).Stringer("message", reply.Message).Msg("send dhcp reply")
	}
}
