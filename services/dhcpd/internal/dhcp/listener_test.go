package dhcp

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerServesOverUDP(t *testing.T) {
	f := newFixture(t)
	l, err := NewListener(NewHandler(f.server, zerolog.Nop()), "lo", "127.0.0.1:0", zerolog.Nop())
	require.NoError(t, err)

	client, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()
	l.dest = client.LocalAddr().(*net.UDPAddr)

	bound := make(chan net.Addr, 1)
	l.listen = func(_ string, addr *net.UDPAddr) (net.PacketConn, error) {
		conn, err := net.ListenUDP("udp4", addr)
		if err != nil {
			return nil, err
		}
		bound <- conn.LocalAddr()
		return conn, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	var ready atomic.Bool
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, &ready) }()

	var server net.Addr
	select {
	case server = <-bound:
	case <-time.After(time.Second):
		t.Fatal("listener did not bind")
	}
	assert.Eventually(t, ready.Load, time.Second, 5*time.Millisecond)

	// Garbage is dropped without a reply and does not stop the listener.
	_, err = client.WriteTo([]byte("hello"), server)
	require.NoError(t, err)

	disc, err := dhcpv4.NewDiscovery(mac(1))
	require.NoError(t, err)
	_, err = client.WriteTo(disc.ToBytes(), server)
	require.NoError(t, err)

	buf := make([]byte, maxDatagram)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := client.ReadFrom(buf)
	require.NoError(t, err)

	offer, err := dhcpv4.FromBytes(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.MessageTypeOffer, offer.MessageType())
	assert.Equal(t, disc.TransactionID, offer.TransactionID)
	assert.True(t, offer.YourIPAddr.Equal(net.IPv4(10, 0, 0, 4)))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
	assert.False(t, ready.Load())
}

func TestListenerBindFailure(t *testing.T) {
	f := newFixture(t)
	l, err := NewListener(NewHandler(f.server, zerolog.Nop()), "eth9", "0.0.0.0:67", zerolog.Nop())
	require.NoError(t, err)
	l.listen = func(string, *net.UDPAddr) (net.PacketConn, error) {
		return nil, &net.OpError{Op: "listen", Net: "udp4", Err: net.UnknownNetworkError("eth9")}
	}

	var ready atomic.Bool
	err = l.Run(context.Background(), &ready)
	assert.ErrorContains(t, err, "start listener on eth9")
	assert.False(t, ready.Load())
}

func TestNewListenerRejectsBadAddress(t *testing.T) {
	_, err := NewListener(nil, "lo", "not an address", zerolog.Nop())
	assert.Error(t, err)
}
