package packet

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRejectsShortBuffer(t *testing.T) {
	_, err := Parse(make([]byte, MinSize-1))
	require.ErrorIs(t, err, ErrMalformedPacket)

	p, err := Parse(make([]byte, MinSize))
	require.NoError(t, err)
	assert.Len(t, p.Bytes(), MinSize)
}

func TestLayoutIsContiguous(t *testing.T) {
	next := 0
	for _, f := range layout {
		assert.Equal(t, next, f.offset, "field %s", f.name)
		next = f.end()
	}
	assert.Equal(t, optionsOffset+cookieLen, next)
}

func TestFieldRoundTrip(t *testing.T) {
	mac := net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	p := New(300)

	p.SetOp(BootReply)
	p.SetHType(1)
	p.SetHLen(6)
	p.SetHops(2)
	p.SetXID(0xdeadbeef)
	p.SetSecs(7)
	p.SetFlags(0x8000)
	p.SetCIAddr(netip.MustParseAddr("10.0.0.10"))
	p.SetYIAddr(netip.MustParseAddr("10.0.0.11"))
	p.SetSIAddr(netip.MustParseAddr("10.0.0.2"))
	p.SetGIAddr(netip.MustParseAddr("10.0.0.1"))
	p.SetCHAddr(mac)
	p.SetSName("dhcpd")
	p.SetFile("pxelinux.0")

	assert.Equal(t, BootReply, p.Op())
	assert.Equal(t, byte(1), p.HType())
	assert.Equal(t, byte(6), p.HLen())
	assert.Equal(t, byte(2), p.Hops())
	assert.Equal(t, uint32(0xdeadbeef), p.XID())
	assert.Equal(t, uint16(7), p.Secs())
	assert.Equal(t, uint16(0x8000), p.Flags())
	assert.True(t, p.Broadcast())
	assert.Equal(t, netip.MustParseAddr("10.0.0.10"), p.CIAddr())
	assert.Equal(t, netip.MustParseAddr("10.0.0.11"), p.YIAddr())
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), p.SIAddr())
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), p.GIAddr())
	assert.Equal(t, mac, p.CHAddr())
	assert.Equal(t, "dhcpd", p.SName())
	assert.Equal(t, "pxelinux.0", p.File())

	// Numeric fields are big-endian on the wire.
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, p.Bytes()[4:8])
	assert.Equal(t, []byte{10, 0, 0, 11}, p.Bytes()[16:20])
}

func TestShorterNameClearsPreviousValue(t *testing.T) {
	p := New(300)
	p.SetSName("a-long-server-name")
	p.SetSName("short")
	assert.Equal(t, "short", p.SName())
}

func TestFieldOverflowPanics(t *testing.T) {
	p := New(300)
	assert.Panics(t, func() { p.SetCHAddr(make(net.HardwareAddr, 17)) })

	short, err := Parse(make([]byte, MinSize))
	require.NoError(t, err)
	assert.False(t, short.HasMagicCookie())
}

func writeOptions(t *testing.T, p *Packet, opts []struct {
	code OptionCode
	val  []byte
}) int {
	t.Helper()
	cursor := optionsOffset
	p.SetMagicCookie(&cursor)
	for _, o := range opts {
		require.NoError(t, p.SetOption(&cursor, o.code, len(o.val), o.val))
	}
	require.NoError(t, p.SetOption(&cursor, OptionEnd, 0, nil))
	return cursor
}

func TestOptionRoundTrip(t *testing.T) {
	opts := []struct {
		code OptionCode
		val  []byte
	}{
		{OptionMessageType, []byte{byte(MessageOffer)}},
		{OptionServerIdentifier, []byte{10, 0, 0, 2}},
		{OptionLeaseTime, []byte{0, 1, 81, 128}},
		{OptionHostName, []byte("client-01")},
		{OptionDNS, []byte{}},
	}
	p := New(300)
	writeOptions(t, p, opts)
	require.True(t, p.HasMagicCookie())

	for _, o := range opts {
		got, err := p.Option(o.code)
		require.NoError(t, err, "option %d", o.code)
		assert.Equal(t, o.val, got, "option %d", o.code)
	}

	_, err := p.Option(OptionRouter)
	assert.ErrorIs(t, err, ErrOptionNotFound)

	mt, err := p.MessageType()
	require.NoError(t, err)
	assert.Equal(t, MessageOffer, mt)
	assert.Equal(t, "OFFER", mt.String())
}

func TestOptionSkipsPadding(t *testing.T) {
	p := New(300)
	cursor := optionsOffset
	p.SetMagicCookie(&cursor)
	require.NoError(t, p.SetOption(&cursor, OptionMessageType, 1, []byte{byte(MessageRequest)}))
	p.Bytes()[cursor] = byte(OptionPad)
	cursor++
	require.NoError(t, p.SetOption(&cursor, OptionRequestedIP, 4, []byte{10, 0, 0, 9}))
	require.NoError(t, p.SetOption(&cursor, OptionEnd, 0, nil))

	got, err := p.Option(OptionRequestedIP)
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 0, 0, 9}, got)
}

func TestEndMarkerDoesNotAdvanceCursor(t *testing.T) {
	p := New(300)
	cursor := 250
	require.NoError(t, p.SetOption(&cursor, OptionEnd, 0, nil))
	assert.Equal(t, 250, cursor)
	assert.Equal(t, byte(OptionEnd), p.Bytes()[250])

	require.NoError(t, p.SetOption(&cursor, OptionRouter, 4, nil))
	assert.Equal(t, 256, cursor)
}

func TestSetOptionOverflow(t *testing.T) {
	p := New(MinSize + 4)
	cursor := optionsOffset
	p.SetMagicCookie(&cursor)
	err := p.SetOption(&cursor, OptionRouter, 4, []byte{10, 0, 0, 1})
	assert.ErrorIs(t, err, ErrOptionOverflow)
	assert.Equal(t, optionsOffset+cookieLen, cursor)

	err = p.SetOption(&cursor, OptionRouter, 1, []byte{1, 2})
	assert.Error(t, err)
}

func TestMalformedOptions(t *testing.T) {
	tests := []struct {
		name string
		opts []byte
	}{
		{name: "length past buffer", opts: []byte{byte(OptionHostName), 40, 'a', 'b'}},
		{name: "truncated before length", opts: []byte{byte(OptionPad), byte(OptionHostName)}},
		{name: "no end marker", opts: []byte{byte(OptionHostName), 1, 'a'}},
		{name: "empty options area", opts: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, optionsOffset+cookieLen, optionsOffset+cookieLen+len(tt.opts))
			copy(buf[optionsOffset:], MagicCookie[:])
			buf = append(buf, tt.opts...)
			p, err := Parse(buf)
			require.NoError(t, err)

			_, err = p.Option(OptionRequestedIP)
			assert.ErrorIs(t, err, ErrMalformedOptions)
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestParsesLibraryBuiltDiscover(t *testing.T) {
	mac := net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x20, 0x30}
	d, err := dhcpv4.NewDiscovery(mac,
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(net.IPv4(10, 0, 0, 42))),
		dhcpv4.WithBroadcast(true),
	)
	require.NoError(t, err)

	p, err := Parse(d.ToBytes())
	require.NoError(t, err)

	assert.Equal(t, BootRequest, p.Op())
	assert.Equal(t, binary.BigEndian.Uint32(d.TransactionID[:]), p.XID())
	assert.Equal(t, mac, p.CHAddr())
	assert.True(t, p.Broadcast())
	assert.True(t, p.HasMagicCookie())

	mt, err := p.MessageType()
	require.NoError(t, err)
	assert.Equal(t, MessageDiscover, mt)

	req, err := p.Option(OptionRequestedIP)
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 0, 0, 42}, req)
}
