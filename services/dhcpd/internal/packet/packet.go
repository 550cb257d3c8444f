// Package packet is a byte-exact codec for BOOTP/DHCPv4 messages. A Packet is
// a view over a caller-owned buffer: fields are read and written in place and
// option values are returned as sub-slices of that buffer.
package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

const (
	// MinSize is the size of the fixed BOOTP fields plus one option byte.
	MinSize = 237

	// CookieOffset is where a builder starts its cursor: the magic cookie
	// comes first, then the options.
	CookieOffset = optionsOffset

	optionsOffset = 236
	cookieLen     = 4

	flagBroadcast = 0x8000
)

// MagicCookie marks the start of the DHCP options area.
var MagicCookie = [cookieLen]byte{0x63, 0x82, 0x53, 0x63}

var (
	ErrMalformedPacket  = errors.New("malformed packet")
	ErrMalformedOptions = fmt.Errorf("%w: malformed options", ErrMalformedPacket)
	ErrOptionNotFound   = errors.New("option not found")
	ErrOptionOverflow   = errors.New("option does not fit packet buffer")
)

// OpCode is the BOOTP message op.
type OpCode byte

const (
	BootRequest OpCode = 1
	BootReply   OpCode = 2
)

// Packet is a DHCPv4 message backed by a byte buffer.
type Packet struct {
	buf []byte
}

// Parse wraps buf without copying it.
func Parse(buf []byte) (*Packet, error) {
	if len(buf) < MinSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(buf), MinSize)
	}
	return &Packet{buf: buf}, nil
}

// New allocates a zeroed packet of size bytes.
func New(size int) *Packet {
	if size < MinSize {
		panic(fmt.Sprintf("packet: size %d below minimum %d", size, MinSize))
	}
	return &Packet{buf: make([]byte, size)}
}

// Bytes returns the underlying buffer.
func (p *Packet) Bytes() []byte { return p.buf }

// Truncate shrinks the buffer to n bytes, never below MinSize.
func (p *Packet) Truncate(n int) {
	if n < MinSize {
		n = MinSize
	}
	if n < len(p.buf) {
		p.buf = p.buf[:n]
	}
}

func (p *Packet) Op() OpCode { return OpCode(p.window(fieldOp)[0]) }
func (p *Packet) HType() byte { return p.window(fieldHType)[0] }
func (p *Packet) HLen() byte { return p.window(fieldHLen)[0] }
func (p *Packet) Hops() byte { return p.window(fieldHops)[0] }
func (p *Packet) XID() uint32 { return binary.BigEndian.Uint32(p.window(fieldXID)) }
func (p *Packet) Secs() uint16 { return binary.BigEndian.Uint16(p.window(fieldSecs)) }
func (p *Packet) Flags() uint16 { return binary.BigEndian.Uint16(p.window(fieldFlags)) }

// Broadcast reports whether the client asked for broadcast replies.
func (p *Packet) Broadcast() bool { return p.Flags()&flagBroadcast != 0 }

func (p *Packet) CIAddr() netip.Addr { return p.addr(fieldCIAddr) }
func (p *Packet) YIAddr() netip.Addr { return p.addr(fieldYIAddr) }
func (p *Packet) SIAddr() netip.Addr { return p.addr(fieldSIAddr) }
func (p *Packet) GIAddr() netip.Addr { return p.addr(fieldGIAddr) }

// CHAddr returns the first hlen bytes of the hardware address field, capped at
// the field width. A zero hlen is read as an Ethernet address.
func (p *Packet) CHAddr() net.HardwareAddr {
	n := int(p.HLen())
	if n == 0 {
		n = 6
	}
	if n > fieldCHAddr.width {
		n = fieldCHAddr.width
	}
	mac := make(net.HardwareAddr, n)
	copy(mac, p.window(fieldCHAddr))
	return mac
}

func (p *Packet) SName() string { return string(trimNull(p.window(fieldSName))) }
func (p *Packet) File() string { return string(trimNull(p.window(fieldFile))) }

func (p *Packet) SetOp(op OpCode) { p.window(fieldOp)[0] = byte(op) }
func (p *Packet) SetHType(htype byte) { p.window(fieldHType)[0] = htype }
func (p *Packet) SetHLen(hlen byte) { p.window(fieldHLen)[0] = hlen }
func (p *Packet) SetHops(hops byte) { p.window(fieldHops)[0] = hops }
func (p *Packet) SetXID(xid uint32) { binary.BigEndian.PutUint32(p.window(fieldXID), xid) }
func (p *Packet) SetSecs(secs uint16) { binary.BigEndian.PutUint16(p.window(fieldSecs), secs) }
func (p *Packet) SetFlags(flags uint16) { binary.BigEndian.PutUint16(p.window(fieldFlags), flags) }

func (p *Packet) SetCIAddr(a netip.Addr) { p.putAddr(fieldCIAddr, a) }
func (p *Packet) SetYIAddr(a netip.Addr) { p.putAddr(fieldYIAddr, a) }
func (p *Packet) SetSIAddr(a netip.Addr) { p.putAddr(fieldSIAddr, a) }
func (p *Packet) SetGIAddr(a netip.Addr) { p.putAddr(fieldGIAddr, a) }

// SetCHAddr writes mac into the 16 byte chaddr field. It does not touch hlen.
func (p *Packet) SetCHAddr(mac net.HardwareAddr) { p.put(fieldCHAddr, mac) }

func (p *Packet) SetSName(name string) { p.put(fieldSName, []byte(name)) }
func (p *Packet) SetFile(name string) { p.put(fieldFile, []byte(name)) }

// HasMagicCookie reports whether the options area starts with the DHCP cookie.
func (p *Packet) HasMagicCookie() bool {
	if len(p.buf) < fieldCookie.end() {
		return false
	}
	return bytes.Equal(p.window(fieldCookie), MagicCookie[:])
}

// SetMagicCookie writes the cookie at cursor and advances it by four bytes.
func (p *Packet) SetMagicCookie(cursor *int) {
	f := field{"cookie", *cursor, cookieLen}
	copy(p.window(f), MagicCookie[:])
	*cursor += cookieLen
}

func trimNull(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}
