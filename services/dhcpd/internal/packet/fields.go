package packet

import (
	"fmt"
	"net/netip"
)

// field is a fixed-width window into the BOOTP header.
type field struct {
	name   string
	offset int
	width  int
}

func (f field) end() int { return f.offset + f.width }

var (
	fieldOp     = field{"op", 0, 1}
	fieldHType  = field{"htype", 1, 1}
	fieldHLen   = field{"hlen", 2, 1}
	fieldHops   = field{"hops", 3, 1}
	fieldXID    = field{"xid", 4, 4}
	fieldSecs   = field{"secs", 8, 2}
	fieldFlags  = field{"flags", 10, 2}
	fieldCIAddr = field{"ciaddr", 12, 4}
	fieldYIAddr = field{"yiaddr", 16, 4}
	fieldSIAddr = field{"siaddr", 20, 4}
	fieldGIAddr = field{"giaddr", 24, 4}
	fieldCHAddr = field{"chaddr", 28, 16}
	fieldSName  = field{"sname", 44, 64}
	fieldFile   = field{"file", 108, 128}
	fieldCookie = field{"cookie", 236, 4}
)

// layout lists every header field in wire order. Encode and decode paths both
// go through window, which is the only place bounds are enforced.
var layout = []field{
	fieldOp, fieldHType, fieldHLen, fieldHops, fieldXID, fieldSecs, fieldFlags,
	fieldCIAddr, fieldYIAddr, fieldSIAddr, fieldGIAddr, fieldCHAddr,
	fieldSName, fieldFile, fieldCookie,
}

// window returns the bytes of f. A buffer too short for a fixed field is a
// programming error and panics.
func (p *Packet) window(f field) []byte {
	if f.end() > len(p.buf) {
		panic(fmt.Sprintf("packet: field %s [%d:%d] exceeds buffer of %d bytes", f.name, f.offset, f.end(), len(p.buf)))
	}
	return p.buf[f.offset:f.end()]
}

// put copies b into f and zeroes the remainder of the window.
func (p *Packet) put(f field, b []byte) {
	if len(b) > f.width {
		panic(fmt.Sprintf("packet: %d bytes do not fit field %s of width %d", len(b), f.name, f.width))
	}
	w := p.window(f)
	n := copy(w, b)
	clear(w[n:])
}

func (p *Packet) addr(f field) netip.Addr {
	return netip.AddrFrom4([4]byte(p.window(f)))
}

func (p *Packet) putAddr(f field, a netip.Addr) {
	if !a.IsValid() {
		p.put(f, nil)
		return
	}
	b := a.Unmap().As4()
	p.put(f, b[:])
}
