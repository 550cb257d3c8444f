package dhcp

import (
	"encoding/binary"
	"net/netip"
	"time"

	"dhcpd/services/dhcpd/internal/config"
	"dhcpd/services/dhcpd/internal/packet"
)

const replySize = 300

type option struct {
	code packet.OptionCode
	val  []byte
}

type replyKind int

const (
	// replyLease carries yiaddr and the full option set.
	replyLease replyKind = iota
	// replyInform carries configuration only, no address or lease time.
	replyInform
	// replyNak carries only the message type and server identifier.
	replyNak
)

// buildReply encodes the BOOTREPLY to req. The hardware type, transaction
// id, flags, relay address and client hardware address are copied from the
// request; hlen always matches the copied chaddr.
func buildReply(req *packet.Packet, mt packet.MessageType, kind replyKind, yiaddr netip.Addr, n config.Network) ([]byte, error) {
	chaddr := req.CHAddr()
	p := packet.New(replySize)
	p.SetOp(packet.BootReply)
	p.SetHType(req.HType())
	p.SetHLen(byte(len(chaddr)))
	p.SetXID(req.XID())
	p.SetFlags(req.Flags())
	p.SetGIAddr(req.GIAddr())
	p.SetCHAddr(chaddr)
	switch kind {
	case replyLease:
		p.SetYIAddr(yiaddr)
	case replyInform:
		p.SetCIAddr(req.CIAddr())
	}

	cursor := packet.CookieOffset
	p.SetMagicCookie(&cursor)

	opts := []option{
		{packet.OptionMessageType, []byte{byte(mt)}},
		{packet.OptionServerIdentifier, addrBytes(n.Server)},
	}
	if kind == replyLease {
		opts = append(opts, option{packet.OptionLeaseTime, leaseSeconds(n.LeaseTime)})
	}
	if kind != replyNak {
		opts = append(opts,
			option{packet.OptionSubnetMask, addrBytes(n.SubnetMask)},
			option{packet.OptionRouter, addrBytes(n.Gateway)},
			option{packet.OptionDNS, addrBytes(n.DNS)},
		)
	}

	for _, o := range opts {
		if err := p.SetOption(&cursor, o.code, len(o.val), o.val); err != nil {
			return nil, err
		}
	}
	if err := p.SetOption(&cursor, packet.OptionEnd, 0, nil); err != nil {
		return nil, err
	}
	return p.Bytes(), nil
}

func addrBytes(a netip.Addr) []byte {
	b := a.Unmap().As4()
	return b[:]
}

func leaseSeconds(d time.Duration) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(d/time.Second))
	return b
}
