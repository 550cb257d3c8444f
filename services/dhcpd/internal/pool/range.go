package pool

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// MaxPrefixSize bounds the number of addresses a pool materialises.
const MaxPrefixSize = 1 << 16

// Broadcast returns the last address of an IPv4 prefix.
func Broadcast(prefix netip.Prefix) netip.Addr {
	prefix = prefix.Masked()
	base := prefix.Addr().As4()
	hostBits := 32 - prefix.Bits()
	n := binary.BigEndian.Uint32(base[:]) | uint32(uint64(1)<<hostBits-1)
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], n)
	return netip.AddrFrom4(out)
}

// addresses enumerates every address of prefix in ascending order, network
// and broadcast included.
func addresses(prefix netip.Prefix) ([]netip.Addr, error) {
	if !prefix.IsValid() || !prefix.Addr().Is4() {
		return nil, fmt.Errorf("pool: %s is not an IPv4 prefix", prefix)
	}
	size := uint64(1) << (32 - prefix.Bits())
	if size > MaxPrefixSize {
		return nil, fmt.Errorf("pool: prefix %s holds %d addresses, limit is %d", prefix, size, MaxPrefixSize)
	}
	out := make([]netip.Addr, 0, size)
	last := Broadcast(prefix)
	for a := prefix.Masked().Addr(); ; a = a.Next() {
		out = append(out, a)
		if a == last {
			break
		}
	}
	return out, nil
}
