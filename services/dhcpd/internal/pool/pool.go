// Package pool holds the set of IPv4 addresses that are free to hand out.
//
// The pool is seeded in ascending order and reversed, so PickAvailable returns
// the lowest remaining address. Released addresses go back to the front and
// are therefore the last to be reused.
package pool

import (
	"net/netip"
	"slices"
	"sync"
)

// Pool is safe for concurrent use. Every method is a single critical section.
type Pool struct {
	prefix netip.Prefix

	reserved map[netip.Addr]struct{}

	mu      sync.Mutex
	addrs   []netip.Addr
	members map[netip.Addr]struct{}
	initial int
}

// New builds the pool for prefix with the reserved and leased addresses
// removed. Reserved addresses never enter the pool, not even through
// Release.
func New(prefix netip.Prefix, reserved, leased []netip.Addr) (*Pool, error) {
	all, err := addresses(prefix)
	if err != nil {
		return nil, err
	}

	held := make(map[netip.Addr]struct{}, len(reserved))
	for _, a := range reserved {
		held[a.Unmap()] = struct{}{}
	}
	bound := make(map[netip.Addr]struct{}, len(leased))
	for _, a := range leased {
		bound[a.Unmap()] = struct{}{}
	}

	free := make([]netip.Addr, 0, len(all))
	for _, a := range all {
		_, r := held[a]
		_, b := bound[a]
		if !r && !b {
			free = append(free, a)
		}
	}
	slices.Reverse(free)

	members := make(map[netip.Addr]struct{}, len(free))
	for _, a := range free {
		members[a] = struct{}{}
	}

	return &Pool{
		prefix:   prefix.Masked(),
		reserved: held,
		addrs:    free,
		members:  members,
		initial:  len(free),
	}, nil
}

// Prefix returns the network the pool was built for.
func (p *Pool) Prefix() netip.Prefix { return p.prefix }

// PickAvailable removes and returns the lowest remaining address. ok is false
// when the pool is exhausted.
func (p *Pool) PickAvailable() (addr netip.Addr, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.addrs)
	if n == 0 {
		return netip.Addr{}, false
	}
	addr = p.addrs[n-1]
	p.addrs = p.addrs[:n-1]
	delete(p.members, addr)
	return addr, true
}

// PickSpecific removes addr from the pool, reporting whether it was there.
func (p *Pool) PickSpecific(addr netip.Addr) bool {
	addr = addr.Unmap()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.members[addr]; !ok {
		return false
	}
	i := slices.Index(p.addrs, addr)
	if i < 0 {
		return false
	}
	p.addrs = slices.Delete(p.addrs, i, i+1)
	delete(p.members, addr)
	return true
}

// Reserved reports whether addr is one of the addresses excluded at
// construction (network, broadcast, infrastructure hosts).
func (p *Pool) Reserved(addr netip.Addr) bool {
	_, ok := p.reserved[addr.Unmap()]
	return ok
}

// Release puts addr back at the front of the pool. Addresses outside the
// prefix, reserved addresses and addresses already present are ignored and
// reported as false.
func (p *Pool) Release(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !p.prefix.Contains(addr) || p.Reserved(addr) {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.members[addr]; ok {
		return false
	}
	p.addrs = slices.Insert(p.addrs, 0, addr)
	p.members[addr] = struct{}{}
	return true
}

// Len returns the number of free addresses.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.addrs)
}

// Contains reports whether addr is currently free.
func (p *Pool) Contains(addr netip.Addr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.members[addr.Unmap()]
	return ok
}

// Initial returns the pool size right after construction.
func (p *Pool) Initial() int { return p.initial }
