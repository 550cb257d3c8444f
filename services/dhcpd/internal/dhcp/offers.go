package dhcp

import (
	"net/netip"
	"sync"
	"time"
)

type pendingOffer struct {
	mac  string
	addr netip.Addr
	// fromPool is set when addr was taken out of the pool for this offer
	// and must go back if the offer is abandoned.
	fromPool bool
	expires  time.Time
}

// offerTable tracks offers waiting for a REQUEST and addresses held back
// after a conflict. Neither set overlaps the pool.
type offerTable struct {
	mu         sync.Mutex
	byMAC      map[string]pendingOffer
	quarantine map[netip.Addr]time.Time
}

func newOfferTable() *offerTable {
	return &offerTable{
		byMAC:      make(map[string]pendingOffer),
		quarantine: make(map[netip.Addr]time.Time),
	}
}

// refresh extends an unexpired offer for mac and returns it.
func (t *offerTable) refresh(mac string, now, expires time.Time) (pendingOffer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.byMAC[mac]
	if !ok || !now.Before(o.expires) {
		return pendingOffer{}, false
	}
	o.expires = expires
	t.byMAC[mac] = o
	return o, true
}

// put records o and returns the offer it replaced, if any.
func (t *offerTable) put(o pendingOffer) (pendingOffer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.byMAC[o.mac]
	t.byMAC[o.mac] = o
	return prev, ok
}

func (t *offerTable) take(mac string) (pendingOffer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.byMAC[mac]
	if ok {
		delete(t.byMAC, mac)
	}
	return o, ok
}

func (t *offerTable) hold(addr netip.Addr, until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quarantine[addr] = until
}

// sweep removes expired offers and quarantine entries and returns the
// addresses that must go back to the pool.
func (t *offerTable) sweep(now time.Time) []netip.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	var free []netip.Addr
	for mac, o := range t.byMAC {
		if now.Before(o.expires) {
			continue
		}
		delete(t.byMAC, mac)
		if o.fromPool {
			free = append(free, o.addr)
		}
	}
	for addr, until := range t.quarantine {
		if now.Before(until) {
			continue
		}
		delete(t.quarantine, addr)
		free = append(free, addr)
	}
	return free
}

func (t *offerTable) counts() (offers, quarantined int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byMAC), len(t.quarantine)
}
