package dhcp

import "sync"

// clientLocks serialises the messages of one client. A client's lookup, its
// ledger write and the matching pool change happen under its lock, so two
// messages from the same MAC never decide from the same stale binding.
// Entries are dropped once nobody holds or waits for them.
type clientLocks struct {
	mu    sync.Mutex
	locks map[string]*clientLock
}

type clientLock struct {
	mu   sync.Mutex
	refs int
}

func newClientLocks() *clientLocks {
	return &clientLocks{locks: make(map[string]*clientLock)}
}

// lock blocks until mac is free and returns the matching unlock.
func (c *clientLocks) lock(mac string) func() {
	c.mu.Lock()
	l, ok := c.locks[mac]
	if !ok {
		l = &clientLock{}
		c.locks[mac] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, mac)
		}
		c.mu.Unlock()
	}
}

func (c *clientLocks) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
