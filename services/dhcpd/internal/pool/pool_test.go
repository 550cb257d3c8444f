package pool

import (
	"math/rand"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testPrefix   = netip.MustParsePrefix("10.0.0.0/24")
	testReserved = []netip.Addr{
		netip.MustParseAddr("10.0.0.0"),
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("10.0.0.2"),
		netip.MustParseAddr("10.0.0.3"),
		netip.MustParseAddr("10.0.0.255"),
	}
)

func newTestPool(t *testing.T, leased ...netip.Addr) *Pool {
	t.Helper()
	p, err := New(testPrefix, testReserved, leased)
	require.NoError(t, err)
	return p
}

func TestNewSubtractsReservedAddresses(t *testing.T) {
	p := newTestPool(t)
	assert.Equal(t, 251, p.Len())
	assert.Equal(t, 251, p.Initial())
	for _, r := range testReserved {
		assert.False(t, p.Contains(r), "reserved %s in pool", r)
	}

	want := []string{"10.0.0.4", "10.0.0.5", "10.0.0.6"}
	for _, w := range want {
		got, ok := p.PickAvailable()
		require.True(t, ok)
		assert.Equal(t, netip.MustParseAddr(w), got)
	}
}

func TestNewSubtractsLeasedAddresses(t *testing.T) {
	leased := netip.MustParseAddr("10.0.0.4")
	p := newTestPool(t, leased)
	assert.Equal(t, 250, p.Len())
	assert.False(t, p.Contains(leased))

	got, ok := p.PickAvailable()
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), got)
}

func TestNewRejectsInvalidPrefix(t *testing.T) {
	_, err := New(netip.MustParsePrefix("2001:db8::/64"), nil, nil)
	assert.Error(t, err)

	_, err = New(netip.MustParsePrefix("10.0.0.0/8"), nil, nil)
	assert.Error(t, err)
}

func TestBroadcast(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"10.0.0.0/24", "10.0.0.255"},
		{"192.168.4.0/22", "192.168.7.255"},
		{"172.16.5.9/16", "172.16.255.255"},
		{"10.1.2.3/32", "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			assert.Equal(t, netip.MustParseAddr(tt.want), Broadcast(netip.MustParsePrefix(tt.prefix)))
		})
	}
}

func TestExhaustion(t *testing.T) {
	p := newTestPool(t)
	for i := 0; i < 251; i++ {
		_, ok := p.PickAvailable()
		require.True(t, ok, "pick %d", i)
	}
	addr, ok := p.PickAvailable()
	assert.False(t, ok)
	assert.False(t, addr.IsValid())
	assert.Zero(t, p.Len())
}

func TestPickSpecific(t *testing.T) {
	p := newTestPool(t)
	want := netip.MustParseAddr("10.0.0.100")

	assert.True(t, p.PickSpecific(want))
	assert.False(t, p.PickSpecific(want), "second pick of the same address")
	assert.False(t, p.PickSpecific(netip.MustParseAddr("10.0.0.1")), "reserved address")
	assert.False(t, p.PickSpecific(netip.MustParseAddr("192.168.1.1")), "foreign address")
	assert.Equal(t, 250, p.Len())
}

func TestReleaseGoesToTheFront(t *testing.T) {
	p := newTestPool(t)
	first, ok := p.PickAvailable()
	require.True(t, ok)
	require.True(t, p.Release(first))

	next, ok := p.PickAvailable()
	require.True(t, ok)
	assert.NotEqual(t, first, next, "released address must not be reused first")
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), next)
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := newTestPool(t)
	addr, ok := p.PickAvailable()
	require.True(t, ok)

	assert.True(t, p.Release(addr))
	afterOne := p.Len()
	assert.False(t, p.Release(addr))
	assert.Equal(t, afterOne, p.Len())

	assert.False(t, p.Release(netip.MustParseAddr("192.168.0.1")))
	assert.Equal(t, afterOne, p.Len())
}

func TestReleaseRejectsReservedAddresses(t *testing.T) {
	p := newTestPool(t)
	before := p.Len()
	for _, r := range testReserved {
		assert.True(t, p.Reserved(r), r.String())
		assert.False(t, p.Release(r), r.String())
		assert.False(t, p.Contains(r), r.String())
	}
	assert.Equal(t, before, p.Len())
	assert.False(t, p.Reserved(netip.MustParseAddr("10.0.0.4")))
}

func TestConservation(t *testing.T) {
	p := newTestPool(t)
	initial := map[netip.Addr]struct{}{}
	for _, a := range drain(p) {
		initial[a] = struct{}{}
	}
	for a := range initial {
		p.Release(a)
	}

	rng := rand.New(rand.NewSource(42))
	out := map[netip.Addr]struct{}{}
	for i := 0; i < 5000; i++ {
		switch rng.Intn(3) {
		case 0:
			if a, ok := p.PickAvailable(); ok {
				out[a] = struct{}{}
			}
		case 1:
			a := netip.AddrFrom4([4]byte{10, 0, 0, byte(rng.Intn(256))})
			if p.PickSpecific(a) {
				out[a] = struct{}{}
			}
		case 2:
			for a := range out {
				p.Release(a)
				delete(out, a)
				break
			}
		}
	}

	remaining := drain(p)
	seen := map[netip.Addr]struct{}{}
	for _, a := range remaining {
		_, dup := seen[a]
		require.False(t, dup, "duplicate %s", a)
		seen[a] = struct{}{}
		_, checkedOut := out[a]
		require.False(t, checkedOut, "%s both free and checked out", a)
	}
	for a := range out {
		seen[a] = struct{}{}
	}
	assert.Equal(t, initial, seen)
}

func TestConcurrentPicksNeverCollide(t *testing.T) {
	p := newTestPool(t)
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = map[netip.Addr]int{}
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				a, ok := p.PickAvailable()
				if !ok {
					return
				}
				mu.Lock()
				got[a]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, got, 251)
	for a, n := range got {
		assert.Equal(t, 1, n, "%s handed out %d times", a, n)
	}
}

func drain(p *Pool) []netip.Addr {
	var out []netip.Addr
	for {
		a, ok := p.PickAvailable()
		if !ok {
			return out
		}
		out = append(out, a)
	}
}
