package dhcp

import (
	"context"
	"fmt"
	"maps"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dhcpd/services/dhcpd/internal/config"
	"dhcpd/services/dhcpd/internal/leasestore"
	"dhcpd/services/dhcpd/internal/probe"
)

// memLedger is an in-memory Ledger with one row per MAC, like the store
// produces when writes go through CountByMAC.
type memLedger struct {
	txMu   sync.Mutex
	mu     sync.Mutex
	rows   map[string]leasestore.Lease
	events []leasestore.Event
	failTx error
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[string]leasestore.Lease)}
}

func (l *memLedger) seed(mac net.HardwareAddr, ip netip.Addr, state leasestore.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows[mac.String()] = leasestore.Lease{ID: uuid.New(), MAC: mac, IP: ip, State: state}
}

func (l *memLedger) lease(mac net.HardwareAddr) (leasestore.Lease, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rows[mac.String()]
	return r, ok
}

func (l *memLedger) active() []netip.Addr {
	addrs, _ := l.ListAddresses(context.Background(), leasestore.FilterActive)
	return addrs
}

func (l *memLedger) ListAddresses(_ context.Context, f leasestore.Filter) ([]netip.Addr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []netip.Addr
	for _, r := range l.rows {
		switch {
		case f == leasestore.FilterActive && r.State != leasestore.StateActive:
		case f == leasestore.FilterReleased && r.State != leasestore.StateReleased:
		default:
			out = append(out, r.IP)
		}
	}
	return out, nil
}

func (l *memLedger) Lookup(_ context.Context, mac net.HardwareAddr) (leasestore.Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rows[mac.String()]
	return r, ok, nil
}

func (l *memLedger) InTx(_ context.Context, fn func(leasestore.Writer) error) error {
	l.txMu.Lock()
	defer l.txMu.Unlock()

	l.mu.Lock()
	tx := &memTx{rows: maps.Clone(l.rows)}
	failTx := l.failTx
	l.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}
	if failTx != nil {
		return fmt.Errorf("%w: commit: %w", leasestore.ErrStore, failTx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = tx.rows
	l.events = append(l.events, tx.events...)
	return nil
}

type memTx struct {
	rows   map[string]leasestore.Lease
	events []leasestore.Event
}

func (t *memTx) Insert(_ context.Context, mac net.HardwareAddr, ip netip.Addr) error {
	t.rows[mac.String()] = leasestore.Lease{ID: uuid.New(), MAC: mac, IP: ip, State: leasestore.StateActive}
	return nil
}

func (t *memTx) Update(_ context.Context, mac net.HardwareAddr, ip netip.Addr, state leasestore.State) error {
	r, ok := t.rows[mac.String()]
	if !ok {
		return nil
	}
	r.IP = ip
	r.State = state
	t.rows[mac.String()] = r
	return nil
}

func (t *memTx) Delete(_ context.Context, mac net.HardwareAddr) error {
	r, ok := t.rows[mac.String()]
	if ok && r.State == leasestore.StateActive {
		r.State = leasestore.StateReleased
		t.rows[mac.String()] = r
	}
	return nil
}

func (t *memTx) CountByMAC(_ context.Context, mac net.HardwareAddr) (int, error) {
	if _, ok := t.rows[mac.String()]; ok {
		return 1, nil
	}
	return 0, nil
}

func (t *memTx) RecordEvent(_ context.Context, evt leasestore.Event) error {
	t.events = append(t.events, evt)
	return nil
}

// scriptedProber reports the addresses in inUse as answering and fails for
// the addresses in fail.
type scriptedProber struct {
	mu     sync.Mutex
	inUse  map[netip.Addr]bool
	fail   map[netip.Addr]bool
	probed []netip.Addr
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{inUse: map[netip.Addr]bool{}, fail: map[netip.Addr]bool{}}
}

func (p *scriptedProber) Probe(_ context.Context, addr netip.Addr) (probe.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, addr)
	if p.fail[addr] {
		return probe.Available, fmt.Errorf("probe: listen ip4:icmp: operation not permitted")
	}
	if p.inUse[addr] {
		return probe.InUse, nil
	}
	return probe.Available, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []LeaseEvent
	subs   []string
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, subject)
	p.events = append(p.events, v.(LeaseEvent))
	return nil
}

func (p *recordingPublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subs...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testNetwork() config.Network {
	return config.Network{
		Prefix:     netip.MustParsePrefix("10.0.0.0/24"),
		SubnetMask: netip.MustParseAddr("255.255.255.0"),
		Gateway:    netip.MustParseAddr("10.0.0.1"),
		Server:     netip.MustParseAddr("10.0.0.2"),
		DNS:        netip.MustParseAddr("10.0.0.3"),
		LeaseTime:  time.Hour,
	}
}

type fixture struct {
	server    *Server
	ledger    *memLedger
	prober    *scriptedProber
	publisher *recordingPublisher
	clock     *clock
	metrics   *Metrics
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		ledger:    newMemLedger(),
		prober:    newScriptedProber(),
		publisher: &recordingPublisher{},
		clock:     &clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		metrics:   NewMetrics(prometheus.NewRegistry()),
	}
	opts := Options{
		Network:      testNetwork(),
		Ledger:       f.ledger,
		Prober:       f.prober,
		Publisher:    f.publisher,
		Metrics:      f.metrics,
		Logger:       zerolog.Nop(),
		OfferTimeout: time.Minute,
		ConflictHold: 10 * time.Minute,
		Now:          f.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	if l, ok := opts.Ledger.(*memLedger); ok {
		f.ledger = l
	}
	s, err := NewServer(context.Background(), opts)
	require.NoError(t, err)
	f.server = s
	return f
}

func mac(n byte) net.HardwareAddr {
	return net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, n}
}

func ip(s string) netip.Addr { return netip.MustParseAddr(s) }
