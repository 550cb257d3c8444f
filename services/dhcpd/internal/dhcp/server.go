package dhcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"dhcpd/services/dhcpd/internal/config"
	"dhcpd/services/dhcpd/internal/leasestore"
	"dhcpd/services/dhcpd/internal/pool"
	"dhcpd/services/dhcpd/internal/probe"
)

const eventQueueSize = 256

// Options configures a Server. Ledger is required; a nil Prober disables
// conflict probing and a nil Publisher disables lease events.
type Options struct {
	Network      config.Network
	Ledger       Ledger
	Prober       probe.Prober
	Publisher    Publisher
	Metrics      *Metrics
	Logger       zerolog.Logger
	OfferTimeout time.Duration
	ConflictHold time.Duration
	Now          func() time.Time
}

// Server owns the address pool and decides every allocation. Its methods are
// safe for concurrent use. Messages of one client are serialised by a
// per-MAC lock taken first and held for the whole decision. The pool, the
// lease store and the offer table are each locked on their own below it and
// never held together; none of those is held across a probe or a store call.
type Server struct {
	network config.Network
	ledger  Ledger
	prober  probe.Prober
	pool    *pool.Pool
	offers  *offerTable
	clients *clientLocks
	events  *eventQueue
	metrics *Metrics
	logger  zerolog.Logger

	offerTimeout time.Duration
	conflictHold time.Duration
	now          func() time.Time
}

// NewServer seeds the pool from the network minus the reserved addresses and
// the addresses the ledger reports active.
func NewServer(ctx context.Context, opts Options) (*Server, error) {
	if opts.Ledger == nil {
		return nil, errors.New("dhcp: ledger is required")
	}
	if !opts.Network.Prefix.IsValid() || !opts.Network.Prefix.Addr().Is4() {
		return nil, fmt.Errorf("dhcp: network %s is not an IPv4 prefix", opts.Network.Prefix)
	}
	if opts.Prober == nil {
		opts.Prober = probe.Noop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OfferTimeout <= 0 {
		opts.OfferTimeout = time.Minute
	}
	if opts.ConflictHold <= 0 {
		opts.ConflictHold = 10 * time.Minute
	}

	leased, err := opts.Ledger.ListAddresses(ctx, leasestore.FilterActive)
	if err != nil {
		return nil, fmt.Errorf("dhcp: load active leases: %w", err)
	}
	p, err := pool.New(opts.Network.Prefix, opts.Network.Reserved(), leased)
	if err != nil {
		return nil, fmt.Errorf("dhcp: build pool: %w", err)
	}

	logger := opts.Logger.With().Str("component", "dhcp").Logger()
	s := &Server{
		network:      opts.Network,
		ledger:       opts.Ledger,
		prober:       opts.Prober,
		pool:         p,
		offers:       newOfferTable(),
		clients:      newClientLocks(),
		metrics:      opts.Metrics,
		logger:       logger,
		offerTimeout: opts.OfferTimeout,
		conflictHold: opts.ConflictHold,
		now:          opts.Now,
	}
	s.events = newEventQueue(opts.Publisher, eventQueueSize, logger, func(reason string) {
		s.metrics.EventsDropped.WithLabelValues(reason).Inc()
	})
	s.updateGauges()

	logger.Info().
		Stringer("prefix", opts.Network.Prefix).
		Int("available", p.Len()).
		Int("active_leases", len(leased)).
		Msg("address pool ready")
	return s, nil
}

// Network returns the addressing plan the server hands out.
func (s *Server) Network() config.Network { return s.network }

// Offer chooses an address for mac. In order of preference: an offer still
// pending for mac, the client's active binding, its released binding, the
// requested address, then the lowest free address. Every address taken from
// the pool is probed first; one that answers is quarantined and the next
// candidate is tried.
func (s *Server) Offer(ctx context.Context, mac net.HardwareAddr, requested netip.Addr) (Decision, error) {
	key := mac.String()
	defer s.clients.lock(key)()

	now := s.now()
	if o, ok := s.offers.refresh(key, now, now.Add(s.offerTimeout)); ok {
		return Decision{Outcome: Offered, Addr: o.addr}, nil
	}

	prior, found, err := s.lookup(ctx, mac)
	if err != nil {
		return Decision{}, err
	}

	if found {
		switch prior.State {
		case leasestore.StateActive:
			return s.recordOffer(key, prior.IP, false), nil
		case leasestore.StateReleased:
			ok, err := s.claim(ctx, prior.IP)
			if err != nil {
				return Decision{}, err
			}
			if ok {
				return s.recordOffer(key, prior.IP, true), nil
			}
		}
	}

	if requested.IsValid() && (!found || requested != prior.IP) {
		ok, err := s.claim(ctx, requested)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			return s.recordOffer(key, requested, true), nil
		}
	}

	for {
		addr, ok := s.pool.PickAvailable()
		if !ok {
			s.updateGauges()
			s.logger.Warn().Stringer("mac", mac).Msg("address pool exhausted")
			return Decision{Outcome: Exhausted}, ErrPoolExhausted
		}
		free, err := s.vet(ctx, addr)
		if err != nil {
			return Decision{}, err
		}
		if free {
			return s.recordOffer(key, addr, true), nil
		}
	}
}

// claim takes addr out of the pool and probes it. It reports false when addr
// was not free or answered the probe.
func (s *Server) claim(ctx context.Context, addr netip.Addr) (bool, error) {
	if !s.pool.PickSpecific(addr) {
		return false, nil
	}
	return s.vet(ctx, addr)
}

// vet probes an address already taken from the pool. A conflicting address
// is quarantined; a probe error counts as no conflict. On cancellation the
// address goes back to the pool.
func (s *Server) vet(ctx context.Context, addr netip.Addr) (bool, error) {
	res, err := s.prober.Probe(ctx, addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.pool.Release(addr)
			return false, ctxErr
		}
		s.metrics.ProbeResults.WithLabelValues("error").Inc()
		s.logger.Warn().Err(err).Stringer("addr", addr).Msg("conflict probe failed, treating address as available")
		return true, nil
	}
	s.metrics.ProbeResults.WithLabelValues(res.String()).Inc()
	if res == probe.InUse {
		s.quarantine(addr)
		return false, nil
	}
	return true, nil
}

func (s *Server) quarantine(addr netip.Addr) {
	s.offers.hold(addr, s.now().Add(s.conflictHold))
	s.updateGauges()
	s.logger.Warn().Stringer("addr", addr).Dur("hold", s.conflictHold).Msg("address in use on the network, quarantined")
}

func (s *Server) recordOffer(mac string, addr netip.Addr, fromPool bool) Decision {
	prev, replaced := s.offers.put(pendingOffer{
		mac:      mac,
		addr:     addr,
		fromPool: fromPool,
		expires:  s.now().Add(s.offerTimeout),
	})
	if replaced && prev.fromPool && prev.addr != addr {
		s.pool.Release(prev.addr)
	}
	s.updateGauges()
	s.events.emit(s.event(Offered, mac, addr))
	return Decision{Outcome: Offered, Addr: addr}
}

// Acknowledge binds addr to mac. It succeeds for an address offered to mac,
// for the client's own active binding and for an address that is free in the
// pool. The binding is written in one transaction; if that fails an address
// taken from the pool goes back. A previous active binding to a different
// address is returned to the pool after commit.
func (s *Server) Acknowledge(ctx context.Context, mac net.HardwareAddr, addr netip.Addr) (Decision, error) {
	key := mac.String()
	defer s.clients.lock(key)()

	if !addr.IsValid() || !s.network.Prefix.Contains(addr) || s.pool.Reserved(addr) {
		s.abandonOffer(key)
		s.updateGauges()
		return Decision{Outcome: Denied, Addr: addr}, ErrAddressUnavailable
	}

	prior, found, err := s.lookup(ctx, mac)
	if err != nil {
		return Decision{}, err
	}
	priorActive := found && prior.State == leasestore.StateActive

	fromPool := false
	if o, ok := s.offers.take(key); ok {
		if o.addr == addr {
			fromPool = o.fromPool
		} else if o.fromPool {
			s.pool.Release(o.addr)
		}
	}
	switch {
	case fromPool:
	case priorActive && prior.IP == addr:
	case s.pool.PickSpecific(addr):
		fromPool = true
	default:
		s.updateGauges()
		return Decision{Outcome: Denied, Addr: addr}, ErrAddressUnavailable
	}

	err = s.ledger.InTx(ctx, func(w leasestore.Writer) error {
		n, err := w.CountByMAC(ctx, mac)
		if err != nil {
			return err
		}
		if n == 0 {
			err = w.Insert(ctx, mac, addr)
		} else {
			err = w.Update(ctx, mac, addr, leasestore.StateActive)
		}
		if err != nil {
			return err
		}
		details := map[string]any{"lease_seconds": int64(s.network.LeaseTime / time.Second)}
		if priorActive && prior.IP != addr {
			details["previous_ip"] = prior.IP.String()
		}
		return w.RecordEvent(ctx, leasestore.Event{MAC: mac, IP: addr, Action: Acknowledged.String(), Details: details})
	})
	if err != nil {
		if fromPool {
			s.pool.Release(addr)
		}
		s.metrics.StoreFailures.Inc()
		s.updateGauges()
		return Decision{}, fmt.Errorf("dhcp: bind %s to %s: %w", addr, mac, err)
	}

	if priorActive && prior.IP != addr {
		s.pool.Release(prior.IP)
	}
	s.updateGauges()
	s.events.emit(s.event(Acknowledged, key, addr))
	return Decision{Outcome: Acknowledged, Addr: addr}, nil
}

// Withdraw drops the offer pending for mac, for a client that accepted
// another server's offer.
func (s *Server) Withdraw(mac net.HardwareAddr) {
	key := mac.String()
	defer s.clients.lock(key)()
	s.abandonOffer(key)
	s.updateGauges()
}

func (s *Server) abandonOffer(mac string) {
	if o, ok := s.offers.take(mac); ok && o.fromPool {
		s.pool.Release(o.addr)
	}
}

// Release ends the client's active binding to addr and returns the address
// to the head of the pool. A release that does not match the client's
// active binding is ignored.
func (s *Server) Release(ctx context.Context, mac net.HardwareAddr, addr netip.Addr) (Decision, error) {
	defer s.clients.lock(mac.String())()
	return s.release(ctx, mac, addr)
}

func (s *Server) release(ctx context.Context, mac net.HardwareAddr, addr netip.Addr) (Decision, error) {
	s.abandonOffer(mac.String())

	prior, found, err := s.lookup(ctx, mac)
	if err != nil {
		return Decision{}, err
	}
	if !found || prior.State != leasestore.StateActive || (addr.IsValid() && prior.IP != addr) {
		s.logger.Debug().Stringer("mac", mac).Stringer("addr", addr).Msg("release does not match an active binding")
		return Decision{Outcome: Ignored, Addr: addr}, nil
	}

	if err := s.endBinding(ctx, mac, prior.IP, Released); err != nil {
		return Decision{}, err
	}
	s.pool.Release(prior.IP)
	s.updateGauges()
	s.events.emit(s.event(Released, mac.String(), prior.IP))
	return Decision{Outcome: Released, Addr: prior.IP}, nil
}

// ReleaseMAC releases whatever address mac currently holds.
func (s *Server) ReleaseMAC(ctx context.Context, mac net.HardwareAddr) (Decision, error) {
	defer s.clients.lock(mac.String())()

	prior, found, err := s.lookup(ctx, mac)
	if err != nil {
		return Decision{}, err
	}
	if !found || prior.State != leasestore.StateActive {
		return Decision{Outcome: Ignored}, ErrNoActiveLease
	}
	return s.release(ctx, mac, prior.IP)
}

// Decline handles a client reporting that addr is already in use. The
// client's binding or offer for addr is dropped and the address is
// quarantined instead of returning to the pool.
func (s *Server) Decline(ctx context.Context, mac net.HardwareAddr, addr netip.Addr) (Decision, error) {
	key := mac.String()
	defer s.clients.lock(key)()

	offered := false
	if o, ok := s.offers.take(key); ok {
		if o.addr == addr {
			offered = o.fromPool
		} else if o.fromPool {
			s.pool.Release(o.addr)
		}
	}

	prior, found, err := s.lookup(ctx, mac)
	if err != nil {
		if offered {
			s.quarantine(addr)
		}
		return Decision{}, err
	}
	bound := found && prior.State == leasestore.StateActive && prior.IP == addr

	if !offered && !bound {
		s.updateGauges()
		return Decision{Outcome: Ignored, Addr: addr}, nil
	}
	if bound {
		if err := s.endBinding(ctx, mac, addr, Declined); err != nil {
			return Decision{}, err
		}
	}
	s.quarantine(addr)
	s.events.emit(s.event(Declined, key, addr))
	return Decision{Outcome: Declined, Addr: addr}, nil
}

// lookup returns the client's most recent binding. A binding outside the
// network or on a reserved address, left over from an earlier addressing
// plan, is reported as not found so it is neither offered nor returned to
// the pool.
func (s *Server) lookup(ctx context.Context, mac net.HardwareAddr) (leasestore.Lease, bool, error) {
	prior, found, err := s.ledger.Lookup(ctx, mac)
	if err != nil {
		s.metrics.StoreFailures.Inc()
		return leasestore.Lease{}, false, err
	}
	if !found {
		return leasestore.Lease{}, false, nil
	}
	if !s.network.Prefix.Contains(prior.IP) || s.pool.Reserved(prior.IP) {
		s.logger.Warn().Stringer("mac", mac).Stringer("addr", prior.IP).Msg("ignoring binding outside the assignable range")
		return leasestore.Lease{}, false, nil
	}
	return prior, true, nil
}

func (s *Server) endBinding(ctx context.Context, mac net.HardwareAddr, addr netip.Addr, action Outcome) error {
	err := s.ledger.InTx(ctx, func(w leasestore.Writer) error {
		if err := w.Delete(ctx, mac); err != nil {
			return err
		}
		return w.RecordEvent(ctx, leasestore.Event{MAC: mac, IP: addr, Action: action.String()})
	})
	if err != nil {
		s.metrics.StoreFailures.Inc()
		return fmt.Errorf("dhcp: %s %s for %s: %w", action, addr, mac, err)
	}
	return nil
}

// Sweep expires offers and quarantine entries older than now and returns
// their addresses to the pool.
func (s *Server) Sweep(now time.Time) int {
	free := s.offers.sweep(now)
	for _, addr := range free {
		s.pool.Release(addr)
	}
	s.updateGauges()
	if len(free) > 0 {
		s.logger.Debug().Int("returned", len(free)).Msg("expired offers and quarantine returned to pool")
	}
	return len(free)
}

// RunMaintenance sweeps every interval and publishes lease events until ctx
// is done.
func (s *Server) RunMaintenance(ctx context.Context, interval time.Duration) error {
	go s.events.run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// Stats reports the current allocation state.
func (s *Server) Stats() Stats {
	offers, quarantined := s.offers.counts()
	return Stats{
		Prefix:        s.network.Prefix,
		Initial:       s.pool.Initial(),
		Available:     s.pool.Len(),
		PendingOffers: offers,
		Quarantined:   quarantined,
	}
}

func (s *Server) updateGauges() {
	offers, quarantined := s.offers.counts()
	s.metrics.PoolAvailable.Set(float64(s.pool.Len()))
	s.metrics.PendingOffers.Set(float64(offers))
	s.metrics.Quarantined.Set(float64(quarantined))
}

func (s *Server) event(o Outcome, mac string, addr netip.Addr) LeaseEvent {
	return LeaseEvent{Action: o.String(), MAC: mac, IP: addr.String(), At: s.now().UTC()}
}
