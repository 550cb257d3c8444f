package dhcp

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"dhcpd/services/dhcpd/internal/leasestore"
)

var (
	// ErrPoolExhausted means no address could be offered.
	ErrPoolExhausted = errors.New("address pool exhausted")
	// ErrAddressUnavailable means the requested address cannot be bound to
	// the client.
	ErrAddressUnavailable = errors.New("address unavailable")
	// ErrNoActiveLease means the client holds no active binding.
	ErrNoActiveLease = errors.New("no active lease")
)

// Outcome is what the server decided for one client message.
type Outcome int

const (
	Ignored Outcome = iota
	Offered
	Acknowledged
	Denied
	Exhausted
	Released
	Declined
)

func (o Outcome) String() string {
	switch o {
	case Offered:
		return "offered"
	case Acknowledged:
		return "acknowledged"
	case Denied:
		return "denied"
	case Exhausted:
		return "exhausted"
	case Released:
		return "released"
	case Declined:
		return "declined"
	default:
		return "ignored"
	}
}

// Decision is an outcome plus the address it concerns, if any.
type Decision struct {
	Outcome Outcome
	Addr    netip.Addr
}

// Ledger is the part of the lease store the server needs.
type Ledger interface {
	ListAddresses(ctx context.Context, f leasestore.Filter) ([]netip.Addr, error)
	Lookup(ctx context.Context, mac net.HardwareAddr) (leasestore.Lease, bool, error)
	InTx(ctx context.Context, fn func(leasestore.Writer) error) error
}

// Publisher delivers lease events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Stats is a point-in-time view of the allocation state.
type Stats struct {
	Prefix        netip.Prefix `json:"prefix"`
	Initial       int          `json:"initial"`
	Available     int          `json:"available"`
	PendingOffers int          `json:"pending_offers"`
	Quarantined   int          `json:"quarantined"`
}
