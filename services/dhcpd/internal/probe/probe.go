// Package probe checks whether an address is already answering on the
// network before it is handed out.
//
// A probe is best effort: a silent host that holds the address looks exactly
// like a free address. Available means only that no reply arrived before the
// deadline.
package probe

import (
	"context"
	"net/netip"
)

// Result is the outcome of a probe.
type Result int

const (
	Available Result = iota
	InUse
)

func (r Result) String() string {
	switch r {
	case Available:
		return "available"
	case InUse:
		return "in_use"
	default:
		return "unknown"
	}
}

// Prober reports whether a candidate address is in use.
type Prober interface {
	Probe(ctx context.Context, addr netip.Addr) (Result, error)
}

// Noop never finds a conflict.
type Noop struct{}

func (Noop) Probe(context.Context, netip.Addr) (Result, error) { return Available, nil }
