// Package leasestore persists client bindings in PostgreSQL.
//
// A binding is never removed: releasing it sets the deleted flag, so the
// history of which address a client held survives restarts and a returning
// client can be offered its old address again. All writes go through InTx.
package leasestore

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// ErrStore wraps every failure reported by the database.
var ErrStore = errors.New("lease store failure")

// State is the lifecycle state of a binding.
type State int

const (
	StateActive State = iota
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// deleted is the on-disk encoding of the state.
func (s State) deleted() int16 {
	if s == StateReleased {
		return 1
	}
	return 0
}

func stateFromDeleted(d int16) State {
	if d == 0 {
		return StateActive
	}
	return StateReleased
}

// Filter selects bindings by state.
type Filter int

const (
	FilterAll Filter = iota
	FilterActive
	FilterReleased
)

// ParseFilter maps "all", "active" and "released" to a Filter. The empty
// string means all.
func ParseFilter(s string) (Filter, bool) {
	switch s {
	case "", "all":
		return FilterAll, true
	case "active":
		return FilterActive, true
	case "released":
		return FilterReleased, true
	default:
		return FilterAll, false
	}
}

// Lease is one stored binding.
type Lease struct {
	ID        uuid.UUID
	MAC       net.HardwareAddr
	IP        netip.Addr
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is an audit record of a binding change.
type Event struct {
	MAC     net.HardwareAddr
	IP      netip.Addr
	Action  string
	Details map[string]any
}

// Writer is the set of mutations available inside a transaction.
type Writer interface {
	Insert(ctx context.Context, mac net.HardwareAddr, ip netip.Addr) error
	Update(ctx context.Context, mac net.HardwareAddr, ip netip.Addr, state State) error
	// Delete marks the client's active binding released.
	Delete(ctx context.Context, mac net.HardwareAddr) error
	CountByMAC(ctx context.Context, mac net.HardwareAddr) (int, error)
	RecordEvent(ctx context.Context, evt Event) error
}
