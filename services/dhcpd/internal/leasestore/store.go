package leasestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"dhcpd/pkg/db"
)

// Store reads and writes lease_entries. Transactions are serialised by the
// store's own lock; reads are not.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	mu sync.Mutex
}

func New(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With().Str("component", "leasestore").Logger()}
}

type leaseRow struct {
	ID        uuid.UUID `db:"id"`
	MACAddr   string    `db:"mac_addr"`
	IPAddr    string    `db:"ip_addr"`
	Deleted   int16     `db:"deleted"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r leaseRow) lease() (Lease, error) {
	mac, err := net.ParseMAC(r.MACAddr)
	if err != nil {
		return Lease{}, fmt.Errorf("lease %s: mac %q: %w", r.ID, r.MACAddr, err)
	}
	ip, err := netip.ParseAddr(r.IPAddr)
	if err != nil {
		return Lease{}, fmt.Errorf("lease %s: ip %q: %w", r.ID, r.IPAddr, err)
	}
	return Lease{
		ID:        r.ID,
		MAC:       mac,
		IP:        ip.Unmap(),
		State:     stateFromDeleted(r.Deleted),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

func where(f Filter) string {
	switch f {
	case FilterActive:
		return " WHERE deleted = 0"
	case FilterReleased:
		return " WHERE deleted <> 0"
	default:
		return ""
	}
}

// ListAddresses returns the stored addresses matching f. Rows whose address
// does not parse are skipped with a warning.
func (s *Store) ListAddresses(ctx context.Context, f Filter) ([]netip.Addr, error) {
	var raw []string
	if err := db.Select(ctx, s.pool, &raw, `SELECT ip_addr FROM lease_entries`+where(f)); err != nil {
		return nil, fmt.Errorf("%w: list addresses: %w", ErrStore, err)
	}

	addrs := make([]netip.Addr, 0, len(raw))
	for _, v := range raw {
		a, err := netip.ParseAddr(v)
		if err != nil {
			s.logger.Warn().Str("ip_addr", v).Err(err).Msg("skipping unparsable stored address")
			continue
		}
		addrs = append(addrs, a.Unmap())
	}
	return addrs, nil
}

// Lookup returns the most recently updated binding for mac, released or not.
func (s *Store) Lookup(ctx context.Context, mac net.HardwareAddr) (Lease, bool, error) {
	var row leaseRow
	err := db.Get(ctx, s.pool, &row, `
SELECT id, mac_addr, ip_addr, deleted, created_at, updated_at
FROM lease_entries
WHERE mac_addr = $1
ORDER BY updated_at DESC
LIMIT 1
`, mac.String())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lease{}, false, nil
		}
		return Lease{}, false, fmt.Errorf("%w: lookup %s: %w", ErrStore, mac, err)
	}

	l, err := row.lease()
	if err != nil {
		s.logger.Warn().Err(err).Msg("ignoring unparsable stored binding")
		return Lease{}, false, nil
	}
	return l, true, nil
}

// List returns the bindings matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Lease, error) {
	var rows []leaseRow
	if err := db.Select(ctx, s.pool, &rows, `
SELECT id, mac_addr, ip_addr, deleted, created_at, updated_at
FROM lease_entries`+where(f)+`
ORDER BY updated_at DESC
`); err != nil {
		return nil, fmt.Errorf("%w: list leases: %w", ErrStore, err)
	}

	leases := make([]Lease, 0, len(rows))
	for _, r := range rows {
		l, err := r.lease()
		if err != nil {
			s.logger.Warn().Err(err).Msg("skipping unparsable stored binding")
			continue
		}
		leases = append(leases, l)
	}
	return leases, nil
}

// InTx runs fn in a transaction that commits when fn returns nil. Errors
// returned by fn are passed through unchanged; begin and commit failures
// wrap ErrStore.
func (s *Store) InTx(ctx context.Context, fn func(Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fnErr error
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		fnErr = fn(&txWriter{tx: tx})
		return fnErr
	})
	if err != nil {
		if fnErr != nil {
			return fnErr
		}
		return fmt.Errorf("%w: transaction: %w", ErrStore, err)
	}
	return nil
}

type txWriter struct {
	tx pgx.Tx
}

func (w *txWriter) Insert(ctx context.Context, mac net.HardwareAddr, ip netip.Addr) error {
	_, err := db.Exec(ctx, w.tx, `
INSERT INTO lease_entries (id, mac_addr, ip_addr, deleted, created_at, updated_at)
VALUES ($1, $2, $3, 0, now(), now())
`, uuid.New(), mac.String(), ip.String())
	if err != nil {
		return fmt.Errorf("%w: insert %s: %w", ErrStore, mac, err)
	}
	return nil
}

func (w *txWriter) Update(ctx context.Context, mac net.HardwareAddr, ip netip.Addr, state State) error {
	_, err := db.Exec(ctx, w.tx, `
UPDATE lease_entries
SET ip_addr = $2, deleted = $3, updated_at = now()
WHERE mac_addr = $1
`, mac.String(), ip.String(), state.deleted())
	if err != nil {
		return fmt.Errorf("%w: update %s: %w", ErrStore, mac, err)
	}
	return nil
}

func (w *txWriter) Delete(ctx context.Context, mac net.HardwareAddr) error {
	_, err := db.Exec(ctx, w.tx, `
UPDATE lease_entries
SET deleted = 1, updated_at = now()
WHERE mac_addr = $1 AND deleted = 0
`, mac.String())
	if err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrStore, mac, err)
	}
	return nil
}

func (w *txWriter) CountByMAC(ctx context.Context, mac net.HardwareAddr) (int, error) {
	var n int
	if err := db.Get(ctx, w.tx, &n, `SELECT count(*) FROM lease_entries WHERE mac_addr = $1`, mac.String()); err != nil {
		return 0, fmt.Errorf("%w: count %s: %w", ErrStore, mac, err)
	}
	return n, nil
}

func (w *txWriter) RecordEvent(ctx context.Context, evt Event) error {
	details := evt.Details
	if details == nil {
		details = map[string]any{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("%w: encode event details: %w", ErrStore, err)
	}

	ip := ""
	if evt.IP.IsValid() {
		ip = evt.IP.String()
	}
	_, err = db.Exec(ctx, w.tx, `
INSERT INTO lease_events (mac_addr, ip_addr, action, details, at)
VALUES ($1, $2, $3, $4::jsonb, now())
`, evt.MAC.String(), ip, evt.Action, string(data))
	if err != nil {
		return fmt.Errorf("%w: record %s event for %s: %w", ErrStore, evt.Action, evt.MAC, err)
	}
	return nil
}
