package leasectl

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// PrintLeases writes leases as an aligned table.
func PrintLeases(w io.Writer, leases []Lease) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MAC\tIP\tSTATE\tUPDATED")
	for _, l := range leases {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.MAC, l.IP, l.State, l.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

// PrintPool writes the pool counters.
func PrintPool(w io.Writer, p PoolStats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "prefix\t%s\n", p.Prefix)
	fmt.Fprintf(tw, "initial\t%d\n", p.Initial)
	fmt.Fprintf(tw, "available\t%d\n", p.Available)
	fmt.Fprintf(tw, "pending offers\t%d\n", p.PendingOffers)
	fmt.Fprintf(tw, "quarantined\t%d\n", p.Quarantined)
	return tw.Flush()
}
