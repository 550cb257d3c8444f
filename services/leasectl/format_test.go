package leasectl

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrintLeases(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, PrintLeases(&buf, []Lease{
		{MAC: "52:54:00:12:34:56", IP: "10.0.0.4", State: "active", UpdatedAt: at},
		{MAC: "52:54:00:12:34:57", IP: "10.0.0.100", State: "released", UpdatedAt: at},
	}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[0], "MAC"))
	// Columns line up.
	require.Equal(t, strings.Index(lines[0], "STATE"), strings.Index(lines[1], "active"))
	require.Equal(t, strings.Index(lines[1], "active"), strings.Index(lines[2], "released"))
	require.Contains(t, lines[2], "2026-03-04T05:06:07Z")
}

func TestPrintPool(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintPool(&buf, PoolStats{Prefix: "10.0.0.0/24", Initial: 251, Available: 249, PendingOffers: 1, Quarantined: 1}))
	require.Contains(t, buf.String(), "10.0.0.0/24")
	require.Contains(t, buf.String(), "pending offers  1")
}
