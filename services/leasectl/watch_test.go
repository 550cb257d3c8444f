package leasectl

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	messages [][]byte
	subject  string
	durable  string
	closed   bool
	err      error
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, subj, durable string, fn func(context.Context, []byte) error) (io.Closer, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subject, f.durable = subj, durable
	for _, m := range f.messages {
		if err := fn(ctx, m); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *fakeSubscriber) Close() error {
	f.closed = true
	return nil
}

func TestWatchPrintsEvents(t *testing.T) {
	sub := &fakeSubscriber{messages: [][]byte{
		[]byte(`{"action":"acknowledged","mac":"52:54:00:12:34:56","ip":"10.0.0.4","at":"2026-03-04T05:06:07Z"}`),
		[]byte(`not json`),
		[]byte(`{"action":"released","mac":"52:54:00:12:34:56","ip":"10.0.0.4","at":"2026-03-04T06:00:00Z"}`),
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, Watch(ctx, sub, "", "ops", &out))
	require.Equal(t, "dhcpd.leases.>", sub.subject)
	require.Equal(t, "ops", sub.durable)
	require.True(t, sub.closed)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "2026-03-04T05:06:07Z\tacknowledged\t52:54:00:12:34:56\t10.0.0.4", lines[0])
	require.Contains(t, lines[1], "skipping undecodable event")
	require.True(t, strings.HasPrefix(lines[2], "2026-03-04T06:00:00Z\treleased"))
}

func TestWatchSubject(t *testing.T) {
	require.Equal(t, "dhcpd.leases.>", WatchSubject(""))
	require.Equal(t, "dhcpd.leases.declined", WatchSubject("declined"))
}

func TestWatchSubscribeFailure(t *testing.T) {
	err := Watch(context.Background(), &fakeSubscriber{err: errors.New("no responders")}, "offered", "", io.Discard)
	require.ErrorContains(t, err, "subscribe dhcpd.leases.offered: no responders")

	require.Error(t, Watch(context.Background(), nil, "", "", io.Discard))
}
