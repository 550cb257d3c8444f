package dhcp

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) error {
	return errors.New("nats: no responders available for request")
}

func TestEventDropReasonsAreCountedApart(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Publisher = failingPublisher{} })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.server.RunMaintenance(ctx, time.Hour) }()

	_, err := f.server.Offer(ctx, mac(1), netip.Addr{})
	require.NoError(t, err)

	failed := f.metrics.EventsDropped.WithLabelValues(dropPublishFailed)
	assert.Eventually(t, func() bool { return testutil.ToFloat64(failed) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.EventsDropped.WithLabelValues(dropQueueFull)))
}

func TestEventQueueFullIsCounted(t *testing.T) {
	var reasons []string
	q := newEventQueue(&recordingPublisher{}, 1, zerolog.Nop(), func(reason string) { reasons = append(reasons, reason) })

	evt := LeaseEvent{Action: "offered", MAC: "aa:bb:cc:00:00:01", IP: "10.0.0.4"}
	q.emit(evt)
	q.emit(evt)
	assert.Equal(t, []string{dropQueueFull}, reasons)
}
