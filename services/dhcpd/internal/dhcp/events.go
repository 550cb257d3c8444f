package dhcp

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// SubjectPrefix is prepended to the outcome name to form the subject of a
// lease event, for example dhcpd.leases.acknowledged.
const SubjectPrefix = "dhcpd.leases."

// StreamName is the JetStream stream capturing every lease event subject.
const StreamName = "DHCPD_LEASES"

// LeaseEvent is published after a binding change has been decided.
type LeaseEvent struct {
	Action string    `json:"action"`
	MAC    string    `json:"mac"`
	IP     string    `json:"ip"`
	At     time.Time `json:"at"`
}

func (e LeaseEvent) Subject() string { return SubjectPrefix + e.Action }

// MessageID identifies the event for stream de-duplication.
func (e LeaseEvent) MessageID() string {
	return e.Action + "/" + e.MAC + "/" + e.IP + "/" + strconv.FormatInt(e.At.UnixNano(), 10)
}

// eventQueue decouples request handling from the bus: emit never blocks and
// drops the event when the queue is full.
type eventQueue struct {
	pub     Publisher
	ch      chan LeaseEvent
	logger  zerolog.Logger
	dropped func(reason string)
}

func newEventQueue(pub Publisher, size int, logger zerolog.Logger, dropped func(reason string)) *eventQueue {
	return &eventQueue{
		pub:     pub,
		ch:      make(chan LeaseEvent, size),
		logger:  logger,
		dropped: dropped,
	}
}

func (q *eventQueue) emit(evt LeaseEvent) {
	if q.pub == nil {
		return
	}
	select {
	case q.ch <- evt:
	default:
		q.dropped(dropQueueFull)
		q.logger.Warn().Str("subject", evt.Subject()).Msg("lease event queue full, dropping event")
	}
}

func (q *eventQueue) run(ctx context.Context) {
	if q.pub == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-q.ch:
			pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := q.pub.Publish(pubCtx, evt.Subject(), evt)
			cancel()
			if err != nil {
				q.dropped(dropPublishFailed)
				q.logger.Warn().Err(err).Str("subject", evt.Subject()).Msg("publish lease event")
			}
		}
	}
}
