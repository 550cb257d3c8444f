package leasectl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const subjectPrefix = "dhcpd.leases."

// Event is a lease event as published by dhcpd.
type Event struct {
	Action string    `json:"action"`
	MAC    string    `json:"mac"`
	IP     string    `json:"ip"`
	At     time.Time `json:"at"`
}

// Subscriber delivers message payloads for a subject until the returned
// closer is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// WatchSubject returns the subject for one action, or every lease event
// when action is empty.
func WatchSubject(action string) string {
	if action == "" {
		return subjectPrefix + ">"
	}
	return subjectPrefix + action
}

// Watch prints lease events to out until ctx is done. Undecodable messages
// are reported and acknowledged.
func Watch(ctx context.Context, sub Subscriber, action, durable string, out io.Writer) error {
	if sub == nil {
		return errors.New("subscriber is required")
	}
	closer, err := sub.Subscribe(ctx, WatchSubject(action), durable, func(_ context.Context, data []byte) error {
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			fmt.Fprintf(out, "skipping undecodable event: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "%s\t%-12s\t%s\t%s\n", evt.At.UTC().Format(time.RFC3339), evt.Action, evt.MAC, evt.IP)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", WatchSubject(action), err)
	}
	<-ctx.Done()
	return closer.Close()
}
