// Package bus carries lease events over NATS JetStream.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

var errNilBus = errors.New("bus: not connected")

// DuplicateWindow is how long JetStream remembers message IDs for
// de-duplication of retried publishes.
const DuplicateWindow = 2 * time.Minute

// Identified is implemented by payloads that carry a stable message ID.
// Publishing the same ID twice within DuplicateWindow stores it once.
type Identified interface {
	MessageID() string
}

// Bus is a JetStream connection shared by publishers and consumers.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New connects to url. The connection reconnects forever unless opts
// override it.
func New(url string, opts ...nats.Option) (*Bus, error) {
	opts = append([]nats.Option{nats.MaxReconnects(-1), nats.ReconnectWait(2 * time.Second)}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream: %w", err)
	}

	return &Bus{conn: nc, js: js}, nil
}

// EnsureStream provisions a file-backed stream named name over subjects.
// An existing stream is left as is.
func (b *Bus) EnsureStream(name string, subjects ...string) error {
	if b == nil {
		return errNilBus
	}
	_, err := b.js.StreamInfo(name)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, nats.ErrStreamNotFound):
		return fmt.Errorf("bus: stream %s: %w", name, err)
	}

	if _, err := b.js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: DuplicateWindow,
	}); err != nil {
		return fmt.Errorf("bus: create stream %s: %w", name, err)
	}
	return nil
}

// Close drains the connection, falling back to a hard close.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish sends v as JSON on subj and waits for the stream to store it.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errNilBus
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", subj, err)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if id, ok := v.(Identified); ok && id.MessageID() != "" {
		opts = append(opts, nats.MsgId(id.MessageID()))
	}
	if _, err := b.js.Publish(subj, data, opts...); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subj, err)
	}
	return nil
}

type subscription struct {
	once sync.Once
	sub  *nats.Subscription
	err  error
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.err = s.sub.Drain() })
	return s.err
}

// Subscribe delivers each message on subj to fn, acking on success and
// asking for redelivery on error. With a durable name the consumer resumes
// where it stopped; without one only new messages are delivered. The
// subscription drains when ctx ends or Close is called.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	if b == nil {
		return nil, errNilBus
	}
	if fn == nil {
		return nil, errors.New("bus: nil handler")
	}

	opts := []nats.SubOpt{nats.ManualAck(), nats.AckExplicit()}
	if durable != "" {
		opts = append(opts, nats.Durable(durable))
	} else {
		opts = append(opts, nats.DeliverNew())
	}

	sub, err := b.js.Subscribe(subj, func(msg *nats.Msg) {
		if err := fn(ctx, msg.Data); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subj, err)
	}

	s := &subscription{sub: sub}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}
