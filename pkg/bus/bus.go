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

const (
	defaultRetryDelay = 10 * time.Second
	defaultMaxDeliver = 5
)

// Message is a single delivery handed to a subscription handler.
type Message struct {
	Subject   string
	ID        string
	Data      []byte
	Delivered uint64
}

// Handler processes one delivery. Returning nil acknowledges the message,
// returning a Terminal error drops it, any other error requests redelivery.
type Handler func(ctx context.Context, msg Message) error

// SubscribeOptions tunes redelivery for a durable consumer.
type SubscribeOptions struct {
	RetryDelay time.Duration
	MaxDeliver int
}

// Bus wraps a NATS JetStream connection for publishing and consuming events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// EnsureStream creates the named stream covering subjects, or widens an
// existing one so it covers them too.
func (b *Bus) EnsureStream(name string, subjects []string) error {
	if b == nil {
		return errors.New("nil bus")
	}

	info, err := b.js.StreamInfo(name)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = b.js.AddStream(&nats.StreamConfig{
			Name:     name,
			Subjects: subjects,
		})
		return err
	case err != nil:
		return err
	}

	cfg := info.Config
	missing := false
	for _, subj := range subjects {
		if !contains(cfg.Subjects, subj) {
			cfg.Subjects = append(cfg.Subjects, subj)
			missing = true
		}
	}
	if !missing {
		return nil
	}
	_, err = b.js.UpdateStream(&cfg)
	return err
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Ping reports whether the connection to the server is usable.
func (b *Bus) Ping() error {
	if b == nil {
		return errors.New("nil bus")
	}
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats: %s", b.conn.Status())
	}
	return nil
}

// Publish encodes v as JSON and publishes it to the given subject. A non-empty
// msgID lets JetStream drop duplicate publishes within its dedup window.
func (b *Bus) Publish(ctx context.Context, subj, msgID string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}

	_, err = b.js.Publish(subj, data, opts...)
	return err
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Subscribe creates a durable consumer on the given subject and invokes fn for each message.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn Handler, opts SubscribeOptions) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = defaultMaxDeliver
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		m := Message{
			Subject: msg.Subject,
			ID:      msg.Header.Get(nats.MsgIdHdr),
			Data:    msg.Data,
		}
		if meta, err := msg.Metadata(); err == nil {
			m.Delivered = meta.NumDelivered
		}

		err := fn(handlerCtx, m)
		switch {
		case err == nil:
			_ = msg.Ack()
		case IsTerminal(err):
			_ = msg.Term()
		default:
			_ = msg.NakWithDelay(opts.RetryDelay)
		}
	}

	sub, err := b.js.Subscribe(subj, handler,
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(opts.MaxDeliver),
	)
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
