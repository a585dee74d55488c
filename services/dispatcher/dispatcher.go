package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"rebuildd/pkg/bus"
	"rebuildd/services/events"
)

// DefaultStream is the JetStream stream holding every consumed subject.
const DefaultStream = "REBUILDD"

// Handler reacts to the events it accepts and may emit follow-up events.
type Handler interface {
	Name() string
	CanHandle(evt events.Event) bool
	Handle(ctx context.Context, evt events.Event) ([]events.Event, error)
}

// Bus is the subset of the message bus the dispatcher uses.
type Bus interface {
	EnsureStream(name string, subjects []string) error
	Publish(ctx context.Context, subj, msgID string, v any) error
	Subscribe(ctx context.Context, subj, durable string, fn bus.Handler, opts bus.SubscribeOptions) (io.Closer, error)
}

// Config controls the consumers started by Start.
type Config struct {
	Stream    string
	Subjects  []string
	Subscribe bus.SubscribeOptions
	Logger    zerolog.Logger
}

// Dispatcher routes bus deliveries to registered handlers.
type Dispatcher struct {
	bus      Bus
	handlers []Handler
	stream   string
	subjects []string
	subOpts  bus.SubscribeOptions
	log      zerolog.Logger

	mu   sync.Mutex
	subs []io.Closer
}

// New builds a Dispatcher. Handlers are consulted in the given order.
func New(b Bus, cfg Config, handlers ...Handler) (*Dispatcher, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if len(handlers) == 0 {
		return nil, errors.New("at least one handler is required")
	}
	for i, h := range handlers {
		if h == nil {
			return nil, fmt.Errorf("handler %d is nil", i)
		}
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if len(cfg.Subjects) == 0 {
		cfg.Subjects = events.Subjects
	}

	return &Dispatcher{
		bus:      b,
		handlers: handlers,
		stream:   cfg.Stream,
		subjects: cfg.Subjects,
		subOpts:  cfg.Subscribe,
		log:      cfg.Logger,
	}, nil
}

// Start makes sure the stream exists and subscribes one durable consumer per
// subject. Consumers stop when ctx is cancelled or Close is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.bus.EnsureStream(d.stream, d.subjects); err != nil {
		return fmt.Errorf("ensure stream %s: %w", d.stream, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, subj := range d.subjects {
		sub, err := d.bus.Subscribe(ctx, subj, durableName(subj), d.HandleMessage, d.subOpts)
		if err != nil {
			d.closeLocked()
			return fmt.Errorf("subscribe %s: %w", subj, err)
		}
		d.subs = append(d.subs, sub)
		d.log.Info().Str("subject", subj).Str("durable", durableName(subj)).Msg("consuming")
	}
	return nil
}

// Close drains every consumer started by Start.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *Dispatcher) closeLocked() error {
	var errs error
	for _, s := range d.subs {
		errs = multierr.Append(errs, s.Close())
	}
	d.subs = nil
	return errs
}

// HandleMessage decodes msg and dispatches the event it carries. Messages
// that cannot be decoded are terminated, ignored ones are acknowledged.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg bus.Message) error {
	log := d.log.With().Str("subject", msg.Subject).Str("nats_msg_id", msg.ID).Uint64("delivered", msg.Delivered).Logger()

	evt, err := events.Parse(msg.Subject, msg.ID, msg.Data)
	switch {
	case errors.Is(err, events.ErrIgnored):
		log.Debug().Err(err).Msg("ignoring message")
		return nil
	case err != nil:
		log.Error().Err(err).Msg("dropping undecodable message")
		return bus.Terminal(err)
	}

	return d.Dispatch(log.WithContext(ctx), evt)
}

// Dispatch runs every handler that accepts evt, in registration order, and
// publishes the follow-up events they return.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.Event) error {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled {
		log = &d.log
	}

	var (
		errs    error
		handled bool
	)
	for _, h := range d.handlers {
		if !h.CanHandle(evt) {
			continue
		}
		handled = true

		followUps, err := h.Handle(ctx, evt)
		if err != nil {
			log.Error().Err(err).Str("handler", h.Name()).Str("event", evt.Kind()).Str("msg_id", evt.ID()).Msg("handler failed")
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", h.Name(), err))
			continue
		}
		for _, f := range followUps {
			errs = multierr.Append(errs, d.publish(ctx, f))
		}
	}

	if !handled {
		log.Debug().Str("event", evt.Kind()).Str("msg_id", evt.ID()).Msg("no handler for event")
	}
	return errs
}

func (d *Dispatcher) publish(ctx context.Context, evt events.Event) error {
	subj, payload, err := events.Encode(evt)
	if err != nil {
		return fmt.Errorf("encode follow-up %s: %w", evt.Kind(), err)
	}
	if err := d.bus.Publish(ctx, subj, evt.ID(), payload); err != nil {
		return fmt.Errorf("publish follow-up %s: %w", evt.ID(), err)
	}
	return nil
}

func durableName(subject string) string {
	return "rebuildd-" + strings.NewReplacer(".", "-", "*", "any", ">", "all").Replace(subject)
}
