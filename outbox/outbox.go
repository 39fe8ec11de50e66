// Package outbox delivers the events published during a processor
// operation as CloudEvents once the operation's unit of work is flushed.
//
// Add the filter to the processor and every handler's output is encoded
// and enlisted in the operation's unit of work:
//
//	p := microprocessor.New(reg, microprocessor.Config{
//	    Filters: []microprocessor.Filter{outbox.Filter(sender, outbox.Config{Source: "orders"})},
//	})
//
// Events of failed operations are never sent.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/binding"
	"github.com/cloudevents/sdk-go/v2/protocol"
	"github.com/google/uuid"

	"github.com/fxsml/microprocessor"
	"github.com/fxsml/microprocessor/uow"
)

// OperationIDExtension is the CloudEvents extension carrying the ID of the
// operation that published the event.
const OperationIDExtension = "operationid"

// Marshaler encodes event payloads.
type Marshaler interface {
	Marshal(v any) ([]byte, error)
	DataContentType() string
}

type jsonMarshaler struct{}

func (jsonMarshaler) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonMarshaler) DataContentType() string       { return cloudevents.ApplicationJSON }

// Config configures the encoding of events.
type Config struct {
	// Source is the CloudEvents source attribute. Defaults to "microprocessor".
	Source string
	// Naming derives the CloudEvents type. Defaults to DotNaming.
	Naming NamingStrategy
	// Marshaler encodes event data. Defaults to encoding/json.
	Marshaler Marshaler
	// Logger defaults to slog.Default().
	Logger microprocessor.Logger
}

func (c Config) parse() Config {
	if c.Source == "" {
		c.Source = "microprocessor"
	}
	if c.Naming == nil {
		c.Naming = DotNaming
	}
	if c.Marshaler == nil {
		c.Marshaler = jsonMarshaler{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Encoder converts messages into CloudEvents.
type Encoder struct {
	cfg Config
}

// NewEncoder creates an encoder.
func NewEncoder(cfg Config) *Encoder {
	return &Encoder{cfg: cfg.parse()}
}

// Encode converts every message of stream into an event tagged with
// operationID.
func (e *Encoder) Encode(operationID string, stream microprocessor.MessageStream) ([]cloudevents.Event, error) {
	events := make([]cloudevents.Event, 0, stream.Count())
	for _, msg := range stream.All() {
		event, err := e.EncodeMessage(operationID, msg)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// EncodeMessage converts a single message into an event.
func (e *Encoder) EncodeMessage(operationID string, msg any) (cloudevents.Event, error) {
	if msg == nil {
		return cloudevents.Event{}, fmt.Errorf("outbox: cannot encode nil message")
	}
	typ := e.cfg.Naming(reflect.TypeOf(msg))
	if typ == "" {
		return cloudevents.Event{}, fmt.Errorf("outbox: cannot name event type of %T", msg)
	}
	data, err := e.cfg.Marshaler.Marshal(msg)
	if err != nil {
		return cloudevents.Event{}, fmt.Errorf("outbox: encode %T: %w", msg, err)
	}

	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetType(typ)
	event.SetSource(e.cfg.Source)
	event.SetTime(time.Now().UTC())
	if operationID != "" {
		event.SetExtension(OperationIDExtension, operationID)
	}
	if err := event.SetData(e.cfg.Marshaler.DataContentType(), data); err != nil {
		return cloudevents.Event{}, fmt.Errorf("outbox: set data of %T: %w", msg, err)
	}
	if err := event.Validate(); err != nil {
		return cloudevents.Event{}, fmt.Errorf("outbox: invalid event for %T: %w", msg, err)
	}
	return event, nil
}

// Outbox is a unit of work sending events on flush. Events are sent in
// order; a failed send stops the flush and leaves the remaining events
// pending.
type Outbox struct {
	sender protocol.Sender
	logger microprocessor.Logger

	mu     sync.Mutex
	events []cloudevents.Event
	sent   int
}

var _ uow.UnitOfWork = (*Outbox)(nil)

// New creates an empty outbox sending through sender.
func New(sender protocol.Sender, logger microprocessor.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{sender: sender, logger: logger}
}

// Add queues events.
func (o *Outbox) Add(events ...cloudevents.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, events...)
}

// Pending returns the number of events not sent yet.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events) - o.sent
}

// RequiresFlush reports whether events are pending.
func (o *Outbox) RequiresFlush() bool {
	return o.Pending() > 0
}

// Flush sends the pending events.
func (o *Outbox) Flush(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.sent < len(o.events) {
		if err := ctx.Err(); err != nil {
			return err
		}
		event := o.events[o.sent]
		result := o.sender.Send(ctx, binding.ToMessage(&event))
		if !protocol.IsACK(result) {
			o.logger.Error("Event send failed",
				"component", "outbox",
				"id", event.ID(),
				"type", event.Type(),
				"error", result)
			return fmt.Errorf("outbox: send %s (%s): %w", event.ID(), event.Type(), result)
		}
		o.sent++
	}
	return nil
}

type resource struct {
	sender protocol.Sender
}

// Filter creates a filter that encodes the output of every handler and
// enlists it for sending. It runs at position 0 of ExceptionHandlingStage,
// outside every other global filter, so it encodes the output the
// processor goes on to handle. Add it before other filters at that
// position. Queries are left untouched.
func Filter(sender protocol.Sender, cfg Config) microprocessor.Filter {
	cfg = cfg.parse()
	enc := &Encoder{cfg: cfg}
	return microprocessor.HandleFilter(microprocessor.ExceptionHandlingStage, 0, func(next microprocessor.HandleFunc) microprocessor.HandleFunc {
		return func(ctx *microprocessor.Context, msg any) (microprocessor.HandleResult, error) {
			res, err := next(ctx, msg)
			if err != nil || res.Output.IsEmpty() {
				return res, err
			}
			events, err := enc.Encode(ctx.OperationID(), res.Output)
			if err != nil {
				return res, err
			}
			box := New(sender, cfg.Logger)
			box.Add(events...)
			if err := ctx.Enlist(box, resource{sender: sender}); err != nil {
				return res, err
			}
			return res, nil
		}
	})
}
