// Package bus is the producer-facing entry point: events are validated,
// durably recorded and then handed to the dispatcher.
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/mediaflow/internal/store"
	"github.com/rendis/mediaflow/internal/validation"
	"github.com/rendis/mediaflow/pkg/schema"
)

// EventInput is one event submitted by a producer. ID is optional; Data may
// be nil, a json.RawMessage, raw bytes or any JSON-marshalable object.
type EventInput struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Data any    `json:"data,omitempty"`
}

// Receipt lists the IDs of accepted events in submission order.
type Receipt struct {
	IDs []string `json:"ids"`
}

// Dispatcher routes a recorded event to its handlers.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *store.Event) error
}

// Client sends events. It is safe for concurrent use.
type Client struct {
	store     store.Store
	validator validation.Validator
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.RWMutex
	dispatcher Dispatcher
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a Client. A nil validator disables event validation.
func New(s store.Store, v validation.Validator, opts ...Option) *Client {
	c := &Client{
		store:     s,
		validator: v,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach sets the dispatcher events are handed to after recording. Until one
// is attached, events are only recorded and picked up by the recovery sweep.
func (c *Client) Attach(d Dispatcher) {
	c.mu.Lock()
	c.dispatcher = d
	c.mu.Unlock()
}

// Send validates and records a single event.
func (c *Client) Send(ctx context.Context, in EventInput) (Receipt, error) {
	return c.SendBatch(ctx, []EventInput{in})
}

// SendBatch validates every event before recording any of them. It returns
// once all events are durably recorded; handler execution is asynchronous.
// A repeated event ID is a duplicate delivery: accepted, but not recorded or
// dispatched twice.
func (c *Client) SendBatch(ctx context.Context, ins []EventInput) (Receipt, error) {
	if len(ins) == 0 {
		return Receipt{}, schema.NewError(schema.ErrCodeValidation, "no events to send")
	}

	events := make([]*store.Event, len(ins))
	res := &schema.ValidationResult{}
	for i, in := range ins {
		data, err := normalizeData(in.Data)
		if err != nil {
			res.AddError(itemPath(len(ins), i, "data"), schema.ErrCodeValidation, err.Error())
			continue
		}
		var r *schema.ValidationResult
		if c.validator != nil {
			r = c.validator.ValidateEvent(in.ID, in.Name, data)
		}
		res.MergeAt(itemPath(len(ins), i, ""), r)
		events[i] = &store.Event{ID: in.ID, Name: in.Name, Data: data}
	}
	if err := res.ToError(); err != nil {
		return Receipt{}, err
	}

	now := c.now().UTC()
	receipt := Receipt{IDs: make([]string, 0, len(events))}
	var fresh []*store.Event
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		ev.ReceivedAt = now
		created, err := c.store.CreateEvent(ctx, ev)
		if err != nil {
			return receipt, schema.NewErrorf(schema.ErrCodeStore, "record event %s: %s", ev.ID, err.Error()).WithCause(err)
		}
		receipt.IDs = append(receipt.IDs, ev.ID)
		if created {
			fresh = append(fresh, ev)
		} else {
			c.logger.Debug("duplicate event delivery", "event_id", ev.ID, "event_name", ev.Name)
		}
	}

	c.mu.RLock()
	d := c.dispatcher
	c.mu.RUnlock()
	if d == nil {
		return receipt, nil
	}
	for _, ev := range fresh {
		if err := d.Dispatch(ctx, ev); err != nil {
			c.logger.Warn("dispatch failed, left for recovery",
				"event_id", ev.ID, "event_name", ev.Name, "error", err)
		}
	}
	return receipt, nil
}

func itemPath(n, i int, field string) string {
	if n == 1 {
		return field
	}
	p := fmt.Sprintf("events[%d]", i)
	if field != "" {
		p += "." + field
	}
	return p
}

// normalizeData renders Data as JSON, defaulting to an empty object.
func normalizeData(v any) (json.RawMessage, error) {
	var raw []byte
	switch d := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		raw = d
	case []byte:
		raw = d
	case string:
		raw = []byte(d)
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("data is not JSON-serializable: %w", err)
		}
		raw = b
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("data is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
