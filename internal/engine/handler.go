package engine

import (
	"context"
	"encoding/json"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/rendis/mediaflow/internal/store"
)

// HandlerFunc is the body of a handler. It is plain sequential code that
// wraps each unit of work in Step (or Sleep / SendEvents) and returns the
// invocation output.
type HandlerFunc func(ctx context.Context, run *Run) (any, error)

// FailureFunc is called exactly once when an invocation fails terminally.
type FailureFunc func(ctx context.Context, fc FailureContext) error

// FailureContext is passed to a handler's OnFailure callback.
type FailureContext struct {
	Event      *store.Event
	Invocation *store.Invocation
	Err        error
	Attempts   int
}

// Decode unmarshals the triggering event data into dst.
func (fc FailureContext) Decode(dst any) error {
	if fc.Event == nil {
		return nil
	}
	return json.Unmarshal(fc.Event.Data, dst)
}

// Handler is a named multi-step function bound to an event name or a cron
// expression.
type Handler struct {
	ID string

	// Exactly one of Event or Cron is set. Cron handlers receive the
	// synthetic event "cron/<ID>".
	Event string
	Cron  string
	// CronPayload is an optional expr expression evaluated against
	// {now, trigger} whose object result is merged into the cron event data.
	CronPayload string

	// Filter is an optional CEL expression over `event` and `data`; an event
	// for which it yields false does not create an invocation.
	Filter string
	// IdempotencyKey is an optional jq expression over the event data. Events
	// producing the same key share one invocation. Default: the event ID.
	IdempotencyKey string

	MaxAttempts int
	Backoff     *BackoffPolicy

	// RateLimit caps attempt starts per second for this handler (0 = none).
	RateLimit float64
	RateBurst int

	OnFailure FailureFunc
	Fn        HandlerFunc
}

// Registration is a registered handler together with its compiled trigger.
type Registration struct {
	Handler   Handler
	EventName string
	Schedule  cron.Schedule

	limiter *rate.Limiter
}

// ID returns the handler ID.
func (r *Registration) ID() string { return r.Handler.ID }

// MaxAttempts returns the configured attempt bound.
func (r *Registration) MaxAttempts() int {
	if r.Handler.MaxAttempts > 0 {
		return r.Handler.MaxAttempts
	}
	return DefaultMaxAttempts
}

// IsCron reports whether the handler is triggered by a schedule.
func (r *Registration) IsCron() bool { return r.Handler.Cron != "" }

func (r *Registration) backoff(fallback BackoffPolicy) BackoffPolicy {
	if r.Handler.Backoff != nil {
		return *r.Handler.Backoff
	}
	return fallback
}
