package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/rendis/mediaflow/internal/expressions"
	"github.com/rendis/mediaflow/internal/store"
	"github.com/rendis/mediaflow/pkg/schema"
)

var (
	handlerIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)
	eventNamePattern = regexp.MustCompile(`^[a-z0-9_.-]+(/[a-z0-9_.-]+)+$`)
)

// CronEventName is the synthetic event name a cron handler receives.
func CronEventName(handlerID string) string {
	return "cron/" + handlerID
}

// Registry is the dispatch table from event names to handlers. It is built
// before the engine starts and frozen afterwards.
type Registry struct {
	mu      sync.RWMutex
	frozen  bool
	byID    map[string]*Registration
	byEvent map[string][]*Registration
	order   []*Registration

	cel    *expressions.CELEngine
	jq     *expressions.GoJQEngine
	expr   *expressions.ExprEngine
	parser cron.Parser
}

// NewRegistry creates an empty registry.
func NewRegistry() (*Registry, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Registry{
		byID:    make(map[string]*Registration),
		byEvent: make(map[string][]*Registration),
		cel:     celEngine,
		jq:      expressions.NewGoJQEngine(),
		expr:    expressions.NewExprEngine(),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}, nil
}

// Register validates and adds a handler.
func (r *Registry) Register(h Handler) error {
	if err := r.validate(h); err != nil {
		return err
	}

	reg := &Registration{Handler: h, EventName: h.Event}
	if h.Cron != "" {
		sched, err := r.parser.Parse(h.Cron)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "handler %s: invalid cron %q: %s", h.ID, h.Cron, err.Error()).WithCause(err)
		}
		reg.Schedule = sched
		reg.EventName = CronEventName(h.ID)
	}
	if h.RateLimit > 0 {
		burst := h.RateBurst
		if burst <= 0 {
			burst = 1
		}
		reg.limiter = rate.NewLimiter(rate.Limit(h.RateLimit), burst)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return schema.NewErrorf(schema.ErrCodeFrozen, "registry is frozen, cannot register %s", h.ID)
	}
	if _, dup := r.byID[h.ID]; dup {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %s already registered", h.ID)
	}
	r.byID[h.ID] = reg
	r.byEvent[reg.EventName] = append(r.byEvent[reg.EventName], reg)
	r.order = append(r.order, reg)
	return nil
}

// MustRegister is Register that panics on error, for static wiring.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

func (r *Registry) validate(h Handler) error {
	res := &schema.ValidationResult{}
	if !handlerIDPattern.MatchString(h.ID) {
		res.AddError("id", schema.ErrCodeValidation, fmt.Sprintf("invalid handler id %q", h.ID))
	}
	switch {
	case h.Event == "" && h.Cron == "":
		res.AddError("event", schema.ErrCodeValidation, "one of event or cron is required")
	case h.Event != "" && h.Cron != "":
		res.AddError("event", schema.ErrCodeValidation, "event and cron are mutually exclusive")
	case h.Event != "" && !eventNamePattern.MatchString(h.Event):
		res.AddError("event", schema.ErrCodeValidation, fmt.Sprintf("invalid event name %q", h.Event))
	}
	if h.CronPayload != "" && h.Cron == "" {
		res.AddError("cron_payload", schema.ErrCodeValidation, "cron_payload requires cron")
	}
	if h.Fn == nil {
		res.AddError("fn", schema.ErrCodeValidation, "handler function is required")
	}
	if h.MaxAttempts < 0 {
		res.AddError("max_attempts", schema.ErrCodeValidation, "max_attempts must be >= 0")
	}
	if h.Filter != "" {
		if err := r.cel.Compile(h.Filter); err != nil {
			res.AddError("filter", schema.ErrCodeValidation, err.Error())
		}
	}
	if h.IdempotencyKey != "" {
		if err := r.jq.Compile(h.IdempotencyKey); err != nil {
			res.AddError("idempotency_key", schema.ErrCodeValidation, err.Error())
		}
	}
	if h.CronPayload != "" {
		if err := r.expr.Compile(h.CronPayload); err != nil {
			res.AddError("cron_payload", schema.ErrCodeValidation, err.Error())
		}
	}
	if err := res.ToError(); err != nil {
		if fe, ok := schema.AsFlowError(err); ok {
			fe.Message = fmt.Sprintf("handler %q: %s", h.ID, fe.Message)
		}
		return err
	}
	return nil
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Resolve returns the handlers bound to eventName in registration order.
// An unknown name yields an empty slice.
func (r *Registry) Resolve(eventName string) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := r.byEvent[eventName]
	out := make([]*Registration, len(regs))
	copy(out, regs)
	return out
}

// Get returns the registration for a handler ID.
func (r *Registry) Get(id string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	return reg, ok
}

// Handlers returns every registration in registration order.
func (r *Registry) Handlers() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registration, len(r.order))
	copy(out, r.order)
	return out
}

// Triggers returns the scheduled-trigger bookkeeping rows for cron handlers.
// NextRunAt is computed from now.
func (r *Registry) Triggers(now time.Time) []*store.ScheduledTrigger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*store.ScheduledTrigger
	for _, reg := range r.order {
		if reg.Schedule == nil {
			continue
		}
		next := reg.Schedule.Next(now).UTC()
		out = append(out, &store.ScheduledTrigger{
			ID:             reg.Handler.ID,
			CronExpression: reg.Handler.Cron,
			EventName:      reg.EventName,
			Payload:        reg.Handler.CronPayload,
			Enabled:        true,
			NextRunAt:      &next,
		})
	}
	return out
}

// Match evaluates the handler filter against ev. Handlers without a filter
// match every event.
func (r *Registry) Match(ctx context.Context, reg *Registration, ev *store.Event) (bool, error) {
	if reg.Handler.Filter == "" {
		return true, nil
	}
	data, err := decodeData(ev.Data)
	if err != nil {
		return false, err
	}
	env := map[string]any{
		"event": map[string]any{
			"id":          ev.ID,
			"name":        ev.Name,
			"data":        data,
			"received_at": ev.ReceivedAt.UTC().Format(time.RFC3339Nano),
		},
		"data": data,
	}
	return r.cel.EvaluateBool(ctx, reg.Handler.Filter, env)
}

// DedupKey derives the invocation dedup key for ev: the idempotency key
// expression's result, or the event ID when there is none or it yields null.
func (r *Registry) DedupKey(ctx context.Context, reg *Registration, ev *store.Event) (string, error) {
	if reg.Handler.IdempotencyKey == "" {
		return ev.ID, nil
	}
	data, err := decodeData(ev.Data)
	if err != nil {
		return "", err
	}
	key, err := r.jq.EvaluateKey(ctx, reg.Handler.IdempotencyKey, data)
	if err != nil {
		return "", err
	}
	if key == "" {
		return ev.ID, nil
	}
	return key, nil
}

func decodeData(raw json.RawMessage) (map[string]any, error) {
	data := map[string]any{}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "event data is not a JSON object: %s", err.Error()).WithCause(err)
	}
	return data, nil
}
