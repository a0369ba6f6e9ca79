package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/mediaflow/internal/bus"
	"github.com/rendis/mediaflow/internal/logging"
	"github.com/rendis/mediaflow/internal/store"
	"github.com/rendis/mediaflow/internal/streaming"
	"github.com/rendis/mediaflow/pkg/schema"
)

const tracerName = "github.com/rendis/mediaflow/internal/engine"

// Sender submits events on behalf of a running handler.
type Sender interface {
	SendBatch(ctx context.Context, events []bus.EventInput) (bus.Receipt, error)
}

// Runtime executes handler bodies with step memoization.
type Runtime struct {
	store  store.Store
	log    *store.InvocationLog
	sender Sender
	hub    streaming.Hub
	tracer trace.Tracer
	logger *slog.Logger
	lease  time.Duration
	now    func() time.Time
}

// NewRuntime creates a Runtime over s. sender may be nil when no handler
// emits events.
func NewRuntime(s store.Store, sender Sender) *Runtime {
	return &Runtime{
		store:  s,
		log:    store.NewInvocationLog(s),
		sender: sender,
		tracer: otel.Tracer(tracerName),
		logger: slog.Default(),
		lease:  DefaultLeaseDuration,
		now:    time.Now,
	}
}

// Invoke runs the handler body for one attempt of inv, owned by owner.
// A completed invocation returns its stored output without running anything.
func (rt *Runtime) Invoke(ctx context.Context, reg *Registration, inv *store.Invocation, ev *store.Event, owner string) (json.RawMessage, error) {
	if inv.Status == schema.InvocationCompleted {
		return inv.Output, nil
	}

	run := &Run{
		ctx:   ctx,
		rt:    rt,
		reg:   reg,
		inv:   inv,
		ev:    ev,
		owner: owner,
		seen:  make(map[string]int),
		used:  make(map[string]bool),
	}

	out, err := callHandler(ctx, reg.Handler.Fn, run)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, schema.NonRetryable(fmt.Errorf("marshal handler output: %w", err))
	}
	return raw, nil
}

// Record appends a log entry for inv and publishes it to the hub. Failures
// are logged, never returned: the log is for inspection only.
func (rt *Runtime) Record(ctx context.Context, inv *store.Invocation, step, typ string, payload any) {
	ctx = context.WithoutCancel(ctx)
	entry, err := rt.log.Append(ctx, inv.ID, inv.Attempt, step, typ, payload)
	if err != nil {
		logging.LogWith(ctx, rt.logger).Warn("append invocation log", "type", typ, "error", err)
		return
	}
	if rt.hub == nil {
		return
	}
	n := streaming.Notification{
		InvocationID: inv.ID,
		HandlerID:    inv.HandlerID,
		Step:         step,
		Type:         typ,
		Attempt:      inv.Attempt,
		Timestamp:    entry.Timestamp,
	}
	if len(entry.Payload) > 0 {
		n.Payload = entry.Payload
	}
	_ = rt.hub.Publish(ctx, n)
}

func (rt *Runtime) renewLease(ctx context.Context, inv *store.Invocation, owner string) error {
	return rt.store.RenewLease(ctx, inv.ID, owner, rt.now().Add(rt.lease))
}

func callHandler(ctx context.Context, fn HandlerFunc, run *Run) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return fn(ctx, run)
}

// panicError converts a recovered panic into a transient execution error.
func panicError(r any) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "panic: %v", r).
		WithDetails(map[string]any{"stack": string(debug.Stack())})
}

// errorPayload renders err for the log and the invocation error column.
func errorPayload(err error) map[string]any {
	if err == nil {
		return nil
	}
	p := map[string]any{"message": err.Error()}
	if fe, ok := schema.AsFlowError(err); ok {
		p["code"] = fe.Code
		if fe.Step != "" {
			p["step"] = fe.Step
		}
	}
	return p
}

func errorJSON(err error) json.RawMessage {
	b, _ := json.Marshal(errorPayload(err))
	return b
}
