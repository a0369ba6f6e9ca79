package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	invocationIDKey ctxKey = iota
	handlerIDKey
	stepKey
	eventNameKey
)

// correlationAttrs lists context keys in the order they are emitted.
var correlationAttrs = []struct {
	key  ctxKey
	name string
}{
	{invocationIDKey, "invocation_id"},
	{handlerIDKey, "handler_id"},
	{stepKey, "step"},
	{eventNameKey, "event_name"},
}

// WithInvocationID returns a context with the invocation ID set.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey, id)
}

// WithHandlerID returns a context with the handler ID set.
func WithHandlerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, handlerIDKey, id)
}

// WithStep returns a context with the step name set.
func WithStep(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stepKey, name)
}

// WithEventName returns a context with the event name set.
func WithEventName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, eventNameKey, name)
}

// InvocationID extracts the invocation ID from the context, or "" if absent.
func InvocationID(ctx context.Context) string { return value(ctx, invocationIDKey) }

// HandlerID extracts the handler ID from the context, or "" if absent.
func HandlerID(ctx context.Context) string { return value(ctx, handlerIDKey) }

// Step extracts the step name from the context, or "" if absent.
func Step(ctx context.Context) string { return value(ctx, stepKey) }

// EventName extracts the event name from the context, or "" if absent.
func EventName(ctx context.Context) string { return value(ctx, eventNameKey) }

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithInvocation sets the invocation, handler and event correlation IDs at once.
func WithInvocation(ctx context.Context, invocationID, handlerID, eventName string) context.Context {
	ctx = WithInvocationID(ctx, invocationID)
	ctx = WithHandlerID(ctx, handlerID)
	return WithEventName(ctx, eventName)
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs {
		if v := value(ctx, a.key); v != "" {
			logger = logger.With(slog.String(a.name, v))
		}
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, a := range correlationAttrs {
		if v := value(ctx, a.key); v != "" {
			r.AddAttrs(slog.String(a.name, v))
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
