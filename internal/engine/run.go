package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/mediaflow/internal/bus"
	"github.com/rendis/mediaflow/internal/logging"
	"github.com/rendis/mediaflow/internal/store"
	"github.com/rendis/mediaflow/pkg/schema"
)

// Run is the context object a handler body receives for one attempt.
// It is not safe for concurrent use: steps of one invocation are sequential.
type Run struct {
	ctx     context.Context
	rt      *Runtime
	reg     *Registration
	inv     *store.Invocation
	ev      *store.Event
	owner   string
	ordinal int
	seen    map[string]int
	used    map[string]bool
}

// Context returns the attempt context.
func (r *Run) Context() context.Context { return r.ctx }

// Event returns the triggering event.
func (r *Run) Event() *store.Event { return r.ev }

// Decode unmarshals the event data into dst.
func (r *Run) Decode(dst any) error {
	if err := json.Unmarshal(r.ev.Data, dst); err != nil {
		return schema.NonRetryable(fmt.Errorf("decode event %s data: %w", r.ev.ID, err))
	}
	return nil
}

// InvocationID returns the ID of the running invocation.
func (r *Run) InvocationID() string { return r.inv.ID }

// HandlerID returns the ID of the running handler.
func (r *Run) HandlerID() string { return r.reg.Handler.ID }

// Attempt returns the 1-based attempt number.
func (r *Run) Attempt() int { return r.inv.Attempt }

// Output decodes the memoized result of an earlier step into dst and reports
// whether the step has completed.
func (r *Run) Output(name string, dst any) (bool, error) {
	rec, err := r.rt.store.GetStep(r.ctx, r.inv.ID, name)
	if err != nil {
		return false, storeError(name, err)
	}
	if rec == nil {
		return false, nil
	}
	if dst != nil && len(rec.Output) > 0 {
		if err := json.Unmarshal(rec.Output, dst); err != nil {
			return true, decodeError(name, err)
		}
	}
	return true, nil
}

// Do runs a step that produces no value.
func (r *Run) Do(name string, fn func(ctx context.Context) error) error {
	_, err := r.step(name, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// Step runs fn as the named step of r, or returns its memoized result when
// the step already completed in an earlier attempt. The result round-trips
// through JSON in both cases so replays observe the same value.
func Step[T any](r *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	key := name
	raw, err := r.step(name, func(ctx context.Context) (any, error) {
		key = logging.Step(ctx)
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, decodeError(key, err)
	}
	return out, nil
}

// Sleep suspends the invocation until d has elapsed since the step first
// ran. The caller must return the error it yields, if any, from the body.
func Sleep(r *Run, name string, d time.Duration) error {
	wake, err := Step(r, name, func(ctx context.Context) (time.Time, error) {
		return r.rt.now().Add(d).UTC(), nil
	})
	if err != nil {
		return err
	}
	if r.rt.now().Before(wake) {
		r.rt.Record(r.ctx, r.inv, name, schema.LogSleeping, map[string]any{"until": wake})
		return &SuspendError{Step: name, Until: wake}
	}
	return nil
}

// SendEvents emits events as a step. Event IDs default to
// "<invocation>:<step>:<index>" so a retried send is deduplicated by the bus,
// and a completed send is never repeated on re-entry.
func SendEvents(r *Run, name string, events ...bus.EventInput) ([]string, error) {
	return Step(r, name, func(ctx context.Context) ([]string, error) {
		if r.rt.sender == nil {
			return nil, schema.NonRetryable(errors.New("no event sender configured"))
		}
		if len(events) == 0 {
			return []string{}, nil
		}
		key := logging.Step(ctx)
		batch := make([]bus.EventInput, len(events))
		for i, ev := range events {
			if ev.ID == "" {
				ev.ID = r.inv.ID + ":" + key + ":" + strconv.Itoa(i)
			}
			batch[i] = ev
		}
		receipt, err := r.rt.sender.SendBatch(ctx, batch)
		if err != nil {
			if schema.HasCode(err, schema.ErrCodeValidation) {
				return nil, schema.NonRetryable(err)
			}
			return nil, err
		}
		r.rt.Record(ctx, r.inv, key, schema.LogEventsSent, map[string]any{"ids": receipt.IDs})
		return receipt.IDs, nil
	})
}

// SuspendError is returned by Sleep while the wake-up time is in the future.
// It is not a failure: the invocation is re-entered after Until.
type SuspendError struct {
	Step  string
	Until time.Time
}

func (e *SuspendError) Error() string {
	return fmt.Sprintf("suspended at step %s until %s", e.Step, e.Until.Format(time.RFC3339))
}

// uniqueName keys the n-th repeat of name as "name:n", skipping keys an
// earlier step of this run already holds.
func (r *Run) uniqueName(name string) string {
	n := r.seen[name]
	key := name
	if n > 0 {
		key = name + ":" + strconv.Itoa(n)
	}
	for r.used[key] {
		n++
		key = name + ":" + strconv.Itoa(n)
	}
	r.seen[name] = n + 1
	r.used[key] = true
	return key
}

// step is the memoization core shared by Step, Do, Sleep and SendEvents.
func (r *Run) step(name string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	if name == "" {
		return nil, schema.NonRetryable(errors.New("step name is required"))
	}
	if name == failureStep {
		return nil, schema.NonRetryable(fmt.Errorf("step name %q is reserved", name))
	}
	key := r.uniqueName(name)
	r.ordinal++
	ordinal := r.ordinal

	rec, err := r.rt.store.GetStep(r.ctx, r.inv.ID, key)
	if err != nil {
		return nil, storeError(key, err)
	}
	if rec != nil {
		r.rt.Record(r.ctx, r.inv, key, schema.LogStepMemoized, nil)
		return rec.Output, nil
	}

	// Step boundary: the only point where an attempt may be interrupted.
	if err := r.ctx.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterrupted, "interrupted before step %s", key).
			WithStep(key).WithCause(err)
	}
	if err := r.rt.renewLease(r.ctx, r.inv, r.owner); err != nil {
		return nil, err
	}

	stepCtx, stopStep := r.stepContext()
	defer stopStep()
	ctx := logging.WithStep(stepCtx, key)
	ctx, span := r.rt.tracer.Start(ctx, "mediaflow.step", trace.WithAttributes(
		attribute.String("mediaflow.invocation.id", r.inv.ID),
		attribute.String("mediaflow.handler.id", r.reg.Handler.ID),
		attribute.String("mediaflow.step.name", key),
		attribute.Int("mediaflow.step.ordinal", ordinal),
		attribute.Int("mediaflow.attempt", r.inv.Attempt),
	))
	defer span.End()

	r.rt.Record(ctx, r.inv, key, schema.LogStepStarted, nil)
	started := r.rt.now()

	out, err := callStep(ctx, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.rt.Record(ctx, r.inv, key, schema.LogStepFailed, errorPayload(err))
		if isInterruption(stepCtx, err) {
			return nil, schema.NewErrorf(schema.ErrCodeInterrupted, "interrupted in step %s", key).
				WithStep(key).WithCause(err)
		}
		return nil, schema.NewError(schema.ErrCodeStepFailed, err.Error()).WithStep(key).WithCause(err)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		err = schema.NonRetryable(fmt.Errorf("marshal step %s result: %w", key, err))
		span.SetStatus(codes.Error, err.Error())
		r.rt.Record(ctx, r.inv, key, schema.LogStepFailed, errorPayload(err))
		return nil, err
	}

	// A step that returned is recorded even if the attempt was cancelled
	// meanwhile.
	stored, err := r.rt.store.PutStep(context.WithoutCancel(ctx), &store.StepRecord{
		InvocationID: r.inv.ID,
		Name:         key,
		Ordinal:      ordinal,
		Output:       raw,
		Attempt:      r.inv.Attempt,
		CompletedAt:  r.rt.now().UTC(),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, storeError(key, err)
	}

	r.rt.Record(ctx, r.inv, key, schema.LogStepCompleted, map[string]any{
		"duration_ms": r.rt.now().Sub(started).Milliseconds(),
	})
	return stored.Output, nil
}

// stepContext returns the context a step body runs under. Cancelling the
// attempt does not reach it; only a lost lease does.
func (r *Run) stepContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(r.ctx))
	stop := context.AfterFunc(r.ctx, func() {
		if cause := context.Cause(r.ctx); errors.Is(cause, errLeaseLost) {
			cancel(cause)
		}
	})
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

func callStep(ctx context.Context, fn func(ctx context.Context) (any, error)) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return fn(ctx)
}

func storeError(step string, err error) error {
	if store.IsLeaseLost(err) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "step %s: %s", step, err.Error()).WithStep(step).WithCause(err)
}

// decodeError reports a memoized value that no longer fits the caller's type.
// Retrying cannot fix it.
func decodeError(step string, err error) error {
	return schema.NonRetryable(
		schema.NewErrorf(schema.ErrCodeValidation, "decode step %s result: %s", step, err.Error()).
			WithStep(step).WithCause(err))
}
