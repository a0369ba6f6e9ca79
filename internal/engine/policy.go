package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/mediaflow/internal/logging"
	"github.com/rendis/mediaflow/internal/store"
	"github.com/rendis/mediaflow/pkg/schema"
)

var (
	errLeaseLost = errors.New("invocation lease lost")
	errNotWinner = errors.New("terminal transition lost to another owner")
)

// Outcome is the result of one attempt as decided by the Policy.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeRetry       Outcome = "retry"
	OutcomeFailed      Outcome = "failed"
	OutcomeSuspended   Outcome = "suspended"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeAbandoned   Outcome = "abandoned"
)

// Policy wraps Runtime.Invoke with the retry and terminal-failure rules.
type Policy struct {
	rt      *Runtime
	fsm     *InvocationFSM
	backoff BackoffPolicy
	logger  *slog.Logger
}

// NewPolicy creates a Policy using backoff for handlers without their own.
func NewPolicy(rt *Runtime, fsm *InvocationFSM, backoff BackoffPolicy) *Policy {
	return &Policy{rt: rt, fsm: fsm, backoff: backoff, logger: rt.logger}
}

// Execute runs one attempt of a claimed invocation and records its outcome.
// inv must be leased by owner and in status running.
func (p *Policy) Execute(ctx context.Context, reg *Registration, inv *store.Invocation, ev *store.Event, owner string) (Outcome, error) {
	ctx = logging.WithInvocation(ctx, inv.ID, reg.Handler.ID, ev.Name)
	ctx, span := p.rt.tracer.Start(ctx, "mediaflow.invocation.attempt", trace.WithAttributes(
		attribute.String("mediaflow.invocation.id", inv.ID),
		attribute.String("mediaflow.handler.id", reg.Handler.ID),
		attribute.String("mediaflow.event.name", ev.Name),
		attribute.Int("mediaflow.attempt", inv.Attempt),
	))
	defer span.End()
	logger := logging.LogWith(ctx, p.logger)

	handled, err := p.handledFailure(ctx, inv)
	if err != nil {
		return OutcomeAbandoned, err
	}
	if handled != nil {
		logger.Info("failure already handled, finishing invocation")
		return p.fail(context.WithoutCancel(ctx), reg, inv, ev, owner, handled)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopHeartbeat := p.heartbeat(runCtx, cancel, inv, owner)

	p.rt.Record(ctx, inv, "", schema.LogAttemptStarted, map[string]any{"attempt": inv.Attempt, "owner": owner})

	var out []byte
	if reg.limiter != nil {
		err = reg.limiter.Wait(runCtx)
	}
	if err == nil {
		out, err = p.rt.Invoke(runCtx, reg, inv, ev, owner)
	}
	stopHeartbeat()

	// Outcome bookkeeping must survive the cancellation that interrupted us.
	bg := context.WithoutCancel(ctx)
	now := p.rt.now()

	var suspend *SuspendError
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		return p.complete(bg, inv, owner, out)

	case errors.Is(context.Cause(runCtx), errLeaseLost) || store.IsLeaseLost(err):
		logger.Warn("lease lost, abandoning attempt", "attempt", inv.Attempt)
		return OutcomeAbandoned, nil

	case errors.As(err, &suspend):
		if rerr := p.release(bg, inv, owner, inv.Attempt, suspend.Until, nil); rerr != nil {
			return p.releaseFailed(logger, rerr)
		}
		p.rt.Record(bg, inv, suspend.Step, schema.LogInvocationSuspended, map[string]any{"until": suspend.Until})
		return OutcomeSuspended, nil

	case isInterruption(runCtx, err):
		if rerr := p.release(bg, inv, owner, inv.Attempt, now, nil); rerr != nil {
			return p.releaseFailed(logger, rerr)
		}
		p.rt.Record(bg, inv, stepOf(err), schema.LogAttemptInterrupted, errorPayload(err))
		logger.Info("attempt interrupted", "attempt", inv.Attempt)
		return OutcomeInterrupted, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.rt.Record(bg, inv, stepOf(err), schema.LogAttemptFailed, errorPayload(err))

	maxAttempts := inv.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = reg.MaxAttempts()
	}
	if IsRetryableError(err) && inv.Attempt < maxAttempts {
		delay := reg.backoff(p.backoff).Delay(inv.Attempt)
		runAt := now.Add(delay)
		if rerr := p.release(bg, inv, owner, inv.Attempt+1, runAt, errorJSON(err)); rerr != nil {
			return p.releaseFailed(logger, rerr)
		}
		p.rt.Record(bg, inv, stepOf(err), schema.LogRetryScheduled, map[string]any{
			"next_attempt": inv.Attempt + 1,
			"delay_ms":     delay.Milliseconds(),
			"run_at":       runAt.UTC(),
		})
		logger.Warn("attempt failed, retry scheduled", "attempt", inv.Attempt, "delay", delay, "error", err)
		return OutcomeRetry, err
	}

	return p.fail(bg, reg, inv, ev, owner, terminalError(err, inv.Attempt, maxAttempts))
}

func (p *Policy) complete(ctx context.Context, inv *store.Invocation, owner string, out []byte) (Outcome, error) {
	now := p.rt.now()
	err := p.fsm.Transition(ctx, inv, schema.InvocationCompleted, func(ctx context.Context) error {
		ok, err := p.rt.store.FinishInvocation(ctx, inv.ID, owner, store.Finish{
			Status:      schema.InvocationCompleted,
			Output:      out,
			CompletedAt: now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errNotWinner
		}
		return nil
	})
	if errors.Is(err, errNotWinner) {
		return OutcomeAbandoned, nil
	}
	if err != nil {
		return OutcomeAbandoned, err
	}
	inv.Output = out
	inv.CompletedAt = &now
	return OutcomeCompleted, nil
}

// failureStep keys the step record of a handler's OnFailure callback.
const failureStep = "on-failure"

// fail runs the OnFailure callback, then moves inv to failed. The callback
// is memoized as a step while inv is still leased, so a crash before the
// terminal transition re-enters here instead of losing it.
func (p *Policy) fail(ctx context.Context, reg *Registration, inv *store.Invocation, ev *store.Event, owner string, cause error) (Outcome, error) {
	logger := logging.LogWith(ctx, p.logger)
	if err := p.runOnFailure(ctx, reg, inv, ev, owner, cause); err != nil {
		if store.IsLeaseLost(err) {
			logger.Warn("lease lost before failure handling")
			return OutcomeAbandoned, nil
		}
		return OutcomeAbandoned, err
	}

	now := p.rt.now()
	errJSON := errorJSON(cause)
	err := p.fsm.Transition(ctx, inv, schema.InvocationFailed, func(ctx context.Context) error {
		ok, err := p.rt.store.FinishInvocation(ctx, inv.ID, owner, store.Finish{
			Status:      schema.InvocationFailed,
			Error:       errJSON,
			CompletedAt: now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errNotWinner
		}
		return nil
	})
	if errors.Is(err, errNotWinner) {
		return OutcomeAbandoned, nil
	}
	if err != nil {
		return OutcomeAbandoned, err
	}
	inv.Error = errJSON
	inv.CompletedAt = &now

	logger.Error("invocation failed", "attempts", inv.Attempt, "error", cause)
	return OutcomeFailed, cause
}

// runOnFailure calls the handler's OnFailure once per invocation. A callback
// error or panic is logged and recorded; it does not block the failure.
func (p *Policy) runOnFailure(ctx context.Context, reg *Registration, inv *store.Invocation, ev *store.Event, owner string, cause error) error {
	if reg == nil || reg.Handler.OnFailure == nil {
		return nil
	}
	done, err := p.rt.store.GetStep(ctx, inv.ID, failureStep)
	if err != nil {
		return err
	}
	if done != nil {
		return nil
	}
	if err := p.rt.renewLease(ctx, inv, owner); err != nil {
		return err
	}
	p.rt.Record(ctx, inv, "", schema.LogFailureHandlerInvoked, nil)

	cbErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = panicError(r)
			}
		}()
		return reg.Handler.OnFailure(ctx, FailureContext{
			Event:      ev,
			Invocation: inv,
			Err:        cause,
			Attempts:   inv.Attempt,
		})
	}()
	if cbErr != nil {
		p.rt.Record(ctx, inv, "", schema.LogFailureHandlerFailed, errorPayload(cbErr))
		logging.LogWith(ctx, p.logger).Error("failure handler failed", "error", cbErr)
	}

	steps, err := p.rt.store.ListSteps(ctx, inv.ID)
	if err != nil {
		return err
	}
	ordinal := 1
	for _, s := range steps {
		if s.Ordinal >= ordinal {
			ordinal = s.Ordinal + 1
		}
	}
	_, err = p.rt.store.PutStep(ctx, &store.StepRecord{
		InvocationID: inv.ID,
		Name:         failureStep,
		Ordinal:      ordinal,
		Output:       errorJSON(cause),
		Attempt:      inv.Attempt,
		CompletedAt:  p.rt.now().UTC(),
	})
	return err
}

// handledFailure returns the cause recorded by an OnFailure step that ran
// before the invocation reached failed, or nil.
func (p *Policy) handledFailure(ctx context.Context, inv *store.Invocation) (*schema.FlowError, error) {
	rec, err := p.rt.store.GetStep(ctx, inv.ID, failureStep)
	if err != nil || rec == nil {
		return nil, err
	}
	var payload struct {
		Message string `json:"message"`
		Code    string `json:"code"`
		Step    string `json:"step"`
	}
	if err := json.Unmarshal(rec.Output, &payload); err != nil || payload.Message == "" {
		payload.Message = "invocation failed"
	}
	code := payload.Code
	if code == "" {
		code = schema.ErrCodeNonRetryable
	}
	return schema.NewError(code, payload.Message).WithStep(payload.Step), nil
}

func (p *Policy) release(ctx context.Context, inv *store.Invocation, owner string, attempt int, next time.Time, errJSON []byte) error {
	err := p.fsm.Transition(ctx, inv, schema.InvocationRunning, func(ctx context.Context) error {
		return p.rt.store.ReleaseInvocation(ctx, inv.ID, owner, store.Release{
			Attempt:   attempt,
			NextRunAt: next,
			Error:     errJSON,
		})
	})
	if err != nil {
		return err
	}
	inv.Attempt = attempt
	inv.NextRunAt = &next
	inv.LeaseOwner = ""
	inv.LeaseUntil = nil
	return nil
}

func (p *Policy) releaseFailed(logger *slog.Logger, err error) (Outcome, error) {
	if store.IsLeaseLost(err) {
		logger.Warn("lease lost before release")
		return OutcomeAbandoned, nil
	}
	return OutcomeAbandoned, err
}

// heartbeat renews the lease every third of its duration until the attempt
// returns, including while a step finishes after the attempt was cancelled.
// Losing the lease cancels the attempt with errLeaseLost.
func (p *Policy) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, inv *store.Invocation, owner string) func() {
	interval := p.rt.lease / 3
	if interval <= 0 {
		return func() {}
	}
	ctx = context.WithoutCancel(ctx)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := p.rt.renewLease(ctx, inv, owner)
				if store.IsLeaseLost(err) {
					cancel(errLeaseLost)
					return
				}
				if err != nil {
					logging.LogWith(ctx, p.logger).Warn("lease renewal failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// terminalError wraps the last error of a failed invocation.
func terminalError(err error, attempt, maxAttempts int) error {
	if !IsRetryableError(err) {
		if schema.HasCode(err, schema.ErrCodeNonRetryable) {
			return err
		}
		return schema.NonRetryable(err)
	}
	return schema.NewErrorf(schema.ErrCodeRetryExhausted, "failed after %d of %d attempts: %s", attempt, maxAttempts, err.Error()).
		WithStep(stepOf(err)).
		WithCause(err)
}

func stepOf(err error) string {
	for err != nil {
		fe, ok := schema.AsFlowError(err)
		if !ok {
			return ""
		}
		if fe.Step != "" {
			return fe.Step
		}
		err = fe.Cause
	}
	return ""
}
