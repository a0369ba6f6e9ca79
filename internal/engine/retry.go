package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rendis/mediaflow/pkg/schema"
)

// DefaultMaxAttempts applies when a handler does not declare MaxAttempts.
const DefaultMaxAttempts = 3

// BackoffPolicy computes the delay before retry attempt n.
// Delay = random value in [Initial/2, min(Initial * Factor^(n-1), Max)] when
// Jitter is set, else the capped exponential value itself.
type BackoffPolicy struct {
	Initial time.Duration `json:"initial"`
	Max     time.Duration `json:"max"`
	Factor  float64       `json:"factor"`
	Jitter  bool          `json:"jitter"`
}

// DefaultBackoff is exponential base 2 from one second, capped at five minutes,
// with full jitter.
var DefaultBackoff = BackoffPolicy{
	Initial: time.Second,
	Max:     5 * time.Minute,
	Factor:  2,
	Jitter:  true,
}

// Delay returns the wait before the given retry attempt (1 = first retry).
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	return b.delay(attempt, rand.Float64)
}

func (b BackoffPolicy) delay(attempt int, rnd func() float64) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	base := float64(b.Initial) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 && base > float64(b.Max) {
		base = float64(b.Max)
	}
	if !b.Jitter {
		return time.Duration(base)
	}
	// Floor at half the initial delay so a jittered retry never fires instantly.
	floor := float64(b.Initial) / 2
	if floor > base {
		floor = base
	}
	return time.Duration(floor + rnd()*(base-floor))
}

// IsRetryableError classifies whether an attempt failing with err may be
// retried. Everything is retryable unless a FlowError in the chain says
// otherwise; the retry policy bounds the attempts.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if schema.HasCode(err, schema.ErrCodeNonRetryable) || schema.HasCode(err, schema.ErrCodeValidation) {
		return false
	}
	if fe, ok := schema.AsFlowError(err); ok {
		return fe.IsRetryable()
	}
	return true
}

// isInterruption reports whether err means the attempt stopped at a step
// boundary (or inside a step) because its context was cancelled.
func isInterruption(ctx context.Context, err error) bool {
	if schema.HasCode(err, schema.ErrCodeInterrupted) {
		return true
	}
	return ctx.Err() != nil && errors.Is(err, context.Canceled)
}
