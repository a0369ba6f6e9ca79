package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/mediaflow/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("connection reset"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"execution", schema.NewError(schema.ErrCodeExecution, "panic"), true},
		{"store", schema.NewError(schema.ErrCodeStore, "db busy"), true},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad"), false},
		{"non retryable", schema.NonRetryable(errors.New("bad input")), false},
		{"exhausted", schema.NewError(schema.ErrCodeRetryExhausted, "done"), false},
		{
			"step wrapping non retryable",
			schema.NewError(schema.ErrCodeStepFailed, "x").WithStep("s").WithCause(schema.NonRetryable(errors.New("bad"))),
			false,
		},
		{
			"fmt wrapped validation",
			fmt.Errorf("outer: %w", schema.NewError(schema.ErrCodeValidation, "bad")),
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestBackoff_NoJitter(t *testing.T) {
	b := BackoffPolicy{Initial: time.Second, Max: 5 * time.Second, Factor: 2}
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 5*time.Second, b.Delay(4), "capped at max")
	assert.Equal(t, 5*time.Second, b.Delay(40))
	assert.Equal(t, time.Second, b.Delay(0), "attempt floor is 1")
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := DefaultBackoff
	assert.Equal(t, 500*time.Millisecond, b.delay(1, func() float64 { return 0 }))
	assert.Equal(t, time.Second, b.delay(1, func() float64 { return 1 }))
	assert.Equal(t, 5*time.Minute, b.delay(20, func() float64 { return 1 }))

	for attempt := 1; attempt <= 12; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 5*time.Minute)
	}
}

func TestBackoff_ZeroInitial(t *testing.T) {
	assert.Equal(t, time.Duration(0), BackoffPolicy{}.Delay(3))
}

func TestIsInterruption(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.False(t, isInterruption(ctx, context.Canceled), "live context")
	cancel()
	assert.True(t, isInterruption(ctx, fmt.Errorf("http: %w", context.Canceled)))
	assert.True(t, isInterruption(context.Background(), schema.NewError(schema.ErrCodeInterrupted, "stop")))
	assert.False(t, isInterruption(ctx, errors.New("other")))
}
