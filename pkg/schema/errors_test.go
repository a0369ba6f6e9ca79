package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowError_Error(t *testing.T) {
	err := NewError(ErrCodeStepFailed, "boom")
	assert.Equal(t, "[STEP_FAILED] boom", err.Error())

	err.WithStep("transcribe")
	assert.Equal(t, "[STEP_FAILED] step transcribe: boom", err.Error())
}

func TestFlowError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := NewErrorf(ErrCodeExecution, "call %s", "transcriber").WithCause(cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "call transcriber", err.Message)
}

func TestNonRetryable(t *testing.T) {
	assert.NoError(t, NonRetryable(nil))

	cause := errors.New("video removed")
	err := fmt.Errorf("fetch metadata: %w", NonRetryable(cause))

	fe, ok := AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeNonRetryable, fe.Code)
	assert.False(t, fe.IsRetryable())
	assert.ErrorIs(t, err, cause)
}

func TestFlowError_IsRetryable(t *testing.T) {
	assert.True(t, NewError(ErrCodeExecution, "x").IsRetryable())
	assert.True(t, NewError(ErrCodeTimeout, "x").IsRetryable())
	assert.False(t, NewError(ErrCodeValidation, "x").IsRetryable())
	assert.False(t, NewError(ErrCodeNonRetryable, "x").IsRetryable())
}

func TestHasCode(t *testing.T) {
	inner := NonRetryable(errors.New("gone"))
	outer := NewError(ErrCodeStepFailed, "step failed").WithCause(inner)

	assert.True(t, HasCode(outer, ErrCodeStepFailed))
	assert.True(t, HasCode(outer, ErrCodeNonRetryable))
	assert.False(t, HasCode(outer, ErrCodeTimeout))
	assert.False(t, HasCode(errors.New("plain"), ErrCodeStepFailed))
}

func TestInvocationStatus_IsTerminal(t *testing.T) {
	assert.False(t, InvocationPending.IsTerminal())
	assert.False(t, InvocationRunning.IsTerminal())
	assert.True(t, InvocationCompleted.IsTerminal())
	assert.True(t, InvocationFailed.IsTerminal())
}
