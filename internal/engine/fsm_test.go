package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mediaflow/internal/store"
	"github.com/rendis/mediaflow/pkg/schema"
)

type recordedEntry struct {
	step, typ string
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []recordedEntry
}

func (r *fakeRecorder) Record(_ context.Context, _ *store.Invocation, step, typ string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, recordedEntry{step, typ})
}

func (r *fakeRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.typ
	}
	return out
}

func TestIsValidTransition(t *testing.T) {
	valid := [][2]schema.InvocationStatus{
		{schema.InvocationPending, schema.InvocationRunning},
		{schema.InvocationPending, schema.InvocationFailed},
		{schema.InvocationRunning, schema.InvocationRunning},
		{schema.InvocationRunning, schema.InvocationCompleted},
		{schema.InvocationRunning, schema.InvocationFailed},
	}
	for _, tr := range valid {
		assert.True(t, IsValidTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	invalid := [][2]schema.InvocationStatus{
		{schema.InvocationPending, schema.InvocationCompleted},
		{schema.InvocationCompleted, schema.InvocationRunning},
		{schema.InvocationCompleted, schema.InvocationFailed},
		{schema.InvocationFailed, schema.InvocationRunning},
		{schema.InvocationFailed, schema.InvocationCompleted},
	}
	for _, tr := range invalid {
		assert.False(t, IsValidTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestFSM_TransitionPersistsAndLogs(t *testing.T) {
	rec := &fakeRecorder{}
	fsm := NewInvocationFSM(rec)
	inv := &store.Invocation{ID: "inv-1", Status: schema.InvocationPending, Attempt: 1}

	persisted := 0
	persist := func(context.Context) error { persisted++; return nil }

	require.NoError(t, fsm.Transition(context.Background(), inv, schema.InvocationRunning, persist))
	require.NoError(t, fsm.Transition(context.Background(), inv, schema.InvocationRunning, persist))
	require.NoError(t, fsm.Transition(context.Background(), inv, schema.InvocationCompleted, persist))

	assert.Equal(t, 3, persisted)
	assert.Equal(t, schema.InvocationCompleted, inv.Status)
	assert.Equal(t, []string{schema.LogInvocationStarted, schema.LogInvocationCompleted}, rec.types(),
		"re-entry is not a logged transition")
}

func TestFSM_TerminalIsFinal(t *testing.T) {
	fsm := NewInvocationFSM(nil)
	inv := &store.Invocation{ID: "inv-1", Status: schema.InvocationFailed}

	err := fsm.Transition(context.Background(), inv, schema.InvocationRunning, func(context.Context) error {
		t.Fatal("persist must not run for an invalid transition")
		return nil
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	assert.Equal(t, schema.InvocationFailed, inv.Status)
}

func TestFSM_PersistErrorKeepsStatus(t *testing.T) {
	rec := &fakeRecorder{}
	fsm := NewInvocationFSM(rec)
	inv := &store.Invocation{ID: "inv-1", Status: schema.InvocationRunning}

	boom := errors.New("cas lost")
	err := fsm.Transition(context.Background(), inv, schema.InvocationFailed, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, schema.InvocationRunning, inv.Status)
	assert.Empty(t, rec.types())
}

func TestFSM_Hooks(t *testing.T) {
	fsm := NewInvocationFSM(nil)
	var calls []string
	fsm.OnBefore(schema.InvocationRunning, schema.InvocationCompleted, func(_ context.Context, inv *store.Invocation, from, to schema.InvocationStatus) error {
		calls = append(calls, "before:"+string(inv.Status))
		return nil
	})
	fsm.OnAfter(schema.InvocationRunning, schema.InvocationCompleted, func(_ context.Context, inv *store.Invocation, from, to schema.InvocationStatus) error {
		calls = append(calls, "after:"+string(inv.Status))
		return nil
	})

	inv := &store.Invocation{ID: "inv-1", Status: schema.InvocationRunning}
	require.NoError(t, fsm.Transition(context.Background(), inv, schema.InvocationCompleted, nil))
	assert.Equal(t, []string{"before:running", "after:completed"}, calls)
}

func TestFSM_BeforeHookAborts(t *testing.T) {
	fsm := NewInvocationFSM(nil)
	veto := errors.New("veto")
	fsm.OnBefore(schema.InvocationPending, schema.InvocationRunning, func(context.Context, *store.Invocation, schema.InvocationStatus, schema.InvocationStatus) error {
		return veto
	})

	inv := &store.Invocation{ID: "inv-1", Status: schema.InvocationPending}
	err := fsm.Transition(context.Background(), inv, schema.InvocationRunning, func(context.Context) error {
		t.Fatal("persist must not run after a vetoed transition")
		return nil
	})
	assert.ErrorIs(t, err, veto)
	assert.Equal(t, schema.InvocationPending, inv.Status)
}
