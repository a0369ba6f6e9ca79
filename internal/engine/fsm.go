package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/mediaflow/internal/store"
	"github.com/rendis/mediaflow/pkg/schema"
)

// TransitionHook is called before or after an invocation state transition.
type TransitionHook func(ctx context.Context, inv *store.Invocation, from, to schema.InvocationStatus) error

// Recorder is satisfied by the Runtime; used by the FSM to log transitions.
type Recorder interface {
	Record(ctx context.Context, inv *store.Invocation, step, typ string, payload any)
}

// ValidInvocationTransitions lists the allowed status changes. running ->
// running is re-entry after a retry, sleep or interruption.
var ValidInvocationTransitions = map[schema.InvocationStatus][]schema.InvocationStatus{
	schema.InvocationPending: {schema.InvocationRunning, schema.InvocationFailed},
	schema.InvocationRunning: {schema.InvocationRunning, schema.InvocationCompleted, schema.InvocationFailed},
}

type hookKey struct {
	from, to schema.InvocationStatus
}

// InvocationFSM validates invocation lifecycle transitions and runs hooks
// around them.
type InvocationFSM struct {
	mu       sync.RWMutex
	recorder Recorder
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewInvocationFSM creates an FSM that logs transitions via recorder.
func NewInvocationFSM(recorder Recorder) *InvocationFSM {
	return &InvocationFSM{
		recorder: recorder,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition is persisted. A hook
// error aborts the transition.
func (f *InvocationFSM) OnBefore(from, to schema.InvocationStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition is persisted.
func (f *InvocationFSM) OnAfter(from, to schema.InvocationStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves inv to status to. persist writes the change (nil when the
// store already reflects it, e.g. after a lease claim). On success inv.Status
// is updated and the transition is logged.
func (f *InvocationFSM) Transition(ctx context.Context, inv *store.Invocation, to schema.InvocationStatus, persist func(ctx context.Context) error) error {
	from := inv.Status
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid invocation transition: %s -> %s", from, to).
			WithDetails(map[string]any{"invocation_id": inv.ID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	f.mu.RLock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(ctx, inv, from, to); err != nil {
			return err
		}
	}

	if persist != nil {
		if err := persist(ctx); err != nil {
			return err
		}
	}
	inv.Status = to

	if typ := transitionLogType(from, to); typ != "" && f.recorder != nil {
		f.recorder.Record(ctx, inv, "", typ, map[string]any{"from": from, "to": to, "attempt": inv.Attempt})
	}

	for _, hook := range after {
		if err := hook(ctx, inv, from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to schema.InvocationStatus) bool {
	return slices.Contains(ValidInvocationTransitions[from], to)
}

func transitionLogType(from, to schema.InvocationStatus) string {
	switch to {
	case schema.InvocationRunning:
		if from == schema.InvocationPending {
			return schema.LogInvocationStarted
		}
	case schema.InvocationCompleted:
		return schema.LogInvocationCompleted
	case schema.InvocationFailed:
		return schema.LogInvocationFailed
	}
	return ""
}
