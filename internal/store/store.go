package store

import (
	"context"
	"time"
)

// StepStore holds memoized step results keyed by (invocation, step name).
// Records are insert-if-absent and never updated.
type StepStore interface {
	// GetStep returns the memoized record or (nil, nil) when the step has not
	// completed for this invocation.
	GetStep(ctx context.Context, invocationID, name string) (*StepRecord, error)
	// PutStep inserts rec unless a record already exists for the key, and
	// returns whichever record is now stored.
	PutStep(ctx context.Context, rec *StepRecord) (*StepRecord, error)
	// ListSteps returns every record of an invocation ordered by ordinal.
	ListSteps(ctx context.Context, invocationID string) ([]*StepRecord, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	StepStore

	// Events (write-once)
	CreateEvent(ctx context.Context, ev *Event) (created bool, err error)
	GetEvent(ctx context.Context, id string) (*Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
	MarkEventDispatched(ctx context.Context, id string, at time.Time) error

	// Invocations
	CreateInvocation(ctx context.Context, inv *Invocation) (stored *Invocation, created bool, err error)
	GetInvocation(ctx context.Context, id string) (*Invocation, error)
	ListInvocations(ctx context.Context, filter InvocationFilter) ([]*Invocation, error)
	ListDueInvocations(ctx context.Context, now time.Time, limit int) ([]*Invocation, error)
	ClaimInvocation(ctx context.Context, id, owner string, now, leaseUntil time.Time) (bool, error)
	RenewLease(ctx context.Context, id, owner string, leaseUntil time.Time) error
	ReleaseInvocation(ctx context.Context, id, owner string, rel Release) error
	FinishInvocation(ctx context.Context, id, owner string, fin Finish) (bool, error)

	// Invocation log (append-only)
	AppendLog(ctx context.Context, entry *LogEntry) error
	GetLog(ctx context.Context, invocationID string, since int64) ([]*LogEntry, error)

	// Scheduled triggers
	UpsertTrigger(ctx context.Context, trig *ScheduledTrigger) error
	GetTrigger(ctx context.Context, id string) (*ScheduledTrigger, error)
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*ScheduledTrigger, error)
	ClaimTriggerRun(ctx context.Context, id string, slot, next time.Time) (bool, error)
	UpdateTriggerStatus(ctx context.Context, id, status string, ranAt time.Time) error
	DisableTriggersExcept(ctx context.Context, keep []string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
