package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/mediaflow/pkg/schema"
)

// Event is a named, write-once unit of work submitted by a producer.
type Event struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	ReceivedAt   time.Time       `json:"received_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
}

// Invocation is one logical run of one handler against one event.
type Invocation struct {
	ID          string                  `json:"id"`
	EventID     string                  `json:"event_id"`
	EventName   string                  `json:"event_name"`
	HandlerID   string                  `json:"handler_id"`
	DedupKey    string                  `json:"dedup_key"`
	Status      schema.InvocationStatus `json:"status"`
	Attempt     int                     `json:"attempt"`
	MaxAttempts int                     `json:"max_attempts"`
	NextRunAt   *time.Time              `json:"next_run_at,omitempty"`
	LeaseOwner  string                  `json:"lease_owner,omitempty"`
	LeaseUntil  *time.Time              `json:"lease_until,omitempty"`
	Output      json.RawMessage         `json:"output,omitempty"`
	Error       json.RawMessage         `json:"error,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// StepRecord is the memoized result of one completed step.
type StepRecord struct {
	InvocationID string          `json:"invocation_id"`
	Name         string          `json:"name"`
	Ordinal      int             `json:"ordinal"`
	Output       json.RawMessage `json:"output,omitempty"`
	Attempt      int             `json:"attempt"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// LogEntry is one append-only lifecycle record of an invocation.
type LogEntry struct {
	ID           int64           `json:"id"`
	InvocationID string          `json:"invocation_id"`
	Step         string          `json:"step,omitempty"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Attempt      int             `json:"attempt"`
	Timestamp    time.Time       `json:"timestamp"`
	Sequence     int64           `json:"sequence"`
}

// ScheduledTrigger is the persisted bookkeeping of a cron-triggered handler.
type ScheduledTrigger struct {
	ID             string     `json:"id"`
	CronExpression string     `json:"cron_expression"`
	EventName      string     `json:"event_name"`
	Payload        string     `json:"payload,omitempty"`
	Enabled        bool       `json:"enabled"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Release returns a claimed invocation to the due queue without finishing it.
type Release struct {
	Attempt   int
	NextRunAt time.Time
	Error     json.RawMessage
}

// Finish moves a claimed invocation to a terminal status.
type Finish struct {
	Status      schema.InvocationStatus
	Output      json.RawMessage
	Error       json.RawMessage
	CompletedAt time.Time
}

// EventFilter holds query parameters for listing events.
type EventFilter struct {
	Name         string
	Undispatched bool
	Limit        int
	Offset       int
}

// InvocationFilter holds query parameters for listing invocations.
type InvocationFilter struct {
	Status    schema.InvocationStatus
	HandlerID string
	EventID   string
	Limit     int
	Offset    int
}

// TriggerFilter holds query parameters for listing triggers.
type TriggerFilter struct {
	Enabled *bool
	DueBy   *time.Time
	Limit   int
}
