package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/mediaflow/pkg/schema"
)

// StepTrace is the per-step view reconstructed from an invocation's log.
type StepTrace struct {
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Failures    int             `json:"failures"`
	Memoized    int             `json:"memoized"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	LastError   json.RawMessage `json:"last_error,omitempty"`
}

// InvocationLog appends and replays the lifecycle log of invocations.
type InvocationLog struct {
	store Store
}

// NewInvocationLog wraps a Store to provide lifecycle logging.
func NewInvocationLog(s Store) *InvocationLog {
	return &InvocationLog{store: s}
}

// Append records one entry. payload may be nil, a json.RawMessage or any
// JSON-marshalable value.
func (l *InvocationLog) Append(ctx context.Context, invocationID string, attempt int, step, typ string, payload any) (*LogEntry, error) {
	raw, err := toRaw(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	entry := &LogEntry{
		InvocationID: invocationID,
		Step:         step,
		Type:         typ,
		Payload:      raw,
		Attempt:      attempt,
		Timestamp:    time.Now().UTC(),
	}
	if err := l.store.AppendLog(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Entries returns log entries with sequence > since, ordered by sequence.
func (l *InvocationLog) Entries(ctx context.Context, invocationID string, since int64) ([]*LogEntry, error) {
	return l.store.GetLog(ctx, invocationID, since)
}

// Replay folds the log into per-step traces.
// Returns an error if sequence gaps are detected.
func (l *InvocationLog) Replay(ctx context.Context, invocationID string) (map[string]*StepTrace, error) {
	entries, err := l.store.GetLog(ctx, invocationID, 0)
	if err != nil {
		return nil, fmt.Errorf("get log for replay: %w", err)
	}

	for i, e := range entries {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in invocation %s: expected %d, got %d", invocationID, expected, e.Sequence)
		}
	}

	traces := make(map[string]*StepTrace)
	for _, e := range entries {
		if e.Step == "" {
			continue
		}
		tr, ok := traces[e.Step]
		if !ok {
			tr = &StepTrace{Name: e.Step, Status: "pending"}
			traces[e.Step] = tr
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.LogStepStarted:
			tr.Status = "running"
			tr.StartedAt = &ts
		case schema.LogStepCompleted:
			tr.Status = "completed"
			tr.CompletedAt = &ts
			if tr.StartedAt != nil {
				tr.DurationMs = ts.Sub(*tr.StartedAt).Milliseconds()
			}
		case schema.LogStepFailed:
			tr.Status = "failed"
			tr.Failures++
			tr.LastError = e.Payload
		case schema.LogStepMemoized:
			tr.Memoized++
			if tr.Status == "pending" {
				tr.Status = "completed"
			}
		}
	}
	return traces, nil
}

func toRaw(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(v)
}
