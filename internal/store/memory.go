package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/mediaflow/pkg/schema"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a fully in-memory implementation of Store.
// Safe for concurrent access. Intended for unit testing and development.
type MemoryStore struct {
	mu sync.RWMutex

	events      map[string]*Event
	invocations map[string]*Invocation
	dedup       map[string]string // "handlerID\x00dedupKey" -> invocation ID
	steps       map[string]*StepRecord
	logs        map[string][]*LogEntry
	triggers    map[string]*ScheduledTrigger
	logSeq      int64
}

// NewMemoryStore returns a new empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string]*Event),
		invocations: make(map[string]*Invocation),
		dedup:       make(map[string]string),
		steps:       make(map[string]*StepRecord),
		logs:        make(map[string][]*LogEntry),
		triggers:    make(map[string]*ScheduledTrigger),
	}
}

// Migrate is a no-op for the memory store.
func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error { return nil }

// --- Events ---

func (m *MemoryStore) CreateEvent(_ context.Context, ev *Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; ok {
		return false, nil
	}
	ev.ReceivedAt = timeOrNow(ev.ReceivedAt)
	if len(ev.Data) == 0 {
		ev.Data = json.RawMessage("{}")
	}
	m.events[ev.ID] = copyEvent(ev)
	return true, nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, storeNotFound("event", id)
	}
	return copyEvent(ev), nil
}

func (m *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, ev := range m.events {
		if filter.Name != "" && ev.Name != filter.Name {
			continue
		}
		if filter.Undispatched && ev.DispatchedAt != nil {
			continue
		}
		out = append(out, copyEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return page(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) MarkEventDispatched(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return storeNotFound("event", id)
	}
	if ev.DispatchedAt == nil {
		t := at.UTC()
		ev.DispatchedAt = &t
	}
	return nil
}

// --- Invocations ---

func (m *MemoryStore) CreateInvocation(_ context.Context, inv *Invocation) (*Invocation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := inv.HandlerID + "\x00" + inv.DedupKey
	if id, ok := m.dedup[key]; ok {
		return copyInvocation(m.invocations[id]), false, nil
	}
	if _, ok := m.invocations[inv.ID]; ok {
		return nil, false, schema.NewErrorf(schema.ErrCodeConflict, "invocation id %q already used", inv.ID)
	}
	inv.CreatedAt = timeOrNow(inv.CreatedAt)
	inv.UpdatedAt = time.Now().UTC()
	if inv.Status == "" {
		inv.Status = schema.InvocationPending
	}
	if inv.Attempt == 0 {
		inv.Attempt = 1
	}
	m.invocations[inv.ID] = copyInvocation(inv)
	m.dedup[key] = inv.ID
	return inv, true, nil
}

func (m *MemoryStore) GetInvocation(_ context.Context, id string) (*Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invocations[id]
	if !ok {
		return nil, storeNotFound("invocation", id)
	}
	return copyInvocation(inv), nil
}

func (m *MemoryStore) ListInvocations(_ context.Context, filter InvocationFilter) ([]*Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Invocation
	for _, inv := range m.invocations {
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		if filter.HandlerID != "" && inv.HandlerID != filter.HandlerID {
			continue
		}
		if filter.EventID != "" && inv.EventID != filter.EventID {
			continue
		}
		out = append(out, copyInvocation(inv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) ListDueInvocations(_ context.Context, now time.Time, limit int) ([]*Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Invocation
	for _, inv := range m.invocations {
		if isDue(inv, now) {
			out = append(out, copyInvocation(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := millisOrZero(out[i].NextRunAt), millisOrZero(out[j].NextRunAt)
		if a != b {
			return a < b
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return page(out, limit, 0), nil
}

func (m *MemoryStore) ClaimInvocation(_ context.Context, id, owner string, now, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invocations[id]
	if !ok || !isDue(inv, now) {
		return false, nil
	}
	inv.Status = schema.InvocationRunning
	inv.LeaseOwner = owner
	lu := leaseUntil.UTC()
	inv.LeaseUntil = &lu
	inv.NextRunAt = nil
	if inv.StartedAt == nil {
		t := now.UTC()
		inv.StartedAt = &t
	}
	inv.UpdatedAt = now.UTC()
	return true, nil
}

func (m *MemoryStore) RenewLease(_ context.Context, id, owner string, leaseUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invocations[id]
	if !ok || inv.LeaseOwner != owner || inv.Status != schema.InvocationRunning {
		return leaseLost(id, owner)
	}
	lu := leaseUntil.UTC()
	inv.LeaseUntil = &lu
	inv.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ReleaseInvocation(_ context.Context, id, owner string, rel Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invocations[id]
	if !ok || inv.LeaseOwner != owner || inv.Status != schema.InvocationRunning {
		return leaseLost(id, owner)
	}
	inv.Attempt = rel.Attempt
	next := time.UnixMilli(rel.NextRunAt.UnixMilli()).UTC()
	inv.NextRunAt = &next
	if len(rel.Error) > 0 {
		inv.Error = cloneRaw(rel.Error)
	}
	inv.LeaseOwner = ""
	inv.LeaseUntil = nil
	inv.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) FinishInvocation(_ context.Context, id, owner string, fin Finish) (bool, error) {
	if !fin.Status.IsTerminal() {
		return false, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot finish invocation %s with status %s", id, fin.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invocations[id]
	if !ok || inv.LeaseOwner != owner || inv.Status != schema.InvocationRunning {
		return false, nil
	}
	completed := timeOrNow(fin.CompletedAt)
	inv.Status = fin.Status
	inv.Output = cloneRaw(fin.Output)
	inv.Error = cloneRaw(fin.Error)
	inv.CompletedAt = &completed
	inv.LeaseOwner = ""
	inv.LeaseUntil = nil
	inv.NextRunAt = nil
	inv.UpdatedAt = completed
	return true, nil
}

// --- Step Records ---

func (m *MemoryStore) GetStep(_ context.Context, invocationID, name string) (*StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.steps[invocationID+"\x00"+name]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.Output = cloneRaw(rec.Output)
	return &cp, nil
}

func (m *MemoryStore) PutStep(_ context.Context, rec *StepRecord) (*StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.InvocationID + "\x00" + rec.Name
	if existing, ok := m.steps[key]; ok {
		cp := *existing
		cp.Output = cloneRaw(existing.Output)
		return &cp, nil
	}
	rec.CompletedAt = timeOrNow(rec.CompletedAt)
	stored := *rec
	stored.Output = cloneRaw(rec.Output)
	m.steps[key] = &stored
	cp := stored
	return &cp, nil
}

func (m *MemoryStore) ListSteps(_ context.Context, invocationID string) ([]*StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*StepRecord
	for _, rec := range m.steps {
		if rec.InvocationID != invocationID {
			continue
		}
		cp := *rec
		cp.Output = cloneRaw(rec.Output)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].CompletedAt.Before(out[j].CompletedAt)
	})
	return out, nil
}

// --- Invocation Log ---

func (m *MemoryStore) AppendLog(_ context.Context, entry *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logSeq++
	entry.ID = m.logSeq
	entry.Sequence = int64(len(m.logs[entry.InvocationID]) + 1)
	entry.Timestamp = timeOrNow(entry.Timestamp)
	cp := *entry
	cp.Payload = cloneRaw(entry.Payload)
	m.logs[entry.InvocationID] = append(m.logs[entry.InvocationID], &cp)
	return nil
}

func (m *MemoryStore) GetLog(_ context.Context, invocationID string, since int64) ([]*LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*LogEntry
	for _, e := range m.logs[invocationID] {
		if e.Sequence <= since {
			continue
		}
		cp := *e
		cp.Payload = cloneRaw(e.Payload)
		out = append(out, &cp)
	}
	return out, nil
}

// --- Scheduled Triggers ---

func (m *MemoryStore) UpsertTrigger(_ context.Context, trig *ScheduledTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	next := copyTrigger(trig)
	next.UpdatedAt = now
	if existing, ok := m.triggers[trig.ID]; ok {
		next.CreatedAt = existing.CreatedAt
		next.LastRunAt = existing.LastRunAt
		next.LastRunStatus = existing.LastRunStatus
		if existing.CronExpression == trig.CronExpression && existing.Enabled && existing.NextRunAt != nil {
			next.NextRunAt = existing.NextRunAt
		}
	} else {
		next.CreatedAt = timeOrNow(trig.CreatedAt)
	}
	if next.NextRunAt != nil {
		t := time.UnixMilli(next.NextRunAt.UnixMilli()).UTC()
		next.NextRunAt = &t
	}
	m.triggers[trig.ID] = next
	return nil
}

func (m *MemoryStore) GetTrigger(_ context.Context, id string) (*ScheduledTrigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.triggers[id]
	if !ok {
		return nil, storeNotFound("trigger", id)
	}
	return copyTrigger(t), nil
}

func (m *MemoryStore) ListTriggers(_ context.Context, filter TriggerFilter) ([]*ScheduledTrigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ScheduledTrigger
	for _, t := range m.triggers {
		if filter.Enabled != nil && t.Enabled != *filter.Enabled {
			continue
		}
		if filter.DueBy != nil && (t.NextRunAt == nil || t.NextRunAt.After(*filter.DueBy)) {
			continue
		}
		out = append(out, copyTrigger(t))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := millisOrZero(out[i].NextRunAt), millisOrZero(out[j].NextRunAt)
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return page(out, filter.Limit, 0), nil
}

func (m *MemoryStore) ClaimTriggerRun(_ context.Context, id string, slot, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok || !t.Enabled || t.NextRunAt == nil || t.NextRunAt.UnixMilli() != slot.UnixMilli() {
		return false, nil
	}
	n := time.UnixMilli(next.UnixMilli()).UTC()
	s := slot.UTC()
	t.NextRunAt = &n
	t.LastRunAt = &s
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) UpdateTriggerStatus(_ context.Context, id, status string, ranAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return storeNotFound("trigger", id)
	}
	r := ranAt.UTC()
	t.LastRunStatus = status
	t.LastRunAt = &r
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) DisableTriggersExcept(_ context.Context, keep []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make(map[string]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	for id, t := range m.triggers {
		if !kept[id] {
			t.Enabled = false
		}
	}
	return nil
}

// --- helpers ---

func isDue(inv *Invocation, now time.Time) bool {
	if inv.Status.IsTerminal() {
		return false
	}
	if inv.NextRunAt != nil && inv.NextRunAt.UnixMilli() > now.UnixMilli() {
		return false
	}
	if inv.LeaseUntil != nil && inv.LeaseUntil.UnixMilli() >= now.UnixMilli() {
		return false
	}
	return true
}

func millisOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyEvent(ev *Event) *Event {
	cp := *ev
	cp.Data = cloneRaw(ev.Data)
	cp.DispatchedAt = cloneTime(ev.DispatchedAt)
	return &cp
}

func copyInvocation(inv *Invocation) *Invocation {
	cp := *inv
	cp.NextRunAt = cloneTime(inv.NextRunAt)
	cp.LeaseUntil = cloneTime(inv.LeaseUntil)
	cp.StartedAt = cloneTime(inv.StartedAt)
	cp.CompletedAt = cloneTime(inv.CompletedAt)
	cp.Output = cloneRaw(inv.Output)
	cp.Error = cloneRaw(inv.Error)
	return &cp
}

func copyTrigger(t *ScheduledTrigger) *ScheduledTrigger {
	cp := *t
	cp.NextRunAt = cloneTime(t.NextRunAt)
	cp.LastRunAt = cloneTime(t.LastRunAt)
	return &cp
}
