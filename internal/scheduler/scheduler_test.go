package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mediaflow/internal/bus"
	"github.com/rendis/mediaflow/internal/store"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []bus.EventInput
	err  error
}

func (f *fakeSender) Send(_ context.Context, in bus.EventInput) (bus.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return bus.Receipt{}, f.err
	}
	f.sent = append(f.sent, in)
	return bus.Receipt{IDs: []string{in.ID}}, nil
}

func (f *fakeSender) events() []bus.EventInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.EventInput(nil), f.sent...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(s store.Store, sender Sender, c *clock) *Scheduler {
	return NewScheduler(s, sender, quietLogger(), WithClock(c.now), WithTick(10*time.Millisecond))
}

func sweepTrigger() *store.ScheduledTrigger {
	return &store.ScheduledTrigger{
		ID:             "sweep-channels",
		CronExpression: "*/30 * * * *",
		EventName:      "cron/sweep-channels",
	}
}

var t0 = time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)

func TestSync_UpsertsAndDisablesStale(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c := &clock{t: t0}
	sch := newTestScheduler(s, &fakeSender{}, c)

	old := &store.ScheduledTrigger{ID: "retired", CronExpression: "@hourly", EventName: "cron/retired"}
	require.NoError(t, sch.Sync(ctx, []*store.ScheduledTrigger{old, sweepTrigger()}))
	require.NoError(t, sch.Sync(ctx, []*store.ScheduledTrigger{sweepTrigger()}))

	got, err := s.GetTrigger(ctx, "sweep-channels")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), got.NextRunAt.UTC())

	retired, err := s.GetTrigger(ctx, "retired")
	require.NoError(t, err)
	assert.False(t, retired.Enabled)
}

func TestSync_KeepsPendingSlotAcrossRestart(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c := &clock{t: t0}
	require.NoError(t, newTestScheduler(s, &fakeSender{}, c).Sync(ctx, []*store.ScheduledTrigger{sweepTrigger()}))

	// Restart after the slot passed: the missed slot must still be due.
	c.set(t0.Add(time.Hour))
	require.NoError(t, newTestScheduler(s, &fakeSender{}, c).Sync(ctx, []*store.ScheduledTrigger{sweepTrigger()}))

	got, err := s.GetTrigger(ctx, "sweep-channels")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), got.NextRunAt.UTC())
}

func TestTick_FiresDueTriggerOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c := &clock{t: t0}
	sender := &fakeSender{}
	sch := newTestScheduler(s, sender, c)
	require.NoError(t, sch.Sync(ctx, []*store.ScheduledTrigger{sweepTrigger()}))

	n, err := sch.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not due yet")

	slot := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	c.set(slot.Add(5 * time.Second))
	n, err = sch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = sch.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "slot already fired")

	events := sender.events()
	require.Len(t, events, 1)
	assert.Equal(t, "cron:sweep-channels:1772361000", events[0].ID)
	assert.Equal(t, slot.Unix(), int64(1772361000))
	assert.Equal(t, "cron/sweep-channels", events[0].Name)
	data := events[0].Data.(map[string]any)
	assert.Equal(t, "2026-03-01T10:30:00Z", data["scheduledAt"])
	assert.Equal(t, "sweep-channels", data["trigger"])

	got, err := s.GetTrigger(ctx, "sweep-channels")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.LastRunStatus)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), got.NextRunAt.UTC())
}

func TestTick_CompetingSchedulersFireSlotOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c := &clock{t: t0}
	sender := &fakeSender{}
	a := newTestScheduler(s, sender, c)
	b := newTestScheduler(s, sender, c)
	require.NoError(t, a.Sync(ctx, []*store.ScheduledTrigger{sweepTrigger()}))

	c.set(time.Date(2026, 3, 1, 10, 30, 1, 0, time.UTC))
	var wg sync.WaitGroup
	for _, sch := range []*Scheduler{a, b, a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sch.Tick(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, sender.events(), 1)
}

func TestRecoverMissed_CollapsesMissedSlots(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c := &clock{t: t0}
	sender := &fakeSender{}
	sch := newTestScheduler(s, sender, c)
	require.NoError(t, sch.Sync(ctx, []*store.ScheduledTrigger{sweepTrigger()}))

	c.set(t0.Add(3 * time.Hour))
	require.NoError(t, sch.RecoverMissed(ctx))
	require.NoError(t, sch.RecoverMissed(ctx))

	assert.Len(t, sender.events(), 1)
	got, err := s.GetTrigger(ctx, "sweep-channels")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 30, 0, 0, time.UTC), got.NextRunAt.UTC())
}

func TestTick_PayloadExpression(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c := &clock{t: t0}
	sender := &fakeSender{}
	sch := newTestScheduler(s, sender, c)

	trig := sweepTrigger()
	trig.Payload = `{"discoverySource": "cron", "hour": now.Hour(), "trigger": "overridden"}`
	require.NoError(t, sch.Sync(ctx, []*store.ScheduledTrigger{trig}))

	c.set(time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC))
	_, err := sch.Tick(ctx)
	require.NoError(t, err)

	events := sender.events()
	require.Len(t, events, 1)
	data := events[0].Data.(map[string]any)
	assert.Equal(t, "cron", data["discoverySource"])
	assert.EqualValues(t, 10, data["hour"])
	assert.Equal(t, "sweep-channels", data["trigger"], "reserved keys win")
}

func TestTick_SendErrorRecorded(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c := &clock{t: t0}
	sch := newTestScheduler(s, &fakeSender{err: errors.New("store down")}, c)
	require.NoError(t, sch.Sync(ctx, []*store.ScheduledTrigger{sweepTrigger()}))

	c.set(time.Date(2026, 3, 1, 10, 31, 0, 0, time.UTC))
	n, err := sch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetTrigger(ctx, "sweep-channels")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.LastRunStatus)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), got.NextRunAt.UTC(), "slot is consumed even on error")
}

func TestCalculateNextRun(t *testing.T) {
	sch := NewScheduler(store.NewMemoryStore(), &fakeSender{}, quietLogger())

	next, err := sch.CalculateNextRun("@every 10m", t0)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Minute), next)

	_, err = sch.CalculateNextRun("not a cron", t0)
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c := &clock{t: t0}
	sender := &fakeSender{}
	sch := newTestScheduler(s, sender, c)
	require.NoError(t, sch.Sync(ctx, []*store.ScheduledTrigger{sweepTrigger()}))

	require.NoError(t, sch.Start(ctx))
	assert.Error(t, sch.Start(ctx), "already started")

	c.set(time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC))
	require.Eventually(t, func() bool { return len(sender.events()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sch.Stop())
	require.NoError(t, sch.Stop())
}
