package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mediaflow/pkg/schema"
)

// runStoreContract exercises the Store behavior every implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateEvent_InsertOrIgnore", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ev := &Event{ID: "ev-1", Name: "media/video.discovered", Data: json.RawMessage(`{"videoId":"abc123"}`)}

		created, err := s.CreateEvent(ctx, ev)
		require.NoError(t, err)
		assert.True(t, created)

		dup := &Event{ID: "ev-1", Name: "media/other", Data: json.RawMessage(`{}`)}
		created, err = s.CreateEvent(ctx, dup)
		require.NoError(t, err)
		assert.False(t, created)

		got, err := s.GetEvent(ctx, "ev-1")
		require.NoError(t, err)
		assert.Equal(t, "media/video.discovered", got.Name)
		assert.JSONEq(t, `{"videoId":"abc123"}`, string(got.Data))
		assert.Nil(t, got.DispatchedAt)
	})

	t.Run("GetEvent_NotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetEvent(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	t.Run("MarkEventDispatched", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedEvent(t, s, "ev-a")
		seedEvent(t, s, "ev-b")

		require.NoError(t, s.MarkEventDispatched(ctx, "ev-a", time.Now()))

		pending, err := s.ListEvents(ctx, EventFilter{Undispatched: true})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "ev-b", pending[0].ID)

		assert.True(t, IsNotFound(s.MarkEventDispatched(ctx, "nope", time.Now())))
	})

	t.Run("CreateInvocation_DedupByHandlerAndKey", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedEvent(t, s, "ev-1")
		seedEvent(t, s, "ev-2")

		first := newInvocation("ev-1", "process-video", "abc123")
		stored, created, err := s.CreateInvocation(ctx, first)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, first.ID, stored.ID)
		assert.Equal(t, schema.InvocationPending, stored.Status)
		assert.Equal(t, 1, stored.Attempt)

		second := newInvocation("ev-2", "process-video", "abc123")
		stored, created, err = s.CreateInvocation(ctx, second)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, stored.ID, "same dedup key reuses the invocation")

		other := newInvocation("ev-1", "notify", "abc123")
		_, created, err = s.CreateInvocation(ctx, other)
		require.NoError(t, err)
		assert.True(t, created, "another handler gets its own invocation")
	})

	t.Run("ClaimInvocation_SingleOwner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inv := seedInvocation(t, s, "ev-1", "h", "k")
		now := time.Now()

		ok, err := s.ClaimInvocation(ctx, inv.ID, "w1", now, now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ClaimInvocation(ctx, inv.ID, "w2", now, now.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "live lease blocks a second claim")

		got, err := s.GetInvocation(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.InvocationRunning, got.Status)
		assert.Equal(t, "w1", got.LeaseOwner)
		require.NotNil(t, got.StartedAt)

		later := now.Add(2 * time.Minute)
		ok, err = s.ClaimInvocation(ctx, inv.ID, "w2", later, later.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok, "expired lease can be taken over")

		assert.True(t, IsLeaseLost(s.RenewLease(ctx, inv.ID, "w1", later.Add(time.Hour))))
		require.NoError(t, s.RenewLease(ctx, inv.ID, "w2", later.Add(time.Hour)))
	})

	t.Run("ClaimInvocation_Concurrent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inv := seedInvocation(t, s, "ev-1", "h", "k")
		now := time.Now()

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.ClaimInvocation(ctx, inv.ID, fmt.Sprintf("w%d", i), now, now.Add(time.Minute))
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("ReleaseInvocation_SchedulesRetry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inv := seedInvocation(t, s, "ev-1", "h", "k")
		now := time.Now()
		claim(t, s, inv.ID, "w1", now)

		next := now.Add(10 * time.Second)
		require.NoError(t, s.ReleaseInvocation(ctx, inv.ID, "w1", Release{
			Attempt: 2, NextRunAt: next, Error: json.RawMessage(`{"message":"boom"}`),
		}))

		got, err := s.GetInvocation(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.InvocationRunning, got.Status)
		assert.Equal(t, 2, got.Attempt)
		assert.Empty(t, got.LeaseOwner)
		require.NotNil(t, got.NextRunAt)
		assert.Equal(t, next.UnixMilli(), got.NextRunAt.UnixMilli())
		assert.JSONEq(t, `{"message":"boom"}`, string(got.Error))

		due, err := s.ListDueInvocations(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, due, "not due before next_run_at")

		due, err = s.ListDueInvocations(ctx, next.Add(time.Millisecond), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, inv.ID, due[0].ID)

		assert.True(t, IsLeaseLost(s.ReleaseInvocation(ctx, inv.ID, "w1", Release{Attempt: 3, NextRunAt: next})))
	})

	t.Run("FinishInvocation_ExactlyOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inv := seedInvocation(t, s, "ev-1", "h", "k")
		claim(t, s, inv.ID, "w1", time.Now())

		ok, err := s.FinishInvocation(ctx, inv.ID, "w1", Finish{
			Status: schema.InvocationFailed, Error: json.RawMessage(`{"message":"exhausted"}`),
		})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.FinishInvocation(ctx, inv.ID, "w1", Finish{Status: schema.InvocationFailed})
		require.NoError(t, err)
		assert.False(t, ok, "terminal state admits no further transition")

		got, err := s.GetInvocation(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.InvocationFailed, got.Status)
		require.NotNil(t, got.CompletedAt)

		due, err := s.ListDueInvocations(ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		_, err = s.FinishInvocation(ctx, inv.ID, "w1", Finish{Status: schema.InvocationRunning})
		require.Error(t, err)
	})

	t.Run("ListInvocations_Filter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := seedInvocation(t, s, "ev-1", "video", "a")
		seedInvocation(t, s, "ev-2", "video", "b")
		seedInvocation(t, s, "ev-3", "episode", "c")
		claim(t, s, a.ID, "w", time.Now())

		all, err := s.ListInvocations(ctx, InvocationFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		videos, err := s.ListInvocations(ctx, InvocationFilter{HandlerID: "video"})
		require.NoError(t, err)
		assert.Len(t, videos, 2)

		running, err := s.ListInvocations(ctx, InvocationFilter{Status: schema.InvocationRunning})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, a.ID, running[0].ID)

		limited, err := s.ListInvocations(ctx, InvocationFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("PutStep_InsertIfAbsent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inv := seedInvocation(t, s, "ev-1", "h", "k")

		got, err := s.GetStep(ctx, inv.ID, "create-record")
		require.NoError(t, err)
		assert.Nil(t, got)

		stored, err := s.PutStep(ctx, &StepRecord{
			InvocationID: inv.ID, Name: "create-record", Ordinal: 0, Attempt: 1,
			Output: json.RawMessage(`{"id":"rec-1"}`),
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"rec-1"}`, string(stored.Output))

		stored, err = s.PutStep(ctx, &StepRecord{
			InvocationID: inv.ID, Name: "create-record", Ordinal: 0, Attempt: 2,
			Output: json.RawMessage(`{"id":"rec-2"}`),
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"rec-1"}`, string(stored.Output), "first writer wins")
		assert.Equal(t, 1, stored.Attempt)
	})

	t.Run("Steps_IsolatedPerInvocation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := seedInvocation(t, s, "ev-1", "h", "a")
		b := seedInvocation(t, s, "ev-2", "h", "b")

		_, err := s.PutStep(ctx, &StepRecord{InvocationID: a.ID, Name: "s1", Ordinal: 0, Attempt: 1, Output: json.RawMessage(`1`)})
		require.NoError(t, err)
		_, err = s.PutStep(ctx, &StepRecord{InvocationID: a.ID, Name: "s2", Ordinal: 1, Attempt: 1, Output: json.RawMessage(`2`)})
		require.NoError(t, err)

		got, err := s.GetStep(ctx, b.ID, "s1")
		require.NoError(t, err)
		assert.Nil(t, got)

		steps, err := s.ListSteps(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, "s1", steps[0].Name)
		assert.Equal(t, "s2", steps[1].Name)

		steps, err = s.ListSteps(ctx, b.ID)
		require.NoError(t, err)
		assert.Empty(t, steps)
	})

	t.Run("AppendLog_MonotonicSequence", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inv := seedInvocation(t, s, "ev-1", "h", "k")

		for i := 0; i < 4; i++ {
			e := &LogEntry{InvocationID: inv.ID, Type: schema.LogStepStarted, Step: "s1", Attempt: 1}
			require.NoError(t, s.AppendLog(ctx, e))
			assert.Equal(t, int64(i+1), e.Sequence)
		}

		entries, err := s.GetLog(ctx, inv.ID, 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, int64(3), entries[0].Sequence)
		assert.Equal(t, "s1", entries[0].Step)
	})

	t.Run("Triggers_ClaimSlotOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		slot := time.Now().Truncate(time.Minute).UTC()
		require.NoError(t, s.UpsertTrigger(ctx, &ScheduledTrigger{
			ID: "sweep", CronExpression: "*/30 * * * *", EventName: "cron/sweep", Enabled: true, NextRunAt: &slot,
		}))

		next := slot.Add(30 * time.Minute)
		ok, err := s.ClaimTriggerRun(ctx, "sweep", slot, next)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ClaimTriggerRun(ctx, "sweep", slot, next)
		require.NoError(t, err)
		assert.False(t, ok, "slot already advanced")

		got, err := s.GetTrigger(ctx, "sweep")
		require.NoError(t, err)
		require.NotNil(t, got.NextRunAt)
		assert.Equal(t, next.UnixMilli(), got.NextRunAt.UnixMilli())
		require.NotNil(t, got.LastRunAt)

		require.NoError(t, s.UpdateTriggerStatus(ctx, "sweep", "fired", slot))
		got, err = s.GetTrigger(ctx, "sweep")
		require.NoError(t, err)
		assert.Equal(t, "fired", got.LastRunStatus)
	})

	t.Run("Triggers_UpsertKeepsPendingSlot", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		past := time.Now().Add(-time.Hour).Truncate(time.Second).UTC()
		require.NoError(t, s.UpsertTrigger(ctx, &ScheduledTrigger{
			ID: "sweep", CronExpression: "0 * * * *", EventName: "cron/sweep", Enabled: true, NextRunAt: &past,
		}))

		future := time.Now().Add(time.Hour).UTC()
		require.NoError(t, s.UpsertTrigger(ctx, &ScheduledTrigger{
			ID: "sweep", CronExpression: "0 * * * *", EventName: "cron/sweep", Enabled: true, NextRunAt: &future,
		}))
		got, err := s.GetTrigger(ctx, "sweep")
		require.NoError(t, err)
		assert.Equal(t, past.UnixMilli(), got.NextRunAt.UnixMilli(), "missed slot survives restart")

		require.NoError(t, s.UpsertTrigger(ctx, &ScheduledTrigger{
			ID: "sweep", CronExpression: "*/5 * * * *", EventName: "cron/sweep", Enabled: true, NextRunAt: &future,
		}))
		got, err = s.GetTrigger(ctx, "sweep")
		require.NoError(t, err)
		assert.Equal(t, future.UnixMilli(), got.NextRunAt.UnixMilli(), "new expression recomputes")
	})

	t.Run("Triggers_DisableExcept", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.UpsertTrigger(ctx, &ScheduledTrigger{
				ID: id, CronExpression: "* * * * *", EventName: "cron/" + id, Enabled: true,
			}))
		}
		require.NoError(t, s.DisableTriggersExcept(ctx, []string{"b"}))

		enabled := true
		trigs, err := s.ListTriggers(ctx, TriggerFilter{Enabled: &enabled})
		require.NoError(t, err)
		require.Len(t, trigs, 1)
		assert.Equal(t, "b", trigs[0].ID)

		_, err = s.GetTrigger(ctx, "zzz")
		assert.True(t, IsNotFound(err))
	})
}

func seedEvent(t *testing.T, s Store, id string) *Event {
	t.Helper()
	ev := &Event{ID: id, Name: "media/video.discovered", Data: json.RawMessage(`{}`)}
	_, err := s.CreateEvent(context.Background(), ev)
	require.NoError(t, err)
	return ev
}

func newInvocation(eventID, handlerID, key string) *Invocation {
	return &Invocation{
		ID:          uuid.New().String(),
		EventID:     eventID,
		EventName:   "media/video.discovered",
		HandlerID:   handlerID,
		DedupKey:    key,
		MaxAttempts: 3,
	}
}

func seedInvocation(t *testing.T, s Store, eventID, handlerID, key string) *Invocation {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetEvent(ctx, eventID); err != nil {
		seedEvent(t, s, eventID)
	}
	inv, _, err := s.CreateInvocation(ctx, newInvocation(eventID, handlerID, key))
	require.NoError(t, err)
	return inv
}

func claim(t *testing.T, s Store, id, owner string, now time.Time) {
	t.Helper()
	ok, err := s.ClaimInvocation(context.Background(), id, owner, now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
}
