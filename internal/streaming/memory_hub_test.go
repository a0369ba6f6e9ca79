package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return Notification{}
}

func assertEmpty(t *testing.T, ch <-chan Notification) {
	t.Helper()
	select {
	case n := <-ch:
		t.Fatalf("unexpected notification %+v", n)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Notification{
		InvocationID: "inv-1",
		Step:         "transcribe",
		Type:         "step_completed",
		Payload:      map[string]any{"chars": 1200},
	}))

	got := receive(t, ch)
	assert.Equal(t, "inv-1", got.InvocationID)
	assert.Equal(t, "transcribe", got.Step)
	assert.False(t, got.Timestamp.IsZero(), "timestamp defaults to now")
}

func TestFilterByInvocationAndHandler(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	byInv, cancel1, err := hub.Subscribe(ctx, Filter{InvocationID: "inv-1"})
	require.NoError(t, err)
	defer cancel1()
	byHandler, cancel2, err := hub.Subscribe(ctx, Filter{HandlerID: "process-episode"})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, Notification{InvocationID: "inv-2", HandlerID: "process-video", Type: "step_started"}))
	require.NoError(t, hub.Publish(ctx, Notification{InvocationID: "inv-1", HandlerID: "process-episode", Type: "step_started"}))

	assert.Equal(t, "inv-1", receive(t, byInv).InvocationID)
	assertEmpty(t, byInv)
	assert.Equal(t, "inv-1", receive(t, byHandler).InvocationID)
	assertEmpty(t, byHandler)
}

func TestFilterByTypes(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{Types: []string{"invocation_completed", "invocation_failed"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Notification{InvocationID: "a", Type: "step_started"}))
	require.NoError(t, hub.Publish(ctx, Notification{InvocationID: "a", Type: "invocation_failed"}))

	assert.Equal(t, "invocation_failed", receive(t, ch).Type)
	assertEmpty(t, ch)
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())

	_, open := <-ch
	assert.False(t, open)

	require.NoError(t, hub.Publish(ctx, Notification{InvocationID: "x"}))
}

func TestSlowSubscriberDrops(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+5; i++ {
		require.NoError(t, hub.Publish(ctx, Notification{InvocationID: "x"}))
	}
	assert.Equal(t, uint64(5), hub.Dropped())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, hub.Publish(ctx, Notification{}))
	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.Error(t, err)
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = hub.Publish(ctx, Notification{InvocationID: "c"})
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 10)
}
