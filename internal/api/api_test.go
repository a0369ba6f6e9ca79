package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mediaflow/internal/bus"
	"github.com/rendis/mediaflow/internal/engine"
	"github.com/rendis/mediaflow/internal/store"
	"github.com/rendis/mediaflow/internal/streaming"
	"github.com/rendis/mediaflow/internal/validation"
	"github.com/rendis/mediaflow/pkg/schema"
)

type testEnv struct {
	store  *store.MemoryStore
	engine *engine.Engine
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := store.NewMemoryStore()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	require.NoError(t, v.RegisterPayloadSchema("media/video.discovered", []byte(`{
		"type": "object",
		"required": ["videoId"],
		"properties": {"videoId": {"type": "string"}}
	}`)))

	reg, err := engine.NewRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.Register(engine.Handler{
		ID:             "process-video",
		Event:          "media/video.discovered",
		IdempotencyKey: ".videoId",
		Fn: func(ctx context.Context, r *engine.Run) (any, error) {
			return engine.Step(r, "echo", func(ctx context.Context) (string, error) {
				return "ok", nil
			})
		},
	}))

	hub := streaming.NewMemoryHub()
	client := bus.New(s, v)
	cfg := engine.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	eng := engine.New(s, reg, client, engine.WithConfig(cfg), engine.WithHub(hub))
	client.Attach(eng)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	srv := httptest.NewServer(NewServer(Deps{
		Sender: client,
		Engine: eng,
		Store:  s,
		Hub:    hub,
	}).Handler())
	t.Cleanup(srv.Close)

	return &testEnv{store: s, engine: eng, server: srv}
}

func (e *testEnv) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) waitCompleted(t *testing.T, eventID string) *store.Invocation {
	t.Helper()
	var inv *store.Invocation
	require.Eventually(t, func() bool {
		invs, err := e.store.ListInvocations(context.Background(), store.InvocationFilter{EventID: eventID})
		if err != nil || len(invs) != 1 {
			return false
		}
		inv = invs[0]
		return inv.Status == schema.InvocationCompleted
	}, 2*time.Second, 5*time.Millisecond)
	return inv
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "metrics")
}

func TestSendEvents_Single(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/events", `{"id":"ev-1","name":"media/video.discovered","data":{"videoId":"abc123"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	receipt := decode[bus.Receipt](t, resp)
	assert.Equal(t, []string{"ev-1"}, receipt.IDs)

	inv := env.waitCompleted(t, "ev-1")
	assert.Equal(t, "process-video", inv.HandlerID)
}

func TestSendEvents_Array(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/events", `[
		{"name":"media/video.discovered","data":{"videoId":"a"}},
		{"name":"media/video.discovered","data":{"videoId":"b"}}
	]`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	receipt := decode[bus.Receipt](t, resp)
	require.Len(t, receipt.IDs, 2)
	assert.NotEqual(t, receipt.IDs[0], receipt.IDs[1])
}

func TestSendEvents_ValidationError(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/events", `[
		{"name":"media/video.discovered","data":{"videoId":"a"}},
		{"name":"media/video.discovered","data":{"title":"no id"}}
	]`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])
	assert.Contains(t, body, "details")

	events, err := env.store.ListEvents(context.Background(), store.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events, "a rejected batch records nothing")
}

func TestSendEvents_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/events", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetEvent(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/api/events", `{"id":"ev-2","name":"media/video.discovered","data":{"videoId":"x"}}`)
	env.waitCompleted(t, "ev-2")

	resp := env.get(t, "/api/events/ev-2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Event       store.Event         `json:"event"`
		Invocations []*store.Invocation `json:"invocations"`
	}](t, resp)
	assert.Equal(t, "media/video.discovered", body.Event.Name)
	require.Len(t, body.Invocations, 1)

	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/events/missing").StatusCode)
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/api/events", `{"id":"ev-l","name":"media/video.discovered","data":{"videoId":"l"}}`)

	resp := env.get(t, "/api/events?name=media/video.discovered")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decode[[]*store.Event](t, resp)
	require.Len(t, events, 1)
	assert.Equal(t, "ev-l", events[0].ID)
}

func TestGetInvocation(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/api/events", `{"id":"ev-3","name":"media/video.discovered","data":{"videoId":"y"}}`)
	inv := env.waitCompleted(t, "ev-3")

	resp := env.get(t, "/api/invocations/"+inv.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "completed", body["status"])
	steps, ok := body["steps"].([]any)
	require.True(t, ok)
	require.Len(t, steps, 1)
	assert.Equal(t, "echo", steps[0].(map[string]any)["name"])

	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/invocations/missing").StatusCode)
}

func TestListInvocations(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/api/events", `{"id":"ev-4","name":"media/video.discovered","data":{"videoId":"z"}}`)
	env.waitCompleted(t, "ev-4")

	resp := env.get(t, "/api/invocations?status=completed&handler=process-video")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	invs := decode[[]*store.Invocation](t, resp)
	require.Len(t, invs, 1)
	assert.Equal(t, "ev-4", invs[0].EventID)

	resp = env.get(t, "/api/invocations?status=failed")
	assert.Empty(t, decode[[]*store.Invocation](t, resp))

	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/invocations?status=bogus").StatusCode)
}

func TestInvocationLog(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/api/events", `{"id":"ev-5","name":"media/video.discovered","data":{"videoId":"w"}}`)
	inv := env.waitCompleted(t, "ev-5")

	resp := env.get(t, "/api/invocations/"+inv.ID+"/log")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]*store.LogEntry](t, resp)
	require.NotEmpty(t, entries)

	var types []string
	for _, e := range entries {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, schema.LogInvocationCreated)
	assert.Contains(t, types, schema.LogStepCompleted)
	assert.Contains(t, types, schema.LogInvocationCompleted)

	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/invocations/"+inv.ID+"/log?since=x").StatusCode)
	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/invocations/missing/log").StatusCode)
}

func TestInvocationDiagram(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/api/events", `{"id":"ev-8","name":"media/video.discovered","data":{"videoId":"d"}}`)
	inv := env.waitCompleted(t, "ev-8")

	resp := env.get(t, "/api/invocations/"+inv.ID+"/diagram")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "graph TD")
	assert.Contains(t, string(body), `echo["echo"]`)
	assert.Contains(t, string(body), "class __end__ completed")

	resp = env.get(t, "/api/invocations/"+inv.ID+"/diagram?format=ascii")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "│ echo")

	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/invocations/"+inv.ID+"/diagram?format=svg").StatusCode)
	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/invocations/missing/diagram").StatusCode)
}

func TestListTriggers(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	require.NoError(t, env.store.UpsertTrigger(context.Background(), &store.ScheduledTrigger{
		ID:             "sweep-channels",
		EventName:      "cron/sweep-channels",
		CronExpression: "*/30 * * * *",
		Enabled:        true,
		NextRunAt:      &now,
	}))

	resp := env.get(t, "/api/triggers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	trigs := decode[[]*store.ScheduledTrigger](t, resp)
	require.Len(t, trigs, 1)
	assert.Equal(t, "sweep-channels", trigs[0].ID)
}

func TestSSE_StreamsLifecycle(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		env.server.URL+"/sse/invocations?types="+schema.LogInvocationCompleted, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	env.post(t, "/api/events", `{"id":"ev-sse","name":"media/video.discovered","data":{"videoId":"s"}}`)

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = v
			break
		}
	}
	assert.Equal(t, schema.LogInvocationCompleted, event)

	var n streaming.Notification
	require.NoError(t, json.Unmarshal([]byte(data), &n))
	assert.Equal(t, "process-video", n.HandlerID)
}

func TestSSE_NoHub(t *testing.T) {
	srv := httptest.NewServer(NewServer(Deps{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sse/invocations")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSplitTypes(t *testing.T) {
	assert.Nil(t, splitTypes(""))
	assert.Equal(t, []string{"a", "b"}, splitTypes("a, ,b"))
}
