package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mediaflow/internal/bus"
	"github.com/rendis/mediaflow/internal/pipeline"
	"github.com/rendis/mediaflow/internal/store"
	"github.com/rendis/mediaflow/pkg/schema"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var cli CLI
	var out bytes.Buffer
	parser, err := newParser(&cli, &out)
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	err = kctx.Run()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestSendCommand(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/events", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ids":["evt-1"]}`))
	}))
	defer srv.Close()

	out, err := run(t, "send", pipeline.EventVideoDiscovered,
		"--data", `{"videoId":"v1"}`, "--id", "evt-1", "--server", srv.URL)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ids":["evt-1"]}`, out)
	assert.Equal(t, "evt-1", got["id"])
	assert.Equal(t, map[string]any{"videoId": "v1"}, got["data"])
}

func TestSendCommand_InvalidData(t *testing.T) {
	_, err := run(t, "send", "x", "--data", "{not json", "--server", "http://127.0.0.1:1")
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestSendCommand_ValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"payload invalid","code":"VALIDATION_ERROR","details":{"path":"/videoId"}}`))
	}))
	defer srv.Close()

	_, err := run(t, "send", pipeline.EventVideoDiscovered, "--server", srv.URL)
	require.Error(t, err)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	assert.Equal(t, "/videoId", fe.Details["path"])
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/invocations/inv-1":
			_, _ = w.Write([]byte(`{"id":"inv-1","status":"completed","steps":[]}`))
		case "/api/invocations/inv-1/diagram":
			assert.Equal(t, "ascii", r.URL.Query().Get("format"))
			_, _ = w.Write([]byte("=== process-video (inv-1) ===\n"))
		case "/api/invocations/inv-1/log":
			_, _ = w.Write([]byte(`[{"type":"invocation_completed"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"invocation not found","code":"NOT_FOUND"}`))
		}
	}))
	defer srv.Close()

	out, err := run(t, "status", "inv-1", "--log", "--server", srv.URL)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, "completed", body["invocation"].(map[string]any)["status"])
	assert.Len(t, body["log"], 1)

	out, err = run(t, "status", "inv-1", "--diagram", "ascii", "--server", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "=== process-video (inv-1) ===\n", out)

	_, err = run(t, "status", "missing", "--server", srv.URL)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestAPIError_NonJSONBody(t *testing.T) {
	err := apiError(http.StatusBadGateway, []byte("upstream down\n"))
	assert.EqualError(t, err, "server returned 502: upstream down")
}

func TestChannelCommands(t *testing.T) {
	settings := filepath.Join(t.TempDir(), "none.json")
	db := filepath.Join(t.TempDir(), "data", "mediaflow.db")

	out, err := run(t, "--settings", settings, "--db-path", db, "channel", "add", "UC123", "--title", "Talks", "--podcast-track-id", "track-9")
	require.NoError(t, err)
	assert.Equal(t, "channel UC123 added\n", out)

	out, err = run(t, "--settings", settings, "--db-path", db, "channel", "list")
	require.NoError(t, err)
	var chs []pipeline.Channel
	require.NoError(t, json.Unmarshal([]byte(out), &chs))
	require.Len(t, chs, 1)
	assert.Equal(t, "Talks", chs[0].Title)
	assert.Equal(t, "track-9", chs[0].PodcastTrackID)
	assert.True(t, chs[0].Active)
}

func TestChannelCommands_RejectMemoryStore(t *testing.T) {
	_, err := run(t, "--settings", filepath.Join(t.TempDir(), "none.json"), "--db-path", memoryDB, "channel", "list")
	assert.ErrorContains(t, err, "database file")
}

func TestNewApp_WiresPipeline(t *testing.T) {
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "mediaflow.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	require.NoError(t, err)
	require.NoError(t, a.start(ctx))

	_, ok := a.engine.Registry().Get(pipeline.HandlerProcessVideo)
	assert.True(t, ok)

	for _, id := range []string{pipeline.HandlerSweepChannels, pipeline.HandlerSweepPodcasts} {
		trig, err := a.store.GetTrigger(ctx, id)
		require.NoError(t, err)
		assert.True(t, trig.Enabled)
		assert.NotNil(t, trig.NextRunAt)
	}

	_, err = a.client.Send(ctx, bus.EventInput{Name: pipeline.EventVideoDiscovered, Data: map[string]any{"title": "no id"}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	events, err := a.store.ListEvents(ctx, store.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, a.close())
}

func TestNewApp_MemoryStoreWithoutScheduler(t *testing.T) {
	cfg := defaultConfig()
	cfg.DBPath = memoryDB
	cfg.SchedulerEnabled = false

	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Nil(t, a.scheduler)
	assert.IsType(t, &pipeline.MemoryRecords{}, a.records)
	require.NoError(t, a.start(context.Background()))
	require.NoError(t, a.close())
}
