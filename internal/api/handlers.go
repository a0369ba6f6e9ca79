package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/mediaflow/internal/bus"
	"github.com/rendis/mediaflow/internal/diagram"
	"github.com/rendis/mediaflow/internal/store"
	"github.com/rendis/mediaflow/pkg/schema"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type eventBody struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// invocationDetail is the response of GET /api/invocations/{id}.
type invocationDetail struct {
	*store.Invocation
	Steps []*store.StepRecord          `json:"steps"`
	Trace map[string]*store.StepTrace `json:"trace,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Engine != nil {
		body["metrics"] = s.deps.Engine.Metrics()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleSendEvents accepts a single event object or an array of events.
func (s *Server) handleSendEvents(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("read body: %v", err))
		return
	}
	raw = bytes.TrimSpace(raw)

	var bodies []eventBody
	if len(raw) > 0 && raw[0] == '[' {
		err = json.Unmarshal(raw, &bodies)
	} else {
		var one eventBody
		err = json.Unmarshal(raw, &one)
		bodies = []eventBody{one}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	inputs := make([]bus.EventInput, len(bodies))
	for i, b := range bodies {
		inputs[i] = bus.EventInput{ID: b.ID, Name: b.Name}
		if len(b.Data) > 0 {
			inputs[i].Data = b.Data
		}
	}

	receipt, err := s.deps.Sender.SendBatch(r.Context(), inputs)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := s.deps.Store.ListEvents(r.Context(), store.EventFilter{
		Name:         q.Get("name"),
		Undispatched: q.Get("undispatched") == "true",
		Limit:        limit(r),
		Offset:       queryInt(r, "offset", 0),
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	ev, err := s.deps.Store.GetEvent(ctx, id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	invs, err := s.deps.Engine.ListInvocations(ctx, store.InvocationFilter{EventID: id, Limit: maxLimit})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if invs == nil {
		invs = []*store.Invocation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": ev, "invocations": invs})
}

func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.InvocationFilter{
		Status:    schema.InvocationStatus(q.Get("status")),
		HandlerID: q.Get("handler"),
		EventID:   q.Get("event"),
		Limit:     limit(r),
		Offset:    queryInt(r, "offset", 0),
	}
	switch filter.Status {
	case "", schema.InvocationPending, schema.InvocationRunning, schema.InvocationCompleted, schema.InvocationFailed:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}

	invs, err := s.deps.Engine.ListInvocations(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if invs == nil {
		invs = []*store.Invocation{}
	}
	writeJSON(w, http.StatusOK, invs)
}

func (s *Server) handleGetInvocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	inv, err := s.deps.Engine.Invocation(ctx, id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	steps, err := s.deps.Engine.Steps(ctx, id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if steps == nil {
		steps = []*store.StepRecord{}
	}
	detail := invocationDetail{Invocation: inv, Steps: steps}
	if trace, err := s.deps.Engine.Trace(ctx, id); err == nil {
		detail.Trace = trace
	} else {
		s.deps.Logger.Warn("invocation trace unavailable", "invocation_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleInvocationLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := s.deps.Engine.Invocation(ctx, id); err != nil {
		writeFlowError(w, err)
		return
	}
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an integer")
			return
		}
		since = n
	}
	entries, err := s.deps.Engine.Log(ctx, id, since)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if entries == nil {
		entries = []*store.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleInvocationDiagram renders the step flow of an invocation as Mermaid
// (default) or ASCII text.
func (s *Server) handleInvocationDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "mermaid"
	}
	if format != "mermaid" && format != "ascii" {
		writeError(w, http.StatusBadRequest, "format must be mermaid or ascii")
		return
	}

	inv, err := s.deps.Engine.Invocation(ctx, id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	entries, err := s.deps.Engine.Log(ctx, id, 0)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	traces, err := s.deps.Engine.Trace(ctx, id)
	if err != nil {
		s.deps.Logger.Warn("invocation trace unavailable", "invocation_id", id, "error", err)
	}
	model, err := diagram.Build(inv, entries, traces)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := diagram.RenderMermaid(model)
	if format == "ascii" {
		out = diagram.RenderASCII(model)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(out))
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	trigs, err := s.deps.Store.ListTriggers(r.Context(), store.TriggerFilter{Limit: limit(r)})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if trigs == nil {
		trigs = []*store.ScheduledTrigger{}
	}
	writeJSON(w, http.StatusOK, trigs)
}

func limit(r *http.Request) int {
	n := queryInt(r, "limit", defaultLimit)
	if n == 0 || n > maxLimit {
		return maxLimit
	}
	return n
}
