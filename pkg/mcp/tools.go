package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/mediaflow/internal/bus"
	"github.com/rendis/mediaflow/internal/store"
	"github.com/rendis/mediaflow/internal/streaming"
	"github.com/rendis/mediaflow/pkg/schema"
)

// handleSend records events and dispatches them to matching handlers.
func (s *Server) handleSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var inputs []bus.EventInput

	if raw, ok := req.GetArguments()["events"]; ok {
		items, ok := raw.([]any)
		if !ok {
			return mcp.NewToolResultError("events must be an array"), nil
		}
		for i, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				return mcp.NewToolResultError(fmt.Sprintf("events[%d] must be an object", i)), nil
			}
			in := bus.EventInput{Data: m["data"]}
			in.ID, _ = m["id"].(string)
			in.Name, _ = m["name"].(string)
			inputs = append(inputs, in)
		}
	} else {
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError("name or events is required"), nil
		}
		in := bus.EventInput{ID: req.GetString("id", ""), Name: name}
		if data := mcp.ParseStringMap(req, "data", nil); data != nil {
			in.Data = data
		}
		inputs = append(inputs, in)
	}

	receipt, err := s.sender.SendBatch(ctx, inputs)
	if err != nil {
		return flowErrorResult("send failed", err), nil
	}
	return marshalResult(receipt)
}

// handleStatus returns one invocation with its steps, or every invocation of an event.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	invID := req.GetString("invocation_id", "")
	eventID := req.GetString("event_id", "")

	switch {
	case invID != "":
		inv, err := s.engine.Invocation(ctx, invID)
		if err != nil {
			return flowErrorResult("status query failed", err), nil
		}
		steps, err := s.engine.Steps(ctx, invID)
		if err != nil {
			return flowErrorResult("status query failed", err), nil
		}
		result := map[string]any{"invocation": inv, "steps": steps}
		if req.GetBool("include_log", false) {
			entries, err := s.engine.Log(ctx, invID, 0)
			if err != nil {
				return flowErrorResult("log query failed", err), nil
			}
			result["log"] = entries
		}
		return marshalResult(result)

	case eventID != "":
		ev, err := s.store.GetEvent(ctx, eventID)
		if err != nil {
			return flowErrorResult("status query failed", err), nil
		}
		invs, err := s.engine.ListInvocations(ctx, store.InvocationFilter{EventID: eventID})
		if err != nil {
			return flowErrorResult("status query failed", err), nil
		}
		return marshalResult(map[string]any{"event": ev, "invocations": invs})

	default:
		return mcp.NewToolResultError("invocation_id or event_id is required"), nil
	}
}

// handleQuery lists invocations, events, or triggers based on filters.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "invocations":
		return s.queryInvocations(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "triggers":
		return s.queryTriggers(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleWatch forwards lifecycle notifications of one invocation to the
// calling session until the invocation reaches a terminal state.
func (s *Server) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	invID, err := req.RequireString("invocation_id")
	if err != nil {
		return mcp.NewToolResultError("invocation_id is required"), nil
	}
	if s.hub == nil {
		return mcp.NewToolResultError("lifecycle stream disabled"), nil
	}
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("watch requires a client session"), nil
	}

	inv, err := s.engine.Invocation(ctx, invID)
	if err != nil {
		return flowErrorResult("watch failed", err), nil
	}
	if inv.Status.IsTerminal() {
		return marshalResult(map[string]any{"watching": false, "status": inv.Status})
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, unsubscribe, err := s.hub.Subscribe(watchCtx, streaming.Filter{InvocationID: invID})
	if err != nil {
		cancel()
		return mcp.NewToolResultError(fmt.Sprintf("subscribe failed: %v", err)), nil
	}

	sessionID := session.SessionID()
	watchID := s.sessions.Add(sessionID, cancel)
	go func() {
		defer s.sessions.Done(sessionID, watchID)
		defer cancel()
		defer unsubscribe()
		s.forward(watchCtx, sessionID, ch)
	}()

	return marshalResult(map[string]any{"watching": true, "status": inv.Status})
}

func (s *Server) forward(ctx context.Context, sessionID string, ch <-chan streaming.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			payload := map[string]any{
				"level":  "info",
				"logger": "mediaflow",
				"data":   n,
			}
			if err := s.notifier.Notify(ctx, sessionID, payload); err != nil {
				s.logger.Warn("mcp notify failed", "session_id", sessionID, "error", err)
			}
			if n.Type == schema.LogInvocationCompleted || n.Type == schema.LogInvocationFailed {
				return
			}
		}
	}
}

// --- Query helpers ---

func (s *Server) queryInvocations(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.InvocationFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok {
		f.Status = schema.InvocationStatus(status)
	}
	if handler, ok := filter["handler"].(string); ok {
		f.HandlerID = handler
	}
	if eventID, ok := filter["event_id"].(string); ok {
		f.EventID = eventID
	}

	invs, err := s.engine.ListInvocations(ctx, f)
	if err != nil {
		return flowErrorResult("query failed", err), nil
	}
	return marshalResult(map[string]any{"invocations": nonNil(invs)})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.EventFilter{
		Limit:  extractInt(filter, "limit", 100),
		Offset: extractInt(filter, "offset", 0),
	}
	if name, ok := filter["name"].(string); ok {
		f.Name = name
	}
	if undispatched, ok := filter["undispatched"].(bool); ok {
		f.Undispatched = undispatched
	}

	events, err := s.store.ListEvents(ctx, f)
	if err != nil {
		return flowErrorResult("query failed", err), nil
	}
	return marshalResult(map[string]any{"events": nonNil(events)})
}

func (s *Server) queryTriggers(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.TriggerFilter{Limit: extractInt(filter, "limit", 50)}
	if enabled, ok := filter["enabled"].(bool); ok {
		f.Enabled = &enabled
	}

	trigs, err := s.store.ListTriggers(ctx, f)
	if err != nil {
		return flowErrorResult("query failed", err), nil
	}
	return marshalResult(map[string]any{"triggers": nonNil(trigs)})
}

// --- Internal helpers ---

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// flowErrorResult renders err as a tool error, keeping FlowError details.
func flowErrorResult(prefix string, err error) *mcp.CallToolResult {
	if fe, ok := schema.AsFlowError(err); ok && len(fe.Details) > 0 {
		details, _ := json.Marshal(fe.Details)
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v %s", prefix, err, details))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
