package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/mediaflow/internal/store"
	"github.com/rendis/mediaflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build lays out an invocation as a linear flow: the triggering event, each
// step in the order it first appears in the log, and the invocation status.
// traces may be nil, in which case steps carry no status overlay.
func Build(inv *store.Invocation, entries []*store.LogEntry, traces map[string]*store.StepTrace) (*DiagramModel, error) {
	if inv == nil {
		return nil, fmt.Errorf("diagram: nil invocation")
	}
	model := &DiagramModel{Title: fmt.Sprintf("%s (%s)", inv.HandlerID, inv.ID)}
	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: inv.EventName, Kind: NodeKindStart})

	seen := make(map[string]*Node)
	for _, e := range entries {
		if e.Step == "" {
			continue
		}
		n, ok := seen[e.Step]
		if !ok {
			n = &Node{ID: e.Step, Label: e.Step, Kind: NodeKindStep}
			seen[e.Step] = n
			model.Nodes = append(model.Nodes, n)
		}
		switch e.Type {
		case schema.LogSleeping:
			n.Kind = NodeKindWait
		case schema.LogEventsSent:
			n.Kind = NodeKindSend
		}
	}

	for id, n := range seen {
		tr, ok := traces[id]
		if !ok {
			continue
		}
		n.Status = &StatusOverlay{
			Status:     tr.Status,
			DurationMs: tr.DurationMs,
			Failures:   tr.Failures,
			Memoized:   tr.Memoized,
			Error:      errorMessage(tr.LastError),
		}
		// A sleeping step has started but not completed.
		if n.Kind == NodeKindWait && tr.Status == "running" {
			n.Status.Status = "suspended"
		}
	}

	end := &Node{ID: endID, Label: string(inv.Status), Kind: NodeKindEnd,
		Status: &StatusOverlay{Status: string(inv.Status), Error: errorMessage(inv.Error)}}
	model.Nodes = append(model.Nodes, end)

	for i := 1; i < len(model.Nodes); i++ {
		edge := Edge{From: model.Nodes[i-1].ID, To: model.Nodes[i].ID}
		if s := model.Nodes[i].Status; s != nil && s.Failures > 0 {
			edge.Label = fmt.Sprintf("retried %dx", s.Failures)
		}
		model.Edges = append(model.Edges, edge)
	}
	return model, nil
}

// errorMessage extracts the message of a stored error payload.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var p struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.Message
}
