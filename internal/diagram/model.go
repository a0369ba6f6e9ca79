package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep  NodeKind = "step"
	NodeKindWait  NodeKind = "wait"
	NodeKindSend  NodeKind = "send"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
// Nodes are in execution order; Edges link consecutive nodes.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one step of an invocation, or its start or end marker.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // a store.StepTrace status or invocation status
	DurationMs int64
	Failures   int
	Memoized   int
	Error      string
}

// Edge links two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
