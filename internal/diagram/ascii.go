package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "suspended":
		return "[WAIT]"
	case "pending":
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a vertical chain of boxes.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", model.Title))
	}

	labels := make(map[string]string, len(model.Edges))
	for _, e := range model.Edges {
		labels[e.To] = e.Label
	}

	for i, node := range model.Nodes {
		if i > 0 {
			renderConnector(&b, labels[node.ID])
		}
		for _, line := range makeBox(node) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// makeBox returns the lines of the box drawn for node.
func makeBox(node *Node) []string {
	content := []string{node.Label}
	if s := node.Status; s != nil {
		var parts []string
		if tag := statusTag(s.Status); tag != "" {
			parts = append(parts, tag)
		}
		if s.DurationMs > 0 {
			parts = append(parts, fmt.Sprintf("%dms", s.DurationMs))
		}
		if s.Memoized > 0 {
			parts = append(parts, "memoized")
		}
		if len(parts) > 0 {
			content = append(content, strings.Join(parts, " "))
		}
		if s.Error != "" {
			content = append(content, truncate(s.Error, 60))
		}
	}

	width := 0
	for _, line := range content {
		width = max(width, utf8.RuneCountInString(line))
	}

	lines := []string{"┌" + strings.Repeat("─", width+2) + "┐"}
	for _, line := range content {
		pad := width - utf8.RuneCountInString(line)
		lines = append(lines, "│ "+line+strings.Repeat(" ", pad)+" │")
	}
	return append(lines, "└"+strings.Repeat("─", width+2)+"┘")
}

func renderConnector(b *strings.Builder, label string) {
	if label != "" {
		b.WriteString("  │ " + label + "\n")
	} else {
		b.WriteString("  │\n")
	}
	b.WriteString("  ▼\n")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
