package pipeline

import (
	"regexp"
	"strings"
)

// minSummaryLen is the shortest cut description kept as a summary.
const minSummaryLen = 20

// separatorLine matches the divider that starts boilerplate (links,
// sponsors, chapters) in a video description.
var separatorLine = regexp.MustCompile(`(?m)^\s*(-{3,}|={3,}|_{3,}|\*{3,}|─{3,})\s*$`)

// Summarize keeps the part of a video description above the first
// separator line. It returns "" when nothing useful remains.
func Summarize(description string) string {
	description = strings.TrimSpace(description)
	if description == "" {
		return ""
	}
	loc := separatorLine.FindStringIndex(description)
	if loc == nil {
		return description
	}
	cut := strings.TrimSpace(description[:loc[0]])
	if len([]rune(cut)) < minSummaryLen {
		return ""
	}
	return cut
}
