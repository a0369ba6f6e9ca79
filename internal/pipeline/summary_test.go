package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "   ", ""},
		{"no separator", "  Just a description.  ", "Just a description."},
		{"cut at dashes", "This week we discuss inflation.\n---\nFollow us on socials", "This week we discuss inflation."},
		{"cut at equals", "This week we discuss inflation.\n\n=====\nlinks", "This week we discuss inflation."},
		{"too short after cut", "Hi!\n---\nlinks", ""},
		{"inline dashes kept", "Rates --- and more rates, all week long", "Rates --- and more rates, all week long"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Summarize(tc.in))
		})
	}
}

func TestEpisodeDisplayTitle(t *testing.T) {
	assert.Equal(t, "Given", EpisodeDiscovered{Title: "Given"}.displayTitle())
	assert.Equal(t, "Alice - 2026-03-01", EpisodeDiscovered{AuthorName: "Alice", PubDate: 1772359200}.displayTitle())
	assert.Equal(t, "Untitled", EpisodeDiscovered{}.displayTitle())
}

func TestParseTime(t *testing.T) {
	assert.Nil(t, parseTime(""))
	assert.Nil(t, parseTime("yesterday"))
	got := parseTime("2026-03-01T12:00:00+02:00")
	if assert.NotNil(t, got) {
		assert.Equal(t, 10, got.Hour())
	}
}
