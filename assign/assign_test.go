package assign

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/davidnguyen-tech/polypilot/core"
)

func TestParse_TwoAssignments(t *testing.T) {
	got := Parse("@worker:alpha Fix the bug\n@worker:beta Write tests", []string{"alpha", "beta"})

	assert.Equal(t, []core.TaskAssignment{
		{Worker: "alpha", Task: "Fix the bug"},
		{Worker: "beta", Task: "Write tests"},
	}, got)
}

func TestParse_NoMarkers(t *testing.T) {
	got := Parse("The goal is already met, no delegation needed.", []string{"alpha"})
	assert.Empty(t, got)
}

func TestParse_MultilineTaskUntilNextMarker(t *testing.T) {
	text := "Plan follows.\n" +
		"@worker:alpha Refactor the parser\n" +
		"then add coverage for edge cases\n" +
		"@worker:beta Update the docs"

	got := Parse(text, []string{"alpha", "beta"})
	assert.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].Worker)
	assert.Equal(t, "Refactor the parser\nthen add coverage for edge cases", got[0].Task)
	assert.Equal(t, core.TaskAssignment{Worker: "beta", Task: "Update the docs"}, got[1])
}

func TestParse_EndMarkerStopsTask(t *testing.T) {
	text := "@worker:alpha Do the thing\n@end\ntrailing prose that is not a task"
	got := Parse(text, []string{"alpha"})
	assert.Equal(t, []core.TaskAssignment{{Worker: "alpha", Task: "Do the thing"}}, got)
}

func TestParse_EmptyTaskDropped(t *testing.T) {
	got := Parse("@worker:alpha\n@worker:beta Write tests", []string{"alpha", "beta"})
	assert.Equal(t, []core.TaskAssignment{{Worker: "beta", Task: "Write tests"}}, got)
}

func TestResolveWorker(t *testing.T) {
	roster := []string{"Backend-Dev", "Frontend-Dev", "QA"}

	tests := []struct {
		ident string
		want  string
	}{
		{"backend-dev", "Backend-Dev"}, // case-insensitive exact
		{"qa", "QA"},
		{"front", "Frontend-Dev"},  // prefix
		{"end-dev", "Backend-Dev"}, // substring, first roster hit wins
		{"unknown", "unknown"},     // unresolved identifiers pass through
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveWorker(tt.ident, roster))
	}
}
