package sentinel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsMarker(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"own line", "done\n[[REFLECTION_COMPLETE]]\n", true},
		{"own line with surrounding spaces", "done\n  [[REFLECTION_COMPLETE]]  \n", true},
		{"only marker", "[[REFLECTION_COMPLETE]]", true},
		{"inline mention", "I completed [[REFLECTION_COMPLETE]] the task", false},
		{"lowercase", "[[reflection_complete]]", false},
		{"absent", "all work is finished", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ContainsMarker(tt.text, GoalComplete))
		})
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("a b c", "a b c"))
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 0.0, Similarity("alpha beta", "gamma delta"))
	assert.Equal(t, 0.0, Similarity("alpha", ""))

	// Half overlap: {a,b} vs {b,c} -> 1/3
	assert.InDelta(t, 1.0/3.0, Similarity("a b", "b c"), 1e-9)

	// Duplicated tokens collapse into sets.
	assert.Equal(t, 1.0, Similarity("a a a b", "b a"))
}

func TestStallDetector_ExactRepeat(t *testing.T) {
	d := NewStallDetector(DefaultConfig())
	assert.Equal(t, StallNone, d.Check("working on step one"))
	assert.Equal(t, StallExact, d.Check("working on step one"))
}

func TestStallDetector_NearDuplicate(t *testing.T) {
	d := NewStallDetector(DefaultConfig())

	// Two responses differing in a single trailing word out of twenty share
	// >90% of their tokens (20/22).
	base := "alpha bravo charlie delta echo foxtrot golf hotel india juliett " +
		"kilo lima mike november oscar papa quebec romeo sierra tango"
	assert.Equal(t, StallNone, d.Check(base+" done"))
	assert.Equal(t, StallSimilar, d.Check(base+" pending"))
	assert.Greater(t, d.LastSimilarity(), 0.9)
}

func TestStallDetector_DisjointResponses(t *testing.T) {
	d := NewStallDetector(DefaultConfig())
	assert.Equal(t, StallNone, d.Check("alpha beta gamma"))
	assert.Equal(t, StallNone, d.Check("delta epsilon zeta"))
}

func TestStallDetector_HistoryBound(t *testing.T) {
	d := NewStallDetector(Config{HistorySize: 2, SimilarityThreshold: 0.9})
	assert.Equal(t, StallNone, d.Check("one unique response"))
	assert.Equal(t, StallNone, d.Check("two completely different words"))
	assert.Equal(t, StallNone, d.Check("three more unrelated tokens here"))
	// "one unique response" fell out of the 2-deep history.
	assert.Equal(t, StallNone, d.Check("one unique response"))
}

func TestStallDetector_Reset(t *testing.T) {
	d := NewStallDetector(DefaultConfig())
	assert.Equal(t, StallNone, d.Check("same text"))
	d.Reset()
	assert.Equal(t, StallNone, d.Check("same text"))
}
