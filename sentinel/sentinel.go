// Package sentinel detects goal-completion markers and repetitive output in
// agent responses. All functions are pure over text; the StallDetector adds
// a small bounded history so near-duplicate iterations can be recognized.
package sentinel

import "strings"

// Markers the agent must emit verbatim to signal state transitions.
const (
	// GoalComplete ends a single-session reflection loop. It must appear
	// alone on its own line; inline mentions do not count.
	GoalComplete = "[[REFLECTION_COMPLETE]]"

	// CycleComplete is the group-level self-evaluation pass marker.
	CycleComplete = "[[CYCLE_COMPLETE]]"

	// NeedsIteration is the group-level self-evaluation fail marker.
	NeedsIteration = "[[NEEDS_ITERATION]]"
)

// ContainsMarker reports whether marker appears alone on its own line in
// text. The match is case-sensitive and whole-line (surrounding whitespace on
// the line is tolerated); prose that merely mentions the marker inline is not
// a match.
func ContainsMarker(text, marker string) bool {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == marker {
			return true
		}
	}
	return false
}

// Similarity computes the Jaccard similarity of the whitespace-tokenized word
// sets of a and b. Two empty inputs are identical (1); one empty input shares
// nothing (0).
func Similarity(a, b string) float64 {
	wa := strings.Fields(a)
	wb := strings.Fields(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(wa))
	for _, w := range wa {
		set[w] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(wb))
	for _, w := range wb {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if _, ok := set[w]; ok {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// Config tunes stall detection.
type Config struct {
	// HistorySize is how many prior full responses are retained for the
	// exact-repeat check.
	HistorySize int

	// SimilarityThreshold is the Jaccard score above which the current
	// response counts as a near-duplicate of the previous one. Kept
	// configurable; the default mirrors long-standing behavior.
	SimilarityThreshold float64
}

// DefaultConfig returns the baseline stall configuration.
func DefaultConfig() Config {
	return Config{HistorySize: 5, SimilarityThreshold: 0.9}
}

// Stall classifies the outcome of one detector check.
type Stall int

// Stall outcomes. StallExact (a byte-identical repeat of a retained
// response) is an instant stall; StallSimilar (near-duplicate of the
// immediately previous response) accumulates.
const (
	StallNone Stall = iota
	StallSimilar
	StallExact
)

// StallDetector recognizes repetitive or near-duplicate responses across
// iterations. Not safe for concurrent use; each reflection cycle owns one.
type StallDetector struct {
	cfg     Config
	history []string
	lastSim float64
}

// NewStallDetector constructs a detector with the given config, falling back
// to defaults for zero values.
func NewStallDetector(cfg Config) *StallDetector {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 5
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.9
	}
	return &StallDetector{cfg: cfg}
}

// Check records response and classifies it against the retained history: an
// exact repeat of any retained response is StallExact, a Jaccard similarity
// above the threshold against the immediately previous response is
// StallSimilar, anything else is StallNone.
func (d *StallDetector) Check(response string) Stall {
	kind := StallNone
	for _, prev := range d.history {
		if prev == response {
			kind = StallExact
			break
		}
	}
	if kind == StallNone && len(d.history) > 0 {
		d.lastSim = Similarity(response, d.history[len(d.history)-1])
		if d.lastSim > d.cfg.SimilarityThreshold {
			kind = StallSimilar
		}
	}
	d.history = append(d.history, response)
	if len(d.history) > d.cfg.HistorySize {
		d.history = d.history[len(d.history)-d.cfg.HistorySize:]
	}
	return kind
}

// LastSimilarity returns the Jaccard score from the most recent Check that
// compared against a previous response.
func (d *StallDetector) LastSimilarity() float64 { return d.lastSim }

// Reset discards the retained history. Used when a paused cycle resumes so
// pre-pause and post-pause responses are never compared.
func (d *StallDetector) Reset() {
	d.history = d.history[:0]
	d.lastSim = 0
}
