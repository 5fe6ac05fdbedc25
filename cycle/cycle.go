// Package cycle implements the reflection cycle: the small state machine
// tracking one iterative goal-pursuit attempt. It owns iteration and stall
// bookkeeping, evaluator history, and the irrevocable decision about when the
// loop stops. The orchestration engine drives it; it never talks to sessions
// itself.
package cycle

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/davidnguyen-tech/polypilot/sentinel"
)

// Config tunes a reflection cycle.
type Config struct {
	// MaxIterations caps the loop. Defaults to 10.
	MaxIterations int

	// PassScore is the evaluator score at or above which the goal counts as
	// met. Kept configurable; the default mirrors long-standing behavior.
	PassScore float64

	// MaxConsecutiveStalls is how many stalls in a row force termination.
	// The first stall only warns.
	MaxConsecutiveStalls int

	// MaxConsecutiveErrors is the error budget before the cycle is
	// terminated by the engine.
	MaxConsecutiveErrors int

	// Stall configures the underlying detector.
	Stall sentinel.Config
}

// DefaultConfig returns the baseline cycle configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:        10,
		PassScore:            0.9,
		MaxConsecutiveStalls: 2,
		MaxConsecutiveErrors: 3,
		Stall:                sentinel.DefaultConfig(),
	}
}

// StopReason explains why a cycle terminated.
type StopReason int

// Stop reasons. Exactly one applies to any terminated cycle.
const (
	StopNone StopReason = iota // still active
	StopGoalMet
	StopStalled
	StopMaxIterations
	StopCancelled
)

// String returns a human-readable label for the stop reason.
func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "active"
	case StopGoalMet:
		return "goal-met"
	case StopStalled:
		return "stalled"
	case StopMaxIterations:
		return "max-iterations"
	case StopCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Evaluation is one scored judgement of an iteration's synthesis.
type Evaluation struct {
	Score     float64   `json:"score"`
	Rationale string    `json:"rationale"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Trend classifies the direction of recent evaluation scores.
type Trend string

// Evaluation trends.
const (
	TrendStable    Trend = "stable"
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
)

// Cycle is one iterative goal-pursuit attempt owned by exactly one group.
// It is mutated once per iteration by the engine and becomes immutable once
// IsActive is false. Not safe for concurrent use; the engine serializes
// access.
//
// Invariant: GoalMet and IsCancelled are mutually exclusive terminal markers,
// and every non-success termination path sets IsCancelled.
type Cycle struct {
	Goal             string
	MaxIterations    int
	CurrentIteration int

	IsActive    bool
	IsPaused    bool
	GoalMet     bool
	IsStalled   bool
	IsCancelled bool

	ConsecutiveStalls int
	ConsecutiveErrors int
	LastSimilarity    float64

	EvaluatorSession string
	Evaluations      []Evaluation
	LastFeedback     string

	StartedAt   time.Time
	CompletedAt time.Time

	cfg      Config
	detector *sentinel.StallDetector

	// explicitCancel distinguishes a user/context cancellation from the cap
	// and stall failure paths, which also set IsCancelled per the
	// terminal-marker invariant.
	explicitCancel bool
}

// New creates an active cycle for the given goal.
func New(goal string, cfg Config) *Cycle {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.PassScore <= 0 {
		cfg.PassScore = 0.9
	}
	if cfg.MaxConsecutiveStalls <= 0 {
		cfg.MaxConsecutiveStalls = 2
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 3
	}
	return &Cycle{
		Goal:          goal,
		MaxIterations: cfg.MaxIterations,
		IsActive:      true,
		StartedAt:     time.Now().UTC(),
		cfg:           cfg,
		detector:      sentinel.NewStallDetector(cfg.Stall),
	}
}

// Config returns the configuration the cycle was built with.
func (c *Cycle) Config() Config { return c.cfg }

// Reason returns the terminal stop reason, or StopNone while active.
func (c *Cycle) Reason() StopReason {
	switch {
	case c.IsActive:
		return StopNone
	case c.GoalMet:
		return StopGoalMet
	case c.IsStalled:
		return StopStalled
	case c.CurrentIteration >= c.MaxIterations && !c.explicitCancel:
		return StopMaxIterations
	default:
		return StopCancelled
	}
}

// BeginIteration advances the iteration counter and returns the new value.
// Called by the engine at the top of each loop pass.
func (c *Cycle) BeginIteration() int {
	c.CurrentIteration++
	return c.CurrentIteration
}

// RewindIteration undoes a BeginIteration after an iteration exception so the
// failed pass does not count against the cap.
func (c *Cycle) RewindIteration() {
	if c.CurrentIteration > 0 {
		c.CurrentIteration--
	}
}

// IsGoalMet reports whether response carries the goal-completion sentinel on
// its own line.
func (c *Cycle) IsGoalMet(response string) bool {
	return sentinel.ContainsMarker(response, sentinel.GoalComplete)
}

// CheckStall feeds response to the stall detector and updates the
// consecutive-stall counter. A near-duplicate accumulates one stall; a
// byte-identical repeat jumps straight to the termination threshold. Any
// non-stall iteration resets the counter.
func (c *Cycle) CheckStall(response string) bool {
	kind := c.detector.Check(response)
	c.LastSimilarity = c.detector.LastSimilarity()
	switch kind {
	case sentinel.StallExact:
		c.ConsecutiveStalls = c.cfg.MaxConsecutiveStalls
	case sentinel.StallSimilar:
		c.ConsecutiveStalls++
	default:
		c.ConsecutiveStalls = 0
	}
	return kind != sentinel.StallNone
}

// Advance judges one iteration's response and reports whether the loop
// should continue. Exit conditions are checked in fixed order: goal met,
// consecutive stalls, iteration cap.
func (c *Cycle) Advance(response string) bool {
	if !c.IsActive || c.IsPaused {
		return false
	}

	if c.IsGoalMet(response) {
		c.completeSuccess()
		return false
	}

	c.CheckStall(response)
	if c.ConsecutiveStalls >= c.cfg.MaxConsecutiveStalls {
		c.completeFailure(true)
		return false
	}

	if c.CurrentIteration >= c.MaxIterations {
		c.completeFailure(false)
		return false
	}

	return true
}

// AdvanceWithEvaluation is Advance for evaluator mode: passed (score above
// threshold or the cycle-complete sentinel) terminates with success,
// otherwise feedback becomes the next follow-up input and the usual stall
// and cap checks apply.
func (c *Cycle) AdvanceWithEvaluation(response string, passed bool, feedback string) bool {
	if !c.IsActive || c.IsPaused {
		return false
	}

	if passed || c.IsGoalMet(response) {
		c.completeSuccess()
		return false
	}

	c.LastFeedback = feedback

	c.CheckStall(response)
	if c.ConsecutiveStalls >= c.cfg.MaxConsecutiveStalls {
		c.completeFailure(true)
		return false
	}

	if c.CurrentIteration >= c.MaxIterations {
		c.completeFailure(false)
		return false
	}

	return true
}

// RecordEvaluation appends a scored judgement to the history.
func (c *Cycle) RecordEvaluation(score float64, rationale, model string) {
	c.Evaluations = append(c.Evaluations, Evaluation{
		Score:     score,
		Rationale: rationale,
		Model:     model,
		Timestamp: time.Now().UTC(),
	})
}

// Passed reports whether score clears the configured pass threshold.
func (c *Cycle) Passed(score float64) bool { return score >= c.cfg.PassScore }

// EvaluationTrend compares the two most recent scores: a rise of more than
// 0.1 is improving, a fall of more than 0.1 is degrading, anything else is
// stable. A degrading trend is advisory only, never a termination condition.
func (c *Cycle) EvaluationTrend() Trend {
	n := len(c.Evaluations)
	if n < 2 {
		return TrendStable
	}
	delta := c.Evaluations[n-1].Score - c.Evaluations[n-2].Score
	switch {
	case delta > 0.1:
		return TrendImproving
	case delta < -0.1:
		return TrendDegrading
	default:
		return TrendStable
	}
}

// RecordError increments the consecutive-error counter and reports whether
// the error budget is exhausted.
func (c *Cycle) RecordError() bool {
	c.ConsecutiveErrors++
	return c.ConsecutiveErrors >= c.cfg.MaxConsecutiveErrors
}

// ResetErrors clears the consecutive-error counter after a clean iteration.
func (c *Cycle) ResetErrors() { c.ConsecutiveErrors = 0 }

// Pause stops the cycle from advancing while preserving all state.
func (c *Cycle) Pause() {
	if c.IsActive {
		c.IsPaused = true
	}
}

// Resume reactivates a paused cycle. Stall history is discarded so pre-pause
// and post-pause responses are never compared.
func (c *Cycle) Resume() {
	if !c.IsPaused {
		return
	}
	c.IsPaused = false
	c.ConsecutiveStalls = 0
	c.detector.Reset()
}

// Cancel terminates the cycle on explicit stop or external cancellation.
func (c *Cycle) Cancel() {
	if !c.IsActive {
		return
	}
	c.IsActive = false
	c.IsPaused = false
	c.IsCancelled = true
	c.explicitCancel = true
	c.CompletedAt = time.Now().UTC()
}

// Terminate force-stops the cycle marking it stalled and cancelled. Used
// when the engine's error budget is exhausted.
func (c *Cycle) Terminate() {
	if !c.IsActive {
		return
	}
	c.IsActive = false
	c.IsPaused = false
	c.IsStalled = true
	c.IsCancelled = true
	c.CompletedAt = time.Now().UTC()
}

// FollowUpPrompt builds the prompt for the next iteration: the goal, a
// request for a brief progress assessment, prior evaluator feedback when
// present, and the sentinel instruction.
func (c *Cycle) FollowUpPrompt() string {
	prompt := fmt.Sprintf(
		"Continue working toward this goal:\n%s\n\n"+
			"Briefly assess your progress so far, then continue.",
		c.Goal)
	if c.LastFeedback != "" {
		prompt += fmt.Sprintf("\n\nEvaluator feedback on the last attempt:\n%s", c.LastFeedback)
	}
	prompt += fmt.Sprintf(
		"\n\nWhen the goal is fully achieved, output %s alone on its own line.",
		sentinel.GoalComplete)
	return prompt
}

func (c *Cycle) completeSuccess() {
	c.IsActive = false
	c.IsPaused = false
	c.GoalMet = true
	c.CompletedAt = time.Now().UTC()
}

func (c *Cycle) completeFailure(stalled bool) {
	c.IsActive = false
	c.IsPaused = false
	c.IsStalled = stalled
	c.IsCancelled = true
	c.CompletedAt = time.Now().UTC()
}

type cycleSnapshot struct {
	Goal              string       `json:"goal"`
	MaxIterations     int          `json:"max_iterations"`
	CurrentIteration  int          `json:"current_iteration"`
	IsActive          bool         `json:"is_active"`
	IsPaused          bool         `json:"is_paused"`
	GoalMet           bool         `json:"goal_met"`
	IsStalled         bool         `json:"is_stalled"`
	IsCancelled       bool         `json:"is_cancelled"`
	ExplicitCancel    bool         `json:"explicit_cancel,omitempty"`
	ConsecutiveStalls int          `json:"consecutive_stalls"`
	ConsecutiveErrors int          `json:"consecutive_errors"`
	LastSimilarity    float64      `json:"last_similarity"`
	EvaluatorSession  string       `json:"evaluator_session,omitempty"`
	Evaluations       []Evaluation `json:"evaluations,omitempty"`
	LastFeedback      string       `json:"last_feedback,omitempty"`
	StartedAt         time.Time    `json:"started_at"`
	CompletedAt       time.Time    `json:"completed_at,omitzero"`
}

// Snapshot serializes the cycle for persistence. The stall detector's text
// history is intentionally excluded: a restored cycle starts with fresh
// stall history, the same rule applied on resume after pause.
func (c *Cycle) Snapshot() ([]byte, error) {
	return json.Marshal(cycleSnapshot{
		Goal:              c.Goal,
		MaxIterations:     c.MaxIterations,
		CurrentIteration:  c.CurrentIteration,
		IsActive:          c.IsActive,
		IsPaused:          c.IsPaused,
		GoalMet:           c.GoalMet,
		IsStalled:         c.IsStalled,
		IsCancelled:       c.IsCancelled,
		ExplicitCancel:    c.explicitCancel,
		ConsecutiveStalls: c.ConsecutiveStalls,
		ConsecutiveErrors: c.ConsecutiveErrors,
		LastSimilarity:    c.LastSimilarity,
		EvaluatorSession:  c.EvaluatorSession,
		Evaluations:       c.Evaluations,
		LastFeedback:      c.LastFeedback,
		StartedAt:         c.StartedAt,
		CompletedAt:       c.CompletedAt,
	})
}

// Restore rebuilds a cycle from a Snapshot using cfg for tunables.
func Restore(data []byte, cfg Config) (*Cycle, error) {
	var snap cycleSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("restore cycle: %w", err)
	}
	c := New(snap.Goal, cfg)
	c.MaxIterations = snap.MaxIterations
	c.CurrentIteration = snap.CurrentIteration
	c.IsActive = snap.IsActive
	c.IsPaused = snap.IsPaused
	c.GoalMet = snap.GoalMet
	c.IsStalled = snap.IsStalled
	c.IsCancelled = snap.IsCancelled
	c.explicitCancel = snap.ExplicitCancel
	c.ConsecutiveStalls = snap.ConsecutiveStalls
	c.ConsecutiveErrors = snap.ConsecutiveErrors
	c.LastSimilarity = snap.LastSimilarity
	c.EvaluatorSession = snap.EvaluatorSession
	c.Evaluations = snap.Evaluations
	c.LastFeedback = snap.LastFeedback
	c.StartedAt = snap.StartedAt
	c.CompletedAt = snap.CompletedAt
	return c, nil
}
