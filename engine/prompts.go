package engine

import (
	"fmt"
	"strings"

	"github.com/davidnguyen-tech/polypilot/core"
	"github.com/davidnguyen-tech/polypilot/cycle"
	"github.com/davidnguyen-tech/polypilot/sentinel"
)

const genericWorkerRole = "You are a capable engineer. Complete the assigned task thoroughly and report what you did."

// planningPrompt builds the orchestrator's prompt for one iteration: goal,
// roster with specializations, optional routing context, assignment syntax,
// and prior evaluator feedback after the first iteration.
func planningPrompt(req Request, c *cycle.Cycle, iter int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Goal:\n%s\n\n", req.Goal)

	b.WriteString("Available workers:\n")
	for _, w := range req.Workers {
		if w.Specialization != "" {
			fmt.Fprintf(&b, "- %s: %s\n", w.SessionName, w.Specialization)
		} else {
			fmt.Fprintf(&b, "- %s\n", w.SessionName)
		}
	}

	if req.Group.RoutingContext != "" {
		fmt.Fprintf(&b, "\nRouting context:\n%s\n", req.Group.RoutingContext)
	}

	if iter > 1 && c.LastFeedback != "" {
		fmt.Fprintf(&b, "\nFeedback on the previous iteration:\n%s\n", c.LastFeedback)
	}

	b.WriteString("\nBreak the goal into tasks and assign each to a worker using " +
		"this exact syntax, one assignment per line block:\n" +
		"@worker:<name> <task description>\n" +
		"End the list with @end.\n")
	if iter > 1 {
		b.WriteString("If the goal is already fully achieved, assign no tasks and say so instead.\n")
	}
	return b.String()
}

// workerPrompt is the group's shared context (when set), the worker's
// specialization (or a generic fallback), the original user request, and the
// specific assigned task.
func workerPrompt(shared, goal string, m core.Membership, a core.TaskAssignment) string {
	role := m.Specialization
	if role == "" {
		role = genericWorkerRole
	}
	prompt := fmt.Sprintf("%s\n\nOriginal request:\n%s\n\nYour assigned task:\n%s", role, goal, a.Task)
	if shared != "" {
		prompt = fmt.Sprintf("Shared context:\n%s\n\n%s", shared, prompt)
	}
	return prompt
}

// evaluatorPrompt asks the independent evaluator for a scored judgement of
// the iteration's synthesis.
func evaluatorPrompt(goal, synthesis string) string {
	return fmt.Sprintf(
		"Evaluate how completely the following work product achieves the goal.\n\n"+
			"Goal:\n%s\n\nWork product:\n%s\n\n"+
			"Reply with a line \"score: <0.0-1.0>\" followed by a short rationale. "+
			"If the goal is fully achieved you may also output %s alone on its own line.",
		goal, synthesis, sentinel.CycleComplete)
}

// selfEvalPrompt asks the orchestrator to judge its own team's synthesis via
// the cycle sentinels.
func selfEvalPrompt(goal, synthesis string) string {
	return fmt.Sprintf(
		"Review your team's combined output against the goal.\n\n"+
			"Goal:\n%s\n\nCombined output:\n%s\n\n"+
			"If the goal is fully achieved, output %s alone on its own line. "+
			"Otherwise output %s alone on its own line followed by what still needs doing.",
		goal, synthesis, sentinel.CycleComplete, sentinel.NeedsIteration)
}
