// Package engine drives the iterative orchestration loop for one session
// group: plan, dispatch, collect, evaluate, repeat. Each pass asks the
// orchestrator session for task assignments, fans them out to worker sessions
// concurrently, joins all results, and feeds the synthesized output through
// the group's reflection cycle until it terminates.
//
// The engine owns retry and error-budget policy around iterations; the cycle
// package owns the termination decision itself, and the session package owns
// all conversation mechanics. Organization state is persisted after every
// completed iteration so a restart resumes from the last one.
package engine
