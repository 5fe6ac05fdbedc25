package core

import "time"

// TaskAssignment pairs a worker session with one delegated sub-task. It is
// ephemeral: produced by parsing one orchestrator response, consumed
// immediately by dispatch.
type TaskAssignment struct {
	Worker string
	Task   string
}

// WorkerResult is the outcome of dispatching one assignment.
type WorkerResult struct {
	Worker   string
	Response string
	Success  bool
	Elapsed  time.Duration
	Err      error
}
