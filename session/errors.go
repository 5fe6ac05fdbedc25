package session

import "errors"

// Package sentinel errors. Callers compare with errors.Is.
var (
	// ErrAlreadyProcessing is returned by Send when the session has an
	// outstanding completion future. Callers wanting queuing use Queue.
	ErrAlreadyProcessing = errors.New("session is already processing a turn")

	// ErrSessionNotFound is returned for operations on unknown session names.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned by Create for a duplicate session name.
	ErrSessionExists = errors.New("session already exists")

	// ErrTurnAborted fails a future whose turn was cancelled. Always kept
	// distinct from generic failure so callers awaiting cancellation observe
	// cancellation, never a downgraded error.
	ErrTurnAborted = errors.New("turn aborted")

	// ErrTurnTimeout fails a future whose turn produced no events for longer
	// than the applicable watchdog limit.
	ErrTurnTimeout = errors.New("turn timed out waiting for agent events")
)
