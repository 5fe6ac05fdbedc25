// Package session implements the per-session event pipeline: a registry of
// live sessions, the state machine consuming each connection's asynchronous
// event stream, one-shot completion futures, and the watchdog that times out
// silent turns.
//
// The only way session state advances is an inbound typed event from the
// connection. Events are delivered on a connection-owned goroutine; the
// pipeline serializes all mutation per session and guarantees two ordering
// invariants:
//
//   - the processing flag is cleared strictly before the completion future
//     resolves, so a continuation never observes a still-busy session;
//   - the registry entry (with a bumped epoch) is replaced before a new
//     connection's callback is wired, so early events from the replacement
//     are never treated as orphaned while stale events are dropped by the
//     epoch guard.
package session
