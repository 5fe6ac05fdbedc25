// Package bridge exposes the session registry and organization over a
// JSON-over-WebSocket protocol. Every frame is a {type, payload} envelope;
// clients issue commands and receive pushed session state, content deltas,
// tool activity, and organization snapshots.
//
// Each connection gets exactly one writer goroutine; reads are dispatched to
// the handler and never mutate shared state inline on the read loop.
package bridge
