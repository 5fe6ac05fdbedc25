// Package core provides the foundational domain types and interfaces used by
// PolyPilot. It defines the core abstractions for:
//
//   - Sessions (named conversations bound to one agent connection)
//   - Agent events (a closed set of typed variants mirroring the wire protocol)
//   - Groups and memberships (multi-agent teams and their durable markers)
//   - Task assignments and worker results (the orchestration currency)
//   - The agent connection boundary (send a prompt, receive typed events)
//
// The package intentionally keeps implementation concerns (the event pipeline,
// engine orchestration, persistence) out of scope, exposing small interfaces
// to enable custom backends and extensions.
package core
