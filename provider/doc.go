// Package provider holds the agent-connection adapters. Each subpackage
// implements core.Connector and core.Connection over one vendor SDK,
// translating its stream events into the closed core.AgentEvent set and
// ending every turn with SessionIdle or SessionError.
package provider
