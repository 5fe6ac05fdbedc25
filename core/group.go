package core

// GroupMode selects how prompts fan out across a group's members.
type GroupMode string

// Group modes.
const (
	// ModeNone is a plain holding group with no fan-out. The default group
	// uses it.
	ModeNone GroupMode = "none"
	// ModeBroadcast sends every prompt to all members concurrently.
	ModeBroadcast GroupMode = "broadcast"
	// ModeSequential sends the prompt through members in order, feeding each
	// member the previous member's response.
	ModeSequential GroupMode = "sequential"
	// ModeOrchestrator runs one plan/dispatch/collect pass per user prompt.
	ModeOrchestrator GroupMode = "orchestrator"
	// ModeOrchestratorReflect runs the iterative reflection loop until the
	// goal is met, a stall is detected, or the iteration cap is hit.
	ModeOrchestratorReflect GroupMode = "orchestrator-reflect"
)

// IsMultiAgent reports whether the mode implies an orchestrator/worker team.
func (m GroupMode) IsMultiAgent() bool {
	switch m {
	case ModeBroadcast, ModeSequential, ModeOrchestrator, ModeOrchestratorReflect:
		return true
	default:
		return false
	}
}

// SessionGroup is a named collection of sessions sharing a delegation mode.
// SharedContext is prepended to every worker prompt; RoutingContext is
// injected into the orchestrator's planning prompt.
type SessionGroup struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Mode           GroupMode `json:"mode"`
	SharedContext  string    `json:"shared_context,omitempty"`
	RoutingContext string    `json:"routing_context,omitempty"`
	// ReflectionState is the serialized cycle state for iterative modes,
	// opaque at this layer. Empty outside ModeOrchestratorReflect.
	ReflectionState []byte `json:"reflection_state,omitempty"`
}

// DefaultGroupID is where sessions without multi-agent markers land when
// their owning group record disappears.
const DefaultGroupID = "default"

// Membership binds one session to a group with the two durable multi-agent
// markers (role, preferred model). These markers let reconciliation recognize
// a team member even after its group record is lost.
type Membership struct {
	SessionName    string `json:"session_name"`
	GroupID        string `json:"group_id"`
	Role           Role   `json:"role"`
	PreferredModel string `json:"preferred_model,omitempty"`
	Specialization string `json:"specialization_text,omitempty"`
}

// HasMultiAgentMarkers reports whether the membership carries durable
// evidence of team participation: a non-default role or a preferred-model
// override.
func (m Membership) HasMultiAgentMarkers() bool {
	return m.Role == RoleOrchestrator || m.PreferredModel != ""
}
