package core

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies a concrete AgentEvent variant. The set is closed:
// every event arriving from an agent connection is decoded into exactly one
// of these kinds at the protocol boundary, never inspected dynamically
// downstream.
type EventKind string

// Wire event kinds emitted by an agent connection.
const (
	KindSessionAcknowledged EventKind = "session-acknowledged"
	KindTurnStarted         EventKind = "turn-start"
	KindContentDelta        EventKind = "content-delta"
	KindContentFull         EventKind = "content-full"
	KindToolStarted         EventKind = "tool-start"
	KindToolCompleted       EventKind = "tool-complete"
	KindToolProgress        EventKind = "tool-progress"
	KindIntentUpdate        EventKind = "intent-update"
	KindTurnEnded           EventKind = "turn-end"
	KindSessionIdle         EventKind = "session-idle"
	KindSessionError        EventKind = "session-error"
	KindUsageInfo           EventKind = "usage-info"
)

// AgentEvent is the tagged union of everything an agent connection can push
// at a session. Concrete variants implement the unexported marker so the set
// stays closed; consumers switch on the concrete type, not on string tags.
type AgentEvent interface {
	Kind() EventKind
	isAgentEvent()
}

// SessionAcknowledged confirms the connection accepted the prompt and bound
// it to a server-side session id.
type SessionAcknowledged struct {
	SessionID string
}

// TurnStarted signals the agent began generating a response.
type TurnStarted struct {
	MessageID string
}

// ContentDelta carries one streamed fragment of the assistant response.
type ContentDelta struct {
	MessageID string
	Text      string
}

// ContentFull carries a complete assistant message in one event. Connections
// that replay history after a resume deliver these; the pipeline drops
// duplicates by message id.
type ContentFull struct {
	MessageID string
	Text      string
}

// ToolStarted reports the agent began executing a tool.
type ToolStarted struct {
	CallID string
	Name   string
	Input  string
}

// ToolCompleted reports a tool finished, matched to its ToolStarted by CallID.
type ToolCompleted struct {
	CallID string
	Name   string
	Result string
	IsErr  bool
}

// ToolProgress is an incremental status line from a long-running tool.
type ToolProgress struct {
	CallID  string
	Message string
}

// IntentUpdate is a short free-text description of what the agent is doing.
type IntentUpdate struct {
	Intent string
}

// TurnEnded signals the agent finished generating the current message.
// The turn is not over until SessionIdle arrives; tool execution may follow.
type TurnEnded struct {
	MessageID string
}

// SessionIdle is the terminal success event for a turn.
type SessionIdle struct{}

// SessionError is the terminal failure event for a turn.
type SessionError struct {
	Message string
}

// UsageInfo reports token accounting for the turn so far. A provider may
// report input and output counts in separate events; zero fields mean
// "no report", not "zero tokens".
type UsageInfo struct {
	InputTokens  int64
	OutputTokens int64
}

func (SessionAcknowledged) Kind() EventKind { return KindSessionAcknowledged }
func (TurnStarted) Kind() EventKind         { return KindTurnStarted }
func (ContentDelta) Kind() EventKind        { return KindContentDelta }
func (ContentFull) Kind() EventKind         { return KindContentFull }
func (ToolStarted) Kind() EventKind         { return KindToolStarted }
func (ToolCompleted) Kind() EventKind       { return KindToolCompleted }
func (ToolProgress) Kind() EventKind        { return KindToolProgress }
func (IntentUpdate) Kind() EventKind        { return KindIntentUpdate }
func (TurnEnded) Kind() EventKind           { return KindTurnEnded }
func (SessionIdle) Kind() EventKind         { return KindSessionIdle }
func (SessionError) Kind() EventKind        { return KindSessionError }
func (UsageInfo) Kind() EventKind           { return KindUsageInfo }

func (SessionAcknowledged) isAgentEvent() {}
func (TurnStarted) isAgentEvent()         {}
func (ContentDelta) isAgentEvent()        {}
func (ContentFull) isAgentEvent()         {}
func (ToolStarted) isAgentEvent()         {}
func (ToolCompleted) isAgentEvent()       {}
func (ToolProgress) isAgentEvent()        {}
func (IntentUpdate) isAgentEvent()        {}
func (TurnEnded) isAgentEvent()           {}
func (SessionIdle) isAgentEvent()         {}
func (SessionError) isAgentEvent()        {}
func (UsageInfo) isAgentEvent()           {}

// IsTerminal reports whether the event ends the current turn.
func IsTerminal(ev AgentEvent) bool {
	switch ev.(type) {
	case SessionIdle, SessionError:
		return true
	default:
		return false
	}
}

// Activity is a session-scoped notification surfaced to observers (the
// bridge, the engine) whenever user-visible session state changes. Every
// processing-flag clear in the pipeline is paired with one of these.
type Activity struct {
	Session   string
	Kind      ActivityKind
	Detail    string
	Timestamp time.Time
}

// ActivityKind classifies a session activity notification.
type ActivityKind string

// Activity kinds emitted by the session pipeline.
const (
	ActivityTurnStarted  ActivityKind = "turn-started"
	ActivityContentDelta ActivityKind = "content-delta"
	ActivityToolRunning  ActivityKind = "tool-running"
	ActivityIntent       ActivityKind = "intent"
	ActivityTurnEnded    ActivityKind = "turn-ended"
	ActivityTurnFailed   ActivityKind = "turn-failed"
	ActivityTurnAborted  ActivityKind = "turn-aborted"
	ActivityQueueChanged ActivityKind = "queue-changed"
)

// NewActivity constructs a timestamped activity notification.
func NewActivity(session string, kind ActivityKind, detail string) Activity {
	return Activity{Session: session, Kind: kind, Detail: detail, Timestamp: time.Now().UTC()}
}

// NewID generates a new unique identifier for messages and groups.
func NewID() string { return uuid.NewString() }
