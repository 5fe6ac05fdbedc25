package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/davidnguyen-tech/polypilot/core"
)

// ProtocolVersion is bumped on breaking wire changes. Additive payload fields
// are not breaking: decoders ignore unknown fields and treat absent fields as
// absent, never as errors.
const ProtocolVersion = 1

// Envelope is the single frame shape on the wire.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Server to client message types.
const (
	TypeWelcome      = "welcome"
	TypeSessionsList = "sessions_list"
	TypeHistory      = "history"
	TypeContentDelta = "content_delta"
	TypeToolActivity = "tool_activity"
	TypeTurnStarted  = "turn_started"
	TypeTurnEnded    = "turn_ended"
	TypeTurnFailed   = "turn_failed"
	TypeIntentUpdate = "intent_update"
	TypeUsageInfo    = "usage_info"
	TypeOrgState     = "organization_state"
	TypeAck          = "ack"
	TypeErrorNotice  = "error_notice"
)

// Client to server command types.
const (
	CmdSendMessage    = "send_message"
	CmdCreateSession  = "create_session"
	CmdResumeSession  = "resume_session"
	CmdSwitchSession  = "switch_session"
	CmdQueueMessage   = "queue_message"
	CmdCloseSession   = "close_session"
	CmdAbortSession   = "abort_session"
	CmdOrganization   = "organization_command"
	CmdChangeModel    = "change_model"
	CmdRenameSession  = "rename_session"
	CmdListSessions   = "list_sessions"
	CmdRequestHistory = "request_history"
)

// Organization command actions carried by CmdOrganization.
const (
	OrgCreateGroup     = "create-group"
	OrgDeleteGroup     = "delete-group"
	OrgSetRole         = "set-role"
	OrgBroadcast       = "broadcast"
	OrgStartReflection = "start-reflection"
	OrgStopReflection  = "stop-reflection"
)

// WelcomePayload greets a new client with the protocol version.
type WelcomePayload struct {
	Version int `json:"version"`
}

// SessionSummary is one roster entry in a sessions_list push.
type SessionSummary struct {
	Name           string `json:"name"`
	Role           string `json:"role"`
	Model          string `json:"model,omitempty"`
	Specialization string `json:"specialization,omitempty"`
	ConnectionID   string `json:"connection_id,omitempty"`
	Processing     bool   `json:"processing"`
	QueueLen       int    `json:"queue_len"`
}

// SessionsListPayload pushes the full roster.
type SessionsListPayload struct {
	Sessions []SessionSummary `json:"sessions"`
}

// HistoryPayload pushes one session's full message history.
type HistoryPayload struct {
	Session  string         `json:"session"`
	Messages []core.Message `json:"messages"`
}

// ContentDeltaPayload is one streamed response fragment.
type ContentDeltaPayload struct {
	Session string `json:"session"`
	Text    string `json:"text"`
}

// ToolActivityPayload reports a running tool.
type ToolActivityPayload struct {
	Session string `json:"session"`
	Detail  string `json:"detail,omitempty"`
}

// TurnPayload marks a turn boundary; Error is set on turn_failed only.
type TurnPayload struct {
	Session string `json:"session"`
	Error   string `json:"error,omitempty"`
	Aborted bool   `json:"aborted,omitempty"`
}

// IntentPayload carries the agent's current stated intent.
type IntentPayload struct {
	Session string `json:"session"`
	Intent  string `json:"intent"`
}

// UsagePayload reports token usage for a session.
type UsagePayload struct {
	Session      string `json:"session"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// OrgStatePayload pushes the persisted organization.
type OrgStatePayload struct {
	Groups      []core.SessionGroup `json:"groups"`
	Memberships []core.Membership   `json:"memberships"`
}

// AckPayload confirms a processed command.
type AckPayload struct {
	Command string `json:"command"`
	Session string `json:"session,omitempty"`
}

// ErrorNoticePayload reports a failed command or session error.
type ErrorNoticePayload struct {
	Command string `json:"command,omitempty"`
	Session string `json:"session,omitempty"`
	Message string `json:"message"`
}

// SendMessagePayload asks for a prompt to be sent on a session.
type SendMessagePayload struct {
	Session string `json:"session"`
	Text    string `json:"text"`
}

// CreateSessionPayload creates and connects a new session.
type CreateSessionPayload struct {
	Name           string `json:"name"`
	Model          string `json:"model,omitempty"`
	Specialization string `json:"specialization,omitempty"`
}

// ResumeSessionPayload reattaches a session to its durable connection.
type ResumeSessionPayload struct {
	Name         string `json:"name"`
	ConnectionID string `json:"connection_id"`
}

// SessionRefPayload names a session for switch/close/abort/history commands.
type SessionRefPayload struct {
	Name string `json:"name"`
}

// QueueMessagePayload enqueues a prompt behind the in-flight turn.
type QueueMessagePayload struct {
	Session string `json:"session"`
	Text    string `json:"text"`
}

// ChangeModelPayload switches the preferred model for a session.
type ChangeModelPayload struct {
	Session string `json:"session"`
	Model   string `json:"model"`
}

// RenameSessionPayload renames a session.
type RenameSessionPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// OrganizationCommandPayload is the multiplexed organization command. Fields
// beyond Action are populated per action.
type OrganizationCommandPayload struct {
	Action  string `json:"action"`
	GroupID string `json:"group_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Session string `json:"session,omitempty"`
	Role    string `json:"role,omitempty"`
	Model   string `json:"model,omitempty"`
	Goal    string `json:"goal,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Encode marshals a typed payload into an envelope frame.
func Encode(msgType string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", msgType, err)
	}
	return data, nil
}

// Decode parses one frame into an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v. An absent or null
// payload leaves v at its zero value; unknown fields are ignored.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
