package core

import (
	"sync"
	"time"
)

// Role identifies a session's function within a multi-agent group.
type Role string

// Session roles. RoleWorker is the default for standalone sessions.
const (
	RoleWorker       Role = "worker"
	RoleOrchestrator Role = "orchestrator"
)

// MessageKind classifies one history entry.
type MessageKind string

// History entry kinds.
const (
	MessageUser      MessageKind = "user"
	MessageAssistant MessageKind = "assistant"
	MessageTool      MessageKind = "tool"
)

// Message is one ordered history entry. Tool entries carry the call id so a
// ToolCompleted event can be matched back to its ToolStarted record.
type Message struct {
	ID        string      `json:"id"`
	Kind      MessageKind `json:"kind"`
	Text      string      `json:"text"`
	ToolName  string      `json:"tool_name,omitempty"`
	ToolCall  string      `json:"tool_call,omitempty"`
	ToolError bool        `json:"tool_error,omitempty"`
	Pending   bool        `json:"pending,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Session is a logical named conversation bound to one external agent
// connection. It is safe for concurrent access: every mutation of history,
// queue, buffer or flags happens under the session mutex regardless of which
// goroutine initiates it.
//
// Contract:
//   - Name is the unique registry key; ConnectionID is the durable id used
//     to resume the underlying connection after a disconnect.
//   - Epoch is bumped each time the connection is replaced; event callbacks
//     capture the epoch at wiring time and drop events from older epochs.
//   - At most one turn is in flight at a time (Processing); callers wanting
//     queuing use the explicit prompt queue.
type Session struct {
	Name           string
	Role           Role
	Model          string
	Specialization string
	ConnectionID   string
	Created        time.Time
	Updated        time.Time

	mu              sync.Mutex
	history         []Message
	queue           []string
	processing      bool
	buffer          []string
	deltasSeen      bool
	lastFinalizedID string
	epoch           uint64
}

// NewSession creates a session with worker role and no specialization.
func NewSession(name string) *Session {
	now := time.Now().UTC()
	return &Session{Name: name, Role: RoleWorker, Created: now, Updated: now}
}

// Epoch returns the current connection generation.
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// BumpEpoch advances the connection generation and returns the new value.
// Call before wiring a replacement connection's event callback.
func (s *Session) BumpEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	return s.epoch
}

// Processing reports whether a turn is currently in flight.
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// BeginTurn atomically checks-and-sets the processing flag and resets the
// per-turn accumulation state. It returns false if a turn is already in
// flight.
func (s *Session) BeginTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return false
	}
	s.processing = true
	s.buffer = s.buffer[:0]
	s.deltasSeen = false
	s.Updated = time.Now().UTC()
	return true
}

// EndTurn clears the processing flag and returns the accumulated response.
func (s *Session) EndTurn() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = false
	s.Updated = time.Now().UTC()
	return joinBuffer(s.buffer)
}

// AppendDelta adds one streamed fragment to the response buffer and marks
// that deltas were received this turn.
func (s *Session) AppendDelta(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, text)
	s.deltasSeen = true
}

// AcceptFull reports whether a full-message event should be accepted:
// only when no deltas arrived this turn and the message id differs from the
// last finalized one (duplicate delivery on resumed connections). When
// accepted the text replaces the buffer contents.
func (s *Session) AcceptFull(messageID, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deltasSeen || (messageID != "" && messageID == s.lastFinalizedID) {
		return false
	}
	s.buffer = append(s.buffer[:0], text)
	return true
}

// Finalize records the id of the message just completed for dedup on resume.
func (s *Session) Finalize(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if messageID != "" {
		s.lastFinalizedID = messageID
	}
}

// LastFinalizedID returns the id of the most recently finalized message.
func (s *Session) LastFinalizedID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFinalizedID
}

// ResponseText returns the accumulated-but-not-finalized response buffer.
func (s *Session) ResponseText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return joinBuffer(s.buffer)
}

// AddMessage appends a history entry updating the session timestamp.
func (s *Session) AddMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	s.history = append(s.history, m)
	s.Updated = time.Now().UTC()
}

// CompleteToolMessage marks the pending tool entry matching callID as done,
// attaching the result. Returns false if no pending entry matches.
func (s *Session) CompleteToolMessage(callID, result string, isErr bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		m := &s.history[i]
		if m.Kind == MessageTool && m.ToolCall == callID && m.Pending {
			m.Pending = false
			m.Text = result
			m.ToolError = isErr
			s.Updated = time.Now().UTC()
			return true
		}
	}
	return false
}

// History returns a defensive copy of the ordered message history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// EnqueuePrompt appends a prompt to the pending queue.
func (s *Session) EnqueuePrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, prompt)
}

// DequeuePrompt pops the oldest queued prompt, if any.
func (s *Session) DequeuePrompt() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	return p, true
}

// QueueLen returns the number of prompts waiting.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func joinBuffer(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	b := make([]byte, 0, n)
	for _, p := range parts {
		b = append(b, p...)
	}
	return string(b)
}
