package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSession_TurnLifecycle(t *testing.T) {
	s := NewSession("alpha")

	assert.True(t, s.BeginTurn())
	assert.False(t, s.BeginTurn(), "a busy session must reject a second turn")
	assert.True(t, s.Processing())

	s.AppendDelta("part one ")
	s.AppendDelta("part two")

	text := s.EndTurn()
	assert.Equal(t, "part one part two", text)
	assert.False(t, s.Processing())

	// The buffer resets on the next turn.
	assert.True(t, s.BeginTurn())
	assert.Equal(t, "", s.EndTurn())
}

func TestSession_AcceptFullSemantics(t *testing.T) {
	s := NewSession("alpha")

	s.BeginTurn()
	assert.True(t, s.AcceptFull("m1", "full text"))
	assert.Equal(t, "full text", s.EndTurn())
	s.Finalize("m1")

	// Same id again is a replay and must be rejected.
	s.BeginTurn()
	assert.False(t, s.AcceptFull("m1", "full text"))
	assert.True(t, s.AcceptFull("m2", "newer text"))
	s.EndTurn()

	// Once deltas arrive, full messages lose.
	s.BeginTurn()
	s.AppendDelta("streamed")
	assert.False(t, s.AcceptFull("m3", "late full"))
	assert.Equal(t, "streamed", s.EndTurn())
}

func TestSession_PromptQueueFIFO(t *testing.T) {
	s := NewSession("alpha")

	s.EnqueuePrompt("first")
	s.EnqueuePrompt("second")
	assert.Equal(t, 2, s.QueueLen())

	p, ok := s.DequeuePrompt()
	assert.True(t, ok)
	assert.Equal(t, "first", p)

	p, ok = s.DequeuePrompt()
	assert.True(t, ok)
	assert.Equal(t, "second", p)

	_, ok = s.DequeuePrompt()
	assert.False(t, ok)
}

func TestSession_ToolMessageCompletion(t *testing.T) {
	s := NewSession("alpha")

	s.AddMessage(Message{Kind: MessageTool, ToolCall: "t1", ToolName: "shell", Pending: true})
	assert.True(t, s.CompleteToolMessage("t1", "exit 0", false))
	assert.False(t, s.CompleteToolMessage("t1", "again", false), "already completed")
	assert.False(t, s.CompleteToolMessage("t9", "x", false), "unknown call id")

	h := s.History()
	assert.Len(t, h, 1)
	assert.Equal(t, "exit 0", h[0].Text)
	assert.False(t, h[0].Pending)
}

func TestSession_HistoryIsCopy(t *testing.T) {
	s := NewSession("alpha")
	s.AddMessage(Message{Kind: MessageUser, Text: "original"})

	h := s.History()
	h[0].Text = "mutated"
	assert.Equal(t, "original", s.History()[0].Text)
}

func TestMembership_MultiAgentMarkers(t *testing.T) {
	tests := []struct {
		name string
		m    Membership
		want bool
	}{
		{"plain worker", Membership{SessionName: "w1", Role: RoleWorker}, false},
		{"orchestrator role", Membership{SessionName: "lead", Role: RoleOrchestrator}, true},
		{"preferred model set", Membership{SessionName: "w2", Role: RoleWorker, PreferredModel: "model-b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.m.HasMultiAgentMarkers())
		})
	}
}

func TestGroupMode_IsMultiAgent(t *testing.T) {
	assert.False(t, GroupMode("").IsMultiAgent())
	assert.True(t, ModeBroadcast.IsMultiAgent())
	assert.True(t, ModeOrchestrator.IsMultiAgent())
	assert.True(t, ModeOrchestratorReflect.IsMultiAgent())
}

func TestEvent_IsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(SessionIdle{}))
	assert.True(t, IsTerminal(SessionError{Message: "boom"}))
	assert.False(t, IsTerminal(ContentDelta{Text: "x"}))
	assert.False(t, IsTerminal(TurnEnded{MessageID: "m1"}))
}
