package session

import (
	"context"
	"errors"
	"time"

	"github.com/davidnguyen-tech/polypilot/core"
)

// dispatch is the entry point for every inbound connection event. It runs on
// the connection-owned goroutine. Events carrying a stale epoch are dropped
// entirely, not just at terminal events, so stale deltas can never corrupt
// the live session's buffer.
func (s *Service) dispatch(name string, epoch uint64, ev core.AgentEvent) {
	e, ok := s.entry(name)
	if !ok {
		s.logger.Debug("event for unknown session dropped", "session", name, "kind", string(ev.Kind()))
		return
	}
	if e.session.Epoch() != epoch {
		s.logger.Debug("stale event dropped", "session", name, "kind", string(ev.Kind()), "epoch", epoch)
		return
	}
	s.handle(e, name, ev)
}

func (s *Service) handle(e *entry, name string, ev core.AgentEvent) {
	e.mu.Lock()
	t := e.turn
	if t != nil {
		t.lastEvent = time.Now()
	}
	e.mu.Unlock()

	switch v := ev.(type) {
	case core.SessionAcknowledged:
		e.mu.Lock()
		if v.SessionID != "" {
			e.session.ConnectionID = v.SessionID
		}
		e.mu.Unlock()

	case core.TurnStarted:
		e.mu.Lock()
		if t != nil && v.MessageID != "" {
			t.lastMessageID = v.MessageID
		}
		e.mu.Unlock()

	case core.ContentDelta:
		if t == nil {
			return
		}
		e.session.AppendDelta(v.Text)
		e.mu.Lock()
		if v.MessageID != "" {
			t.lastMessageID = v.MessageID
		}
		e.mu.Unlock()
		s.notify(core.NewActivity(name, core.ActivityContentDelta, v.Text))

	case core.ContentFull:
		s.handleContentFull(e, t, v)

	case core.ToolStarted:
		s.handleToolStarted(e, name, t, v)

	case core.ToolCompleted:
		s.handleToolCompleted(e, name, t, v)

	case core.ToolProgress:
		if t == nil {
			return
		}
		e.mu.Lock()
		toolName, tracked := t.activeTools[v.CallID]
		e.mu.Unlock()
		if tracked && !s.isDenied(toolName) {
			s.notify(core.NewActivity(name, core.ActivityToolRunning, v.Message))
		}

	case core.IntentUpdate:
		s.notify(core.NewActivity(name, core.ActivityIntent, v.Intent))

	case core.TurnEnded:
		e.mu.Lock()
		if t != nil && v.MessageID != "" {
			t.lastMessageID = v.MessageID
		}
		e.mu.Unlock()

	case core.SessionIdle:
		s.finishTurn(e, name)

	case core.SessionError:
		s.failTurn(e, errors.New(v.Message))

	case core.UsageInfo:
		e.mu.Lock()
		if v.InputTokens > 0 {
			e.usage.InputTokens = v.InputTokens
		}
		if v.OutputTokens > 0 {
			e.usage.OutputTokens = v.OutputTokens
		}
		e.mu.Unlock()
	}
}

// handleContentFull accepts a full-message event only when no deltas were
// received this turn and the message id differs from the last finalized one.
// Outside a turn it is a history replay from a resumed connection.
func (s *Service) handleContentFull(e *entry, t *turn, v core.ContentFull) {
	if t == nil {
		if v.MessageID != "" && v.MessageID == e.session.LastFinalizedID() {
			return
		}
		e.session.AddMessage(core.Message{ID: v.MessageID, Kind: core.MessageAssistant, Text: v.Text})
		e.session.Finalize(v.MessageID)
		return
	}

	if e.session.AcceptFull(v.MessageID, v.Text) {
		e.mu.Lock()
		if v.MessageID != "" {
			t.lastMessageID = v.MessageID
		}
		e.mu.Unlock()
	}
}

func (s *Service) handleToolStarted(e *entry, name string, t *turn, v core.ToolStarted) {
	if t == nil {
		return
	}
	e.mu.Lock()
	t.activeTools[v.CallID] = v.Name
	t.toolsUsed = true
	e.mu.Unlock()

	if s.isDenied(v.Name) {
		return
	}
	e.session.AddMessage(core.Message{
		Kind:     core.MessageTool,
		ToolName: v.Name,
		ToolCall: v.CallID,
		Text:     v.Input,
		Pending:  true,
	})
	s.notify(core.NewActivity(name, core.ActivityToolRunning, v.Name))
}

func (s *Service) handleToolCompleted(e *entry, name string, t *turn, v core.ToolCompleted) {
	if t == nil {
		return
	}
	e.mu.Lock()
	toolName, tracked := t.activeTools[v.CallID]
	delete(t.activeTools, v.CallID)
	e.mu.Unlock()

	if tracked && s.isDenied(toolName) {
		return
	}
	if !e.session.CompleteToolMessage(v.CallID, v.Result, v.IsErr) {
		s.logger.Debug("tool completion without matching start", "session", name, "call_id", v.CallID)
	}
}

// finishTurn finalizes a successful turn. Ordering is load-bearing: the
// processing flag is cleared (EndTurn) and the turn-end notification emitted
// before the future resolves, because the engine inspects the processing
// flag inside the future's continuation.
func (s *Service) finishTurn(e *entry, name string) {
	e.mu.Lock()
	t := e.turn
	e.turn = nil
	e.mu.Unlock()

	if t == nil {
		return
	}

	text := e.session.EndTurn()
	e.session.Finalize(t.lastMessageID)
	e.session.AddMessage(core.Message{ID: t.lastMessageID, Kind: core.MessageAssistant, Text: text})
	s.notify(core.NewActivity(name, core.ActivityTurnEnded, ""))
	s.logger.Debug("turn completed", "session", name, "duration", time.Since(t.startedAt).String())

	t.future.resolve(text)

	// Dispatch the next queued prompt off the event goroutine.
	if prompt, ok := e.session.DequeuePrompt(); ok {
		go func() {
			if _, err := s.Send(context.Background(), name, prompt); err != nil {
				s.logger.Warn("queued prompt dispatch failed", "session", name, "error", err.Error())
			}
		}()
	}
}

func (s *Service) isDenied(tool string) bool {
	_, ok := s.denied[tool]
	return ok
}
