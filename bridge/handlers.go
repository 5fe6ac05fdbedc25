package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidnguyen-tech/polypilot/core"
	"github.com/davidnguyen-tech/polypilot/engine"
)

// handleCommand dispatches one client command. It runs on the client's read
// goroutine; anything long-lived (a turn, a reflection run) is handed off to
// the services, never awaited here.
func (s *Server) handleCommand(c *client, env Envelope) {
	switch env.Type {
	case CmdSendMessage:
		var p SendMessagePayload
		if err := env.DecodePayload(&p); err != nil {
			c.fail(env.Type, "", err)
			return
		}
		if _, err := s.sessions.Send(context.Background(), p.Session, p.Text); err != nil {
			c.fail(env.Type, p.Session, err)
			return
		}
		c.ack(env.Type, p.Session)

	case CmdCreateSession:
		var p CreateSessionPayload
		if err := env.DecodePayload(&p); err != nil {
			c.fail(env.Type, "", err)
			return
		}
		if _, err := s.sessions.Create(context.Background(), p.Name, p.Model, p.Specialization); err != nil {
			c.fail(env.Type, p.Name, err)
			return
		}
		c.ack(env.Type, p.Name)
		s.broadcast(TypeSessionsList, s.sessionsList())

	case CmdResumeSession:
		var p ResumeSessionPayload
		if err := env.DecodePayload(&p); err != nil {
			c.fail(env.Type, "", err)
			return
		}
		if _, err := s.sessions.Resume(context.Background(), p.Name, p.ConnectionID); err != nil {
			c.fail(env.Type, p.Name, err)
			return
		}
		c.ack(env.Type, p.Name)
		s.broadcast(TypeSessionsList, s.sessionsList())

	case CmdSwitchSession:
		var p SessionRefPayload
		if err := env.DecodePayload(&p); err != nil {
			c.fail(env.Type, "", err)
			return
		}
		sess, ok := s.sessions.Get(p.Name)
		if !ok {
			c.fail(env.Type, p.Name, fmt.Errorf("session not found: %s", p.Name))
			return
		}
		c.setActive(p.Name)
		c.enqueueTyped(TypeHistory, HistoryPayload{Session: p.Name, Messages: sess.History()})
		c.ack(env.Type, p.Name)

	case CmdQueueMessage:
		var p QueueMessagePayload
		if err := env.DecodePayload(&p); err != nil {
			c.fail(env.Type, "", err)
			return
		}
		if err := s.sessions.Queue(p.Session, p.Text); err != nil {
			c.fail(env.Type, p.Session, err)
			return
		}
		c.ack(env.Type, p.Session)

	case CmdCloseSession:
		var p SessionRefPayload
		if err := env.DecodePayload(&p); err != nil {
			c.fail(env.Type, "", err)
			return
		}
		if err := s.sessions.Close(p.Name); err != nil {
			c.fail(env.Type, p.Name, err)
			return
		}
		c.ack(env.Type, p.Name)
		s.broadcast(TypeSessionsList, s.sessionsList())

	case CmdAbortSession:
		var p SessionRefPayload
		if err := env.DecodePayload(&p); err != nil {
			c.fail(env.Type, "", err)
			return
		}
		if err := s.sessions.Abort(p.Name); err != nil {
			c.fail(env.Type, p.Name, err)
			return
		}
		c.ack(env.Type, p.Name)

	case CmdChangeModel:
		var p ChangeModelPayload
		if err := env.DecodePayload(&p); err != nil {
			c.fail(env.Type, "", err)
			return
		}
		if err := s.sessions.SetModel(p.Session, p.Model); err != nil {
			c.fail(env.Type, p.Session, err)
			return
		}
		// Keep the durable marker in step when the session is organized.
		if m, err := s.orgs.Store().GetMembership(p.Session); err == nil {
			m.PreferredModel = p.Model
			s.orgs.Store().SaveMembership(m)
		}
		c.ack(env.Type, p.Session)
		s.broadcast(TypeSessionsList, s.sessionsList())

	case CmdRenameSession:
		var p RenameSessionPayload
		if err := env.DecodePayload(&p); err != nil {
			c.fail(env.Type, "", err)
			return
		}
		if err := s.sessions.Rename(p.From, p.To); err != nil {
			c.fail(env.Type, p.From, err)
			return
		}
		if m, err := s.orgs.Store().GetMembership(p.From); err == nil {
			s.orgs.Store().DeleteMembership(p.From)
			m.SessionName = p.To
			s.orgs.Store().SaveMembership(m)
		}
		c.ack(env.Type, p.To)
		s.broadcast(TypeSessionsList, s.sessionsList())

	case CmdListSessions:
		c.enqueueTyped(TypeSessionsList, s.sessionsList())

	case CmdRequestHistory:
		var p SessionRefPayload
		if err := env.DecodePayload(&p); err != nil {
			c.fail(env.Type, "", err)
			return
		}
		sess, ok := s.sessions.Get(p.Name)
		if !ok {
			c.fail(env.Type, p.Name, fmt.Errorf("session not found: %s", p.Name))
			return
		}
		c.enqueueTyped(TypeHistory, HistoryPayload{Session: p.Name, Messages: sess.History()})

	case CmdOrganization:
		var p OrganizationCommandPayload
		if err := env.DecodePayload(&p); err != nil {
			c.fail(env.Type, "", err)
			return
		}
		if err := s.handleOrgCommand(c, p); err != nil {
			c.fail(env.Type, p.Session, err)
			return
		}
		c.ack(env.Type, p.Session)
		if state, err := s.orgState(); err == nil {
			s.broadcast(TypeOrgState, state)
		}

	default:
		c.fail(env.Type, "", fmt.Errorf("unknown command type: %s", env.Type))
	}
}

func (s *Server) handleOrgCommand(c *client, p OrganizationCommandPayload) error {
	switch p.Action {
	case OrgCreateGroup:
		id := p.GroupID
		if id == "" {
			id = core.NewID()
		}
		return s.orgs.Store().SaveGroup(core.SessionGroup{
			ID:   id,
			Name: p.Name,
			Mode: core.GroupMode(p.Mode),
		})

	case OrgDeleteGroup:
		return s.orgs.DeleteGroup(p.GroupID)

	case OrgSetRole:
		return s.orgs.Store().SaveMembership(core.Membership{
			SessionName:    p.Session,
			GroupID:        p.GroupID,
			Role:           core.Role(p.Role),
			PreferredModel: p.Model,
			Specialization: p.Text,
		})

	case OrgBroadcast:
		members, err := s.orgs.Store().ListMembers(p.GroupID)
		if err != nil {
			return err
		}
		for _, m := range members {
			if _, err := s.sessions.Send(context.Background(), m.SessionName, p.Text); err != nil {
				c.fail(CmdOrganization, m.SessionName, err)
			}
		}
		return nil

	case OrgStartReflection:
		return s.startReflection(p)

	case OrgStopReflection:
		return s.engine.Stop(p.GroupID)

	default:
		return fmt.Errorf("unknown organization action: %s", p.Action)
	}
}

// startReflection assembles an engine request from the persisted group and
// launches it in the background.
func (s *Server) startReflection(p OrganizationCommandPayload) error {
	group, err := s.orgs.Store().GetGroup(p.GroupID)
	if err != nil {
		return err
	}
	members, err := s.orgs.Store().ListMembers(p.GroupID)
	if err != nil {
		return err
	}

	var orchestrator string
	var workers []core.Membership
	for _, m := range members {
		if m.Role == core.RoleOrchestrator {
			orchestrator = m.SessionName
		} else {
			workers = append(workers, m)
		}
	}
	if orchestrator == "" {
		return errors.New("group has no orchestrator member")
	}

	return s.engine.Start(context.Background(), engine.Request{
		Group:        &group,
		Goal:         p.Goal,
		Orchestrator: orchestrator,
		Workers:      workers,
		Resume:       len(group.ReflectionState) > 0 && p.Text == "resume",
	})
}
