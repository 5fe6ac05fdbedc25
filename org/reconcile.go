package org

import (
	"fmt"

	"github.com/davidnguyen-tech/polypilot/core"
	"github.com/davidnguyen-tech/polypilot/logging"
)

// SessionCloser shuts down one session by name when its multi-agent group is
// deleted. *session.Service satisfies it.
type SessionCloser interface {
	Close(name string) error
}

// Options configures a Service.
type Options struct {
	// Logger provides structured logging. Defaults to NoOp if nil.
	Logger logging.Logger
}

// Service applies organization semantics on top of the store: reconciliation
// after load or bulk restore, and the member handling rules around group
// deletion.
type Service struct {
	store  *Store
	closer SessionCloser
	logger logging.Logger
}

// NewService creates the organization service. closer may be nil when no
// session teardown is needed (e.g. offline reconciliation).
func NewService(store *Store, closer SessionCloser, optFns ...func(o *Options)) *Service {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Service{store: store, closer: closer, logger: opts.Logger}
}

// Store exposes the underlying store for direct reads.
func (s *Service) Store() *Store { return s.store }

// EnsureDefaultGroup creates the default holding group if missing.
func (s *Service) EnsureDefaultGroup() error {
	if _, err := s.store.GetGroup(core.DefaultGroupID); err == nil {
		return nil
	}
	return s.store.SaveGroup(core.SessionGroup{
		ID:   core.DefaultGroupID,
		Name: "Default",
		Mode: core.ModeNone,
	})
}

// Reconcile re-derives consistent membership from persisted state and returns
// how many memberships changed. Rules:
//   - a member of a group that still exists is never reassigned;
//   - an orphan carrying multi-agent markers is left alone, the markers are
//     the only durable signal it was part of a team;
//   - an unmarked orphan moves to the default group.
//
// Running it twice in a row produces no changes on the second run.
func (s *Service) Reconcile() (int, error) {
	if err := s.EnsureDefaultGroup(); err != nil {
		return 0, fmt.Errorf("ensure default group: %w", err)
	}

	groups, err := s.store.ListGroups()
	if err != nil {
		return 0, err
	}
	known := make(map[string]core.SessionGroup, len(groups))
	for _, g := range groups {
		known[g.ID] = g
	}

	memberships, err := s.store.ListMemberships()
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, m := range memberships {
		if _, ok := known[m.GroupID]; ok {
			continue
		}
		if m.HasMultiAgentMarkers() {
			s.logger.Debug("leaving marked orphan alone",
				"session", m.SessionName, "group", m.GroupID)
			continue
		}
		m.GroupID = core.DefaultGroupID
		if err := s.store.SaveMembership(m); err != nil {
			return changed, err
		}
		s.logger.Info("reassigned orphaned session to default group", "session", m.SessionName)
		changed++
	}
	return changed, nil
}

// DeleteGroup removes a group and applies member handling: deleting a
// multi-agent group closes and removes every member; deleting any other group
// relocates members to the default group.
func (s *Service) DeleteGroup(groupID string) error {
	g, err := s.store.GetGroup(groupID)
	if err != nil {
		return err
	}

	members, err := s.store.ListMembers(groupID)
	if err != nil {
		return err
	}

	if g.Mode.IsMultiAgent() {
		for _, m := range members {
			if s.closer != nil {
				if err := s.closer.Close(m.SessionName); err != nil {
					s.logger.Warn("close member session",
						"session", m.SessionName, "error", err.Error())
				}
			}
			if err := s.store.DeleteMembership(m.SessionName); err != nil {
				return err
			}
		}
	} else {
		if err := s.EnsureDefaultGroup(); err != nil {
			return err
		}
		for _, m := range members {
			m.GroupID = core.DefaultGroupID
			if err := s.store.SaveMembership(m); err != nil {
				return err
			}
		}
	}

	return s.store.DeleteGroup(groupID)
}
