package org

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/davidnguyen-tech/polypilot/core"
	"github.com/davidnguyen-tech/polypilot/internal/testutil"
)

type recordingCloser struct {
	mu     sync.Mutex
	closed []string
}

func (c *recordingCloser) Close(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, name)
	return nil
}

func TestReconcile_Rules(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store, nil)

	// A live multi-agent group with members.
	assert.NoError(t, store.SaveGroup(testutil.NewGroupBuilder("team").Mode(core.ModeOrchestratorReflect).Build()))
	assert.NoError(t, store.SaveMembership(testutil.NewMembershipBuilder("lead", "team").Role(core.RoleOrchestrator).Build()))
	assert.NoError(t, store.SaveMembership(testutil.NewMembershipBuilder("alpha", "team").Build()))

	// Orphans: one with durable team markers, one plain.
	assert.NoError(t, store.SaveMembership(testutil.NewMembershipBuilder("marked", "gone").PreferredModel("model-b").Build()))
	assert.NoError(t, store.SaveMembership(testutil.NewMembershipBuilder("plain", "gone").Build()))

	changed, err := svc.Reconcile()
	assert.NoError(t, err)
	assert.Equal(t, 1, changed)

	// Live group members untouched.
	m, err := store.GetMembership("lead")
	assert.NoError(t, err)
	assert.Equal(t, "team", m.GroupID)

	// Marked orphan keeps its dangling group id.
	m, err = store.GetMembership("marked")
	assert.NoError(t, err)
	assert.Equal(t, "gone", m.GroupID)

	// Unmarked orphan lands in the default group.
	m, err = store.GetMembership("plain")
	assert.NoError(t, err)
	assert.Equal(t, core.DefaultGroupID, m.GroupID)

	// The default group now exists.
	g, err := store.GetGroup(core.DefaultGroupID)
	assert.NoError(t, err)
	assert.False(t, g.Mode.IsMultiAgent())
}

func TestReconcile_Idempotent(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store, nil)

	assert.NoError(t, store.SaveMembership(testutil.NewMembershipBuilder("plain", "gone").Build()))
	assert.NoError(t, store.SaveMembership(testutil.NewMembershipBuilder("marked", "gone").Role(core.RoleOrchestrator).Build()))

	changed, err := svc.Reconcile()
	assert.NoError(t, err)
	assert.Equal(t, 1, changed)

	changed, err = svc.Reconcile()
	assert.NoError(t, err)
	assert.Equal(t, 0, changed, "second run must produce no further changes")
}

func TestDeleteGroup_MultiAgentClosesMembers(t *testing.T) {
	store := openTestStore(t)
	closer := &recordingCloser{}
	svc := NewService(store, closer)

	assert.NoError(t, store.SaveGroup(core.SessionGroup{ID: "team", Name: "team", Mode: core.ModeOrchestrator}))
	assert.NoError(t, store.SaveMembership(testutil.NewMembershipBuilder("lead", "team").Role(core.RoleOrchestrator).Build()))
	assert.NoError(t, store.SaveMembership(testutil.NewMembershipBuilder("alpha", "team").Build()))

	assert.NoError(t, svc.DeleteGroup("team"))

	assert.ElementsMatch(t, []string{"lead", "alpha"}, closer.closed)
	all, err := store.ListMemberships()
	assert.NoError(t, err)
	assert.Empty(t, all)
	_, err = store.GetGroup("team")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestDeleteGroup_PlainGroupRelocatesMembers(t *testing.T) {
	store := openTestStore(t)
	closer := &recordingCloser{}
	svc := NewService(store, closer)

	assert.NoError(t, store.SaveGroup(core.SessionGroup{ID: "bucket", Name: "bucket", Mode: core.ModeNone}))
	assert.NoError(t, store.SaveMembership(core.Membership{SessionName: "alpha", GroupID: "bucket", Role: core.RoleWorker}))

	assert.NoError(t, svc.DeleteGroup("bucket"))

	assert.Empty(t, closer.closed, "plain group deletion must not close sessions")
	m, err := store.GetMembership("alpha")
	assert.NoError(t, err)
	assert.Equal(t, core.DefaultGroupID, m.GroupID)
}

func TestDeleteGroup_NotFound(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store, nil)
	assert.ErrorIs(t, svc.DeleteGroup("missing"), ErrGroupNotFound)
}
