package org

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/davidnguyen-tech/polypilot/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "org.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_GroupRoundTrip(t *testing.T) {
	store := openTestStore(t)

	g := core.SessionGroup{
		ID:             "g1",
		Name:           "backend team",
		Mode:           core.ModeOrchestratorReflect,
		SharedContext:  "monorepo, Go services",
		RoutingContext: "alpha owns the API layer",
	}
	assert.NoError(t, store.SaveGroup(g))

	got, err := store.GetGroup("g1")
	assert.NoError(t, err)
	assert.Equal(t, g, got)

	// Upsert updates in place.
	g.Name = "renamed team"
	assert.NoError(t, store.SaveGroup(g))
	got, err = store.GetGroup("g1")
	assert.NoError(t, err)
	assert.Equal(t, "renamed team", got.Name)

	list, err := store.ListGroups()
	assert.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStore_GetGroupNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetGroup("missing")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestStore_ReflectionState(t *testing.T) {
	store := openTestStore(t)

	assert.ErrorIs(t, store.SaveReflectionState("missing", []byte("{}")), ErrGroupNotFound)

	assert.NoError(t, store.SaveGroup(core.SessionGroup{ID: "g1", Name: "team", Mode: core.ModeOrchestratorReflect}))
	state := []byte(`{"current_iteration":2}`)
	assert.NoError(t, store.SaveReflectionState("g1", state))

	got, err := store.GetGroup("g1")
	assert.NoError(t, err)
	assert.Equal(t, state, got.ReflectionState)
}

func TestStore_MembershipRoundTrip(t *testing.T) {
	store := openTestStore(t)

	m := core.Membership{
		SessionName:    "alpha",
		GroupID:        "g1",
		Role:           core.RoleOrchestrator,
		PreferredModel: "model-b",
		Specialization: "planning",
	}
	assert.NoError(t, store.SaveMembership(m))
	assert.NoError(t, store.SaveMembership(core.Membership{SessionName: "beta", GroupID: "g1", Role: core.RoleWorker}))
	assert.NoError(t, store.SaveMembership(core.Membership{SessionName: "gamma", GroupID: "g2", Role: core.RoleWorker}))

	got, err := store.GetMembership("alpha")
	assert.NoError(t, err)
	assert.Equal(t, m, got)

	members, err := store.ListMembers("g1")
	assert.NoError(t, err)
	assert.Len(t, members, 2)

	all, err := store.ListMemberships()
	assert.NoError(t, err)
	assert.Len(t, all, 3)

	assert.NoError(t, store.DeleteMembership("beta"))
	members, err = store.ListMembers("g1")
	assert.NoError(t, err)
	assert.Len(t, members, 1)

	_, err = store.GetMembership("beta")
	assert.ErrorIs(t, err, ErrMembershipNotFound)
}
