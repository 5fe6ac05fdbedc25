package testutil

import (
	"github.com/davidnguyen-tech/polypilot/core"
)

// GroupBuilder helps construct session groups with fluent chaining for tests.
// Example:
//
//	g := NewGroupBuilder("g1").Mode(core.ModeOrchestratorReflect).Build()
type GroupBuilder struct {
	group core.SessionGroup
}

// NewGroupBuilder creates a builder for a group with the given id. The name
// defaults to the id and the mode to ModeNone.
func NewGroupBuilder(id string) *GroupBuilder {
	return &GroupBuilder{group: core.SessionGroup{ID: id, Name: id, Mode: core.ModeNone}}
}

// Name overrides the display name (chainable).
func (b *GroupBuilder) Name(name string) *GroupBuilder {
	b.group.Name = name
	return b
}

// Mode sets the group mode (chainable).
func (b *GroupBuilder) Mode(mode core.GroupMode) *GroupBuilder {
	b.group.Mode = mode
	return b
}

// SharedContext sets the shared context text (chainable).
func (b *GroupBuilder) SharedContext(text string) *GroupBuilder {
	b.group.SharedContext = text
	return b
}

// ReflectionState sets the serialized cycle state (chainable).
func (b *GroupBuilder) ReflectionState(state []byte) *GroupBuilder {
	b.group.ReflectionState = state
	return b
}

// Build returns the constructed group.
func (b *GroupBuilder) Build() core.SessionGroup { return b.group }

// BuildPtr returns the constructed group as a pointer, convenient for
// engine requests.
func (b *GroupBuilder) BuildPtr() *core.SessionGroup {
	g := b.group
	return &g
}

// MembershipBuilder helps construct memberships with fluent chaining.
// Example:
//
//	m := NewMembershipBuilder("alpha", "g1").Role(core.RoleOrchestrator).Build()
type MembershipBuilder struct {
	m core.Membership
}

// NewMembershipBuilder creates a builder binding a session to a group with
// worker role and no markers.
func NewMembershipBuilder(sessionName, groupID string) *MembershipBuilder {
	return &MembershipBuilder{m: core.Membership{
		SessionName: sessionName,
		GroupID:     groupID,
		Role:        core.RoleWorker,
	}}
}

// Role sets the member role (chainable).
func (b *MembershipBuilder) Role(role core.Role) *MembershipBuilder {
	b.m.Role = role
	return b
}

// PreferredModel sets the durable model marker (chainable).
func (b *MembershipBuilder) PreferredModel(model string) *MembershipBuilder {
	b.m.PreferredModel = model
	return b
}

// Specialization sets the member specialization (chainable).
func (b *MembershipBuilder) Specialization(s string) *MembershipBuilder {
	b.m.Specialization = s
	return b
}

// Build returns the constructed membership.
func (b *MembershipBuilder) Build() core.Membership { return b.m }
