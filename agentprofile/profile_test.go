package agentprofile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_MasterInvariants(t *testing.T) {
	m := Profile{ID: "m1", AgentType: TypeMaster, HierarchyPath: "/m1"}
	assert.NoError(t, m.Validate())

	bad := Profile{ID: "m1", AgentType: TypeMaster, ParentID: "x"}
	assert.Error(t, bad.Validate())
}

func TestValidate_SubInvariants(t *testing.T) {
	s := Profile{ID: "s1", AgentType: TypeSub, ParentID: "m1", HierarchyLevel: 1}
	assert.NoError(t, s.Validate())

	bad := Profile{ID: "s1", AgentType: TypeSub}
	assert.Error(t, bad.Validate())
}

func TestEffectiveAutonomy_CappedByParent(t *testing.T) {
	parent := &Profile{Children: ChildPolicy{ChildrenAutonomyCap: AutonomySemiAutonomous}}
	assert.Equal(t, AutonomySemiAutonomous, EffectiveAutonomy(AutonomyAutonomous, parent))
	assert.Equal(t, AutonomySupervised, EffectiveAutonomy(AutonomySupervised, parent))
}

func TestEffectiveAutonomy_NoParent(t *testing.T) {
	assert.Equal(t, AutonomyAutonomous, EffectiveAutonomy(AutonomyAutonomous, nil))
}

func TestIsRunnable(t *testing.T) {
	assert.True(t, Profile{Status: StatusActive}.IsRunnable())
	assert.False(t, Profile{Status: StatusDeleted}.IsRunnable())
	assert.False(t, Profile{Status: StatusPaused}.IsRunnable())
}

func TestMemoryStore_ListByPathPrefix(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, Profile{ID: "m1", HierarchyPath: "/m1", Status: StatusActive}))
	require.NoError(t, store.Upsert(ctx, Profile{ID: "s1", HierarchyPath: "/m1/s1", Status: StatusActive}))
	require.NoError(t, store.Upsert(ctx, Profile{ID: "m2", HierarchyPath: "/m2", Status: StatusActive}))

	descendants, err := store.ListByPathPrefix(ctx, "/m1")
	require.NoError(t, err)
	assert.Len(t, descendants, 2)
}

func TestMemoryStore_ListChildrenExcludesDeleted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, Profile{ID: "s1", ParentID: "m1", Status: StatusActive}))
	require.NoError(t, store.Upsert(ctx, Profile{ID: "s2", ParentID: "m1", Status: StatusDeleted}))

	children, err := store.ListChildren(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "s1", children[0].ID)
}
