package hierarchy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/core/agentprofile"
)

func master(id string, children agentprofile.ChildPolicy) agentprofile.Profile {
	return agentprofile.Profile{
		ID:            id,
		AgentType:     agentprofile.TypeMaster,
		HierarchyPath: "/" + id,
		AutonomyLevel: agentprofile.AutonomyAutonomous,
		Children:      children,
		Status:        agentprofile.StatusActive,
	}
}

func TestCreateSubAgent_ComputesLevelAndPath(t *testing.T) {
	store := agentprofile.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), master("m1", agentprofile.ChildPolicy{CanCreateChildren: true, MaxChildren: 5, ChildrenAutonomyCap: agentprofile.AutonomySemiAutonomous})))
	svc := New(store)

	child, err := svc.CreateSubAgent(context.Background(), "m1", NewSubAgent{Name: "worker", AutonomyLevel: agentprofile.AutonomyAutonomous})
	require.NoError(t, err)
	assert.Equal(t, 1, child.HierarchyLevel)
	assert.Equal(t, "/m1/"+child.ID, child.HierarchyPath)
	assert.Equal(t, agentprofile.AutonomySemiAutonomous, child.AutonomyLevel, "autonomy must be capped at the parent's children_autonomy_cap")
}

func TestCreateSubAgent_RefusesWhenCannotCreateChildren(t *testing.T) {
	store := agentprofile.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), master("m1", agentprofile.ChildPolicy{CanCreateChildren: false})))
	svc := New(store)

	_, err := svc.CreateSubAgent(context.Background(), "m1", NewSubAgent{Name: "worker"})
	assert.Error(t, err)
}

func TestCreateSubAgent_RefusesAtMaxChildren(t *testing.T) {
	store := agentprofile.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), master("m1", agentprofile.ChildPolicy{CanCreateChildren: true, MaxChildren: 1})))
	svc := New(store)

	_, err := svc.CreateSubAgent(context.Background(), "m1", NewSubAgent{Name: "first"})
	require.NoError(t, err)
	_, err = svc.CreateSubAgent(context.Background(), "m1", NewSubAgent{Name: "second"})
	assert.Error(t, err)
}

func TestCreateSubAgent_RefusesPastMaxHierarchyDepth(t *testing.T) {
	store := agentprofile.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), master("m1", agentprofile.ChildPolicy{CanCreateChildren: true, MaxChildren: 5, MaxHierarchyDepth: 1})))
	svc := New(store)

	child, err := svc.CreateSubAgent(context.Background(), "m1", NewSubAgent{Name: "child", Children: agentprofile.ChildPolicy{CanCreateChildren: true, MaxChildren: 5, MaxHierarchyDepth: 1}})
	require.NoError(t, err)

	_, err = svc.CreateSubAgent(context.Background(), child.ID, NewSubAgent{Name: "grandchild"})
	assert.Error(t, err)
}

func TestCreateSubAgent_ClampsMaxHierarchyDepthToParents(t *testing.T) {
	store := agentprofile.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), master("m1", agentprofile.ChildPolicy{CanCreateChildren: true, MaxChildren: 5, MaxHierarchyDepth: 2})))
	svc := New(store)

	child, err := svc.CreateSubAgent(context.Background(), "m1", NewSubAgent{
		Name:     "child",
		Children: agentprofile.ChildPolicy{CanCreateChildren: true, MaxChildren: 5, MaxHierarchyDepth: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, child.Children.MaxHierarchyDepth, "child's max_hierarchy_depth must not exceed its parent's")
}

func TestCreateSubAgent_UnsetMaxHierarchyDepthInheritsParents(t *testing.T) {
	store := agentprofile.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), master("m1", agentprofile.ChildPolicy{CanCreateChildren: true, MaxChildren: 5, MaxHierarchyDepth: 3})))
	svc := New(store)

	child, err := svc.CreateSubAgent(context.Background(), "m1", NewSubAgent{
		Name:     "child",
		Children: agentprofile.ChildPolicy{CanCreateChildren: true, MaxChildren: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, child.Children.MaxHierarchyDepth)
}

func TestDetachFromParent_PromotesAndRewritesDescendants(t *testing.T) {
	store := agentprofile.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, master("m1", agentprofile.ChildPolicy{CanCreateChildren: true, MaxChildren: 5})))
	svc := New(store)

	child, err := svc.CreateSubAgent(ctx, "m1", NewSubAgent{Name: "child", Children: agentprofile.ChildPolicy{CanCreateChildren: true, MaxChildren: 5}})
	require.NoError(t, err)
	grandchild, err := svc.CreateSubAgent(ctx, child.ID, NewSubAgent{Name: "grandchild"})
	require.NoError(t, err)

	require.NoError(t, svc.DetachFromParent(ctx, child.ID))

	updatedChild, _, err := store.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, agentprofile.TypeMaster, updatedChild.AgentType)
	assert.Equal(t, "", updatedChild.ParentID)
	assert.Equal(t, 0, updatedChild.HierarchyLevel)
	assert.Equal(t, "/"+child.ID, updatedChild.HierarchyPath)

	updatedGrandchild, _, err := store.Get(ctx, grandchild.ID)
	require.NoError(t, err)
	assert.Equal(t, "/"+child.ID+"/"+grandchild.ID, updatedGrandchild.HierarchyPath)
	assert.Equal(t, 1, updatedGrandchild.HierarchyLevel)
}

func TestDetachFromParent_IsIdempotent(t *testing.T) {
	store := agentprofile.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, master("m1", agentprofile.ChildPolicy{CanCreateChildren: true, MaxChildren: 5})))
	svc := New(store)
	child, err := svc.CreateSubAgent(ctx, "m1", NewSubAgent{Name: "child"})
	require.NoError(t, err)

	require.NoError(t, svc.DetachFromParent(ctx, child.ID))
	require.NoError(t, svc.DetachFromParent(ctx, child.ID))

	updated, _, err := store.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, "/"+child.ID, updated.HierarchyPath)
}

func TestGetHierarchy_WalksToRootAndComposesTree(t *testing.T) {
	store := agentprofile.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, master("m1", agentprofile.ChildPolicy{CanCreateChildren: true, MaxChildren: 5})))
	svc := New(store)
	child, err := svc.CreateSubAgent(ctx, "m1", NewSubAgent{Name: "child", Children: agentprofile.ChildPolicy{CanCreateChildren: true, MaxChildren: 5}})
	require.NoError(t, err)
	grandchild, err := svc.CreateSubAgent(ctx, child.ID, NewSubAgent{Name: "grandchild"})
	require.NoError(t, err)

	tree, err := svc.GetHierarchy(ctx, grandchild.ID)
	require.NoError(t, err)
	assert.Equal(t, "m1", tree.Root.ID)
	assert.ElementsMatch(t, []string{child.ID}, idsOf(tree.Children["m1"]))
	assert.ElementsMatch(t, []string{grandchild.ID}, idsOf(tree.Children[child.ID]))
}

func idsOf(profiles []agentprofile.Profile) []string {
	out := make([]string, len(profiles))
	for i, p := range profiles {
		out[i] = p.ID
	}
	return out
}
