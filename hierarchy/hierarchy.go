// Package hierarchy implements the Hierarchy Service (spec §4.12): CRUD
// over Agent Profiles enforcing the master/sub-agent inheritance and
// ownership rules from spec §3.
package hierarchy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/agentforge/core/agentprofile"
	"github.com/agentforge/core/coreerr"
)

// DefaultMaxHierarchyDepth bounds createSubAgent when a parent's
// ChildPolicy.MaxHierarchyDepth is unset.
const DefaultMaxHierarchyDepth = 5

// Service is the Hierarchy Service.
type Service struct {
	profiles agentprofile.Store
	newID    func() string
}

// New constructs a Service.
func New(profiles agentprofile.Store) *Service {
	return &Service{profiles: profiles, newID: uuid.NewString}
}

// NewSubAgent is the caller-supplied data for CreateSubAgent; every field
// the parent does not own (id/type/parent/level/path/autonomy cap) is
// computed.
type NewSubAgent struct {
	Name                string
	Role                string
	Model               agentprofile.ModelRouting
	AutonomyLevel       agentprofile.Autonomy
	RequireApprovalFor  map[string]bool
	Children            agentprofile.ChildPolicy
	Budget              agentprofile.Budgets
	Heartbeat           agentprofile.HeartbeatConfig
	CreatedByType       agentprofile.CreatedByType
	CreatedByAgenticID  string
}

// CreateSubAgent creates a sub-agent under parentID (spec §4.12). It
// computes hierarchy_level and hierarchy_path from the parent, caps
// autonomy at the parent's children_autonomy_cap, and refuses creation
// past the parent's max children or max hierarchy depth.
func (s *Service) CreateSubAgent(ctx context.Context, parentID string, data NewSubAgent) (agentprofile.Profile, error) {
	parent, ok, err := s.profiles.Get(ctx, parentID)
	if err != nil {
		return agentprofile.Profile{}, coreerr.Wrap(coreerr.CodePersistence, "hierarchy: load parent", err)
	}
	if !ok {
		return agentprofile.Profile{}, coreerr.New(coreerr.CodeInvalidInput, fmt.Sprintf("hierarchy: parent %q not found", parentID))
	}
	if !parent.Children.CanCreateChildren {
		return agentprofile.Profile{}, coreerr.New(coreerr.CodePolicyViolation, fmt.Sprintf("hierarchy: agent %q cannot create children", parentID))
	}

	maxDepth := parent.Children.MaxHierarchyDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxHierarchyDepth
	}
	if parent.HierarchyLevel+1 > maxDepth {
		return agentprofile.Profile{}, coreerr.New(coreerr.CodePolicyViolation, fmt.Sprintf("hierarchy: max hierarchy depth %d reached", maxDepth))
	}

	if parent.Children.MaxChildren > 0 {
		existing, err := s.profiles.ListChildren(ctx, parentID)
		if err != nil {
			return agentprofile.Profile{}, coreerr.Wrap(coreerr.CodePersistence, "hierarchy: list children", err)
		}
		if len(existing) >= parent.Children.MaxChildren {
			return agentprofile.Profile{}, coreerr.New(coreerr.CodePolicyViolation, fmt.Sprintf("hierarchy: parent %q already has max_children=%d", parentID, parent.Children.MaxChildren))
		}
	}

	// A sub-agent's own max_hierarchy_depth can never exceed its parent's
	// (spec §3), else a grandchild could out-deepen the ancestor that
	// bounded it. Clamp to the parent's effective depth; an unset request
	// inherits it outright.
	childChildren := data.Children
	if childChildren.MaxHierarchyDepth <= 0 || childChildren.MaxHierarchyDepth > maxDepth {
		childChildren.MaxHierarchyDepth = maxDepth
	}

	id := s.newID()
	child := agentprofile.Profile{
		ID:                 id,
		UserID:             parent.UserID,
		Name:               data.Name,
		Role:               data.Role,
		AgentType:          agentprofile.TypeSub,
		ParentID:           parentID,
		HierarchyLevel:     parent.HierarchyLevel + 1,
		HierarchyPath:      parent.HierarchyPath + "/" + id,
		CreatedByType:      data.CreatedByType,
		CreatedByAgenticID: data.CreatedByAgenticID,
		Model:              data.Model,
		AutonomyLevel:      agentprofile.EffectiveAutonomy(data.AutonomyLevel, &parent),
		RequireApprovalFor: data.RequireApprovalFor,
		Children:           childChildren,
		Budget:             data.Budget,
		Heartbeat:          data.Heartbeat,
		Status:             agentprofile.StatusActive,
	}
	if err := child.Validate(); err != nil {
		return agentprofile.Profile{}, coreerr.Wrap(coreerr.CodeInvalidInput, "hierarchy: invalid sub-agent", err)
	}
	if err := s.profiles.Upsert(ctx, child); err != nil {
		return agentprofile.Profile{}, coreerr.Wrap(coreerr.CodePersistence, "hierarchy: save sub-agent", err)
	}
	return child, nil
}

// DetachFromParent promotes id to a master: agent_type := master,
// parent_id := "", level := 0, path := /id, then rewrites the path and level
// of every descendant listed under id's former path prefix (spec §4.12),
// shallowest path first: each new path is /id plus the descendant's old path
// with the former prefix removed. A failure mid-way returns the error and
// leaves a partially rewritten tree. A replay on the same id does not finish
// the rewrite: id's former prefix is no longer stored, so descendants not yet
// rewritten are not found.
func (s *Service) DetachFromParent(ctx context.Context, id string) error {
	p, ok, err := s.profiles.Get(ctx, id)
	if err != nil {
		return coreerr.Wrap(coreerr.CodePersistence, "hierarchy: load agent", err)
	}
	if !ok {
		return coreerr.New(coreerr.CodeInvalidInput, fmt.Sprintf("hierarchy: agent %q not found", id))
	}

	oldPrefix := p.HierarchyPath
	p.AgentType = agentprofile.TypeMaster
	p.ParentID = ""
	p.HierarchyLevel = 0
	p.HierarchyPath = "/" + id
	if err := s.profiles.Upsert(ctx, p); err != nil {
		return coreerr.Wrap(coreerr.CodePersistence, "hierarchy: detach", err)
	}

	descendants, err := s.profiles.ListByPathPrefix(ctx, oldPrefix+"/")
	if err != nil {
		return coreerr.Wrap(coreerr.CodePersistence, "hierarchy: list descendants", err)
	}
	sort.Slice(descendants, func(i, j int) bool {
		return len(descendants[i].HierarchyPath) < len(descendants[j].HierarchyPath)
	})
	for _, d := range descendants {
		suffix := strings.TrimPrefix(d.HierarchyPath, oldPrefix)
		d.HierarchyPath = p.HierarchyPath + suffix
		d.HierarchyLevel = strings.Count(d.HierarchyPath, "/") - 1
		if err := s.profiles.Upsert(ctx, d); err != nil {
			return coreerr.Wrap(coreerr.CodePersistence, fmt.Sprintf("hierarchy: rewrite descendant %q", d.ID), err)
		}
	}
	return nil
}

// Tree is the composed hierarchy returned by GetHierarchy: a root master
// plus every live descendant, organized by parent id.
type Tree struct {
	Root     agentprofile.Profile
	Children map[string][]agentprofile.Profile // parent_id -> direct children
}

// Flatten returns every profile in the tree: the root first, then each
// parent's direct children as one group. The order of the groups follows map
// iteration and is not defined.
func (t Tree) Flatten() []agentprofile.Profile {
	out := []agentprofile.Profile{t.Root}
	for _, kids := range t.Children {
		out = append(out, kids...)
	}
	return out
}

// GetHierarchy walks id's path prefix up to its root master, then loads
// every live descendant of that root and composes the tree by parent_id
// (spec §4.12).
func (s *Service) GetHierarchy(ctx context.Context, id string) (Tree, error) {
	p, ok, err := s.profiles.Get(ctx, id)
	if err != nil {
		return Tree{}, coreerr.Wrap(coreerr.CodePersistence, "hierarchy: load agent", err)
	}
	if !ok {
		return Tree{}, coreerr.New(coreerr.CodeInvalidInput, fmt.Sprintf("hierarchy: agent %q not found", id))
	}

	rootID := p.ID
	if p.HierarchyPath != "" {
		segments := strings.Split(strings.TrimPrefix(p.HierarchyPath, "/"), "/")
		if len(segments) > 0 && segments[0] != "" {
			rootID = segments[0]
		}
	}
	root, ok, err := s.profiles.Get(ctx, rootID)
	if err != nil {
		return Tree{}, coreerr.Wrap(coreerr.CodePersistence, "hierarchy: load root", err)
	}
	if !ok {
		return Tree{}, coreerr.New(coreerr.CodeInvalidInput, fmt.Sprintf("hierarchy: root %q not found", rootID))
	}

	descendants, err := s.profiles.ListByPathPrefix(ctx, root.HierarchyPath+"/")
	if err != nil {
		return Tree{}, coreerr.Wrap(coreerr.CodePersistence, "hierarchy: list descendants", err)
	}

	byParent := make(map[string][]agentprofile.Profile)
	for _, d := range descendants {
		byParent[d.ParentID] = append(byParent[d.ParentID], d)
	}
	return Tree{Root: root, Children: byParent}, nil
}
