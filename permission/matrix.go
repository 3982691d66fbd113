// Package permission implements the Tool-Permission Matrix (spec §4.7): an
// autonomy-gated tool filter with per-agent overrides, exposed as an
// agent/policy.Engine so the Agent Runtime can drive it through the
// teacher's policy hook on every turn.
package permission

import (
	"context"
	"sync"
	"time"

	"github.com/agentforge/core/agent/policy"
	"github.com/agentforge/core/catalog"
)

// Decision is the outcome of canExecute.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionDeny    Decision = "deny"
	DecisionApprove Decision = "approval"
)

// Override is a per-agent, per-tool override entry.
type Override struct {
	Mode string // "enable" | "disable" | "require_approval"
}

// OverrideCacheTTL is the per-agent override cache lifetime (spec §4.7:
// "TTL 60 s, invalidated on write").
const OverrideCacheTTL = 60 * time.Second

// AutonomyLevel maps the spec's named autonomy tiers to their numeric
// level, per spec §4.7 ("supervised <-> 1, low <-> 2, semi-autonomous <-> 3,
// high <-> 4, autonomous/full <-> 5").
func AutonomyLevel(name string) int {
	switch name {
	case "supervised":
		return 1
	case "low":
		return 2
	case "semi-autonomous":
		return 3
	case "high":
		return 4
	case "autonomous", "full":
		return 5
	default:
		return 0
	}
}

// OrchestrationTools are stripped from the candidate list whenever
// _orchestrationDepth >= 1, per spec §4.8 step 4 / §4.9 recursion defense
// layer 2.
var OrchestrationTools = map[string]bool{
	"orchestrate":      true,
	"createSpecialist": true,
}

type overrideCacheEntry struct {
	overrides map[string]Override
	expiresAt time.Time
}

// Matrix is the Tool-Permission Matrix. It implements policy.Engine so the
// Agent Runtime can invoke it directly on every planner turn.
type Matrix struct {
	catalogue *catalog.Catalogue
	matrix    map[catalog.Category]catalog.MatrixEntry

	// loadOverrides fetches the current per-agent overrides from durable
	// storage (the Hierarchy Service / Agent Profile store). Returning
	// (nil, nil) means no overrides configured.
	loadOverrides func(ctx context.Context, agentID string) (map[string]Override, error)

	mu    sync.Mutex
	cache map[string]overrideCacheEntry
}

// New constructs a Matrix. matrixEntries defaults to
// catalog.DefaultMatrix() when nil.
func New(
	catalogue *catalog.Catalogue,
	matrixEntries map[catalog.Category]catalog.MatrixEntry,
	loadOverrides func(ctx context.Context, agentID string) (map[string]Override, error),
) *Matrix {
	if matrixEntries == nil {
		matrixEntries = catalog.DefaultMatrix()
	}
	return &Matrix{
		catalogue:     catalogue,
		matrix:        matrixEntries,
		loadOverrides: loadOverrides,
		cache:         make(map[string]overrideCacheEntry),
	}
}

// InvalidateOverrides evicts the cached overrides for agentID, e.g. after
// SetOverride/RemoveOverride writes.
func (m *Matrix) InvalidateOverrides(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, agentID)
}

func (m *Matrix) overridesFor(ctx context.Context, agentID string) (map[string]Override, error) {
	m.mu.Lock()
	entry, ok := m.cache[agentID]
	m.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.overrides, nil
	}

	var overrides map[string]Override
	var err error
	if m.loadOverrides != nil {
		overrides, err = m.loadOverrides(ctx, agentID)
		if err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.cache[agentID] = overrideCacheEntry{overrides: overrides, expiresAt: time.Now().Add(OverrideCacheTTL)}
	m.mu.Unlock()
	return overrides, nil
}

// CanExecute implements the decision procedure of spec §4.7:
// 1. per-agent overrides, if present, decide outright.
// 2. unknown tool -> allow, no approval.
// 3. matrix entry: level >= min_level -> allow; level >= approval_level -> approval; else deny.
func (m *Matrix) CanExecute(ctx context.Context, agentID, toolID string, autonomyLevel int) (Decision, error) {
	overrides, err := m.overridesFor(ctx, agentID)
	if err != nil {
		return DecisionDeny, err
	}
	if ov, ok := overrides[toolID]; ok {
		switch ov.Mode {
		case "enable":
			return DecisionAllow, nil
		case "disable":
			return DecisionDeny, nil
		case "require_approval":
			return DecisionApprove, nil
		}
	}

	entry := m.catalogue.Lookup(toolID)
	if entry.Category == "" {
		return DecisionAllow, nil
	}
	matrixEntry, ok := m.matrix[entry.Category]
	if !ok {
		return DecisionAllow, nil
	}
	if autonomyLevel >= matrixEntry.MinLevel {
		return DecisionAllow, nil
	}
	if matrixEntry.ApprovalLevel > 0 && autonomyLevel >= matrixEntry.ApprovalLevel {
		return DecisionApprove, nil
	}
	return DecisionDeny, nil
}

// GetToolPermissions evaluates CanExecute for every tool in allTools,
// returning the per-tool decision map (backs the
// get_tool_permissions(agent, autonomy, all_tools) external interface).
func (m *Matrix) GetToolPermissions(ctx context.Context, agentID string, autonomyLevel int, allTools []string) (map[string]Decision, error) {
	out := make(map[string]Decision, len(allTools))
	for _, toolID := range allTools {
		d, err := m.CanExecute(ctx, agentID, toolID, autonomyLevel)
		if err != nil {
			return nil, err
		}
		out[toolID] = d
	}
	return out, nil
}

// Decide implements policy.Engine, wiring the Tool-Permission Matrix into
// the teacher's runtime as a drop-in policy engine. Labels on the
// run.Context are expected to carry "agent_id", "autonomy_level" (numeric
// string), and "_orchestrationDepth" (numeric string, optional) -- set by
// the Agent Runtime before each turn.
func (m *Matrix) Decide(ctx context.Context, input policy.Input) (policy.Decision, error) {
	agentID := input.RunContext.Labels["agent_id"]
	autonomyLevel := atoiDefault(input.RunContext.Labels["autonomy_level"], 1)
	orchestrationDepth := atoiDefault(input.RunContext.Labels["_orchestrationDepth"], 0)

	var allowed []policy.ToolHandle
	metadata := map[string]any{}
	for _, tool := range input.Tools {
		if orchestrationDepth >= 1 && OrchestrationTools[tool.ID] {
			continue // recursion defense layer 2 (spec §4.8 step 4, §4.9)
		}
		decision, err := m.CanExecute(ctx, agentID, tool.ID, autonomyLevel)
		if err != nil {
			return policy.Decision{}, err
		}
		switch decision {
		case DecisionAllow:
			allowed = append(allowed, policy.ToolHandle{ID: tool.ID})
		case DecisionApprove:
			metadata["approval_required:"+tool.ID] = true
		}
	}

	return policy.Decision{
		AllowedTools: allowed,
		Caps:         input.RemainingCaps,
		Metadata:     metadata,
	}, nil
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}
