package selfheal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/core/permission"
)

// MemoryHistory is an in-memory ExecutionHistory, used by tests and as the
// demo entrypoint's default when no durable execution log is configured.
type MemoryHistory struct {
	mu      sync.Mutex
	records map[string][]ExecutionRecord
}

// NewMemoryHistory constructs an empty MemoryHistory.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{records: make(map[string][]ExecutionRecord)}
}

// Record appends one execution outcome for agentID.
func (h *MemoryHistory) Record(agentID string, rec ExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[agentID] = append(h.records[agentID], rec)
}

func (h *MemoryHistory) Recent(_ context.Context, agentID string, since time.Time) ([]ExecutionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []ExecutionRecord
	for _, r := range h.records[agentID] {
		if r.ExecutedAt.After(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// MemoryStore is an in-memory Store for healing Instances.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]Instance
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]Instance)}
}

func (s *MemoryStore) Save(_ context.Context, i Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[i.ID] = i
	return nil
}

// NoopNotifier satisfies Notifier without delivering anything, minting a
// synthetic notification id so callers can still thread one through.
type NoopNotifier struct{}

func (NoopNotifier) NotifyCritical(_ context.Context, _, _ string) (string, error) {
	return uuid.NewString(), nil
}

// MemoryApprovals is an in-memory ApprovalQueue.
type MemoryApprovals struct {
	mu    sync.Mutex
	fixes map[string]ProposedFix
}

// NewMemoryApprovals constructs an empty MemoryApprovals.
func NewMemoryApprovals() *MemoryApprovals {
	return &MemoryApprovals{fixes: make(map[string]ProposedFix)}
}

func (a *MemoryApprovals) Enqueue(_ context.Context, _ string, fix ProposedFix) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := uuid.NewString()
	a.fixes[id] = fix
	return id, nil
}

// MemoryOverridesStore is an in-memory per-agent override map, suitable as
// the backing store behind a permission.Matrix's loadOverrides callback and
// as the PermissionOverrides seam a tool_config fix writes through.
type MemoryOverridesStore struct {
	mu        sync.Mutex
	overrides map[string]map[string]permission.Override
	matrix    *permission.Matrix
}

// NewMemoryOverridesStore constructs an empty MemoryOverridesStore. Call
// Bind once the permission.Matrix it backs has been constructed, so
// SetOverride can invalidate the Matrix's cache on write.
func NewMemoryOverridesStore() *MemoryOverridesStore {
	return &MemoryOverridesStore{overrides: make(map[string]map[string]permission.Override)}
}

// Bind wires the permission.Matrix this store backs, so writes can
// invalidate its override cache.
func (s *MemoryOverridesStore) Bind(m *permission.Matrix) { s.matrix = m }

// Load implements the loadOverrides signature permission.New expects.
func (s *MemoryOverridesStore) Load(_ context.Context, agentID string) (map[string]permission.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overrides[agentID], nil
}

// SetOverride implements PermissionOverrides.
func (s *MemoryOverridesStore) SetOverride(_ context.Context, agentID, toolID string, ov permission.Override) error {
	s.mu.Lock()
	byTool, ok := s.overrides[agentID]
	if !ok {
		byTool = make(map[string]permission.Override)
		s.overrides[agentID] = byTool
	}
	byTool[toolID] = ov
	matrix := s.matrix
	s.mu.Unlock()
	if matrix != nil {
		matrix.InvalidateOverrides(agentID)
	}
	return nil
}
