package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/core/agent/policy"
	"github.com/agentforge/core/agent/run"
	"github.com/agentforge/core/catalog"
)

func newTestCatalogue() *catalog.Catalogue {
	c := catalog.NewCatalogue()
	_ = c.Register(catalog.Entry{ToolID: "searchWeb", Category: catalog.CategoryObservation})
	_ = c.Register(catalog.Entry{ToolID: "sendWhatsApp", Category: catalog.CategoryCommunicationOutbnd, IsSideEffect: true})
	_ = c.Register(catalog.Entry{ToolID: "orchestrate", Category: catalog.CategorySubagentManage})
	return c
}

func TestCanExecute_UnknownToolAllowed(t *testing.T) {
	m := New(newTestCatalogue(), nil, nil)
	d, err := m.CanExecute(context.Background(), "a1", "someUnregisteredTool", 1)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, d)
}

func TestCanExecute_MatrixGating(t *testing.T) {
	m := New(newTestCatalogue(), nil, nil)
	d, err := m.CanExecute(context.Background(), "a1", "sendWhatsApp", 1)
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, d, "level 1 is below both min_level and approval_level for outbound comms")

	d, err = m.CanExecute(context.Background(), "a1", "sendWhatsApp", 3)
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, d)

	d, err = m.CanExecute(context.Background(), "a1", "sendWhatsApp", 5)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, d)
}

func TestCanExecute_OverridePrecedence(t *testing.T) {
	m := New(newTestCatalogue(), nil, func(ctx context.Context, agentID string) (map[string]Override, error) {
		return map[string]Override{"sendWhatsApp": {Mode: "enable"}}, nil
	})
	d, err := m.CanExecute(context.Background(), "a1", "sendWhatsApp", 1)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, d, "override must win over the matrix")
}

func TestAutonomyLevel_Mapping(t *testing.T) {
	assert.Equal(t, 1, AutonomyLevel("supervised"))
	assert.Equal(t, 3, AutonomyLevel("semi-autonomous"))
	assert.Equal(t, 5, AutonomyLevel("autonomous"))
	assert.Equal(t, 5, AutonomyLevel("full"))
}

func TestDecide_StripsOrchestrationToolsAtDepth(t *testing.T) {
	m := New(newTestCatalogue(), nil, nil)
	input := policy.Input{
		RunContext: run.Context{Labels: map[string]string{
			"agent_id":            "sub-1",
			"autonomy_level":      "5",
			"_orchestrationDepth": "1",
		}},
		Tools: []policy.ToolMetadata{{ID: "searchWeb"}, {ID: "orchestrate"}},
	}
	decision, err := m.Decide(context.Background(), input)
	require.NoError(t, err)

	var ids []string
	for _, h := range decision.AllowedTools {
		ids = append(ids, h.ID)
	}
	assert.Contains(t, ids, "searchWeb")
	assert.NotContains(t, ids, "orchestrate", "recursion defense: orchestrate must be absent at depth >= 1")
}

func TestDecide_NoDepthAllowsOrchestrate(t *testing.T) {
	m := New(newTestCatalogue(), nil, nil)
	input := policy.Input{
		RunContext: run.Context{Labels: map[string]string{
			"agent_id":       "master",
			"autonomy_level": "5",
		}},
		Tools: []policy.ToolMetadata{{ID: "orchestrate"}},
	}
	decision, err := m.Decide(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, decision.AllowedTools, 1)
	assert.Equal(t, "orchestrate", decision.AllowedTools[0].ID)
}

func TestOverrideCache_InvalidateOnWrite(t *testing.T) {
	calls := 0
	m := New(newTestCatalogue(), nil, func(ctx context.Context, agentID string) (map[string]Override, error) {
		calls++
		return map[string]Override{}, nil
	})
	_, _ = m.CanExecute(context.Background(), "a1", "sendWhatsApp", 1)
	_, _ = m.CanExecute(context.Background(), "a1", "sendWhatsApp", 1)
	assert.Equal(t, 1, calls, "second call within TTL must hit the cache")

	m.InvalidateOverrides("a1")
	_, _ = m.CanExecute(context.Background(), "a1", "sendWhatsApp", 1)
	assert.Equal(t, 2, calls, "invalidated cache must reload on next call")
}
