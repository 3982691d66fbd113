package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/core/agent/memory"
	"github.com/agentforge/core/agent/model"
	"github.com/agentforge/core/agent/run"
	runinmem "github.com/agentforge/core/agent/run/inmem"
	"github.com/agentforge/core/agentprofile"
	"github.com/agentforge/core/auditlog"
	"github.com/agentforge/core/catalog"
	"github.com/agentforge/core/checkpoint"
	"github.com/agentforge/core/concurrency"
	"github.com/agentforge/core/idempotency"
	"github.com/agentforge/core/permission"
	"github.com/agentforge/core/recovery"
)

// scriptedClient replays a fixed sequence of responses, one per Complete call.
type scriptedClient struct {
	responses []*model.Response
	calls     int
}

func (c *scriptedClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	if c.calls >= len(c.responses) {
		return c.responses[len(c.responses)-1], nil
	}
	r := c.responses[c.calls]
	c.calls++
	return r, nil
}

func (c *scriptedClient) Stream(_ context.Context, _ *model.Request) (model.Streamer, error) {
	return nil, nil
}

func newTestRuntime(t *testing.T, profile agentprofile.Profile, client model.Client, exec ToolExecutor) *Runtime {
	t.Helper()
	profiles := agentprofile.NewMemoryStore()
	require.NoError(t, profiles.Upsert(context.Background(), profile))

	c := catalog.NewCatalogue()
	require.NoError(t, c.Register(catalog.Entry{ToolID: "searchWeb", Category: catalog.CategoryObservation}))

	m := permission.New(c, nil, nil)
	cps := checkpoint.NewService(checkpoint.NewMemoryStore())
	rec := recovery.New(idempotency.NewService(idempotency.NewCache()), func(ctx context.Context, toolID string, params map[string]any) (any, error) {
		return exec(ctx, profile.ID, toolID, params)
	})
	guard := concurrency.New(3)

	return New(Deps{
		Profiles:    profiles,
		Catalogue:   c,
		Permissions: m,
		Checkpoints: cps,
		Recoveries:  rec,
		Guard:       guard,
		Model:       client,
	})
}

func activeProfile(id string) agentprofile.Profile {
	return agentprofile.Profile{
		ID:            id,
		AgentType:     agentprofile.TypeMaster,
		HierarchyPath: "/" + id,
		Status:        agentprofile.StatusActive,
		AutonomyLevel: agentprofile.AutonomyAutonomous,
		Model:         agentprofile.ModelRouting{SystemPrompt: "you are a helpful agent"},
	}
}

func TestRun_RejectsDeletedProfile(t *testing.T) {
	p := activeProfile("a1")
	p.Status = agentprofile.StatusDeleted
	rt := newTestRuntime(t, p, &scriptedClient{}, func(ctx context.Context, agentID, toolID string, params map[string]any) (any, error) {
		return nil, nil
	})
	_, err := rt.Run(context.Background(), Input{AgentID: "a1", Trigger: "test"})
	require.Error(t, err)
}

func TestRun_DoneTerminatesWithSummary(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{{Name: "done"}}, Content: []model.Message{{Parts: []model.Part{model.TextPart{Text: "all set"}}}}},
	}}
	rt := newTestRuntime(t, activeProfile("a1"), client, func(ctx context.Context, agentID, toolID string, params map[string]any) (any, error) {
		return nil, nil
	})
	out, err := rt.Run(context.Background(), Input{AgentID: "a1", Trigger: "test"})
	require.NoError(t, err)
	assert.Equal(t, "all set", out.FinalThought)
	assert.Equal(t, 1, out.Iterations)
}

func TestRun_ExecutesToolThenDone(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{"query": "weather"})
	client := &scriptedClient{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{{Name: "searchWeb", Payload: payload}}},
		{ToolCalls: []model.ToolCall{{Name: "done"}}, Content: []model.Message{{Parts: []model.Part{model.TextPart{Text: "found it"}}}}},
	}}
	var gotParams map[string]any
	rt := newTestRuntime(t, activeProfile("a1"), client, func(ctx context.Context, agentID, toolID string, params map[string]any) (any, error) {
		gotParams = params
		return "42 degrees", nil
	})
	out, err := rt.Run(context.Background(), Input{AgentID: "a1", Trigger: "test"})
	require.NoError(t, err)
	assert.Equal(t, "found it", out.FinalThought)
	assert.Equal(t, 1, out.ToolCalls)
	require.Len(t, out.Actions, 1)
	assert.Equal(t, "searchWeb", out.Actions[0].ToolID)
	assert.Equal(t, "42 degrees", out.Actions[0].Result)
	assert.Equal(t, "weather", gotParams["query"])
}

func TestRun_BudgetExhaustionStopsLoop(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{})
	resp := &model.Response{ToolCalls: []model.ToolCall{{Name: "searchWeb", Payload: payload}}}
	client := &scriptedClient{responses: []*model.Response{resp}}
	rt := newTestRuntime(t, activeProfile("a1"), client, func(ctx context.Context, agentID, toolID string, params map[string]any) (any, error) {
		return "ok", nil
	})
	out, err := rt.Run(context.Background(), Input{AgentID: "a1", Trigger: "test", MaxIterationsOverride: 2, MaxToolCallsOverride: 2})
	require.Error(t, err)
	assert.Equal(t, 2, out.Iterations)
}

func TestRun_DeniedToolIsSkippedNotExecuted(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{})
	client := &scriptedClient{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{{Name: "sendWhatsApp", Payload: payload}}},
		{ToolCalls: []model.ToolCall{{Name: "silent"}}},
	}}
	executed := false
	profile := activeProfile("a1")
	profile.AutonomyLevel = agentprofile.AutonomySupervised

	profiles := agentprofile.NewMemoryStore()
	require.NoError(t, profiles.Upsert(context.Background(), profile))
	c := catalog.NewCatalogue()
	require.NoError(t, c.Register(catalog.Entry{ToolID: "sendWhatsApp", Category: catalog.CategoryCommunicationOutbnd, IsSideEffect: true}))
	m := permission.New(c, nil, nil)
	cps := checkpoint.NewService(checkpoint.NewMemoryStore())
	exec := func(ctx context.Context, agentID, toolID string, params map[string]any) (any, error) {
		executed = true
		return "sent", nil
	}
	rec := recovery.New(idempotency.NewService(idempotency.NewCache()), func(ctx context.Context, toolID string, params map[string]any) (any, error) {
		return exec(ctx, profile.ID, toolID, params)
	})
	rt := New(Deps{
		Profiles: profiles, Catalogue: c, Permissions: m, Checkpoints: cps,
		Recoveries: rec, Guard: concurrency.New(3), Model: client,
	})

	out, err := rt.Run(context.Background(), Input{AgentID: "a1", Trigger: "test"})
	require.NoError(t, err)
	assert.True(t, out.Silent)
	assert.False(t, executed, "supervised-level agent must never execute a communication_outbound tool")
}

func TestRun_OrchestrationDepthStripsRecursiveTools(t *testing.T) {
	profile := activeProfile("a1")
	profiles := agentprofile.NewMemoryStore()
	require.NoError(t, profiles.Upsert(context.Background(), profile))
	c := catalog.NewCatalogue()
	require.NoError(t, c.Register(catalog.Entry{ToolID: "orchestrate", Category: catalog.CategorySubagentManage}))
	m := permission.New(c, nil, nil)
	cps := checkpoint.NewService(checkpoint.NewMemoryStore())
	exec := func(ctx context.Context, agentID, toolID string, params map[string]any) (any, error) { return nil, nil }
	rec := recovery.New(idempotency.NewService(idempotency.NewCache()), func(ctx context.Context, toolID string, params map[string]any) (any, error) {
		return exec(ctx, profile.ID, toolID, params)
	})
	client := &scriptedClient{responses: []*model.Response{{ToolCalls: []model.ToolCall{{Name: "silent"}}}}}
	rt := New(Deps{
		Profiles: profiles, Catalogue: c, Permissions: m, Checkpoints: cps,
		Recoveries: rec, Guard: concurrency.New(3), Model: client,
	})

	defs := rt.buildToolList(context.Background(), profile, 5, 1)
	for _, d := range defs {
		assert.NotEqual(t, "orchestrate", d.Name, "orchestrate must be stripped at depth >= 1")
	}
}

func TestRun_RecordsAuditTrail(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{"query": "weather"})
	client := &scriptedClient{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{{Name: "searchWeb", Payload: payload}}},
		{ToolCalls: []model.ToolCall{{Name: "respond"}}, Content: []model.Message{{Parts: []model.Part{model.TextPart{Text: "here you go"}}}}},
	}}

	profile := activeProfile("a1")
	profiles := agentprofile.NewMemoryStore()
	require.NoError(t, profiles.Upsert(context.Background(), profile))
	c := catalog.NewCatalogue()
	require.NoError(t, c.Register(catalog.Entry{ToolID: "searchWeb", Category: catalog.CategoryObservation}))
	m := permission.New(c, nil, nil)
	cps := checkpoint.NewService(checkpoint.NewMemoryStore())
	rec := recovery.New(idempotency.NewService(idempotency.NewCache()), func(ctx context.Context, toolID string, params map[string]any) (any, error) {
		return "42 degrees", nil
	})
	store := auditlog.NewMemoryStore()
	audit := auditlog.New(auditlog.Deps{Store: store})

	rt := New(Deps{
		Profiles: profiles, Catalogue: c, Permissions: m, Checkpoints: cps,
		Recoveries: rec, Guard: concurrency.New(3), Model: client, Audit: audit,
	})

	_, err := rt.Run(context.Background(), Input{AgentID: "a1", Trigger: "test"})
	require.NoError(t, err)

	events := store.Events()
	byCategory := map[string]int{}
	for _, e := range events {
		byCategory[e.ActivityType]++
	}
	assert.Equal(t, 1, byCategory["audit:reasoning_start"])
	assert.Equal(t, 1, byCategory["audit:tool_call"])
	assert.Equal(t, 1, byCategory["audit:tool_result"])
	assert.Equal(t, 1, byCategory["audit:outgoing"])
	assert.Equal(t, 2, byCategory["audit:ai_request"])
	assert.Equal(t, 2, byCategory["audit:ai_response"])
	for _, e := range events {
		assert.Equal(t, "a1", e.AgentID)
	}
}

func TestRun_DeadlineExceeded(t *testing.T) {
	slow := &blockingClient{delay: 50 * time.Millisecond}
	rt := newTestRuntime(t, activeProfile("a1"), slow, func(ctx context.Context, agentID, toolID string, params map[string]any) (any, error) {
		return nil, nil
	})
	_, err := rt.Run(context.Background(), Input{AgentID: "a1", Trigger: "test", Deadline: 10 * time.Millisecond})
	require.Error(t, err)
}

type blockingClient struct{ delay time.Duration }

func (c *blockingClient) Complete(ctx context.Context, _ *model.Request) (*model.Response, error) {
	select {
	case <-time.After(c.delay):
		return &model.Response{ToolCalls: []model.ToolCall{{Name: "silent"}}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *blockingClient) Stream(_ context.Context, _ *model.Request) (model.Streamer, error) {
	return nil, nil
}

func TestRun_RecordsRunStatusAndTranscript(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{"query": "weather"})
	client := &scriptedClient{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{{Name: "searchWeb", Payload: payload}}},
		{ToolCalls: []model.ToolCall{{Name: "done"}}, Content: []model.Message{{Parts: []model.Part{model.TextPart{Text: "done"}}}}},
	}}

	profile := activeProfile("a1")
	profiles := agentprofile.NewMemoryStore()
	require.NoError(t, profiles.Upsert(context.Background(), profile))
	c := catalog.NewCatalogue()
	require.NoError(t, c.Register(catalog.Entry{ToolID: "searchWeb", Category: catalog.CategoryObservation}))
	m := permission.New(c, nil, nil)
	cps := checkpoint.NewService(checkpoint.NewMemoryStore())
	rec := recovery.New(idempotency.NewService(idempotency.NewCache()), func(ctx context.Context, toolID string, params map[string]any) (any, error) {
		return "42 degrees", nil
	})
	runs := runinmem.New()
	transcript := memory.NewInMemoryStore()

	rt := New(Deps{
		Profiles: profiles, Catalogue: c, Permissions: m, Checkpoints: cps,
		Recoveries: rec, Guard: concurrency.New(3), Model: client,
		Runs: runs, Transcript: transcript,
	})

	_, err := rt.Run(context.Background(), Input{AgentID: "a1", Trigger: "test"})
	require.NoError(t, err)

	rec2, err := runs.Load(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, rec2.Status)

	snap, err := transcript.LoadRun(context.Background(), "a1", "a1")
	require.NoError(t, err)
	assert.Len(t, snap.Events, 2)
	assert.Equal(t, memory.EventToolCall, snap.Events[0].Type)
	assert.Equal(t, memory.EventToolResult, snap.Events[1].Type)
}
