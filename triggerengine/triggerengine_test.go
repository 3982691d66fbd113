package triggerengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/core/agentprofile"
	"github.com/agentforge/core/concurrency"
	"github.com/agentforge/core/runtime"
)

type fakeSignals struct {
	byAgent map[string]Signals
}

func (f *fakeSignals) Signals(_ context.Context, agentID string) (Signals, error) {
	return f.byAgent[agentID], nil
}

type fakeStore struct {
	mu       sync.Mutex
	prompts  []SelfPrompt
	lastFire map[TriggerKind]time.Time
}

func newFakeStore() *fakeStore { return &fakeStore{lastFire: map[TriggerKind]time.Time{}} }

func (s *fakeStore) Save(_ context.Context, p SelfPrompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, p)
	return nil
}

func (s *fakeStore) CountSince(_ context.Context, _ string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.prompts {
		if p.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) LastFired(_ context.Context, _ string, trigger TriggerKind) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastFire[trigger]
	return t, ok, nil
}

func (s *fakeStore) RecordFired(_ context.Context, _ string, trigger TriggerKind, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFire[trigger] = at
	return nil
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []runtime.Input
}

func (f *fakeRunner) Run(_ context.Context, in runtime.Input) (runtime.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	return runtime.Output{FinalThought: "ok"}, nil
}

func activeAgent(id string, autonomy agentprofile.Autonomy) agentprofile.Profile {
	return agentprofile.Profile{ID: id, Status: agentprofile.StatusActive, AutonomyLevel: autonomy}
}

func TestEvaluateAgent_IdleDetectionFiresBelowAutoApproveThreshold(t *testing.T) {
	profiles := agentprofile.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, profiles.Upsert(ctx, activeAgent("a1", agentprofile.AutonomySemiAutonomous)))
	store := newFakeStore()
	sig := &fakeSignals{byAgent: map[string]Signals{"a1": {LastActiveAt: time.Now().Add(-time.Hour)}}}

	e := New(Deps{Profiles: profiles, Signals: sig, Store: store})
	prompts, err := e.EvaluateAgent(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, TriggerIdleDetection, prompts[0].Trigger)
	assert.Equal(t, PromptPending, prompts[0].Status, "idle_detection's 0.8 confidence is below the default 0.9 auto_approve_threshold")
}

func TestEvaluateAgent_AutoApprovesWhenThresholdLowered(t *testing.T) {
	profiles := agentprofile.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, profiles.Upsert(ctx, activeAgent("a1", agentprofile.AutonomySemiAutonomous)))
	store := newFakeStore()
	sig := &fakeSignals{byAgent: map[string]Signals{"a1": {LastActiveAt: time.Now().Add(-time.Hour)}}}
	configs := staticConfig{cfg: Config{AutoApproveThreshold: 0.75}}

	e := New(Deps{Profiles: profiles, Signals: sig, Store: store, Configs: configs})
	prompts, err := e.EvaluateAgent(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, PromptApproved, prompts[0].Status)
}

func TestEvaluateAgent_SkipsInactiveAgent(t *testing.T) {
	profiles := agentprofile.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, profiles.Upsert(ctx, agentprofile.Profile{ID: "a1", Status: agentprofile.StatusPaused, AutonomyLevel: agentprofile.AutonomyAutonomous}))
	store := newFakeStore()

	e := New(Deps{Profiles: profiles, Store: store})
	prompts, err := e.EvaluateAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, prompts)
}

func TestEvaluateAgent_SkipsSupervisedAutonomy(t *testing.T) {
	profiles := agentprofile.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, profiles.Upsert(ctx, activeAgent("a1", agentprofile.AutonomySupervised)))
	store := newFakeStore()
	sig := &fakeSignals{byAgent: map[string]Signals{"a1": {LastActiveAt: time.Now().Add(-time.Hour)}}}

	e := New(Deps{Profiles: profiles, Signals: sig, Store: store})
	prompts, err := e.EvaluateAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, prompts)
}

func TestEvaluateAgent_LowConfidenceGoesPending(t *testing.T) {
	profiles := agentprofile.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, profiles.Upsert(ctx, activeAgent("a1", agentprofile.AutonomySemiAutonomous)))
	store := newFakeStore()
	sig := &fakeSignals{byAgent: map[string]Signals{"a1": {Goals: []Goal{{HasDeadline: false, Progress: 0.1}}}}}

	e := New(Deps{Profiles: profiles, Signals: sig, Store: store})
	prompts, err := e.EvaluateAgent(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, PromptPending, prompts[0].Status)
	assert.False(t, prompts[0].ExpiresAt.IsZero())
}

func TestEvaluateAgent_RequireApprovalForcesPending(t *testing.T) {
	profiles := agentprofile.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, profiles.Upsert(ctx, activeAgent("a1", agentprofile.AutonomySemiAutonomous)))
	store := newFakeStore()
	sig := &fakeSignals{byAgent: map[string]Signals{"a1": {LastActiveAt: time.Now().Add(-time.Hour)}}}
	configs := staticConfig{cfg: Config{RequireApprovalFor: map[string]bool{"check_messages": true}}}

	e := New(Deps{Profiles: profiles, Signals: sig, Store: store, Configs: configs})
	prompts, err := e.EvaluateAgent(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, PromptPending, prompts[0].Status)
}

func TestEvaluateAgent_RateLimitCapsPromptsPerHour(t *testing.T) {
	profiles := agentprofile.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, profiles.Upsert(ctx, activeAgent("a1", agentprofile.AutonomySemiAutonomous)))
	store := newFakeStore()
	now := time.Now()
	for i := 0; i < DefaultMaxPromptsPerHour; i++ {
		require.NoError(t, store.Save(ctx, SelfPrompt{ID: "x", CreatedAt: now.Add(-time.Minute)}))
	}
	sig := &fakeSignals{byAgent: map[string]Signals{"a1": {LastActiveAt: now.Add(-time.Hour), StaleTaskCount: 1}}}

	e := New(Deps{Profiles: profiles, Signals: sig, Store: store})
	prompts, err := e.EvaluateAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, prompts, "at the per-hour cap, no new prompt should be recorded")
}

func TestEvaluateAgent_AutonomousApprovedPromptExecutesImmediately(t *testing.T) {
	profiles := agentprofile.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, profiles.Upsert(ctx, activeAgent("a1", agentprofile.AutonomyAutonomous)))
	store := newFakeStore()
	sig := &fakeSignals{byAgent: map[string]Signals{"a1": {LastActiveAt: time.Now().Add(-time.Hour)}}}
	runner := &fakeRunner{}
	guard := concurrency.New(1)
	configs := staticConfig{cfg: Config{AutoApproveThreshold: 0.75}}

	e := New(Deps{Profiles: profiles, Signals: sig, Store: store, Guard: guard, Runner: runner, Configs: configs})
	_, err := e.EvaluateAgent(ctx, "a1")
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "periodic_think", runner.calls[0].Trigger)
}

func TestEvaluateAgent_SemiAutonomousDoesNotAutoExecute(t *testing.T) {
	profiles := agentprofile.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, profiles.Upsert(ctx, activeAgent("a1", agentprofile.AutonomySemiAutonomous)))
	store := newFakeStore()
	sig := &fakeSignals{byAgent: map[string]Signals{"a1": {LastActiveAt: time.Now().Add(-time.Hour)}}}
	runner := &fakeRunner{}
	guard := concurrency.New(1)
	configs := staticConfig{cfg: Config{AutoApproveThreshold: 0.75}}

	e := New(Deps{Profiles: profiles, Signals: sig, Store: store, Guard: guard, Runner: runner, Configs: configs})
	_, err := e.EvaluateAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, runner.calls, "semi-autonomous agents do not auto-execute even an approved prompt")
}

func TestEvaluateGoalCheck_UrgentDeadlineHigherConfidence(t *testing.T) {
	urgent := []Goal{{HasDeadline: true, DeadlineAt: time.Now().Add(24 * time.Hour), Progress: 0.1}}
	f, ok := evaluateGoalCheck(urgent, time.Now())
	require.True(t, ok)
	assert.Equal(t, "review_goals", f.action)
	assert.GreaterOrEqual(t, f.confidence, 0.75)
	assert.LessOrEqual(t, f.confidence, 0.95)
}

func TestEvaluateHealthCheck_RequiresMinimumExecutions(t *testing.T) {
	_, ok := evaluateHealthCheck(Signals{Executions24h: 2, ErrorRate24h: 0.9})
	assert.False(t, ok, "fewer than 5 executions must not fire health_check regardless of error rate")
}

type staticConfig struct{ cfg Config }

func (s staticConfig) Config(_ context.Context, _ string) (Config, bool, error) {
	return s.cfg, true, nil
}
