package selfheal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/core/agentprofile"
)

type fakeHistory struct {
	records []ExecutionRecord
}

func (h *fakeHistory) Recent(_ context.Context, _ string, since time.Time) ([]ExecutionRecord, error) {
	var out []ExecutionRecord
	for _, r := range h.records {
		if !r.ExecutedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeStore struct {
	saved []Instance
}

func (s *fakeStore) Save(_ context.Context, i Instance) error {
	s.saved = append(s.saved, i)
	return nil
}

type fakeNotifier struct {
	calls int
}

func (n *fakeNotifier) NotifyCritical(_ context.Context, _, _ string) (string, error) {
	n.calls++
	return "notif-1", nil
}

type fakeApprovals struct {
	calls int
}

func (a *fakeApprovals) Enqueue(_ context.Context, _ string, _ ProposedFix) (string, error) {
	a.calls++
	return "approval-1", nil
}

func profile(id string) agentprofile.Profile {
	return agentprofile.Profile{
		ID:    id,
		Model: agentprofile.ModelRouting{Provider: "anthropic", Model: "claude", SystemPrompt: "be helpful"},
	}
}

func recordsAt(now time.Time, tool string, failures, successes int, age time.Duration) []ExecutionRecord {
	var out []ExecutionRecord
	for i := 0; i < failures; i++ {
		out = append(out, ExecutionRecord{Tool: tool, Success: false, Error: "timeout", ExecutedAt: now.Add(-age)})
	}
	for i := 0; i < successes; i++ {
		out = append(out, ExecutionRecord{Tool: tool, Success: true, ExecutedAt: now.Add(-age)})
	}
	return out
}

func TestDiagnoseSelf_ClassifiesLowSeverityAsNoAction(t *testing.T) {
	now := time.Now()
	profiles := agentprofile.NewMemoryStore()
	require.NoError(t, profiles.Upsert(context.Background(), profile("a1")))
	history := &fakeHistory{records: recordsAt(now, "search", 1, 20, time.Hour)}
	store := &fakeStore{}

	e := New(Deps{Profiles: profiles, History: history, Store: store})
	inst, err := e.Run(context.Background(), "a1")
	require.NoError(t, err)

	assert.Equal(t, SeverityLow, inst.Severity)
	assert.Equal(t, StateCompleted, inst.State)
	assert.Equal(t, OutcomeNoAction, inst.Outcome)
	require.Len(t, store.saved, 1)
}

func TestDiagnoseSelf_BuildsErrorsByToolAndType(t *testing.T) {
	now := time.Now()
	profiles := agentprofile.NewMemoryStore()
	require.NoError(t, profiles.Upsert(context.Background(), profile("a1")))
	history := &fakeHistory{records: recordsAt(now, "web_search", 8, 2, time.Hour)}

	e := New(Deps{Profiles: profiles, History: history})
	diag, err := e.diagnoseSelf(context.Background(), "a1", now)
	require.NoError(t, err)

	assert.Equal(t, 8, diag.ErrorsByTool["web_search"])
	assert.Equal(t, 8, diag.ErrorsByType["timeout"])
	assert.InDelta(t, 0.8, diag.RecentErrorRate, 0.001)
}

func TestDiagnoseSelf_DetectsRecurringPattern(t *testing.T) {
	now := time.Now()
	var records []ExecutionRecord
	for i := 0; i < 4; i++ {
		records = append(records, ExecutionRecord{Tool: "db_query", Success: false, Error: "connection refused", ExecutedAt: now.Add(-time.Duration(i) * time.Hour)})
	}
	history := &fakeHistory{records: records}
	e := New(Deps{History: history})

	diag, err := e.diagnoseSelf(context.Background(), "a1", now)
	require.NoError(t, err)
	require.Len(t, diag.Patterns, 1)
	assert.Equal(t, "db_query", diag.Patterns[0].Tool)
	assert.Equal(t, 4, diag.Patterns[0].Count)
}

func TestRun_MediumSeverityAutoHealsAndCompletesOnPassingTest(t *testing.T) {
	now := time.Now()
	profiles := agentprofile.NewMemoryStore()
	require.NoError(t, profiles.Upsert(context.Background(), profile("a1")))
	// ~35% failure rate -> medium severity, and post-fix "test" reuses the
	// same diagnosed rate, which is below MediumAutoHealPassThreshold.
	history := &fakeHistory{records: recordsAt(now, "email_send", 7, 13, time.Hour)}
	store := &fakeStore{}

	e := New(Deps{Profiles: profiles, History: history, Store: store})
	inst, err := e.Run(context.Background(), "a1")
	require.NoError(t, err)

	require.Equal(t, SeverityMedium, inst.Severity)
	require.NotNil(t, inst.ProposedFix)
	require.NotNil(t, inst.ConfigBackup)
	require.NotNil(t, inst.TestResults)
	assert.Equal(t, StateCompleted, inst.State)
	assert.Equal(t, OutcomeFixed, inst.Outcome)

	updated, ok, err := profiles.Get(context.Background(), "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, updated.ToolOverrides)
}

func TestAutoHeal_RollsBackWhenSelfTestFails(t *testing.T) {
	profiles := agentprofile.NewMemoryStore()
	p := profile("a1")
	require.NoError(t, profiles.Upsert(context.Background(), p))

	e := New(Deps{Profiles: profiles})
	inst := Instance{ID: "i1", AgentID: "a1", Diagnosis: Diagnosis{
		ErrorsByTool:    map[string]int{"email_send": 9},
		RecentErrorRate: 0.6, // above MediumAutoHealPassThreshold -> self-test fails
		Recommendations: []ProposedFix{{Type: FixRetryConfig, ToolID: "email_send", AutoFixable: true}},
	}}

	e.autoHeal(context.Background(), &inst, p)

	assert.Equal(t, StateRolledBack, inst.State)
	assert.Equal(t, OutcomeRolledBack, inst.Outcome)
	assert.False(t, inst.RolledBackAt.IsZero())

	unchanged, ok, err := profiles.Get(context.Background(), "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, unchanged.ToolOverrides, "rollback must not persist the applied fix")
}

func TestRun_HighSeverityEnqueuesApproval(t *testing.T) {
	now := time.Now()
	profiles := agentprofile.NewMemoryStore()
	require.NoError(t, profiles.Upsert(context.Background(), profile("a1")))
	history := &fakeHistory{records: recordsAt(now, "checkout", 12, 8, time.Hour)}
	approvals := &fakeApprovals{}
	store := &fakeStore{}

	e := New(Deps{Profiles: profiles, History: history, Store: store, Approvals: approvals})
	inst, err := e.Run(context.Background(), "a1")
	require.NoError(t, err)

	require.Equal(t, SeverityHigh, inst.Severity)
	assert.Equal(t, StateAwaitingApproval, inst.State)
	assert.Equal(t, 1, approvals.calls)
	assert.Equal(t, "approval-1", inst.ApprovalID)
}

func TestRun_CriticalSeverityNotifiesAndDoesNotAutoFix(t *testing.T) {
	now := time.Now()
	profiles := agentprofile.NewMemoryStore()
	require.NoError(t, profiles.Upsert(context.Background(), profile("a1")))
	history := &fakeHistory{records: recordsAt(now, "payments", 19, 1, time.Hour)}
	notifier := &fakeNotifier{}
	store := &fakeStore{}

	e := New(Deps{Profiles: profiles, History: history, Store: store, Notifier: notifier})
	inst, err := e.Run(context.Background(), "a1")
	require.NoError(t, err)

	require.Equal(t, SeverityCritical, inst.Severity)
	assert.Equal(t, StateEscalated, inst.State)
	assert.Equal(t, OutcomeEscalated, inst.Outcome)
	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, "notif-1", inst.NotificationID)
	assert.Nil(t, inst.ProposedFix)

	unchanged, ok, err := profiles.Get(context.Background(), "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "be helpful", unchanged.Model.SystemPrompt)
}

func TestRun_UnknownAgentReturnsError(t *testing.T) {
	e := New(Deps{Profiles: agentprofile.NewMemoryStore(), History: &fakeHistory{}})
	_, err := e.Run(context.Background(), "missing")
	assert.Error(t, err)
}

func TestSnapshotAndRestore_RoundTrips(t *testing.T) {
	p := profile("a1")
	p.AutonomyLevel = agentprofile.AutonomySemiAutonomous
	p.ToolOverrides = map[string]agentprofile.ToolOverride{"x": {Disabled: true}}

	snap := snapshotOf(p)
	mutated := p
	mutated.Model.SystemPrompt = "mutated"
	mutated.ToolOverrides = map[string]agentprofile.ToolOverride{"y": {MaxRetries: 5}}

	restored := restore(mutated, snap)
	assert.Equal(t, "be helpful", restored.Model.SystemPrompt)
	assert.Equal(t, p.ToolOverrides, restored.ToolOverrides)
}
