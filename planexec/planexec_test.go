package planexec

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/core/coreerr"
	"github.com/agentforge/core/runtime"
)

type fakeRunner struct {
	byStep map[string]func(runtime.Input) (runtime.Output, error)
	calls  []runtime.Input
	mu     chan struct{} // simple mutex via buffered channel
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{byStep: map[string]func(runtime.Input) (runtime.Output, error){}, mu: make(chan struct{}, 1)}
}

func (f *fakeRunner) Run(_ context.Context, in runtime.Input) (runtime.Output, error) {
	f.mu <- struct{}{}
	f.calls = append(f.calls, in)
	<-f.mu
	stepID, _ := in.TriggerContext["step_id"].(string)
	if fn, ok := f.byStep[stepID]; ok {
		return fn(in)
	}
	return runtime.Output{FinalThought: "ok:" + stepID, Iterations: 1, TokensUsed: 5}, nil
}

func simplePlan() Plan {
	return Plan{
		ID:   "p1",
		Goal: "ship feature",
		Steps: []Step{
			{ID: "s1", Title: "Design", Description: "design the feature", AgentID: "a1", EstimatedIterations: 2},
			{ID: "s2", Title: "Implement", Description: "implement it", AgentID: "a1", EstimatedIterations: 2, DependsOn: []string{"s1"}},
		},
		ParallelGroups: [][]string{{"s1"}, {"s2"}},
	}
}

func TestExecutePlan_AllStepsSucceed(t *testing.T) {
	runner := newFakeRunner()
	e := New(runner, nil, nil)
	res, err := e.ExecutePlan(context.Background(), simplePlan())
	require.NoError(t, err)
	assert.Equal(t, PlanCompleted, res.Status)
	assert.Equal(t, 2, res.CompletedSteps)
	assert.Equal(t, 0, res.FailedSteps)
}

func TestExecutePlan_PartialFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.byStep["s1"] = func(runtime.Input) (runtime.Output, error) {
		return runtime.Output{}, coreerr.New(coreerr.CodeToolError, "design failed")
	}
	e := New(runner, nil, nil)
	res, err := e.ExecutePlan(context.Background(), simplePlan())
	require.NoError(t, err)
	assert.Equal(t, PlanPartial, res.Status)
	assert.Equal(t, 1, res.CompletedSteps)
	assert.Equal(t, 1, res.FailedSteps)
}

func TestExecutePlan_AllStepsFail(t *testing.T) {
	runner := newFakeRunner()
	fail := func(runtime.Input) (runtime.Output, error) {
		return runtime.Output{}, coreerr.New(coreerr.CodeToolError, "broken")
	}
	runner.byStep["s1"] = fail
	runner.byStep["s2"] = fail
	e := New(runner, nil, nil)
	res, err := e.ExecutePlan(context.Background(), simplePlan())
	require.NoError(t, err)
	assert.Equal(t, PlanFailed, res.Status)
	assert.Equal(t, 2, res.FailedSteps)
}

func TestExecutePlan_MultiStepGroupRunsConcurrently(t *testing.T) {
	var concurrent int32
	runner := newFakeRunner()
	runner.byStep["s1"] = func(runtime.Input) (runtime.Output, error) {
		atomic.AddInt32(&concurrent, 1)
		return runtime.Output{FinalThought: "a"}, nil
	}
	runner.byStep["s2"] = func(runtime.Input) (runtime.Output, error) {
		atomic.AddInt32(&concurrent, 1)
		return runtime.Output{FinalThought: "b"}, nil
	}
	plan := Plan{
		ID: "p2",
		Steps: []Step{
			{ID: "s1", Title: "A", Description: "do a", AgentID: "a1"},
			{ID: "s2", Title: "B", Description: "do b", AgentID: "a2"},
		},
		ParallelGroups: [][]string{{"s1", "s2"}},
	}
	e := New(runner, nil, nil)
	res, err := e.ExecutePlan(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, PlanCompleted, res.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&concurrent))
}

func TestExecutePlan_RevisesDownstreamStepsOnFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.byStep["s1"] = func(runtime.Input) (runtime.Output, error) {
		return runtime.Output{}, coreerr.New(coreerr.CodeToolError, "design failed: spec unclear")
	}
	var gotReasons []string
	revise := func(_ context.Context, reasons []string, steps []Step) ([]Step, error) {
		gotReasons = reasons
		out := make([]Step, len(steps))
		for i, s := range steps {
			s.Title = "Revised: " + s.Title
			out[i] = s
		}
		return out, nil
	}
	e := New(runner, revise, nil)
	plan := simplePlan()
	res, err := e.ExecutePlan(context.Background(), plan)
	require.NoError(t, err)
	assert.NotEmpty(t, gotReasons)
	require.Len(t, res.Plan.Steps, 2)
	assert.Equal(t, "Revised: Implement", res.Plan.Steps[1].Title)
}

func TestExecutePlan_RevisionFailureIsBestEffort(t *testing.T) {
	runner := newFakeRunner()
	runner.byStep["s1"] = func(runtime.Input) (runtime.Output, error) {
		return runtime.Output{}, coreerr.New(coreerr.CodeToolError, "boom")
	}
	revise := func(context.Context, []string, []Step) ([]Step, error) {
		return nil, coreerr.New(coreerr.CodeToolError, "router unavailable")
	}
	e := New(runner, revise, nil)
	res, err := e.ExecutePlan(context.Background(), simplePlan())
	require.NoError(t, err)
	assert.Equal(t, PlanPartial, res.Status)
	assert.Equal(t, "Implement", res.Plan.Steps[1].Title, "revision failure must not block execution or mutate the step")
}

func TestExecutePlan_BudgetFloorsApplied(t *testing.T) {
	runner := newFakeRunner()
	e := New(runner, nil, nil)
	plan := Plan{
		ID: "p3",
		Steps: []Step{
			{ID: "s1", Title: "Tiny", Description: "tiny step", AgentID: "a1", EstimatedIterations: 1},
		},
		ParallelGroups: [][]string{{"s1"}},
	}
	_, err := e.ExecutePlan(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, MinIterationBudget, runner.calls[0].MaxIterationsOverride)
	assert.Equal(t, MinToolCallBudget, runner.calls[0].MaxToolCallsOverride)
}
