// Package planexec implements the Plan Executor (spec §4.10): given a plan
// already decomposed into steps, a dependency graph, and parallel groups, it
// drives each group through the Agent Runtime, revising downstream steps
// when a dependency fails.
package planexec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentforge/core/coreerr"
	"github.com/agentforge/core/runtime"
)

// Deadline is the plan-level wall clock budget (spec §4.10: "3 minutes
// (config PLAN_DEADLINE_MS), must remain strictly less than the enclosing
// Agent Runtime deadline").
const Deadline = 3 * time.Minute

// MinToolCallBudget is the floor applied to a step's derived tool-call
// budget (spec §4.10: "estimated_iterations + 2 (min 5)").
const MinToolCallBudget = 5

// MinIterationBudget is the floor applied to a step's iteration budget
// (spec §4.10: "max(step.estimated_iterations, 3)").
const MinIterationBudget = 3

// StepStatus is the terminal state of one plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step is one unit of work in a plan.
type Step struct {
	ID                   string
	Title                string
	Description          string
	AgentID              string
	EstimatedIterations  int
	DependsOn            []string

	Status       StepStatus
	FinalThought string
	Error        string
	Iterations   int
	TokensUsed   int
}

// Plan is a decomposed goal: steps plus the order groups must run in.
// ParallelGroups[i] lists the step ids that run concurrently in the i-th
// group; groups themselves run strictly in order.
type Plan struct {
	ID             string
	Goal           string
	Steps          []Step
	ParallelGroups [][]string
}

func (p *Plan) step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// PlanStatus is the final outcome of a plan run.
type PlanStatus string

const (
	PlanCompleted PlanStatus = "completed"
	PlanPartial   PlanStatus = "partial"
	PlanFailed    PlanStatus = "failed"
)

// Result is the outcome of one ExecutePlan call.
type Result struct {
	Plan           Plan
	Status         PlanStatus
	CompletedSteps int
	FailedSteps    int
	TokensUsed     int
}

// Runner executes one Agent Runtime run.
type Runner interface {
	Run(ctx context.Context, in runtime.Input) (runtime.Output, error)
}

// Reviser asks the Model Router to rewrite the title/description of steps
// whose dependency failed, in light of the failure reasons (spec §4.10:
// "best-effort; failure to revise is logged and execution continues").
// Implementations must return entries with the same IDs as the input.
type Reviser func(ctx context.Context, failureReasons []string, steps []Step) ([]Step, error)

// Logger is the narrow logging seam the executor needs; satisfied by
// agent/telemetry.Logger.
type Logger interface {
	Warn(ctx context.Context, msg string, keyvals ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(context.Context, string, ...any) {}

// Executor runs plans to completion.
type Executor struct {
	runner  Runner
	revise  Reviser
	logger  Logger
}

// New constructs an Executor. revise may be nil to disable plan revision.
func New(runner Runner, revise Reviser, logger Logger) *Executor {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Executor{runner: runner, revise: revise, logger: logger}
}

// ExecutePlan drives plan's parallel groups in order, applying best-effort
// revision to downstream steps when a dependency fails.
func (e *Executor) ExecutePlan(ctx context.Context, plan Plan) (Result, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, Deadline)
	defer cancel()

	priorSummaries := map[string]string{}
	failedIDs := map[string]bool{}
	var tokensUsed int

	for gi, group := range plan.ParallelGroups {
		select {
		case <-deadlineCtx.Done():
			return e.finish(plan, tokensUsed), coreerr.New(coreerr.CodeBudgetExceeded, "planexec: plan deadline exceeded")
		default:
		}

		var failureReasons []string
		if len(group) == 1 {
			used, reasons := e.runStep(deadlineCtx, &plan, group[0], priorSummaries)
			tokensUsed += used
			failureReasons = append(failureReasons, reasons...)
		} else {
			var mu sync.Mutex
			var wg sync.WaitGroup
			for _, stepID := range group {
				stepID := stepID
				wg.Add(1)
				go func() {
					defer wg.Done()
					used, reasons := e.runStep(deadlineCtx, &plan, stepID, priorSummaries)
					mu.Lock()
					tokensUsed += used
					failureReasons = append(failureReasons, reasons...)
					mu.Unlock()
				}()
			}
			wg.Wait()
		}

		for _, stepID := range group {
			st := plan.step(stepID)
			if st == nil {
				continue
			}
			if st.Status == StepCompleted {
				priorSummaries[st.ID] = st.FinalThought
			}
			if st.Status == StepFailed {
				failedIDs[st.ID] = true
			}
		}

		if len(failureReasons) > 0 && gi < len(plan.ParallelGroups)-1 {
			e.reviseDownstream(deadlineCtx, &plan, plan.ParallelGroups[gi+1:], failedIDs, failureReasons)
		}
	}

	return e.finish(plan, tokensUsed), nil
}

// runStep executes one step and returns tokens used and, on failure, the
// failure reason to feed into plan revision.
func (e *Executor) runStep(ctx context.Context, plan *Plan, stepID string, priorSummaries map[string]string) (int, []string) {
	st := plan.step(stepID)
	if st == nil {
		return 0, nil
	}

	situation := st.Description
	for _, dep := range st.DependsOn {
		if summary, ok := priorSummaries[dep]; ok && summary != "" {
			situation += fmt.Sprintf("\nprior step %q summary: %s", dep, summary)
		}
	}

	maxIterations := st.EstimatedIterations
	if maxIterations < MinIterationBudget {
		maxIterations = MinIterationBudget
	}
	maxToolCalls := st.EstimatedIterations + 2
	if maxToolCalls < MinToolCallBudget {
		maxToolCalls = MinToolCallBudget
	}

	out, err := e.runner.Run(ctx, runtime.Input{
		AgentID:               st.AgentID,
		Trigger:               "plan_step",
		TriggerContext:        map[string]any{"plan_id": plan.ID, "step_id": st.ID, "situation": situation},
		MaxIterationsOverride: maxIterations,
		MaxToolCallsOverride:  maxToolCalls,
	})

	st.Iterations = out.Iterations
	st.TokensUsed = out.TokensUsed
	if err != nil {
		st.Status = StepFailed
		st.Error = err.Error()
		return out.TokensUsed, []string{fmt.Sprintf("step %q (%s) failed: %v", st.ID, st.Title, err)}
	}
	st.Status = StepCompleted
	st.FinalThought = out.FinalThought
	return out.TokensUsed, nil
}

// reviseDownstream rewrites title/description of steps in laterGroups that
// depend on a failed step, best-effort.
func (e *Executor) reviseDownstream(ctx context.Context, plan *Plan, laterGroups [][]string, failedIDs map[string]bool, reasons []string) {
	if e.revise == nil {
		return
	}
	var affected []Step
	for _, group := range laterGroups {
		for _, id := range group {
			st := plan.step(id)
			if st == nil || st.Status == StepCompleted || st.Status == StepFailed {
				continue
			}
			for _, dep := range st.DependsOn {
				if failedIDs[dep] {
					affected = append(affected, *st)
					break
				}
			}
		}
	}
	if len(affected) == 0 {
		return
	}
	revised, err := e.revise(ctx, reasons, affected)
	if err != nil {
		e.logger.Warn(ctx, "planexec: plan revision failed", "error", err)
		return
	}
	for _, r := range revised {
		st := plan.step(r.ID)
		if st == nil {
			continue
		}
		st.Title = r.Title
		st.Description = r.Description
	}
}

func (e *Executor) finish(plan Plan, tokensUsed int) Result {
	completed, failed := 0, 0
	for _, st := range plan.Steps {
		switch st.Status {
		case StepCompleted:
			completed++
		case StepFailed:
			failed++
		}
	}
	status := PlanCompleted
	switch {
	case failed > 0 && completed == 0:
		status = PlanFailed
	case failed > 0:
		status = PlanPartial
	}
	return Result{Plan: plan, Status: status, CompletedSteps: completed, FailedSteps: failed, TokensUsed: tokensUsed}
}
