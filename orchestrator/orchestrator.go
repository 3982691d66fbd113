// Package orchestrator implements the Orchestrator (spec §4.9): manager ->
// specialist decomposition, sub-agent reuse scoring, and parallel/sequential
// execution of sub-runs through the Agent Runtime.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentforge/core/agentprofile"
	"github.com/agentforge/core/coreerr"
	"github.com/agentforge/core/runtime"
)

// Mode selects how subtasks are executed.
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
)

// ReuseScoreThreshold is the minimum weighted score for reusing an existing
// sub-agent instead of auto-creating a specialist (spec §4.9: score >= 20
// reuses the best match).
const ReuseScoreThreshold = 20

// MaxConcurrentSubRuns caps parallel-mode fan-out (spec §4.9: "capped at 5
// concurrent (config)").
const MaxConcurrentSubRuns = 5

// SubRunTimeout bounds each sub-agent run in parallel mode (spec §4.9:
// "wrapped in a 120 s timeout").
const SubRunTimeout = 120 * time.Second

// SubIterationBudget and SubToolCallBudget are the fixed budgets every
// orchestrated sub-run receives (spec §4.9: "_maxIterations = 3,
// _maxToolCalls = 3").
const (
	SubIterationBudget = 3
	SubToolCallBudget  = 3
)

// Subtask is one unit of delegated work.
type Subtask struct {
	Title          string
	Description    string
	RequiredSkills []string
}

// Input is the payload of an `orchestrate` tool call.
type Input struct {
	ManagerAgentID     string
	Goal               string
	Subtasks           []Subtask
	Mode               Mode
	OrchestrationDepth int // depth of the run that issued the orchestrate call
}

// SubtaskStatus is the terminal state of one delegated subtask.
type SubtaskStatus string

const (
	StatusCompleted SubtaskStatus = "completed"
	StatusTimeout   SubtaskStatus = "timeout"
	StatusFailed    SubtaskStatus = "failed"
)

// SubtaskResult records the outcome of one delegated subtask.
type SubtaskResult struct {
	Title      string
	AgentID    string
	AgentName  string
	Status     SubtaskStatus
	Findings   string
	Error      string
	Iterations int
	TokensUsed int
}

// Output is the aggregate result of one orchestrate call.
type Output struct {
	Results   []SubtaskResult
	Completed int
	TimedOut  int
	Failed    int
}

// Runner executes one Agent Runtime run. *runtime.Runtime satisfies this.
type Runner interface {
	Run(ctx context.Context, in runtime.Input) (runtime.Output, error)
}

// Orchestrator implements the `orchestrate` tool.
type Orchestrator struct {
	profiles agentprofile.Store
	runner   Runner
	newID    func() string
}

// New constructs an Orchestrator.
func New(profiles agentprofile.Store, runner Runner) *Orchestrator {
	return &Orchestrator{
		profiles: profiles,
		runner:   runner,
		newID:    func() string { return uuid.NewString() },
	}
}

// Orchestrate runs the decomposition and delegation protocol of spec §4.9.
func (o *Orchestrator) Orchestrate(ctx context.Context, in Input) (Output, error) {
	// Recursion defense layer 1 of 3: depth refusal.
	if in.OrchestrationDepth >= 1 {
		return Output{}, coreerr.New(coreerr.CodePolicyViolation, "orchestrator: sub-agents cannot orchestrate further")
	}

	parent, found, err := o.profiles.Get(ctx, in.ManagerAgentID)
	if err != nil {
		return Output{}, coreerr.Wrap(coreerr.CodePersistence, "orchestrator: load manager profile", err)
	}
	if !found {
		return Output{}, coreerr.Newf(coreerr.CodeNotFound, "orchestrator: no profile for manager %q", in.ManagerAgentID)
	}

	existingChildren, err := o.profiles.ListChildren(ctx, parent.ID)
	if err != nil {
		return Output{}, coreerr.Wrap(coreerr.CodePersistence, "orchestrator: list children", err)
	}

	assignments := make([]agentprofile.Profile, len(in.Subtasks))
	for i, st := range in.Subtasks {
		agent, cerr := o.resolveAgent(ctx, parent, existingChildren, st)
		if cerr != nil {
			return Output{}, cerr
		}
		assignments[i] = agent
		// A freshly auto-created specialist counts toward the next
		// subtask's reuse pool and children-count cap.
		found := false
		for _, c := range existingChildren {
			if c.ID == agent.ID {
				found = true
				break
			}
		}
		if !found {
			existingChildren = append(existingChildren, agent)
		}
	}

	switch in.Mode {
	case ModeSequential:
		return o.runSequential(ctx, in, assignments)
	default:
		return o.runParallel(ctx, in, assignments)
	}
}

// resolveAgent implements the per-subtask reuse-or-create decision.
func (o *Orchestrator) resolveAgent(ctx context.Context, parent agentprofile.Profile, candidates []agentprofile.Profile, st Subtask) (agentprofile.Profile, error) {
	best, score := bestMatch(candidates, st)
	if score >= ReuseScoreThreshold {
		return best, nil
	}
	if parent.Children.MaxChildren > 0 && len(candidates) >= parent.Children.MaxChildren {
		return agentprofile.Profile{}, coreerr.Newf(coreerr.CodePolicyViolation, "orchestrator: manager %q has reached max_children", parent.ID)
	}
	return o.autoCreateSpecialist(ctx, parent, st)
}

// bestMatch scores every candidate against the subtask and returns the
// highest-scoring one (spec §4.9: "weighted keyword-match plus skill-level
// bonus"). Score components: +10 per subtask-text word of at least 3
// characters that appears in the candidate's name or role, +15 per required
// skill that appears in the
// candidate's role.
func bestMatch(candidates []agentprofile.Profile, st Subtask) (agentprofile.Profile, int) {
	var best agentprofile.Profile
	bestScore := -1
	text := strings.ToLower(st.Title + " " + st.Description)
	words := strings.Fields(text)
	for _, c := range candidates {
		haystack := strings.ToLower(c.Name + " " + c.Role)
		score := 0
		for _, w := range words {
			if len(w) >= 3 && strings.Contains(haystack, w) {
				score += 10
			}
		}
		for _, skill := range st.RequiredSkills {
			if strings.Contains(haystack, strings.ToLower(skill)) {
				score += 15
			}
		}
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	return best, bestScore
}

// autoCreateSpecialist creates a sub-agent that inherits the parent's team,
// knowledge, and routing configuration (per the parent's InheritanceFlags),
// caps autonomy at the parent's children_autonomy_cap, and sets
// can_create_children = false (recursion defense layer 3 of 3).
func (o *Orchestrator) autoCreateSpecialist(ctx context.Context, parent agentprofile.Profile, st Subtask) (agentprofile.Profile, error) {
	id := o.newID()
	now := timeNow()
	specialist := agentprofile.Profile{
		ID:             id,
		UserID:         parent.UserID,
		Name:           specialistName(st),
		Role:           st.Description,
		AgentType:      agentprofile.TypeSub,
		ParentID:       parent.ID,
		HierarchyLevel: parent.HierarchyLevel + 1,
		HierarchyPath:  parent.HierarchyPath + "/" + id,
		CreatedByType:  agentprofile.CreatedByAgentic,
		CreatedByAgenticID: parent.ID,
		Inherit:        parent.Inherit,
		Model:          parent.Model,
		AutonomyLevel:  agentprofile.EffectiveAutonomy(parent.AutonomyLevel, &parent),
		Status:         agentprofile.StatusActive,
		Children: agentprofile.ChildPolicy{
			CanCreateChildren: false,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := specialist.Validate(); err != nil {
		return agentprofile.Profile{}, coreerr.Wrap(coreerr.CodeInvalidInput, "orchestrator: auto-created specialist invalid", err)
	}
	if err := o.profiles.Upsert(ctx, specialist); err != nil {
		return agentprofile.Profile{}, coreerr.Wrap(coreerr.CodePersistence, "orchestrator: persist specialist", err)
	}
	return specialist, nil
}

func specialistName(st Subtask) string {
	if st.Title != "" {
		return st.Title + " Specialist"
	}
	return "Specialist"
}

// timeNow is a seam so tests can avoid reading the wall clock directly
// through this package; production callers get the real time.
var timeNow = func() time.Time { return time.Now() }

func (o *Orchestrator) runParallel(ctx context.Context, in Input, assignments []agentprofile.Profile) (Output, error) {
	results := make([]SubtaskResult, len(in.Subtasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentSubRuns)
	var mu sync.Mutex

	for i := range in.Subtasks {
		i := i
		st := in.Subtasks[i]
		agent := assignments[i]
		g.Go(func() error {
			res := o.runSubtask(gctx, in, st, agent, "")
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return summarize(results), nil
}

func (o *Orchestrator) runSequential(ctx context.Context, in Input, assignments []agentprofile.Profile) (Output, error) {
	results := make([]SubtaskResult, len(in.Subtasks))
	priorFindings := ""
	for i, st := range in.Subtasks {
		res := o.runSubtask(ctx, in, st, assignments[i], priorFindings)
		results[i] = res
		if res.Findings != "" {
			priorFindings = res.Findings
		}
	}
	return summarize(results), nil
}

func (o *Orchestrator) runSubtask(ctx context.Context, in Input, st Subtask, agent agentprofile.Profile, priorFindings string) SubtaskResult {
	snippet := fmt.Sprintf("goal: %s\nsubtask: %s", in.Goal, st.Description)
	if priorFindings != "" {
		snippet += "\nprior specialist findings: " + priorFindings
	}

	out, err := o.runner.Run(ctx, runtime.Input{
		AgentID:               agent.ID,
		Trigger:               "orchestrated_subtask",
		TriggerContext:        map[string]any{"title": st.Title, "goal": in.Goal},
		OrchestrationDepth:    in.OrchestrationDepth + 1,
		MaxIterationsOverride: SubIterationBudget,
		MaxToolCallsOverride:  SubToolCallBudget,
		Deadline:              SubRunTimeout,
		HierarchySnippet:      snippet,
	})

	result := SubtaskResult{
		Title:      st.Title,
		AgentID:    agent.ID,
		AgentName:  agent.Name,
		Iterations: out.Iterations,
		TokensUsed: out.TokensUsed,
	}
	if err != nil {
		if code, ok := coreerr.CodeOf(err); ok && code == coreerr.CodeBudgetExceeded && strings.Contains(err.Error(), "deadline") {
			result.Status = StatusTimeout
		} else {
			result.Status = StatusFailed
		}
		result.Error = err.Error()
		return result
	}
	result.Status = StatusCompleted
	result.Findings = out.FinalThought
	return result
}

func summarize(results []SubtaskResult) Output {
	out := Output{Results: results}
	for _, r := range results {
		switch r.Status {
		case StatusCompleted:
			out.Completed++
		case StatusTimeout:
			out.TimedOut++
		case StatusFailed:
			out.Failed++
		}
	}
	return out
}
