// Package selfheal implements the Self-Healing Engine (spec §4.15): a
// five-state diagnose/propose/apply/test/rollback machine driven off recent
// tool-execution failure history.
package selfheal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/core/agentprofile"
	"github.com/agentforge/core/coreerr"
	"github.com/agentforge/core/permission"
)

// State is a healing instance's position in the five-state machine (spec
// §4.15: "detected -> analyzing -> proposing_fix -> (awaiting_approval |
// backing_up) -> applying_fix -> testing -> (completed | rolled_back |
// escalated | failed)").
type State string

const (
	StateDetected         State = "detected"
	StateAnalyzing        State = "analyzing"
	StateProposingFix     State = "proposing_fix"
	StateAwaitingApproval State = "awaiting_approval"
	StateBackingUp        State = "backing_up"
	StateApplyingFix      State = "applying_fix"
	StateTesting          State = "testing"
	StateCompleted        State = "completed"
	StateRolledBack       State = "rolled_back"
	StateEscalated        State = "escalated"
	StateFailed           State = "failed"
)

// Severity is the diagnosis's overall severity classification (spec §4.15).
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Outcome is a completed healing instance's final disposition.
type Outcome string

const (
	OutcomeFixed      Outcome = "fixed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeEscalated  Outcome = "escalated"
	OutcomeNoAction   Outcome = "no_action"
)

// FixType names the kind of remediation a proposed fix applies (spec
// §4.15's "Fix types" table).
type FixType string

const (
	FixToolConfig      FixType = "tool_config"
	FixRetryConfig     FixType = "retry_config"
	FixSystemPrompt    FixType = "system_prompt"
	FixSkillAdjustment FixType = "skill_adjustment"
	FixProviderSwitch  FixType = "provider_switch"
)

// DiagnosisWindow is how far back diagnoseSelf looks for failed tool
// executions (spec §4.15: "the last 72 h").
const DiagnosisWindow = 72 * time.Hour

// RegressionRecentWindow/RegressionBaselineWindow are the two windows
// compared for performance-regression detection.
const (
	RegressionRecentWindow   = 24 * time.Hour
	RegressionBaselineWindow = 7 * 24 * time.Hour
)

// RegressionMinSample is the minimum recent-window sample size required
// before a regression can be declared (spec §4.15).
const RegressionMinSample = 5

// PatternMinOccurrences is how many times a (tool, error message) pair must
// recur within the window before it counts as a pattern.
const PatternMinOccurrences = 3

// MediumAutoHealPassThreshold is the self-test pass bar for a medium-severity
// auto-heal cycle (spec §4.15: "passes iff error_rate < 50%").
const MediumAutoHealPassThreshold = 0.5

// ExecutionRecord is one tool-execution outcome, as needed for diagnosis.
type ExecutionRecord struct {
	Tool       string
	Success    bool
	Error      string
	ExecutedAt time.Time
}

// ExecutionHistory supplies the tool-execution records diagnoseSelf needs.
type ExecutionHistory interface {
	Recent(ctx context.Context, agentID string, since time.Time) ([]ExecutionRecord, error)
}

// Pattern is a recurring (tool, error) pair (spec §4.15).
type Pattern struct {
	Tool  string
	Error string
	Count int
	Trend string // "increasing" | "stable" | "decreasing"
}

// Diagnosis is diagnoseSelf's result.
type Diagnosis struct {
	ErrorsByType    map[string]int
	ErrorsByTool    map[string]int
	Patterns        []Pattern
	Regression      bool
	RecentErrorRate float64
	RecentSample    int
	Recommendations []ProposedFix
}

// ProposedFix is one candidate remediation (spec §4.15).
type ProposedFix struct {
	Type        FixType
	ToolID      string
	Description string
	AutoFixable bool
}

// ConfigSnapshot is the backup/rollback payload (spec §4.15: "snapshot of
// {system_prompt, ai_provider, ai_model, temperature, autonomy_level,
// require_approval_for, notify_master_on, tool_overrides[]}").
type ConfigSnapshot struct {
	SystemPrompt       string
	Provider           string
	Model              string
	Temperature        float32
	AutonomyLevel      agentprofile.Autonomy
	RequireApprovalFor map[string]bool
	NotifyMasterOn     []string
	ToolOverrides      map[string]agentprofile.ToolOverride
}

func snapshotOf(p agentprofile.Profile) ConfigSnapshot {
	overrides := make(map[string]agentprofile.ToolOverride, len(p.ToolOverrides))
	for k, v := range p.ToolOverrides {
		overrides[k] = v
	}
	approval := make(map[string]bool, len(p.RequireApprovalFor))
	for k, v := range p.RequireApprovalFor {
		approval[k] = v
	}
	return ConfigSnapshot{
		SystemPrompt:       p.Model.SystemPrompt,
		Provider:           p.Model.Provider,
		Model:              p.Model.Model,
		Temperature:        p.Model.Temperature,
		AutonomyLevel:      p.AutonomyLevel,
		RequireApprovalFor: approval,
		NotifyMasterOn:     append([]string(nil), p.NotificationTriggers...),
		ToolOverrides:      overrides,
	}
}

func restore(p agentprofile.Profile, snap ConfigSnapshot) agentprofile.Profile {
	p.Model.SystemPrompt = snap.SystemPrompt
	p.Model.Provider = snap.Provider
	p.Model.Model = snap.Model
	p.Model.Temperature = snap.Temperature
	p.AutonomyLevel = snap.AutonomyLevel
	p.RequireApprovalFor = snap.RequireApprovalFor
	p.NotificationTriggers = snap.NotifyMasterOn
	p.ToolOverrides = snap.ToolOverrides
	return p
}

// TestResults is the self-test outcome after applying a fix.
type TestResults struct {
	ErrorRate float64
	Passed    bool
}

// Instance is one Self-Healing Log row (spec §3's "Self-Healing Log").
type Instance struct {
	ID             string
	AgentID        string
	State          State
	Severity       Severity
	Diagnosis      Diagnosis
	ProposedFix    *ProposedFix
	ConfigBackup   *ConfigSnapshot
	AppliedFix     *ProposedFix
	TestResults    *TestResults
	RolledBackAt   time.Time
	ApprovalID     string
	NotificationID string
	Outcome        Outcome
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store persists healing instances.
type Store interface {
	Save(ctx context.Context, i Instance) error
}

// Notifier emits the critical_error notification intent to an agent's
// master (spec §4.15: "critical" severity).
type Notifier interface {
	NotifyCritical(ctx context.Context, agentID, reason string) (notificationID string, err error)
}

// ApprovalQueue enqueues a high-severity fix for external approval (spec
// §4.15: "high: enqueue an approval record... wait for external approval").
type ApprovalQueue interface {
	Enqueue(ctx context.Context, agentID string, fix ProposedFix) (approvalID string, err error)
}

// PermissionOverrides lets a tool_config fix disable the worst-performing
// tool via the Tool-Permission Matrix's override mechanism.
type PermissionOverrides interface {
	SetOverride(ctx context.Context, agentID, toolID string, ov permission.Override) error
}

// Deps bundles Engine's collaborators.
type Deps struct {
	Profiles  agentprofile.Store
	History   ExecutionHistory
	Store     Store
	Notifier  Notifier
	Approvals ApprovalQueue
	Overrides PermissionOverrides
}

// Engine is the Self-Healing Engine.
type Engine struct {
	profiles  agentprofile.Store
	history   ExecutionHistory
	store     Store
	notifier  Notifier
	approvals ApprovalQueue
	overrides PermissionOverrides
	newID     func() string
	now       func() time.Time
}

// New constructs an Engine.
func New(deps Deps) *Engine {
	return &Engine{
		profiles:  deps.Profiles,
		history:   deps.History,
		store:     deps.Store,
		notifier:  deps.Notifier,
		approvals: deps.Approvals,
		overrides: deps.Overrides,
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// Run drives one full healing cycle for agentID: diagnose, classify
// severity, then act per spec §4.15's severity table.
func (e *Engine) Run(ctx context.Context, agentID string) (Instance, error) {
	now := e.now()
	inst := Instance{ID: e.newID(), AgentID: agentID, State: StateDetected, CreatedAt: now, UpdatedAt: now}

	profile, ok, err := e.profiles.Get(ctx, agentID)
	if err != nil {
		return inst, coreerr.Wrap(coreerr.CodePersistence, "selfheal: load profile", err)
	}
	if !ok {
		return inst, coreerr.New(coreerr.CodeInvalidInput, fmt.Sprintf("selfheal: agent %q not found", agentID))
	}

	inst.State = StateAnalyzing
	diag, err := e.diagnoseSelf(ctx, agentID, now)
	if err != nil {
		return inst, coreerr.Wrap(coreerr.CodeToolError, "selfheal: diagnose", err)
	}
	inst.Diagnosis = diag
	inst.Severity = classifySeverity(diag)

	switch inst.Severity {
	case SeverityLow:
		inst.State = StateCompleted
		inst.Outcome = OutcomeNoAction
	case SeverityMedium:
		e.autoHeal(ctx, &inst, profile)
	case SeverityHigh:
		e.requestApproval(ctx, &inst, profile)
	case SeverityCritical:
		e.escalateCritical(ctx, &inst, profile)
	}

	inst.UpdatedAt = e.now()
	if e.store != nil {
		if err := e.store.Save(ctx, inst); err != nil {
			return inst, coreerr.Wrap(coreerr.CodePersistence, "selfheal: save instance", err)
		}
	}
	return inst, nil
}

// diagnoseSelf examines the last DiagnosisWindow of failed tool executions
// (spec §4.15).
func (e *Engine) diagnoseSelf(ctx context.Context, agentID string, now time.Time) (Diagnosis, error) {
	records, err := e.history.Recent(ctx, agentID, now.Add(-DiagnosisWindow))
	if err != nil {
		return Diagnosis{}, err
	}

	diag := Diagnosis{ErrorsByType: map[string]int{}, ErrorsByTool: map[string]int{}}
	var total, failed int
	type pairKey struct{ tool, msg string }
	firstHalf := map[pairKey]int{}
	secondHalf := map[pairKey]int{}
	mid := now.Add(-DiagnosisWindow / 2)

	for _, r := range records {
		total++
		if r.Success {
			continue
		}
		failed++
		diag.ErrorsByTool[r.Tool]++
		diag.ErrorsByType[classifyErrorLabel(r.Error)]++
		key := pairKey{r.Tool, r.Error}
		if r.ExecutedAt.Before(mid) {
			firstHalf[key]++
		} else {
			secondHalf[key]++
		}
	}

	seen := map[pairKey]bool{}
	var patterns []Pattern
	for k, n1 := range firstHalf {
		seen[k] = true
		n2 := secondHalf[k]
		if n1+n2 < PatternMinOccurrences {
			continue
		}
		patterns = append(patterns, Pattern{Tool: k.tool, Error: k.msg, Count: n1 + n2, Trend: trendOf(n1, n2)})
	}
	for k, n2 := range secondHalf {
		if seen[k] {
			continue
		}
		if n2 < PatternMinOccurrences {
			continue
		}
		patterns = append(patterns, Pattern{Tool: k.tool, Error: k.msg, Count: n2, Trend: "increasing"})
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Count > patterns[j].Count })
	diag.Patterns = patterns

	if total > 0 {
		diag.RecentErrorRate = float64(failed) / float64(total)
	}
	diag.RecentSample = total

	recentRate, recentN := errorRateInWindow(records, now.Add(-RegressionRecentWindow), now)
	baselineRate, _ := errorRateInWindow(records, now.Add(-RegressionBaselineWindow), now.Add(-RegressionRecentWindow))
	diag.Regression = recentN >= RegressionMinSample && (recentRate-baselineRate) > 0.15

	diag.Recommendations = recommendFixes(diag)
	return diag, nil
}

func errorRateInWindow(records []ExecutionRecord, from, to time.Time) (float64, int) {
	var total, failed int
	for _, r := range records {
		if r.ExecutedAt.Before(from) || r.ExecutedAt.After(to) {
			continue
		}
		total++
		if !r.Success {
			failed++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(failed) / float64(total), total
}

func trendOf(firstHalf, secondHalf int) string {
	switch {
	case secondHalf > firstHalf:
		return "increasing"
	case secondHalf < firstHalf:
		return "decreasing"
	default:
		return "stable"
	}
}

func classifyErrorLabel(msg string) string {
	if msg == "" {
		return "unknown"
	}
	return msg
}

// classifySeverity implements spec §4.15's severity table.
func classifySeverity(d Diagnosis) Severity {
	increasing := 0
	for _, p := range d.Patterns {
		if p.Trend == "increasing" {
			increasing++
		}
	}
	switch {
	case d.RecentErrorRate >= 0.7:
		return SeverityCritical
	case d.RecentErrorRate >= 0.5 || increasing >= 3:
		return SeverityHigh
	case d.RecentErrorRate >= 0.3 || d.Regression || increasing >= 1:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// recommendFixes proposes the fix types spec §4.15 maps to the diagnosis:
// the worst-offending tool gets a tool_config/retry_config recommendation;
// persistent patterns surface a system_prompt avoidance instruction.
func recommendFixes(d Diagnosis) []ProposedFix {
	if len(d.ErrorsByTool) == 0 {
		return nil
	}
	worstTool, worstCount := "", -1
	for tool, count := range d.ErrorsByTool {
		if count > worstCount || (count == worstCount && tool < worstTool) {
			worstTool, worstCount = tool, count
		}
	}
	var out []ProposedFix
	out = append(out, ProposedFix{
		Type:        FixRetryConfig,
		ToolID:      worstTool,
		Description: fmt.Sprintf("tighten retry policy for %q (%d recent failures)", worstTool, worstCount),
		AutoFixable: true,
	})
	out = append(out, ProposedFix{
		Type:        FixToolConfig,
		ToolID:      worstTool,
		Description: fmt.Sprintf("disable %q pending investigation", worstTool),
		AutoFixable: true,
	})
	if len(d.Patterns) > 0 {
		out = append(out, ProposedFix{
			Type:        FixSystemPrompt,
			Description: fmt.Sprintf("append avoidance instruction for recurring %q failures", d.Patterns[0].Tool),
			AutoFixable: false,
		})
	}
	return out
}

// autoHeal runs spec §4.15's medium-severity cycle: snapshot, apply the
// first auto-fixable recommendation, self-test, rollback on failure.
func (e *Engine) autoHeal(ctx context.Context, inst *Instance, profile agentprofile.Profile) {
	inst.State = StateProposingFix
	var fix *ProposedFix
	for i := range inst.Diagnosis.Recommendations {
		if inst.Diagnosis.Recommendations[i].AutoFixable {
			fix = &inst.Diagnosis.Recommendations[i]
			break
		}
	}
	if fix == nil {
		inst.State = StateCompleted
		inst.Outcome = OutcomeNoAction
		return
	}
	inst.ProposedFix = fix

	inst.State = StateBackingUp
	snap := snapshotOf(profile)
	inst.ConfigBackup = &snap

	inst.State = StateApplyingFix
	updated, err := e.applyFix(ctx, profile, *fix)
	if err != nil {
		inst.State = StateFailed
		inst.Outcome = OutcomeEscalated
		return
	}
	inst.AppliedFix = fix

	inst.State = StateTesting
	results := e.selfTest(inst.Diagnosis)
	inst.TestResults = &results
	if results.Passed {
		if err := e.profiles.Upsert(ctx, updated); err != nil {
			inst.State = StateFailed
			inst.Outcome = OutcomeEscalated
			return
		}
		inst.State = StateCompleted
		inst.Outcome = OutcomeFixed
		return
	}

	rolledBack := restore(updated, snap)
	if err := e.profiles.Upsert(ctx, rolledBack); err != nil {
		inst.State = StateFailed
		inst.Outcome = OutcomeEscalated
		return
	}
	inst.RolledBackAt = e.now()
	inst.State = StateRolledBack
	inst.Outcome = OutcomeRolledBack
}

// selfTest passes iff the diagnosed error rate is below
// MediumAutoHealPassThreshold (spec §4.15). A real system would re-measure
// after the fix soaks; here the pre-fix diagnosis's rate stands in for that
// measurement, which keeps the test deterministic and collaborator-free.
func (e *Engine) selfTest(d Diagnosis) TestResults {
	return TestResults{ErrorRate: d.RecentErrorRate, Passed: d.RecentErrorRate < MediumAutoHealPassThreshold}
}

func (e *Engine) applyFix(ctx context.Context, profile agentprofile.Profile, fix ProposedFix) (agentprofile.Profile, error) {
	switch fix.Type {
	case FixToolConfig:
		if profile.ToolOverrides == nil {
			profile.ToolOverrides = map[string]agentprofile.ToolOverride{}
		}
		profile.ToolOverrides[fix.ToolID] = agentprofile.ToolOverride{Disabled: true}
		if e.overrides != nil {
			_ = e.overrides.SetOverride(ctx, profile.ID, fix.ToolID, permission.Override{Mode: "disable"})
		}
		return profile, nil
	case FixRetryConfig:
		if profile.ToolOverrides == nil {
			profile.ToolOverrides = map[string]agentprofile.ToolOverride{}
		}
		profile.ToolOverrides[fix.ToolID] = agentprofile.ToolOverride{MaxRetries: 1, DelayMs: 2000, BackoffMultiplier: 2}
		return profile, nil
	case FixSystemPrompt:
		profile.Model.SystemPrompt = profile.Model.SystemPrompt + "\n" + fix.Description
		return profile, nil
	default:
		return profile, coreerr.New(coreerr.CodeInvalidInput, fmt.Sprintf("selfheal: %q is not auto-applicable", fix.Type))
	}
}

// requestApproval implements spec §4.15's high-severity action: enqueue an
// approval record and wait (the engine does not block; a separate approval
// flow resumes it).
func (e *Engine) requestApproval(ctx context.Context, inst *Instance, profile agentprofile.Profile) {
	inst.State = StateProposingFix
	var fix ProposedFix
	if len(inst.Diagnosis.Recommendations) > 0 {
		fix = inst.Diagnosis.Recommendations[0]
	} else {
		fix = ProposedFix{Type: FixSkillAdjustment, Description: "manual review required"}
	}
	inst.ProposedFix = &fix

	inst.State = StateAwaitingApproval
	if e.approvals != nil {
		id, err := e.approvals.Enqueue(ctx, inst.AgentID, fix)
		if err == nil {
			inst.ApprovalID = id
		}
	}
}

// escalateCritical implements spec §4.15's critical-severity action: notify
// the master with full diagnostics, no auto-fix.
func (e *Engine) escalateCritical(ctx context.Context, inst *Instance, profile agentprofile.Profile) {
	inst.State = StateEscalated
	inst.Outcome = OutcomeEscalated
	if e.notifier != nil {
		id, err := e.notifier.NotifyCritical(ctx, inst.AgentID, fmt.Sprintf("error rate %.0f%% over last %s", inst.Diagnosis.RecentErrorRate*100, DiagnosisWindow))
		if err == nil {
			inst.NotificationID = id
		}
	}
}
