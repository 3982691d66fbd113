// Package triggerengine implements the Trigger Engine (spec §4.13): a
// scheduler that ticks every minute and, for each eligible agent, evaluates
// a fixed set of self-prompting triggers.
package triggerengine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron"

	"github.com/agentforge/core/agentprofile"
	"github.com/agentforge/core/concurrency"
	"github.com/agentforge/core/coreerr"
	"github.com/agentforge/core/runtime"
)

// TriggerKind names one of the eight self-prompting triggers (spec §4.13).
type TriggerKind string

const (
	TriggerIdleDetection       TriggerKind = "idle_detection"
	TriggerGoalCheck           TriggerKind = "goal_check"
	TriggerReflectionSchedule  TriggerKind = "reflection_schedule"
	TriggerContextChange       TriggerKind = "context_change"
	TriggerHealthCheck         TriggerKind = "health_check"
	TriggerFollowUp            TriggerKind = "follow_up"
	TriggerProactiveContact    TriggerKind = "proactive_contact"
	TriggerPendingTaskReminder TriggerKind = "pending_task_reminder"
)

// Defaults for trigger evaluation, overridable per-agent via Config.
const (
	DefaultIdleThreshold        = 15 * time.Minute
	DefaultReflectionInterval   = 6 * time.Hour
	DefaultMaxPromptsPerHour    = 10
	DefaultAutoApproveThreshold = 0.9
	DefaultReminderHours        = 12 * time.Hour
	DefaultFollowUpDelay        = 30 * time.Minute
	DefaultFollowUpTolerance    = 10 * time.Minute
	ProactiveContactWindow      = 5 * time.Minute
	ProactiveContactCooldown    = 23 * time.Hour
	SelfPromptExpiry            = 24 * time.Hour
	SelfPromptRunTimeout        = 3 * time.Minute
)

// Config is the per-agent tunable parameters for trigger evaluation. Zero
// values fall back to the Default* constants above.
type Config struct {
	IdleThreshold        time.Duration
	ReflectionInterval    time.Duration
	MaxPromptsPerHour     int
	AutoApproveThreshold  float64
	RequireApprovalFor    map[string]bool // action -> true means never auto-approve
	ReminderHours         time.Duration
	FollowUpDelay         time.Duration
	ProactiveContactAt    *time.Duration // time-of-day offset since midnight, local
	EnabledTriggers       map[TriggerKind]bool // nil/empty means all enabled
}

func (c Config) idleThreshold() time.Duration {
	if c.IdleThreshold > 0 {
		return c.IdleThreshold
	}
	return DefaultIdleThreshold
}

func (c Config) reflectionInterval() time.Duration {
	if c.ReflectionInterval > 0 {
		return c.ReflectionInterval
	}
	return DefaultReflectionInterval
}

func (c Config) maxPromptsPerHour() int {
	if c.MaxPromptsPerHour > 0 {
		return c.MaxPromptsPerHour
	}
	return DefaultMaxPromptsPerHour
}

func (c Config) autoApproveThreshold() float64 {
	if c.AutoApproveThreshold > 0 {
		return c.AutoApproveThreshold
	}
	return DefaultAutoApproveThreshold
}

func (c Config) reminderHours() time.Duration {
	if c.ReminderHours > 0 {
		return c.ReminderHours
	}
	return DefaultReminderHours
}

func (c Config) followUpDelay() time.Duration {
	if c.FollowUpDelay > 0 {
		return c.FollowUpDelay
	}
	return DefaultFollowUpDelay
}

func (c Config) enabled(k TriggerKind) bool {
	if len(c.EnabledTriggers) == 0 {
		return true
	}
	return c.EnabledTriggers[k]
}

// Goal is the subset of an agent's active-goal state a trigger evaluation
// needs.
type Goal struct {
	HasDeadline bool
	DeadlineAt  time.Time
	Progress    float64 // 0..1
}

// Signals is the point-in-time agent state the trigger conditions evaluate
// against (spec §4.13's condition table). A SignalProvider supplies it; the
// Trigger Engine has no opinion on how it is computed.
type Signals struct {
	LastActiveAt           time.Time
	LastReflectionAt       time.Time
	Goals                  []Goal
	UnreadInboundCount     int
	OverdueTaskCount       int
	Executions24h          int
	ErrorRate24h           float64
	PerformanceTrend       string // "degrading", "stable", "improving"
	LastOutgoingResponseAt time.Time
	RepliedSinceOutgoing   bool
	StaleTaskCount         int
}

// SignalProvider supplies the live agent state a trigger evaluation needs.
type SignalProvider interface {
	Signals(ctx context.Context, agentID string) (Signals, error)
}

// ConfigProvider supplies per-agent trigger configuration. A nil
// ConfigProvider (or one returning found=false) uses an all-defaults Config.
type ConfigProvider interface {
	Config(ctx context.Context, agentID string) (Config, bool, error)
}

// PromptStatus is a self-prompt's approval state.
type PromptStatus string

const (
	PromptApproved PromptStatus = "approved"
	PromptPending  PromptStatus = "pending"
)

// SelfPrompt is the record produced by a firing trigger (spec §4.13).
type SelfPrompt struct {
	ID         string
	AgentID    string
	Trigger    TriggerKind
	Action     string
	Confidence float64
	Status     PromptStatus
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero for approved prompts (autonomous agents execute them immediately)
}

// Store persists self-prompts and answers the rate-limit/cooldown queries
// evaluation needs.
type Store interface {
	Save(ctx context.Context, p SelfPrompt) error
	CountSince(ctx context.Context, agentID string, since time.Time) (int, error)
	LastFired(ctx context.Context, agentID string, trigger TriggerKind) (time.Time, bool, error)
	RecordFired(ctx context.Context, agentID string, trigger TriggerKind, at time.Time) error
}

// Runner invokes the Agent Runtime. Matches *runtime.Runtime.Run.
type Runner interface {
	Run(ctx context.Context, in runtime.Input) (runtime.Output, error)
}

// Deps bundles the Engine's collaborators.
type Deps struct {
	Profiles agentprofile.Store
	Signals  SignalProvider
	Configs  ConfigProvider
	Store    Store
	Guard    *concurrency.Guard
	Runner   Runner
}

// Engine is the Trigger Engine.
type Engine struct {
	profiles agentprofile.Store
	signals  SignalProvider
	configs  ConfigProvider
	store    Store
	guard    *concurrency.Guard
	runner   Runner
	newID    func() string
	now      func() time.Time

	cron *cron.Cron
}

// New constructs an Engine. Call Start to begin the one-minute scan loop.
func New(deps Deps) *Engine {
	return &Engine{
		profiles: deps.Profiles,
		signals:  deps.Signals,
		configs:  deps.Configs,
		store:    deps.Store,
		guard:    deps.Guard,
		runner:   deps.Runner,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Start begins the one-minute scan schedule (spec §4.13: "a scheduler that
// ticks every minute"). Agents is the full set of candidate agent ids; the
// engine filters to status/autonomy eligibility on each tick.
func (e *Engine) Start(ctx context.Context, agents func(context.Context) ([]string, error)) error {
	e.cron = cron.New()
	err := e.cron.AddFunc("@every 1m", func() {
		e.tick(ctx, agents)
	})
	if err != nil {
		return coreerr.Wrap(coreerr.CodeInvalidInput, "triggerengine: schedule tick", err)
	}
	e.cron.Start()
	return nil
}

// Stop halts the scan schedule.
func (e *Engine) Stop() {
	if e.cron != nil {
		e.cron.Stop()
	}
}

func (e *Engine) tick(ctx context.Context, agents func(context.Context) ([]string, error)) {
	ids, err := agents(ctx)
	if err != nil {
		return
	}
	for _, id := range ids {
		e.evaluateAgent(ctx, id)
	}
}

// EvaluateAgent runs one tick's worth of trigger evaluation for a single
// agent. Exported so callers (tests, an on-demand re-scan endpoint) can
// invoke it outside the cron schedule.
func (e *Engine) EvaluateAgent(ctx context.Context, agentID string) ([]SelfPrompt, error) {
	return e.evaluateAgent(ctx, agentID)
}

func (e *Engine) evaluateAgent(ctx context.Context, agentID string) ([]SelfPrompt, error) {
	profile, ok, err := e.profiles.Get(ctx, agentID)
	if err != nil || !ok {
		return nil, err
	}
	if profile.Status != agentprofile.StatusActive {
		return nil, nil
	}
	if profile.AutonomyLevel != agentprofile.AutonomySemiAutonomous && profile.AutonomyLevel != agentprofile.AutonomyAutonomous {
		return nil, nil
	}

	cfg := Config{}
	if e.configs != nil {
		if found, ok, err := e.configs.Config(ctx, agentID); err == nil && ok {
			cfg = found
		}
	}

	sig := Signals{}
	if e.signals != nil {
		sig, err = e.signals.Signals(ctx, agentID)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.CodeToolError, "triggerengine: load signals", err)
		}
	}

	now := e.now()
	var fired []firing
	for _, f := range e.evaluateTriggers(cfg, sig, now) {
		if !cfg.enabled(f.trigger) {
			continue
		}
		if !e.cooldownCleared(ctx, agentID, f.trigger, now) {
			continue
		}
		fired = append(fired, f)
	}
	if len(fired) == 0 {
		return nil, nil
	}

	limit := cfg.maxPromptsPerHour()
	used, err := e.store.CountSince(ctx, agentID, now.Add(-time.Hour))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodePersistence, "triggerengine: count recent prompts", err)
	}

	var prompts []SelfPrompt
	for _, f := range fired {
		if used >= limit {
			break
		}
		p := e.buildPrompt(cfg, agentID, f, now)
		if err := e.store.Save(ctx, p); err != nil {
			return prompts, coreerr.Wrap(coreerr.CodePersistence, "triggerengine: save self-prompt", err)
		}
		_ = e.store.RecordFired(ctx, agentID, f.trigger, now)
		used++
		prompts = append(prompts, p)

		if p.Status == PromptApproved && profile.AutonomyLevel == agentprofile.AutonomyAutonomous {
			e.executeApproved(ctx, agentID, p)
		}
	}
	return prompts, nil
}

func (e *Engine) buildPrompt(cfg Config, agentID string, f firing, now time.Time) SelfPrompt {
	p := SelfPrompt{
		ID:         e.newID(),
		AgentID:    agentID,
		Trigger:    f.trigger,
		Action:     f.action,
		Confidence: f.confidence,
		CreatedAt:  now,
	}
	requiresApproval := cfg.RequireApprovalFor != nil && cfg.RequireApprovalFor[f.action]
	if !requiresApproval && f.confidence >= cfg.autoApproveThreshold() {
		p.Status = PromptApproved
	} else {
		p.Status = PromptPending
		p.ExpiresAt = now.Add(SelfPromptExpiry)
	}
	return p
}

// executeApproved reserves a Concurrency Guard slot (non-blocking) and
// invokes the Agent Runtime (spec §4.13: "for autonomous-level agents, an
// approved prompt executes immediately"). At capacity, execution is
// skipped; the prompt record remains as the audit trail of what fired.
func (e *Engine) executeApproved(ctx context.Context, agentID string, p SelfPrompt) {
	if e.guard == nil || e.runner == nil {
		return
	}
	release, ok := e.guard.TryAcquire()
	if !ok {
		return
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, SelfPromptRunTimeout)
	defer cancel()
	_, _ = e.runner.Run(runCtx, runtime.Input{
		AgentID: agentID,
		Trigger: "periodic_think",
		TriggerContext: map[string]any{
			"self_prompt_id": p.ID,
			"trigger_kind":   string(p.Trigger),
			"action":         p.Action,
		},
	})
}

func (e *Engine) cooldownCleared(ctx context.Context, agentID string, trigger TriggerKind, now time.Time) bool {
	last, ok, err := e.store.LastFired(ctx, agentID, trigger)
	if err != nil || !ok {
		return true
	}
	window := cooldownWindow(trigger)
	return now.Sub(last) >= window
}

func cooldownWindow(trigger TriggerKind) time.Duration {
	if trigger == TriggerProactiveContact {
		return ProactiveContactCooldown
	}
	return time.Minute // each trigger's own condition already gates re-firing; the cooldown key mainly prevents re-firing within the same tick
}

type firing struct {
	trigger    TriggerKind
	action     string
	confidence float64
}

// evaluateTriggers checks every enabled trigger's firing condition against
// the current signals (spec §4.13's table) and returns the ones that fire.
func (e *Engine) evaluateTriggers(cfg Config, sig Signals, now time.Time) []firing {
	var out []firing

	if !sig.LastActiveAt.IsZero() && now.Sub(sig.LastActiveAt) >= cfg.idleThreshold() {
		out = append(out, firing{TriggerIdleDetection, "check_messages", 0.8})
	}

	if f, ok := evaluateGoalCheck(sig.Goals, now); ok {
		out = append(out, f)
	}

	if !sig.LastReflectionAt.IsZero() && now.Sub(sig.LastReflectionAt) >= cfg.reflectionInterval() {
		out = append(out, firing{TriggerReflectionSchedule, "self_reflect", 0.85})
	}

	if sig.UnreadInboundCount >= 5 {
		out = append(out, firing{TriggerContextChange, "check_messages", 0.9})
	} else if sig.OverdueTaskCount > 0 {
		out = append(out, firing{TriggerContextChange, "review_goals", 0.7})
	}

	if f, ok := evaluateHealthCheck(sig); ok {
		out = append(out, f)
	}

	if sig.Executions24h > 0 && !sig.RepliedSinceOutgoing && !sig.LastOutgoingResponseAt.IsZero() {
		delay := cfg.followUpDelay()
		elapsed := now.Sub(sig.LastOutgoingResponseAt)
		if elapsed >= delay-DefaultFollowUpTolerance && elapsed <= delay+DefaultFollowUpTolerance {
			out = append(out, firing{TriggerFollowUp, "follow_up_check_in", 0.85})
		}
	}

	if cfg.ProactiveContactAt != nil {
		sinceMidnight := now.Sub(startOfDay(now))
		diff := sinceMidnight - *cfg.ProactiveContactAt
		if diff < 0 {
			diff = -diff
		}
		if diff <= ProactiveContactWindow {
			out = append(out, firing{TriggerProactiveContact, "proactive_outreach", 0.9})
		}
	}

	if sig.StaleTaskCount > 0 {
		out = append(out, firing{TriggerPendingTaskReminder, "follow_up_check_in", 0.8})
	}

	return out
}

func evaluateGoalCheck(goals []Goal, now time.Time) (firing, bool) {
	for _, g := range goals {
		if g.HasDeadline {
			daysLeft := g.DeadlineAt.Sub(now).Hours() / 24
			if daysLeft <= 3 && g.Progress < 0.8 {
				confidence := 0.95 - 0.2*g.Progress // more urgent (lower progress) scores higher, clamped below
				if confidence < 0.75 {
					confidence = 0.75
				}
				if confidence > 0.95 {
					confidence = 0.95
				}
				return firing{TriggerGoalCheck, "review_goals", confidence}, true
			}
		} else if g.Progress < 0.2 {
			return firing{TriggerGoalCheck, "review_goals", 0.75}, true
		}
	}
	return firing{}, false
}

func evaluateHealthCheck(sig Signals) (firing, bool) {
	if sig.Executions24h < 5 {
		return firing{}, false
	}
	degrading := sig.PerformanceTrend == "degrading"
	if sig.ErrorRate24h <= 0.2 && !degrading {
		return firing{}, false
	}
	confidence := 0.8
	if sig.ErrorRate24h > 0.5 || degrading {
		confidence = 0.95
	}
	return firing{TriggerHealthCheck, "health_check", confidence}, true
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
