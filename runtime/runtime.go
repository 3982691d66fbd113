// Package runtime implements the Agent Runtime (Reasoning Loop), spec §4.8:
// the central per-agent-run plan->act->observe loop, bounded by iteration and
// tool-call budgets, with checkpointing, idempotent side effects via Recovery
// Strategies, and cooperative cancellation.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/agentforge/core/agent"
	"github.com/agentforge/core/agent/hooks"
	"github.com/agentforge/core/agent/memory"
	"github.com/agentforge/core/agent/model"
	"github.com/agentforge/core/agent/policy"
	"github.com/agentforge/core/agent/run"
	"github.com/agentforge/core/agent/telemetry"
	"github.com/agentforge/core/agentprofile"
	"github.com/agentforge/core/auditlog"
	"github.com/agentforge/core/catalog"
	"github.com/agentforge/core/checkpoint"
	"github.com/agentforge/core/concurrency"
	"github.com/agentforge/core/coreerr"
	"github.com/agentforge/core/idempotency"
	"github.com/agentforge/core/permission"
	"github.com/agentforge/core/recovery"
)

// Action is a terminal action requested by the model in place of a tool
// invocation, per spec §4.8 step 5.
type Action string

const (
	ActionDone        Action = "done"
	ActionRespond     Action = "respond"
	ActionSilent      Action = "silent"
	ActionHeartbeatOK Action = "heartbeat_ok"
)

var terminalActions = map[string]Action{
	"done":         ActionDone,
	"respond":      ActionRespond,
	"silent":       ActionSilent,
	"heartbeat_ok": ActionHeartbeatOK,
}

// Defaults for budgets not overridden by the caller or the profile (spec
// §4.8 step 2 leaves the numeric default unspecified beyond "profile
// default"; these are the runtime's built-in fallback).
const (
	DefaultMaxIterations = 10
	DefaultMaxToolCalls  = 15
	DefaultDeadline      = 4 * time.Minute
	DefaultAcquireWait   = 60 * time.Second
)

// ToolExecutor performs the actual side effect for a tool call. Concrete
// tool implementations (messaging, file I/O, web access) are external
// collaborators per spec §1; the runtime only knows tool id, params, and
// whether it has side effects.
type ToolExecutor func(ctx context.Context, agentID, toolID string, params map[string]any) (any, error)

// MemoryRecallFunc retrieves relevant memories for the current iteration's
// prompt assembly (spec §4.8 step 5: "retrieved memories (hybrid search with
// RRF fusion; see §4.11)"). Nil disables memory retrieval.
type MemoryRecallFunc func(ctx context.Context, agentID, situation string) ([]string, error)

// ApprovalSink records a tool call that requires human approval before
// execution (spec §4.8 step 5.a: "On approval, enqueue an approval record
// and continue without executing").
type ApprovalSink func(ctx context.Context, rec ApprovalRecord) error

// ApprovalRecord is one enqueued approval request.
type ApprovalRecord struct {
	AgentID   string
	ToolID    string
	Params    map[string]any
	CreatedAt time.Time
}

// Input describes one invocation of the Agent Runtime.
type Input struct {
	AgentID            string
	Trigger            string
	TriggerContext     map[string]any
	OrchestrationDepth int // spec §4.8 step 4 / §4.9 recursion layer 2

	MaxIterationsOverride int
	MaxToolCallsOverride  int
	Deadline              time.Duration // 0 => DefaultDeadline
	AcquireTimeout        time.Duration // 0 => DefaultAcquireWait

	// HierarchySnippet carries sub-agent context: overall goal and prior
	// specialist findings (spec §4.8 step 5).
	HierarchySnippet string
}

// Output is the result of a run.
type Output struct {
	Actions      []checkpoint.ActionRecord
	Iterations   int
	ToolCalls    int
	TokensUsed   int
	FinalThought string
	Silent       bool
	Responded    bool
	HeartbeatOK  bool // the heartbeat_ok terminal action fired; Heartbeat Monitor observes this
	Approvals    []ApprovalRecord
}

// Runtime is the Agent Runtime. Construct with New.
type Runtime struct {
	profiles    agentprofile.Store
	catalogue   *catalog.Catalogue
	permissions *permission.Matrix
	checkpoints *checkpoint.Service
	recoveries  *recovery.Service
	guard       *concurrency.Guard
	hookRegistry *hooks.Registry
	logger      telemetry.Logger
	audit       *auditlog.Logger

	client       model.Client
	memoryRecall MemoryRecallFunc
	approvals    ApprovalSink
	transcript   memory.Store
	runs         run.Store
}

// Deps bundles Runtime's collaborators. Tool dispatch is not a direct
// dependency: it is supplied to Recoveries (recovery.Service) as the
// underlying recovery.Executor, since every tool call is routed through
// Recovery Strategies (spec §4.8 step 5.c).
type Deps struct {
	Profiles     agentprofile.Store
	Catalogue    *catalog.Catalogue
	Permissions  *permission.Matrix
	Checkpoints  *checkpoint.Service
	Recoveries   *recovery.Service
	Guard        *concurrency.Guard
	Hooks        *hooks.Registry
	Logger       telemetry.Logger
	Audit        *auditlog.Logger
	Model        model.Client
	MemoryRecall MemoryRecallFunc
	Approvals    ApprovalSink

	// Transcript, if set, receives a structured tool-call/tool-result event
	// log per run alongside the Audit Log's category rows and the
	// checkpoint's raw message history. Optional.
	Transcript memory.Store

	// Runs, if set, receives run.Record lifecycle updates (pending, running,
	// completed, failed) for observability/lookup independent of the
	// checkpoint's own active/complete/failed bookkeeping. Optional.
	Runs run.Store
}

// New constructs a Runtime from deps.
func New(deps Deps) *Runtime {
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Runtime{
		profiles:     deps.Profiles,
		catalogue:    deps.Catalogue,
		permissions:  deps.Permissions,
		checkpoints:  deps.Checkpoints,
		recoveries:   deps.Recoveries,
		guard:        deps.Guard,
		hookRegistry: deps.Hooks,
		logger:       logger,
		audit:        deps.Audit,
		client:       deps.Model,
		memoryRecall: deps.MemoryRecall,
		approvals:    deps.Approvals,
		transcript:   deps.Transcript,
		runs:         deps.Runs,
	}
}

// appendTranscript best-effort records events to the Transcript store, if
// configured. Failures are logged at debug level only, matching the Audit
// Log's own swallowed-failure convention.
func (r *Runtime) appendTranscript(ctx context.Context, agentID string, events ...memory.Event) {
	if r.transcript == nil {
		return
	}
	if err := r.transcript.AppendEvents(ctx, agentID, agentID, events...); err != nil {
		r.logger.Debug(ctx, "runtime: transcript append failed", "agent_id", agentID, "error", err)
	}
}

// recordRunStatus best-effort upserts a run.Record to the Runs store, if
// configured. The run is keyed by agentID: this runtime processes one
// active run per agent, matching the Checkpoint Store's own per-agent
// keying.
func (r *Runtime) recordRunStatus(ctx context.Context, agentID, trigger string, status run.Status) {
	if r.runs == nil {
		return
	}
	now := time.Now()
	rec := run.Record{
		AgentID:   agent.Ident(agentID),
		RunID:     agentID,
		Status:    status,
		UpdatedAt: now,
		Labels:    map[string]string{"trigger": trigger},
	}
	if status == run.StatusRunning {
		rec.StartedAt = now
	}
	if err := r.runs.Upsert(ctx, rec); err != nil {
		r.logger.Debug(ctx, "runtime: run status upsert failed", "agent_id", agentID, "error", err)
	}
}

// Run executes the reasoning loop of spec §4.8 for one (agent_id, trigger,
// trigger_context). It blocks for up to in.AcquireTimeout waiting for a
// Concurrency Guard slot (step: "Agent Runtime uses blocking acquire at run
// start"), then runs until a terminal action, budget exhaustion, or the
// run's deadline.
func (r *Runtime) Run(ctx context.Context, in Input) (Output, error) {
	profile, found, err := r.profiles.Get(ctx, in.AgentID)
	if err != nil {
		return Output{}, coreerr.Wrap(coreerr.CodePersistence, "runtime: load profile", err)
	}
	if !found {
		return Output{}, coreerr.Newf(coreerr.CodeNotFound, "runtime: no profile for agent %q", in.AgentID)
	}
	if !profile.IsRunnable() {
		return Output{}, coreerr.Newf(coreerr.CodePolicyViolation, "runtime: agent %q is %s", in.AgentID, profile.Status)
	}

	maxIterations := in.MaxIterationsOverride
	if maxIterations <= 0 {
		maxIterations = profile.RunDefaults.MaxIterations
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	maxToolCalls := in.MaxToolCallsOverride
	if maxToolCalls <= 0 {
		maxToolCalls = profile.RunDefaults.MaxToolCalls
	}
	if maxToolCalls <= 0 {
		maxToolCalls = DefaultMaxToolCalls
	}
	deadline := in.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	acquireTimeout := in.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireWait
	}

	release, err := r.guard.Acquire(ctx, acquireTimeout)
	if err != nil {
		return Output{}, err
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	autonomyLevel := permission.AutonomyLevel(string(profile.AutonomyLevel))

	// Step 3: optional resume from an active checkpoint.
	var cp checkpoint.Checkpoint
	var messages []map[string]any
	actionRecords := make([]checkpoint.ActionRecord, 0)
	iteration := 0
	toolCalls := 0
	tokensUsed := 0

	if existing, resumed, err := r.checkpoints.Load(runCtx, in.AgentID); err == nil && resumed {
		cp = existing
		messages = existing.Messages
		actionRecords = append(actionRecords, existing.ActionRecords...)
		iteration = existing.Iteration
		tokensUsed = existing.TokensUsed
	} else {
		messages = r.buildInitialMessages(profile, in)
	}

	// Step 4: tool list, filtered by permission and recursion depth.
	toolDefs := r.buildToolList(runCtx, profile, autonomyLevel, in.OrchestrationDepth)

	out := Output{Actions: actionRecords}
	r.record(runCtx, auditlog.CategoryReasoningStart, profile, "", map[string]any{"trigger": in.Trigger})
	r.recordRunStatus(runCtx, in.AgentID, in.Trigger, run.StatusRunning)

	for {
		select {
		case <-runCtx.Done():
			r.record(runCtx, auditlog.CategoryError, profile, "", map[string]any{"stage": "deadline"})
			r.markTerminal(runCtx, cp, false)
			r.finishRunStatus(runCtx, in.AgentID, in.Trigger, false)
			out.Iterations = iteration
			out.ToolCalls = toolCalls
			out.TokensUsed = tokensUsed
			out.Actions = actionRecords
			return out, coreerr.New(coreerr.CodeBudgetExceeded, "runtime: deadline exceeded")
		default:
		}
		if iteration >= maxIterations || toolCalls >= maxToolCalls {
			r.record(runCtx, auditlog.CategoryError, profile, "", map[string]any{"stage": "budget_exhausted"})
			r.markTerminal(runCtx, cp, false)
			r.finishRunStatus(runCtx, in.AgentID, in.Trigger, false)
			out.Iterations = iteration
			out.ToolCalls = toolCalls
			out.TokensUsed = tokensUsed
			out.Actions = actionRecords
			return out, coreerr.New(coreerr.CodeBudgetExceeded, "runtime: iteration/tool-call budget exhausted")
		}

		iteration++
		r.record(runCtx, auditlog.CategoryReasoningThink, profile, "", map[string]any{"iteration": iteration})

		r.record(runCtx, auditlog.CategoryAIRequest, profile, "", map[string]any{"iteration": iteration, "model": profile.Model.Model})
		resp, err := r.client.Complete(runCtx, &model.Request{
			RunID:    in.AgentID,
			Messages: toModelMessages(messages),
			Tools:    toolDefs,
		})
		if err != nil {
			r.record(runCtx, auditlog.CategoryError, profile, "", map[string]any{"stage": "model_call", "error": err.Error()})
			r.markTerminal(runCtx, cp, false)
			r.finishRunStatus(runCtx, in.AgentID, in.Trigger, false)
			out.Iterations = iteration
			out.ToolCalls = toolCalls
			out.TokensUsed = tokensUsed
			out.Actions = actionRecords
			return out, coreerr.Wrap(coreerr.CodeToolError, "runtime: model router call failed", err)
		}
		r.record(runCtx, auditlog.CategoryAIResponse, profile, "", map[string]any{"iteration": iteration, "tokens": resp.Usage.TotalTokens})
		tokensUsed += resp.Usage.TotalTokens

		if len(resp.ToolCalls) == 0 {
			// No action requested; treat as an implicit silent terminal action.
			out.Silent = true
			out.Iterations = iteration
			out.ToolCalls = toolCalls
			out.TokensUsed = tokensUsed
			out.Actions = actionRecords
			r.markTerminal(runCtx, cp, true)
			r.finishRunStatus(runCtx, in.AgentID, in.Trigger, true)
			return out, nil
		}

		call := resp.ToolCalls[0]
		if action, ok := terminalActions[string(call.Name)]; ok {
			summary := extractSummary(resp.Content)
			switch action {
			case ActionDone:
				out.FinalThought = summary
			case ActionRespond:
				out.Responded = true
				r.emitAudit(runCtx, "OUTBOUND", in.AgentID, summary)
				r.record(runCtx, auditlog.CategoryOutgoing, profile, summary, nil)
			case ActionSilent:
				out.Silent = true
			case ActionHeartbeatOK:
				out.HeartbeatOK = true
			}
			out.Iterations = iteration
			out.ToolCalls = toolCalls
			out.TokensUsed = tokensUsed
			out.Actions = actionRecords
			r.markTerminal(runCtx, cp, true)
			r.finishRunStatus(runCtx, in.AgentID, in.Trigger, true)
			return out, nil
		}

		select {
		case <-runCtx.Done():
			r.markTerminal(runCtx, cp, false)
			r.finishRunStatus(runCtx, in.AgentID, in.Trigger, false)
			out.Iterations = iteration
			out.ToolCalls = toolCalls
			out.TokensUsed = tokensUsed
			out.Actions = actionRecords
			return out, coreerr.New(coreerr.CodeBudgetExceeded, "runtime: deadline exceeded before tool dispatch")
		default:
		}

		toolID := string(call.Name)
		params := decodePayload(call.Payload)

		decision, err := r.permissions.CanExecute(runCtx, in.AgentID, toolID, autonomyLevel)
		if err != nil {
			decision = permission.DecisionDeny
		}
		switch decision {
		case permission.DecisionDeny:
			messages = appendObservation(messages, toolID, nil, "permission denied")
			continue
		case permission.DecisionApprove:
			if r.approvals != nil {
				_ = r.approvals(runCtx, ApprovalRecord{AgentID: in.AgentID, ToolID: toolID, Params: params, CreatedAt: time.Now()})
			}
			out.Approvals = append(out.Approvals, ApprovalRecord{AgentID: in.AgentID, ToolID: toolID, Params: params, CreatedAt: time.Now()})
			messages = appendObservation(messages, toolID, nil, "awaiting approval")
			continue
		}

		entry := r.catalogue.Lookup(toolID)
		isSideEffect := entry.IsSideEffect || idempotency.IsSideEffectTool(toolID)

		toolCalls++
		r.record(runCtx, auditlog.CategoryToolCall, profile, "", map[string]any{"tool_id": toolID, "params": params})
		r.appendTranscript(runCtx, in.AgentID, memory.Event{
			Type:      memory.EventToolCall,
			Timestamp: time.Now(),
			Data:      params,
			Labels:    map[string]string{"tool": toolID},
		})
		result, rerr := r.recoveries.Run(runCtx, in.AgentID, toolID, params, entry.Alternatives, isSideEffect)

		record := checkpoint.ActionRecord{
			ToolID:    toolID,
			Params:    params,
			Timestamp: time.Now(),
		}
		if rerr != nil {
			record.Error = rerr.Error()
			if result.Analysis != nil {
				record.Recovery = map[string]any{"strategy": result.Strategy, "error_type": string(result.Analysis.ErrorType)}
			}
			messages = appendObservation(messages, toolID, nil, rerr.Error())
			r.record(runCtx, auditlog.CategoryError, profile, "", map[string]any{"tool_id": toolID, "error": rerr.Error()})
			r.appendTranscript(runCtx, in.AgentID, memory.Event{
				Type:      memory.EventToolResult,
				Timestamp: time.Now(),
				Data:      rerr.Error(),
				Labels:    map[string]string{"tool": toolID, "error": "true"},
			})
		} else {
			record.Result = result.Value
			record.Recovery = map[string]any{"strategy": result.Strategy, "attempts": result.Attempts}
			messages = appendObservation(messages, toolID, result.Value, "")
			r.record(runCtx, auditlog.CategoryToolResult, profile, "", map[string]any{"tool_id": toolID})
			r.appendTranscript(runCtx, in.AgentID, memory.Event{
				Type:      memory.EventToolResult,
				Timestamp: time.Now(),
				Data:      result.Value,
				Labels:    map[string]string{"tool": toolID},
			})
		}
		actionRecords = append(actionRecords, record)

		// Step 5.e: checkpoint after every iteration that dispatched a tool.
		// Denied and approval-pending calls continue above without a save.
		cp, err = r.checkpoints.Save(runCtx, in.AgentID, func(c *checkpoint.Checkpoint) {
			c.Trigger = in.Trigger
			c.TriggerContext = in.TriggerContext
			c.Iteration = iteration
			c.Messages = messages
			c.ActionRecords = actionRecords
			c.TokensUsed = tokensUsed
		})
		if err != nil {
			r.logger.Warn(runCtx, "runtime: checkpoint save failed", "agent_id", in.AgentID, "error", err)
		}
	}
}

func (r *Runtime) markTerminal(ctx context.Context, cp checkpoint.Checkpoint, success bool) {
	if cp.ID == "" {
		return
	}
	if success {
		_ = r.checkpoints.Complete(ctx, cp.ID)
	} else {
		_ = r.checkpoints.Fail(ctx, cp.ID)
	}
}

// finishRunStatus records the terminal run.Status corresponding to a
// checkpoint outcome: success maps to completed, failure to failed.
func (r *Runtime) finishRunStatus(ctx context.Context, agentID, trigger string, success bool) {
	status := run.StatusFailed
	if success {
		status = run.StatusCompleted
	}
	r.recordRunStatus(ctx, agentID, trigger, status)
}

// record writes one Audit Log row for the current run, if an audit logger
// is configured. A nil Logger (or unset category description) is fine: see
// auditlog.Logger.Record.
func (r *Runtime) record(ctx context.Context, category auditlog.Category, profile agentprofile.Profile, description string, metadata map[string]any) {
	if r.audit == nil {
		return
	}
	r.audit.Record(ctx, category, profile.ID, profile.UserID, "", description, metadata)
}

func (r *Runtime) emitAudit(ctx context.Context, direction, agentID, message string) {
	if r.hookRegistry == nil {
		return
	}
	r.hookRegistry.EmitAsync(ctx, "audit:communication_outbound", &hooks.Context{
		Event: "audit:communication_outbound",
		Data: map[string]any{
			"agent_id":  agentID,
			"direction": direction,
			"message":   message,
		},
	})
}

func (r *Runtime) buildInitialMessages(profile agentprofile.Profile, in Input) []map[string]any {
	msgs := []map[string]any{
		{"role": "system", "content": profile.Model.SystemPrompt},
	}
	if in.HierarchySnippet != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": in.HierarchySnippet})
	}
	if r.memoryRecall != nil {
		if recalled, err := r.memoryRecall(context.Background(), profile.ID, in.Trigger); err == nil && len(recalled) > 0 {
			for _, m := range recalled {
				msgs = append(msgs, map[string]any{"role": "system", "content": "memory: " + m})
			}
		}
	}
	msgs = append(msgs, map[string]any{"role": "user", "content": fmt.Sprintf("trigger=%s context=%v", in.Trigger, in.TriggerContext)})
	return msgs
}

// buildToolList computes the per-turn tool allowlist by driving the
// Tool-Permission Matrix through its policy.Engine conformance (spec §4.7
// / §4.8 step 4), the same entry point a swapped-in policy engine would use.
func (r *Runtime) buildToolList(ctx context.Context, profile agentprofile.Profile, autonomyLevel, orchestrationDepth int) []*model.ToolDefinition {
	entries := r.catalogue.All()
	candidates := make([]policy.ToolMetadata, 0, len(entries))
	for _, e := range entries {
		candidates = append(candidates, policy.ToolMetadata{ID: e.ToolID})
	}

	decision, err := r.permissions.Decide(ctx, policy.Input{
		RunContext: run.Context{
			RunID: profile.ID,
			Labels: map[string]string{
				"agent_id":            profile.ID,
				"autonomy_level":      strconv.Itoa(autonomyLevel),
				"_orchestrationDepth": strconv.Itoa(orchestrationDepth),
			},
		},
		Tools: candidates,
	})

	defs := make([]*model.ToolDefinition, 0, len(entries)+len(terminalActions))
	if err == nil {
		for _, t := range decision.AllowedTools {
			defs = append(defs, &model.ToolDefinition{Name: t.ID})
		}
	}
	for name := range terminalActions {
		defs = append(defs, &model.ToolDefinition{Name: name})
	}
	return defs
}

func toModelMessages(msgs []map[string]any) []*model.Message {
	out := make([]*model.Message, 0, len(msgs))
	for _, m := range msgs {
		role := model.ConversationRoleUser
		if v, ok := m["role"].(string); ok {
			role = model.ConversationRole(v)
		}
		text, _ := m["content"].(string)
		out = append(out, &model.Message{Role: role, Parts: []model.Part{model.TextPart{Text: text}}})
	}
	return out
}

func appendObservation(msgs []map[string]any, toolID string, result any, errMsg string) []map[string]any {
	content := fmt.Sprintf("tool=%s result=%v", toolID, result)
	if errMsg != "" {
		content = fmt.Sprintf("tool=%s error=%s", toolID, errMsg)
	}
	return append(msgs, map[string]any{"role": "user", "content": content})
}

func decodePayload(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func extractSummary(content []model.Message) string {
	for _, m := range content {
		for _, p := range m.Parts {
			if t, ok := p.(model.TextPart); ok {
				return t.Text
			}
		}
	}
	return ""
}
