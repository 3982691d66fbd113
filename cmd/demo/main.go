// Command demo wires every component of the agent runtime core into one
// process and runs a single agent through one reasoning-loop turn, in the
// spirit of the teacher's own cmd/demo: a minimal, runnable assembly rather
// than a deployment manifest.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/agentforge/core/agent/hooks"
	"github.com/agentforge/core/agent/memory"
	"github.com/agentforge/core/agent/model"
	runinmem "github.com/agentforge/core/agent/run/inmem"
	"github.com/agentforge/core/agent/telemetry"
	"github.com/agentforge/core/agentprofile"
	"github.com/agentforge/core/auditlog"
	"github.com/agentforge/core/catalog"
	"github.com/agentforge/core/checkpoint"
	"github.com/agentforge/core/concurrency"
	"github.com/agentforge/core/config"
	"github.com/agentforge/core/heartbeat"
	"github.com/agentforge/core/hierarchy"
	"github.com/agentforge/core/idempotency"
	"github.com/agentforge/core/memoryservice"
	"github.com/agentforge/core/modelrouter"
	"github.com/agentforge/core/modelrouter/anthropic"
	"github.com/agentforge/core/orchestrator"
	"github.com/agentforge/core/permission"
	"github.com/agentforge/core/recovery"
	"github.com/agentforge/core/runtime"
	"github.com/agentforge/core/selfheal"
	"github.com/agentforge/core/triggerengine"
)

// echoClient is a stub model.Client standing in for a configured provider
// adapter, so the demo runs without network access or API keys. It always
// answers with the terminal "respond" action.
type echoClient struct{}

func (echoClient) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	return &model.Response{
		Content: []model.Message{{
			Role:  model.ConversationRoleAssistant,
			Parts: []model.Part{model.TextPart{Text: "Hello from the agent runtime core."}},
		}},
		ToolCalls: []model.ToolCall{{Name: "respond", Payload: []byte(`{"message":"Hello from the agent runtime core."}`)}},
		StopReason: "tool_use",
	}, nil
}

func (echoClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file (defaults to zero-infra in-memory config)")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			panic(err)
		}
		cfg = loaded
	}

	ctx := context.Background()
	logger := telemetry.NewNoopLogger()

	// --- Tool Catalogue / Tool-Permission Matrix ---------------------------
	cat := catalog.NewCatalogue()
	for _, e := range []catalog.Entry{
		{ToolID: "observeEnv", Category: catalog.CategoryObservation},
		{ToolID: "recallMemory", Category: catalog.CategoryMemoryRead},
		{ToolID: "storeMemory", Category: catalog.CategoryMemoryWrite},
		{ToolID: "sendEmail", Category: catalog.CategoryCommunicationOutbnd, IsSideEffect: true},
		{ToolID: "createTask", Category: catalog.CategorySelfManagement, IsSideEffect: true},
		{ToolID: "orchestrate", Category: catalog.CategorySubagentManage},
		{ToolID: "createSpecialist", Category: catalog.CategorySubagentManage},
	} {
		if err := cat.Register(e); err != nil {
			panic(fmt.Errorf("demo: register tool %s: %w", e.ToolID, err))
		}
		if e.IsSideEffect {
			idempotency.RegisterSideEffectTool(e.ToolID)
		}
	}

	overridesStore := selfheal.NewMemoryOverridesStore()
	matrix := permission.New(cat, nil, overridesStore.Load)
	overridesStore.Bind(matrix)

	// --- Agent Profiles -----------------------------------------------------
	profiles := agentprofile.NewMemoryStore()
	const masterID = "agent.master"
	now := time.Now()
	master := agentprofile.Profile{
		ID:             masterID,
		Name:           "Demo Master",
		AgentType:      agentprofile.TypeMaster,
		HierarchyLevel: 0,
		HierarchyPath:  "/" + masterID,
		AutonomyLevel:  agentprofile.AutonomyAutonomous,
		Model:          agentprofile.ModelRouting{Provider: cfg.Model.Name, Model: cfg.Model.DefaultModel},
		Children: agentprofile.ChildPolicy{
			CanCreateChildren:   true,
			MaxChildren:         5,
			MaxHierarchyDepth:   3,
			ChildrenAutonomyCap: agentprofile.AutonomySemiAutonomous,
		},
		Status:    agentprofile.StatusActive,
		Heartbeat: agentprofile.HeartbeatConfig{Enabled: true, IntervalMs: 60000, EscalateAfterMisses: 3},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := master.Validate(); err != nil {
		panic(err)
	}
	if err := profiles.Upsert(ctx, master); err != nil {
		panic(err)
	}

	// --- Idempotency / Checkpoint / Recovery --------------------------------
	idemStore := idempotency.NewCache()
	idemSvc := idempotency.NewService(idemStore)

	cpStore := checkpoint.NewMemoryStore()
	cpSvc := checkpoint.NewService(cpStore)

	exec := demoToolExecutor()
	recoverySvc := recovery.New(idemSvc, exec)

	guard := concurrency.New(cfg.MaxConcurrentBackground())
	hookRegistry := hooks.NewRegistry(logger, telemetry.NewNoopMetrics())

	// --- Audit Log ------------------------------------------------------
	auditStore := auditlog.NewMemoryStore()
	audit := auditlog.New(auditlog.Deps{Store: auditStore, Logger: logger})
	sweeper := auditlog.NewSweeper(auditStore, logger)
	_ = sweeper

	// --- Memory Service ------------------------------------------------
	memSvc := memoryservice.New(memoryservice.Deps{
		Vectors:    memoryservice.NewMemoryVectorIndex(),
		Keywords:   memoryservice.NewMemoryKeywordIndex(),
		Structured: memoryservice.NewMemoryStructuredStore(),
		Embed:      stubEmbedder,
	})
	recall := func(ctx context.Context, agentID, situation string) ([]string, error) {
		hits, err := memSvc.Recall(ctx, agentID, situation, memoryservice.SearchHybrid, 5)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(hits))
		for _, h := range hits {
			out = append(out, h.Content)
		}
		return out, nil
	}

	// --- Model Router --------------------------------------------------
	var client model.Client = echoClient{}
	if cfg.Model.Name == "anthropic" && cfg.Model.APIKey != "" {
		ac, err := anthropic.NewFromAPIKey(cfg.Model.APIKey, cfg.Model.DefaultModel)
		if err != nil {
			panic(err)
		}
		client = ac
	}
	if cfg.Model.InitialTPM > 0 {
		limiter := modelrouter.NewAdaptiveRateLimiter(cfg.Model.InitialTPM, cfg.Model.MaxTPM)
		client = limiter.Middleware()(client)
	}

	// --- Agent Runtime ---------------------------------------------------
	rt := runtime.New(runtime.Deps{
		Profiles:     profiles,
		Catalogue:    cat,
		Permissions:  matrix,
		Checkpoints:  cpSvc,
		Recoveries:   recoverySvc,
		Guard:        guard,
		Hooks:        hookRegistry,
		Logger:       logger,
		Audit:        audit,
		Model:        client,
		MemoryRecall: recall,
		Transcript:   memory.NewInMemoryStore(),
		Runs:         runinmem.New(),
	})

	// --- Orchestrator / Hierarchy / Trigger Engine / Heartbeat / Self-Healing
	orch := orchestrator.New(profiles, rt)
	hier := hierarchy.New(profiles)

	triggerSignals := triggerengine.NewMemorySignals()
	triggers := triggerengine.New(triggerengine.Deps{
		Profiles: profiles,
		Signals:  triggerSignals,
		Configs:  triggerengine.NewMemoryConfigs(),
		Store:    triggerengine.NewMemoryStore(),
		Guard:    guard,
		Runner:   rt,
	})

	hb := heartbeat.New(heartbeat.Deps{
		Profiles: profiles,
		Runner:   rt,
		Notifier: demoNotifier{},
	})

	heal := selfheal.New(selfheal.Deps{
		Profiles:  profiles,
		History:   selfheal.NewMemoryHistory(),
		Store:     selfheal.NewMemoryStore(),
		Notifier:  selfheal.NoopNotifier{},
		Approvals: selfheal.NewMemoryApprovals(),
		Overrides: overridesStore,
	})

	// --- Run one turn on the master agent -----------------------------------
	out, err := rt.Run(ctx, runtime.Input{
		AgentID:        masterID,
		Trigger:        "manual",
		TriggerContext: map[string]any{"message": "Say hi"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Println("Iterations:", out.Iterations)
	fmt.Println("Responded:", out.Responded)
	fmt.Println("Final:", out.FinalThought)

	// --- Spin up a specialist sub-agent and delegate through it -------------
	specialist, err := hier.CreateSubAgent(ctx, masterID, hierarchy.NewSubAgent{
		Name:               "Demo Specialist",
		Role:               "research",
		Model:              agentprofile.ModelRouting{Provider: cfg.Model.Name, Model: cfg.Model.DefaultModel},
		AutonomyLevel:      agentprofile.AutonomySemiAutonomous,
		CreatedByType:      agentprofile.CreatedByAgentic,
		CreatedByAgenticID: masterID,
	})
	if err != nil {
		panic(err)
	}
	fmt.Println("Specialist created:", specialist.ID, specialist.HierarchyPath)

	orchOut, err := orch.Orchestrate(ctx, orchestrator.Input{
		ManagerAgentID: masterID,
		Goal:           "Summarize the demo environment",
		Subtasks:       []orchestrator.Subtask{{Title: "Summarize", Description: "Say hi", RequiredSkills: []string{"research"}}},
		Mode:           orchestrator.ModeSequential,
	})
	if err != nil {
		panic(err)
	}
	fmt.Println("Orchestration results:", len(orchOut.Results))

	// --- Heartbeat and Trigger Engine lifecycle ------------------------------
	hb.StartAgent(ctx, master)
	hb.StopAgent(master.ID)

	triggerSignals.Set(masterID, triggerengine.Signals{})
	if _, err := triggers.EvaluateAgent(ctx, masterID); err != nil {
		panic(err)
	}

	// --- Self-Healing Engine --------------------------------------------
	if _, err := heal.Run(ctx, masterID); err != nil {
		panic(err)
	}
}

func demoToolExecutor() recovery.Executor {
	return func(ctx context.Context, toolID string, params map[string]any) (any, error) {
		switch toolID {
		case "observeEnv":
			return map[string]any{"status": "nominal"}, nil
		case "recallMemory", "storeMemory":
			return map[string]any{"ok": true}, nil
		case "sendEmail":
			return nil, errors.New("demo: outbound email delivery is not wired in this entrypoint")
		case "createTask":
			return map[string]any{"task_id": "demo-task-1"}, nil
		default:
			return nil, fmt.Errorf("demo: no executor registered for tool %q", toolID)
		}
	}
}

func stubEmbedder(_ context.Context, text string) ([]float32, error) {
	sum := 0
	for _, r := range text {
		sum += int(r)
	}
	v := make([]float32, 8)
	for i := range v {
		v[i] = float32((sum+i)%97) / 97
	}
	return v, nil
}

type demoNotifier struct{}

func (demoNotifier) NotifyCritical(_ context.Context, agentID, masterContact, reason string) error {
	fmt.Printf("critical_error: agent=%s master=%s reason=%s\n", agentID, masterContact, reason)
	return nil
}
