// Package heartbeat implements the Heartbeat Monitor (spec §4.14): one
// repeating timer per enabled agent, running a short "heartbeat" reasoning
// cycle and escalating on repeated misses.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/agentforge/core/agentprofile"
	"github.com/agentforge/core/runtime"
)

// DefaultInterval is the heartbeat tick interval when a profile's
// HeartbeatConfig.IntervalMs is unset.
const DefaultInterval = 5 * time.Minute

// DefaultEscalateAfterMisses is how many consecutive misses trigger
// escalation when a profile's HeartbeatConfig.EscalateAfterMisses is unset.
const DefaultEscalateAfterMisses = 3

// Runner invokes the Agent Runtime. Matches *runtime.Runtime.Run.
type Runner interface {
	Run(ctx context.Context, in runtime.Input) (runtime.Output, error)
}

// Notifier delivers the critical_error escalation intent to an agent's
// master (spec §4.14: "emit a critical_error notification intent to master
// (priority high)").
type Notifier interface {
	NotifyCritical(ctx context.Context, agentID, masterContact, reason string) error
}

// Logger is the narrow logging seam Monitor needs.
type Logger interface {
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

// agentState tracks one agent's live timer and miss count.
type agentState struct {
	cancel context.CancelFunc
	misses int
	lastOK time.Time
}

// Monitor is the Heartbeat Monitor.
type Monitor struct {
	profiles agentprofile.Store
	runner   Runner
	notifier Notifier
	logger   Logger

	mu     sync.Mutex
	agents map[string]*agentState
}

// Deps bundles Monitor's collaborators.
type Deps struct {
	Profiles agentprofile.Store
	Runner   Runner
	Notifier Notifier
	Logger   Logger
}

// New constructs a Monitor.
func New(deps Deps) *Monitor {
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Monitor{
		profiles: deps.Profiles,
		runner:   deps.Runner,
		notifier: deps.Notifier,
		logger:   logger,
		agents:   make(map[string]*agentState),
	}
}

// Start reads every profile in ids and, for those with heartbeat enabled,
// begins a repeating timer at their configured interval (spec §4.14:
// "at startup, reads each agent's heartbeat_config").
func (m *Monitor) Start(ctx context.Context, ids []string) error {
	for _, id := range ids {
		profile, ok, err := m.profiles.Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok || !profile.Heartbeat.Enabled {
			continue
		}
		m.startAgent(ctx, profile)
	}
	return nil
}

// StartAgent begins (or restarts) the heartbeat timer for a single profile.
// Exposed so a newly created or reconfigured agent can be picked up without
// a full Start.
func (m *Monitor) StartAgent(ctx context.Context, profile agentprofile.Profile) {
	m.StopAgent(profile.ID)
	if profile.Heartbeat.Enabled {
		m.startAgent(ctx, profile)
	}
}

func (m *Monitor) startAgent(ctx context.Context, profile agentprofile.Profile) {
	interval := time.Duration(profile.Heartbeat.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = DefaultInterval
	}

	tickCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.agents[profile.ID] = &agentState{cancel: cancel}
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				m.tick(tickCtx, profile)
			}
		}
	}()
}

// StopAgent cancels id's heartbeat timer, if any.
func (m *Monitor) StopAgent(id string) {
	m.mu.Lock()
	st, ok := m.agents[id]
	if ok {
		delete(m.agents, id)
	}
	m.mu.Unlock()
	if ok {
		st.cancel()
	}
}

// Stop cancels every running heartbeat timer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	agents := m.agents
	m.agents = make(map[string]*agentState)
	m.mu.Unlock()
	for _, st := range agents {
		st.cancel()
	}
}

func (m *Monitor) tick(ctx context.Context, profile agentprofile.Profile) {
	out, err := m.runner.Run(ctx, runtime.Input{
		AgentID: profile.ID,
		Trigger: "heartbeat",
	})

	ok := err == nil && (out.HeartbeatOK || out.Silent)
	if ok {
		m.recordOK(profile.ID)
		return
	}
	m.recordMiss(ctx, profile)
}

func (m *Monitor) recordOK(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.agents[id]
	if !ok {
		return
	}
	st.misses = 0
	st.lastOK = time.Now()
}

// recordMiss increments the miss counter and escalates once it reaches the
// profile's escalate_after_misses (spec §4.14).
func (m *Monitor) recordMiss(ctx context.Context, profile agentprofile.Profile) {
	threshold := profile.Heartbeat.EscalateAfterMisses
	if threshold <= 0 {
		threshold = DefaultEscalateAfterMisses
	}

	m.mu.Lock()
	st, ok := m.agents[profile.ID]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.misses++
	misses := st.misses
	m.mu.Unlock()

	if misses < threshold {
		return
	}

	m.logger.Warn(ctx, "heartbeat: escalating after repeated misses", "agent_id", profile.ID, "misses", misses)
	if m.notifier != nil {
		if err := m.notifier.NotifyCritical(ctx, profile.ID, profile.MasterContactIdentity, "heartbeat miss threshold reached"); err != nil {
			m.logger.Error(ctx, "heartbeat: notify critical failed", "agent_id", profile.ID, "error", err.Error())
		}
	}

	m.mu.Lock()
	if st2, ok := m.agents[profile.ID]; ok {
		st2.misses = 0
	}
	m.mu.Unlock()
}
