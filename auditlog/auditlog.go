// Package auditlog implements the Audit Log (spec §4.16): an append-only,
// typed event trail with an hourly TTL sweeper. Logging never blocks the
// caller and never surfaces an error; failures are swallowed and reported
// only at debug level.
package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron"

	"github.com/agentforge/core/agent/telemetry"
)

// Category is one of the twelve audit activity types (spec §4.16).
type Category string

const (
	CategoryIncoming       Category = "incoming"
	CategoryClassification Category = "classification"
	CategoryReasoningStart Category = "reasoning_start"
	CategoryReasoningThink Category = "reasoning_think"
	CategoryToolCall       Category = "tool_call"
	CategoryToolResult     Category = "tool_result"
	CategoryAIRequest      Category = "ai_request"
	CategoryAIResponse     Category = "ai_response"
	CategoryLocalAgentIn   Category = "local_agent_in"
	CategoryLocalAgentOut  Category = "local_agent_out"
	CategoryOutgoing       Category = "outgoing"
	CategoryError          Category = "error"
)

// TTL is how long an audit row is retained before the sweeper deletes it
// (spec §4.16: "deleting audit rows older than 48 h").
const TTL = 48 * time.Hour

// SweepInterval is how often the TTL sweeper runs (spec §4.16: "hourly").
const SweepInterval = "@every 1h"

// descriptionTemplates gives each category a standard description when the
// caller does not supply one explicitly (spec §4.16: "each category carries
// a standard description template").
var descriptionTemplates = map[Category]string{
	CategoryIncoming:       "received inbound message",
	CategoryClassification: "classified inbound message",
	CategoryReasoningStart: "reasoning loop started",
	CategoryReasoningThink: "reasoning iteration",
	CategoryToolCall:       "invoked tool",
	CategoryToolResult:     "tool returned result",
	CategoryAIRequest:      "sent model request",
	CategoryAIResponse:     "received model response",
	CategoryLocalAgentIn:   "received local agent message",
	CategoryLocalAgentOut:  "sent local agent message",
	CategoryOutgoing:       "sent outbound response",
	CategoryError:          "encountered error",
}

// Event is one Audit Log row (spec §4.16).
type Event struct {
	ID           string
	AgentID      string
	UserID       string
	ActivityType string // "audit:<category>"
	Description  string
	Direction    string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// Store persists Events append-only and sweeps expired ones.
type Store interface {
	Append(ctx context.Context, e Event) error
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Logger records audit events. Every method swallows its own failures; the
// only externally visible effect of a failing Store is a debug log line.
type Logger struct {
	store  Store
	logger telemetry.Logger
	newID  func() string
	now    func() time.Time
}

type noopTelemetry struct{}

func (noopTelemetry) Debug(context.Context, string, ...any) {}
func (noopTelemetry) Info(context.Context, string, ...any)  {}
func (noopTelemetry) Warn(context.Context, string, ...any)  {}
func (noopTelemetry) Error(context.Context, string, ...any) {}

// Deps bundles Logger's collaborators.
type Deps struct {
	Store  Store
	Logger telemetry.Logger
}

// New constructs a Logger.
func New(deps Deps) *Logger {
	logger := deps.Logger
	if logger == nil {
		logger = noopTelemetry{}
	}
	return &Logger{store: deps.Store, logger: logger, newID: uuid.NewString, now: time.Now}
}

// Record appends one audit event. description, if empty, falls back to the
// category's standard template. Failures are swallowed (spec §4.16:
// "non-blocking: logging failures are swallowed (debug-only)").
func (l *Logger) Record(ctx context.Context, category Category, agentID, userID, direction, description string, metadata map[string]any) {
	if l == nil || l.store == nil {
		return
	}
	if description == "" {
		description = descriptionTemplates[category]
	}
	e := Event{
		ID:           l.newID(),
		AgentID:      agentID,
		UserID:       userID,
		ActivityType: "audit:" + string(category),
		Description:  description,
		Direction:    direction,
		Metadata:     metadata,
		CreatedAt:    l.now(),
	}
	if err := l.store.Append(ctx, e); err != nil {
		l.logger.Debug(ctx, "auditlog: append failed", "agent_id", agentID, "category", category, "error", err.Error())
	}
}

// Sweeper runs the hourly TTL cleanup (spec §4.16).
type Sweeper struct {
	store  Store
	logger telemetry.Logger
	now    func() time.Time
	cron   *cron.Cron
}

// NewSweeper constructs a Sweeper over store.
func NewSweeper(store Store, logger telemetry.Logger) *Sweeper {
	if logger == nil {
		logger = noopTelemetry{}
	}
	return &Sweeper{store: store, logger: logger, now: time.Now}
}

// Start begins the hourly sweep schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	if err := s.cron.AddFunc(SweepInterval, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("auditlog: schedule sweeper: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the sweep schedule.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.store.DeleteOlderThan(ctx, s.now().Add(-TTL))
	if err != nil {
		s.logger.Debug(ctx, "auditlog: sweep failed", "error", err.Error())
		return
	}
	if n > 0 {
		s.logger.Debug(ctx, "auditlog: swept expired rows", "count", n)
	}
}
