// Package checkpoint implements the Checkpoint Service: save/load/resume of
// a reasoning run's state, per spec §4.6.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/core/coreerr"
)

// TTL is the checkpoint lifetime from creation (spec §3: expires_at =
// created_at + 1h).
const TTL = time.Hour

// Status is the lifecycle state of a checkpoint row.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ActionRecord is one entry in a checkpoint's action_records[], summarizing
// a completed tool invocation within the run.
type ActionRecord struct {
	ToolID    string
	Params    map[string]any
	Result    any
	Error     string
	Recovery  map[string]any
	Timestamp time.Time
}

// Checkpoint is one Reasoning Checkpoint (spec §3).
type Checkpoint struct {
	ID             string
	AgentID        string
	Trigger        string
	TriggerContext map[string]any
	Iteration      int
	Messages       []map[string]any
	ActionRecords  []ActionRecord
	TokensUsed     int
	Tier           string
	PlanID         string
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// Store is the persistence contract for checkpoints.
type Store interface {
	// Upsert atomically replaces any existing active row for agentID with
	// cp (DELETE-then-INSERT semantics per spec §5).
	Upsert(ctx context.Context, agentID string, cp Checkpoint) error
	// LoadActive returns the most recently updated row with
	// status=active and expires_at > now, or found=false.
	LoadActive(ctx context.Context, agentID string, now time.Time) (Checkpoint, bool, error)
	// SetStatus transitions the checkpoint's status in place.
	SetStatus(ctx context.Context, id string, status Status) error
	// DeleteExpired removes all rows with expires_at < now, returning the count removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is an in-memory Store, keyed by agent id to enforce "at most
// one active checkpoint per agent" per spec invariant #5.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]Checkpoint
	byAgt map[string]string // agentID -> active checkpoint id
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Checkpoint), byAgt: make(map[string]string)}
}

func (s *MemoryStore) Upsert(_ context.Context, agentID string, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byAgt[agentID]; ok {
		delete(s.byID, prev)
	}
	s.byID[cp.ID] = cp
	s.byAgt[agentID] = cp.ID
	return nil
}

func (s *MemoryStore) LoadActive(_ context.Context, agentID string, now time.Time) (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAgt[agentID]
	if !ok {
		return Checkpoint{}, false, nil
	}
	cp, ok := s.byID[id]
	if !ok || cp.Status != StatusActive || now.After(cp.ExpiresAt) {
		return Checkpoint{}, false, nil
	}
	return cp, true, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.byID[id]
	if !ok {
		return coreerr.New(coreerr.CodeNotFound, "checkpoint not found")
	}
	cp.Status = status
	cp.UpdatedAt = time.Now()
	s.byID[id] = cp
	if status != StatusActive {
		if s.byAgt[cp.AgentID] == id {
			delete(s.byAgt, cp.AgentID)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, cp := range s.byID {
		if now.After(cp.ExpiresAt) {
			delete(s.byID, id)
			if s.byAgt[cp.AgentID] == id {
				delete(s.byAgt, cp.AgentID)
			}
			n++
		}
	}
	return n, nil
}

// Service wraps a Store with the save/load/resume protocol of spec §4.6.
type Service struct {
	store Store
}

// NewService constructs a Service backed by store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Save creates a new active checkpoint for agentID, atomically replacing any
// prior active row. Called at the end of every reasoning-loop iteration.
func (s *Service) Save(ctx context.Context, agentID string, mutate func(cp *Checkpoint)) (Checkpoint, error) {
	now := time.Now()
	cp := Checkpoint{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(TTL),
	}
	if mutate != nil {
		mutate(&cp)
	}
	if err := s.store.Upsert(ctx, agentID, cp); err != nil {
		return Checkpoint{}, coreerr.Wrap(coreerr.CodePersistence, "checkpoint: save", err)
	}
	return cp, nil
}

// Load returns the agent's active, unexpired checkpoint for resume, or
// found=false when none exists.
func (s *Service) Load(ctx context.Context, agentID string) (Checkpoint, bool, error) {
	cp, found, err := s.store.LoadActive(ctx, agentID, time.Now())
	if err != nil {
		return Checkpoint{}, false, coreerr.Wrap(coreerr.CodePersistence, "checkpoint: load", err)
	}
	return cp, found, nil
}

// Complete marks id completed (terminal action reached).
func (s *Service) Complete(ctx context.Context, id string) error {
	return s.store.SetStatus(ctx, id, StatusCompleted)
}

// Fail marks id failed (error/timeout).
func (s *Service) Fail(ctx context.Context, id string) error {
	return s.store.SetStatus(ctx, id, StatusFailed)
}

// CleanupExpired removes all rows whose expires_at < now; intended to be
// invoked by a periodic sweeper (see Design Note "Periodic timers").
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	return s.store.DeleteExpired(ctx, time.Now())
}
