// Package memoryservice implements the Memory Service (spec §4.11): a
// dual-index (vector + keyword) semantic memory store with hybrid
// Reciprocal Rank Fusion search and periodic consolidation/archival.
//
// This is distinct from agent/memory, which is the run-transcript
// snapshot/event store the Agent Runtime appends tool-call/tool-result events
// to; checkpoint resume goes through the checkpoint package instead.
package memoryservice

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/core/coreerr"
)

// SearchMode selects which index (or both) a recall query consults.
type SearchMode string

const (
	SearchVector  SearchMode = "vector"
	SearchKeyword SearchMode = "keyword"
	SearchHybrid  SearchMode = "hybrid"
)

// RRFConstant is Reciprocal Rank Fusion's smoothing constant (spec §4.11:
// "fuses via Reciprocal Rank Fusion with constant k = 60").
const RRFConstant = 60

// ConsolidationAgeDefault is the default entry age threshold for
// consolidation sweeps (spec §4.11: "older than N days (default 30)").
const ConsolidationAgeDefault = 30 * 24 * time.Hour

// ArchivalGracePeriod is how far in the future expires_at is set once an
// entry is scheduled for archival (spec §4.11: "expires_at := now + 7
// days").
const ArchivalGracePeriod = 7 * 24 * time.Hour

// Entry is one Memory Entry (spec §3).
type Entry struct {
	ID             string
	AgentID        string
	Content        string
	Embedding      []float32
	Importance     float64
	RecallCount    int
	MinRecallsForKeep int
	LastRecalledAt time.Time
	CreatedAt      time.Time
	ExpiresAt      time.Time // zero means "not scheduled for archival"
}

// VectorIndex stores and searches embedding vectors.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, agentID string) error
	Search(ctx context.Context, agentID string, vector []float32, limit int) ([]Hit, error)
	Delete(ctx context.Context, ids []string) error
}

// KeywordIndex stores and full-text searches entry content.
type KeywordIndex interface {
	Upsert(ctx context.Context, id, agentID, content string) error
	Search(ctx context.Context, agentID, query string, limit int) ([]Hit, error)
	Delete(ctx context.Context, ids []string) error
}

// Hit is one ranked match from an index, 0-indexed by rank (best first).
type Hit struct {
	ID    string
	Score float64
}

// StructuredStore persists the Entry rows themselves (filter queries,
// lifecycle fields).
type StructuredStore interface {
	Get(ctx context.Context, id string) (Entry, bool, error)
	Upsert(ctx context.Context, e Entry) error
	ListByIDs(ctx context.Context, ids []string) ([]Entry, error)
	ListOlderThan(ctx context.Context, agentID string, cutoff time.Time) ([]Entry, error)
	ListExpired(ctx context.Context, now time.Time) ([]Entry, error)
	Delete(ctx context.Context, ids []string) error
	RecordRecall(ctx context.Context, id string, at time.Time) error
}

// Embedder produces an embedding vector for text. An external collaborator
// per spec §1 (model/embedding provider).
type Embedder func(ctx context.Context, text string) ([]float32, error)

// Service is the Memory Service.
type Service struct {
	vectors    VectorIndex
	keywords   KeywordIndex
	structured StructuredStore
	embed      Embedder

	minRecallsForKeep int
}

// Deps bundles Service's collaborators.
type Deps struct {
	Vectors           VectorIndex
	Keywords          KeywordIndex
	Structured        StructuredStore
	Embed             Embedder
	MinRecallsForKeep int // default 3 when <= 0
}

// New constructs a Service.
func New(deps Deps) *Service {
	minRecalls := deps.MinRecallsForKeep
	if minRecalls <= 0 {
		minRecalls = 3
	}
	return &Service{
		vectors:           deps.Vectors,
		keywords:          deps.Keywords,
		structured:        deps.Structured,
		embed:             deps.Embed,
		minRecallsForKeep: minRecalls,
	}
}

// Store persists a new memory entry into both indexes and the structured
// store.
func (s *Service) Store(ctx context.Context, agentID, content string, importance float64) (Entry, error) {
	now := time.Now()
	e := Entry{
		ID:                uuid.NewString(),
		AgentID:           agentID,
		Content:           content,
		Importance:        importance,
		MinRecallsForKeep: s.minRecallsForKeep,
		CreatedAt:         now,
	}
	if s.embed != nil {
		vec, err := s.embed(ctx, content)
		if err != nil {
			return Entry{}, coreerr.Wrap(coreerr.CodeToolError, "memoryservice: embed", err)
		}
		e.Embedding = vec
	}
	if err := s.structured.Upsert(ctx, e); err != nil {
		return Entry{}, coreerr.Wrap(coreerr.CodePersistence, "memoryservice: store entry", err)
	}
	if s.vectors != nil && len(e.Embedding) > 0 {
		if err := s.vectors.Upsert(ctx, e.ID, e.Embedding, agentID); err != nil {
			return Entry{}, coreerr.Wrap(coreerr.CodePersistence, "memoryservice: store vector", err)
		}
	}
	if s.keywords != nil {
		if err := s.keywords.Upsert(ctx, e.ID, agentID, content); err != nil {
			return Entry{}, coreerr.Wrap(coreerr.CodePersistence, "memoryservice: store keyword", err)
		}
	}
	return e, nil
}

// Recall searches for memories relevant to query (spec §4.11). mode
// defaults to SearchHybrid. Recalled entries have last_recalled_at and
// recall_count updated.
func (s *Service) Recall(ctx context.Context, agentID, query string, mode SearchMode, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	if mode == "" {
		mode = SearchHybrid
	}

	var ids []string
	switch mode {
	case SearchVector:
		hits, err := s.vectorSearch(ctx, agentID, query, limit)
		if err != nil {
			return nil, err
		}
		ids = idsOf(hits)
	case SearchKeyword:
		hits, err := s.keywordSearch(ctx, agentID, query, limit)
		if err != nil {
			return nil, err
		}
		ids = idsOf(hits)
	default:
		vecHits, vecErr := s.vectorSearch(ctx, agentID, query, 2*limit)
		kwHits, kwErr := s.keywordSearch(ctx, agentID, query, 2*limit)
		switch {
		case vecErr == nil && kwErr == nil:
			ids = idsOf(fuseRRF(vecHits, kwHits, limit))
		case vecErr == nil:
			ids = idsOf(truncate(vecHits, limit))
		case kwErr == nil:
			ids = idsOf(truncate(kwHits, limit))
		default:
			return nil, coreerr.Wrap(coreerr.CodeToolError, "memoryservice: both search indexes failed", vecErr)
		}
	}

	entries, err := s.structured.ListByIDs(ctx, ids)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodePersistence, "memoryservice: load recalled entries", err)
	}
	entries = reorder(entries, ids)

	now := time.Now()
	for _, e := range entries {
		_ = s.structured.RecordRecall(ctx, e.ID, now)
	}
	return entries, nil
}

func (s *Service) vectorSearch(ctx context.Context, agentID, query string, limit int) ([]Hit, error) {
	if s.vectors == nil || s.embed == nil {
		return nil, coreerr.New(coreerr.CodeInvalidInput, "memoryservice: vector search unavailable")
	}
	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodeToolError, "memoryservice: embed query", err)
	}
	return s.vectors.Search(ctx, agentID, vec, limit)
}

func (s *Service) keywordSearch(ctx context.Context, agentID, query string, limit int) ([]Hit, error) {
	if s.keywords == nil {
		return nil, coreerr.New(coreerr.CodeInvalidInput, "memoryservice: keyword search unavailable")
	}
	return s.keywords.Search(ctx, agentID, query, limit)
}

// fuseRRF merges two ranked lists via Reciprocal Rank Fusion:
// score(m) = sum(1 / (k + rank_i(m))) across every list m appears in, rank
// 1-indexed, then returns the top limit ids by fused score.
func fuseRRF(a, b []Hit, limit int) []Hit {
	scores := map[string]float64{}
	for rank, h := range a {
		scores[h.ID] += 1.0 / float64(RRFConstant+rank+1)
	}
	for rank, h := range b {
		scores[h.ID] += 1.0 / float64(RRFConstant+rank+1)
	}
	out := make([]Hit, 0, len(scores))
	for id, sc := range scores {
		out = append(out, Hit{ID: id, Score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID // deterministic tiebreak
	})
	return truncate(out, limit)
}

func truncate(hits []Hit, limit int) []Hit {
	if len(hits) <= limit {
		return hits
	}
	return hits[:limit]
}

func idsOf(hits []Hit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids
}

func reorder(entries []Entry, ids []string) []Entry {
	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Consolidate adjusts importance and schedules archival for entries older
// than ageThreshold (spec §4.11). ageThreshold <= 0 uses
// ConsolidationAgeDefault.
func (s *Service) Consolidate(ctx context.Context, agentID string, ageThreshold time.Duration) error {
	if ageThreshold <= 0 {
		ageThreshold = ConsolidationAgeDefault
	}
	cutoff := time.Now().Add(-ageThreshold)
	entries, err := s.structured.ListOlderThan(ctx, agentID, cutoff)
	if err != nil {
		return coreerr.Wrap(coreerr.CodePersistence, "memoryservice: consolidate list", err)
	}
	for _, e := range entries {
		minKeep := e.MinRecallsForKeep
		if minKeep <= 0 {
			minKeep = s.minRecallsForKeep
		}
		switch {
		case e.RecallCount >= 2*minKeep:
			e.Importance = math.Min(1.0, e.Importance+0.1)
		case e.RecallCount < minKeep:
			e.Importance = math.Max(0.0, e.Importance-0.1)
		}
		if e.Importance < 0.2 && e.RecallCount < minKeep {
			e.ExpiresAt = time.Now().Add(ArchivalGracePeriod)
		}
		if err := s.structured.Upsert(ctx, e); err != nil {
			return coreerr.Wrap(coreerr.CodePersistence, "memoryservice: consolidate upsert", err)
		}
	}
	return nil
}

// Cleanup deletes entries whose expires_at has passed from the vector index,
// the keyword index and the structured store, in that order. The three
// deletes are not atomic: if one fails, Cleanup returns the error and the
// stores after it keep the entries; since the structured rows are deleted
// last, a later Cleanup lists the same entries again.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	expired, err := s.structured.ListExpired(ctx, time.Now())
	if err != nil {
		return 0, coreerr.Wrap(coreerr.CodePersistence, "memoryservice: cleanup list", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	ids := make([]string, len(expired))
	for i, e := range expired {
		ids[i] = e.ID
	}
	if s.vectors != nil {
		if err := s.vectors.Delete(ctx, ids); err != nil {
			return 0, coreerr.Wrap(coreerr.CodePersistence, "memoryservice: cleanup vectors", err)
		}
	}
	if s.keywords != nil {
		if err := s.keywords.Delete(ctx, ids); err != nil {
			return 0, coreerr.Wrap(coreerr.CodePersistence, "memoryservice: cleanup keywords", err)
		}
	}
	if err := s.structured.Delete(ctx, ids); err != nil {
		return 0, coreerr.Wrap(coreerr.CodePersistence, "memoryservice: cleanup structured", err)
	}
	return len(ids), nil
}
