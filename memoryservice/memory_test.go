package memoryservice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embedderFor(vectors map[string][]float32) Embedder {
	return func(_ context.Context, text string) ([]float32, error) {
		if v, ok := vectors[text]; ok {
			return v, nil
		}
		return []float32{0, 0, 1}, nil
	}
}

func newTestService(t *testing.T, vectors map[string][]float32) (*Service, *MemoryStructuredStore) {
	t.Helper()
	structured := NewMemoryStructuredStore()
	svc := New(Deps{
		Vectors:    NewMemoryVectorIndex(),
		Keywords:   NewMemoryKeywordIndex(),
		Structured: structured,
		Embed:      embedderFor(vectors),
	})
	return svc, structured
}

func TestStore_PersistsToBothIndexes(t *testing.T) {
	vectors := map[string][]float32{"the sky is blue": {1, 0, 0}}
	svc, structured := newTestService(t, vectors)
	e, err := svc.Store(context.Background(), "a1", "the sky is blue", 0.5)
	require.NoError(t, err)

	got, found, err := structured.Get(context.Background(), e.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "the sky is blue", got.Content)
	assert.Equal(t, []float32{1, 0, 0}, got.Embedding)
}

func TestRecall_VectorModeRanksByCosineSimilarity(t *testing.T) {
	vectors := map[string][]float32{
		"cats are great":  {1, 0, 0},
		"dogs are loyal":  {0, 1, 0},
		"query about cats": {1, 0, 0},
	}
	svc, _ := newTestService(t, vectors)
	ctx := context.Background()
	_, err := svc.Store(ctx, "a1", "cats are great", 0.5)
	require.NoError(t, err)
	_, err = svc.Store(ctx, "a1", "dogs are loyal", 0.5)
	require.NoError(t, err)

	results, err := svc.Recall(ctx, "a1", "query about cats", SearchVector, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "cats are great", results[0].Content)
}

func TestRecall_KeywordModeMatchesSubstring(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	_, err := svc.Store(ctx, "a1", "deployment failed due to timeout", 0.5)
	require.NoError(t, err)
	_, err = svc.Store(ctx, "a1", "unrelated memory entry", 0.5)
	require.NoError(t, err)

	results, err := svc.Recall(ctx, "a1", "timeout", SearchKeyword, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "deployment failed due to timeout", results[0].Content)
}

func TestRecall_HybridFusesBothIndexes(t *testing.T) {
	vectors := map[string][]float32{
		"incident report about outage": {1, 0, 0},
		"billing invoice summary":      {0, 1, 0},
		"outage status update":         {1, 0, 0},
	}
	svc, _ := newTestService(t, vectors)
	ctx := context.Background()
	_, err := svc.Store(ctx, "a1", "incident report about outage", 0.5)
	require.NoError(t, err)
	_, err = svc.Store(ctx, "a1", "billing invoice summary", 0.5)
	require.NoError(t, err)

	results, err := svc.Recall(ctx, "a1", "outage status update", SearchHybrid, 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "incident report about outage", results[0].Content)
}

func TestRecall_UpdatesRecallCountAndTimestamp(t *testing.T) {
	vectors := map[string][]float32{"a memory": {1, 0, 0}}
	svc, structured := newTestService(t, vectors)
	ctx := context.Background()
	e, err := svc.Store(ctx, "a1", "a memory", 0.5)
	require.NoError(t, err)

	_, err = svc.Recall(ctx, "a1", "a memory", SearchVector, 1)
	require.NoError(t, err)

	got, _, err := structured.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RecallCount)
	assert.False(t, got.LastRecalledAt.IsZero())
}

func TestFuseRRF_PrefersItemsRankedHighInBothLists(t *testing.T) {
	a := []Hit{{ID: "x"}, {ID: "y"}, {ID: "z"}}
	b := []Hit{{ID: "y"}, {ID: "x"}, {ID: "w"}}
	fused := fuseRRF(a, b, 3)
	require.Len(t, fused, 3)
	assert.ElementsMatch(t, []string{"x", "y"}, []string{fused[0].ID, fused[1].ID})
}

func TestConsolidate_RaisesImportanceForHighRecall(t *testing.T) {
	structured := NewMemoryStructuredStore()
	svc := New(Deps{Structured: structured, MinRecallsForKeep: 2})
	ctx := context.Background()
	old := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, structured.Upsert(ctx, Entry{
		ID: "e1", AgentID: "a1", Importance: 0.5, RecallCount: 10, CreatedAt: old,
	}))

	require.NoError(t, svc.Consolidate(ctx, "a1", 30*24*time.Hour))

	got, _, err := structured.Get(ctx, "e1")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, got.Importance, 1e-9)
}

func TestConsolidate_SchedulesArchivalForLowImportanceLowRecall(t *testing.T) {
	structured := NewMemoryStructuredStore()
	svc := New(Deps{Structured: structured, MinRecallsForKeep: 5})
	ctx := context.Background()
	old := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, structured.Upsert(ctx, Entry{
		ID: "e1", AgentID: "a1", Importance: 0.15, RecallCount: 0, CreatedAt: old,
	}))

	require.NoError(t, svc.Consolidate(ctx, "a1", 30*24*time.Hour))

	got, _, err := structured.Get(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, got.ExpiresAt.IsZero(), "low-importance low-recall entry must be scheduled for archival")
}

func TestCleanup_RemovesExpiredFromAllStores(t *testing.T) {
	vectors := NewMemoryVectorIndex()
	keywords := NewMemoryKeywordIndex()
	structured := NewMemoryStructuredStore()
	svc := New(Deps{Vectors: vectors, Keywords: keywords, Structured: structured})
	ctx := context.Background()

	require.NoError(t, structured.Upsert(ctx, Entry{ID: "e1", AgentID: "a1", ExpiresAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, vectors.Upsert(ctx, "e1", []float32{1, 0, 0}, "a1"))
	require.NoError(t, keywords.Upsert(ctx, "e1", "a1", "stale entry"))
	require.NoError(t, structured.Upsert(ctx, Entry{ID: "e2", AgentID: "a1", ExpiresAt: time.Time{}}))

	n, err := svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, found, err := structured.Get(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = structured.Get(ctx, "e2")
	require.NoError(t, err)
	assert.True(t, found)
}
