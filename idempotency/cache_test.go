package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_StableUnderFieldReorder(t *testing.T) {
	k1, err := Key("agent-1", "sendWhatsApp", map[string]any{"to": "+62812", "message": "hi"})
	require.NoError(t, err)
	k2, err := Key("agent-1", "sendWhatsApp", map[string]any{"message": "hi", "to": "+62812"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "key must be stable regardless of map iteration/field order")
}

func TestKey_DiffersByParams(t *testing.T) {
	k1, err := Key("agent-1", "sendWhatsApp", map[string]any{"to": "+62812", "message": "hi"})
	require.NoError(t, err)
	k2, err := Key("agent-1", "sendWhatsApp", map[string]any{"to": "+62813", "message": "hi"})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestKey_NestedObjectCanonicalized(t *testing.T) {
	k1, err := Key("a", "t", map[string]any{"outer": map[string]any{"z": 1, "a": 2}})
	require.NoError(t, err)
	k2, err := Key("a", "t", map[string]any{"outer": map[string]any{"a": 2, "z": 1}})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestService_PendingThenComplete(t *testing.T) {
	svc := NewService(NewCache())
	ctx := context.Background()
	key, err := Key("a1", "sendWhatsApp", map[string]any{"to": "+1", "message": "hi"})
	require.NoError(t, err)

	_, found, err := svc.CheckDuplicate(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, svc.RecordPending(ctx, key))
	rec, found, err := svc.CheckDuplicate(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusPending, rec.Status)

	require.NoError(t, svc.RecordComplete(ctx, key, "sent"))
	rec, found, err = svc.CheckDuplicate(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "sent", rec.Result)
}

func TestService_Expiry(t *testing.T) {
	cache := NewCache()
	svc := NewService(cache)
	ctx := context.Background()
	cache.records["k"] = Record{Key: "k", Status: StatusCompleted, ExpiresAt: time.Now().Add(-time.Minute)}

	_, found, err := svc.CheckDuplicate(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "expired entries must not be returned")
}

func TestService_CleanupExpired(t *testing.T) {
	cache := NewCache()
	svc := NewService(cache)
	ctx := context.Background()
	cache.records["old"] = Record{Key: "old", ExpiresAt: time.Now().Add(-time.Minute)}
	cache.records["fresh"] = Record{Key: "fresh", ExpiresAt: time.Now().Add(time.Minute)}

	n, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, found, _ := cache.Get(ctx, "fresh")
	assert.True(t, found)
}

// TestService_ConcurrentRetriesInvokeOnce models invariant #6: under
// concurrent retries for the same (agent, tool, params), the underlying
// side effect must execute at most once within the TTL window.
func TestService_ConcurrentRetriesInvokeOnce(t *testing.T) {
	svc := NewService(NewCache())
	ctx := context.Background()
	key, err := Key("a1", "sendWhatsApp", map[string]any{"to": "+1"})
	require.NoError(t, err)

	var mu sync.Mutex
	executions := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, found, _ := svc.CheckDuplicate(ctx, key)
			if found {
				_ = rec
				return
			}
			mu.Lock()
			// Simulate the Recovery Strategies' record-pending-then-execute
			// sequence; a real implementation serializes this per key via a
			// per-key mutex/transaction, which CheckDuplicate + RecordPending
			// here stands in for in the test.
			_, found2, _ := svc.CheckDuplicate(ctx, key)
			if !found2 {
				executions++
				_ = svc.RecordPending(ctx, key)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, executions)
}
