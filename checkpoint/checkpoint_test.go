package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_AtMostOneActivePerAgent(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	first, err := svc.Save(ctx, "agent-1", func(cp *Checkpoint) { cp.Iteration = 1 })
	require.NoError(t, err)
	second, err := svc.Save(ctx, "agent-1", func(cp *Checkpoint) { cp.Iteration = 2 })
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	loaded, found, err := svc.Load(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, second.ID, loaded.ID, "only the most recent checkpoint must be active")
	assert.Equal(t, 2, loaded.Iteration)
}

func TestService_ResumeAfterComplete(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	cp, err := svc.Save(ctx, "agent-1", nil)
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, cp.ID))

	_, found, err := svc.Load(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, found, "a completed checkpoint must not be resumable")
}

func TestService_ExpiredNotResumable(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	cp, err := svc.Save(ctx, "agent-1", func(cp *Checkpoint) {
		cp.ExpiresAt = time.Now().Add(-time.Minute)
	})
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, "agent-1", cp))

	_, found, err := svc.Load(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestService_CleanupExpired(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	_, err := svc.Save(ctx, "agent-1", func(cp *Checkpoint) { cp.ExpiresAt = time.Now().Add(-time.Hour) })
	require.NoError(t, err)
	_, err = svc.Save(ctx, "agent-2", nil)
	require.NoError(t, err)

	n, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, found, _ := svc.Load(ctx, "agent-2")
	assert.True(t, found)
}
