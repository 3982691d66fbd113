package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/core/erroranalyzer"
	"github.com/agentforge/core/idempotency"
)

func TestRun_SucceedsOnOriginal(t *testing.T) {
	svc := New(idempotency.NewService(idempotency.NewCache()), func(ctx context.Context, toolID string, params map[string]any) (any, error) {
		return "ok", nil
	})
	res, err := svc.Run(context.Background(), "a1", "searchWeb", map[string]any{"query": "x"}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "original", res.Strategy)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "ok", res.Value)
}

func TestRun_DuplicateSideEffectReturnsCached(t *testing.T) {
	cache := idempotency.NewService(idempotency.NewCache())
	svc := New(cache, func(ctx context.Context, toolID string, params map[string]any) (any, error) {
		return "sent", nil
	})
	ctx := context.Background()
	first, err := svc.Run(ctx, "a1", "sendEmail", map[string]any{"to": "x@y.com"}, nil, true)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := svc.Run(ctx, "a1", "sendEmail", map[string]any{"to": "x@y.com"}, nil, true)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "sent", second.Value)
}

func TestRun_RetryBackoffThenSucceeds(t *testing.T) {
	attempts := 0
	svc := New(nil, func(ctx context.Context, toolID string, params map[string]any) (any, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("ECONNRESET: socket hang up")
		}
		return "recovered", nil
	})
	svc.sleep = func(_ time.Duration) {}

	res, err := svc.Run(context.Background(), "a1", "searchWeb", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Value)
	assert.Equal(t, 2, res.Attempts)
}

func TestRun_NonRecoverableStopsImmediately(t *testing.T) {
	svc := New(nil, func(ctx context.Context, toolID string, params map[string]any) (any, error) {
		return nil, errors.New("403 forbidden")
	})
	res, err := svc.Run(context.Background(), "a1", "searchWeb", nil, nil, false)
	require.Error(t, err)
	assert.Equal(t, "escalate", res.Strategy)
	assert.Equal(t, 1, res.Attempts)
}

func TestRun_AdjustParamsThenSucceeds(t *testing.T) {
	calls := 0
	svc := New(nil, func(ctx context.Context, toolID string, params map[string]any) (any, error) {
		calls++
		if q, _ := params["query"].(string); q == "one two three four five" {
			return nil, errors.New("400 bad request: malformed query")
		}
		return "ok", nil
	})
	res, err := svc.Run(context.Background(), "a1", "searchWeb", map[string]any{"query": "one two three four five"}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, calls)
}

func TestRun_AlternativeToolWithAliasRemap(t *testing.T) {
	svc := New(nil, func(ctx context.Context, toolID string, params map[string]any) (any, error) {
		if toolID == "sendWhatsApp" {
			return nil, errors.New("404 not found: contact missing")
		}
		if toolID == "sendEmail" {
			if _, ok := params["body"]; !ok {
				return nil, errors.New("missing body")
			}
			return "emailed", nil
		}
		return nil, errors.New("unexpected tool")
	})

	res, err := svc.Run(context.Background(), "a1", "sendWhatsApp", map[string]any{"message": "hi", "to": "123"}, []string{"sendEmail"}, false)
	require.NoError(t, err)
	assert.Equal(t, "emailed", res.Value)
	assert.Equal(t, string(erroranalyzer.StrategyTryAlternative), res.Strategy)
}

func TestRun_ExhaustedAfterMaxAttempts(t *testing.T) {
	svc := New(nil, func(ctx context.Context, toolID string, params map[string]any) (any, error) {
		return nil, errors.New("network error: dns lookup failed")
	})
	svc.sleep = func(_ time.Duration) {}

	res, err := svc.Run(context.Background(), "a1", "searchWeb", nil, nil, false)
	require.Error(t, err)
	assert.Equal(t, "exhausted", res.Strategy)
	assert.Equal(t, MaxAttempts, res.Attempts)
}

func TestRun_TimeoutStopsAtItsOwnMaxRetriesNotGlobalCap(t *testing.T) {
	calls := 0
	svc := New(nil, func(ctx context.Context, toolID string, params map[string]any) (any, error) {
		calls++
		return nil, errors.New("call timed out")
	})
	svc.sleep = func(_ time.Duration) {}

	// TIMEOUT's RetryConfig.MaxRetries is 1, so the loop must stop after the
	// original attempt plus a single retry (2 total), not climb to the
	// global MaxAttempts of 3.
	res, err := svc.Run(context.Background(), "a1", "searchWeb", nil, nil, false)
	require.Error(t, err)
	assert.Equal(t, "exhausted", res.Strategy)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, calls)
}

func TestRun_BackoffDelayEscalatesByBackoffMult(t *testing.T) {
	var delays []time.Duration
	svc := New(nil, func(ctx context.Context, toolID string, params map[string]any) (any, error) {
		return nil, errors.New("network error: dns lookup failed")
	})
	svc.sleep = func(d time.Duration) { delays = append(delays, d) }

	_, err := svc.Run(context.Background(), "a1", "searchWeb", nil, nil, false)
	require.Error(t, err)

	// NETWORK's RetryConfig is {MaxRetries: 2, BaseDelayMs: 1000, BackoffMult: 2}:
	// first retry sleeps the base delay, second retry sleeps it doubled.
	require.Len(t, delays, 2)
	assert.Equal(t, 1000*time.Millisecond, delays[0])
	assert.Equal(t, 2000*time.Millisecond, delays[1])
}
