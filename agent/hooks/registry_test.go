package hooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_PriorityOrder(t *testing.T) {
	r := NewRegistry(nil, nil)
	var order []string

	r.Register("turn", func(ctx context.Context, hctx *Context) (*Context, error) {
		order = append(order, "b")
		return nil, nil
	}, 5, "b")
	r.Register("turn", func(ctx context.Context, hctx *Context) (*Context, error) {
		order = append(order, "a")
		return nil, nil
	}, 1, "a")

	r.Emit(context.Background(), "turn", &Context{Event: "turn"})
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestRegistry_ReplaceByName(t *testing.T) {
	r := NewRegistry(nil, nil)
	calls := 0
	r.Register("turn", func(ctx context.Context, hctx *Context) (*Context, error) {
		calls++
		return nil, nil
	}, 1, "dup")
	r.Register("turn", func(ctx context.Context, hctx *Context) (*Context, error) {
		calls += 10
		return nil, nil
	}, 1, "dup")

	r.Emit(context.Background(), "turn", &Context{})
	assert.Equal(t, 10, calls, "second registration with same name must replace the first")
}

func TestRegistry_HandlerCap(t *testing.T) {
	r := NewRegistry(nil, nil)
	for i := 0; i < MaxHandlersPerEvent; i++ {
		ok := r.Register("turn", func(ctx context.Context, hctx *Context) (*Context, error) { return nil, nil }, 1, string(rune('a'+i)))
		assert.True(t, ok)
	}
	ok := r.Register("turn", func(ctx context.Context, hctx *Context) (*Context, error) { return nil, nil }, 1, "overflow")
	assert.False(t, ok, "21st registration must be refused")
}

func TestRegistry_ErrorDoesNotAbortSequence(t *testing.T) {
	r := NewRegistry(nil, nil)
	second := false
	r.Register("turn", func(ctx context.Context, hctx *Context) (*Context, error) {
		return nil, errors.New("boom")
	}, 1, "failing")
	r.Register("turn", func(ctx context.Context, hctx *Context) (*Context, error) {
		second = true
		return nil, nil
	}, 2, "ok")

	r.Emit(context.Background(), "turn", &Context{})
	assert.True(t, second, "subsequent handlers must still run after an error")
	assert.Equal(t, 1, r.ErrorCount("turn"))
}

func TestRegistry_HandlerTimeout(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register("turn", func(ctx context.Context, hctx *Context) (*Context, error) {
		select {
		case <-time.After(time.Hour):
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}, 1, "slow")

	done := make(chan struct{})
	go func() {
		r.Emit(context.Background(), "turn", &Context{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(HandlerTimeout + 2*time.Second):
		t.Fatal("Emit did not respect handler timeout")
	}
	assert.Equal(t, 1, r.ErrorCount("turn"))
}

func TestRegistry_ContextThreading(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register("turn", func(ctx context.Context, hctx *Context) (*Context, error) {
		next := hctx.Clone()
		next.Data["seen_by_a"] = true
		return next, nil
	}, 1, "a")
	r.Register("turn", func(ctx context.Context, hctx *Context) (*Context, error) {
		assert.Equal(t, true, hctx.Data["seen_by_a"])
		return nil, nil
	}, 2, "b")

	r.Emit(context.Background(), "turn", &Context{Data: map[string]any{}})
}
