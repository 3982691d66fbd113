package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentforge/core/coreerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_AcquireRelease(t *testing.T) {
	g := New(2)
	assert.EqualValues(t, 2, g.Capacity())

	rel1, err := g.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 1, g.Running())

	rel2, ok := g.TryAcquire()
	require.True(t, ok)
	assert.EqualValues(t, 2, g.Running())

	_, ok = g.TryAcquire()
	assert.False(t, ok, "capacity exhausted, TryAcquire must fail")

	rel1()
	rel1() // idempotent: second call is a no-op
	assert.EqualValues(t, 1, g.Running())

	rel2()
	assert.EqualValues(t, 0, g.Running())
}

func TestGuard_AcquireTimeout(t *testing.T) {
	g := New(1)
	rel, err := g.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer rel()

	_, err = g.Acquire(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
	code, ok := coreerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, coreerr.CodeCapacityTimeout, code)
}

func TestGuard_FIFOWaiters(t *testing.T) {
	g := New(1)
	rel, err := g.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	started := make(chan struct{}, 3)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			time.Sleep(time.Duration(i) * 5 * time.Millisecond) // stagger arrival
			r, err := g.Acquire(context.Background(), time.Second)
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r()
		}(i)
		time.Sleep(10 * time.Millisecond) // ensure strict arrival order
	}

	time.Sleep(30 * time.Millisecond)
	rel()
	wg.Wait()

	require.Len(t, order, 3)
	assert.Equal(t, []int{0, 1, 2}, order, "waiters must be woken in arrival order")
}
