package inflight

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGuard(opts Options) (*MemoryGuard, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewMemoryGuard(opts)
	g.now = clock.Now
	return g, clock
}

func TestMemoryGuard_SecondAcquireRejected(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGuard(Options{})

	lease, err := g.Acquire(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", lease.Key())

	_, err = g.Acquire(ctx, "d1")
	assert.ErrorIs(t, err, ErrInFlight)
	assert.True(t, IsBusy(err))

	_, err = g.Acquire(ctx, "d2")
	assert.NoError(t, err, "distinct keys are independent")

	require.NoError(t, lease.Release(ctx))
	_, err = g.Acquire(ctx, "d1")
	assert.NoError(t, err)
}

func TestMemoryGuard_Cooldown(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGuard(Options{Cooldown: 3 * time.Second})

	lease, err := g.Acquire(ctx, "d1")
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
	assert.False(t, g.Held("d1"))

	_, err = g.Acquire(ctx, "d1")
	assert.ErrorIs(t, err, ErrCoolingDown)

	clock.Advance(3 * time.Second)
	_, err = g.Acquire(ctx, "d1")
	assert.NoError(t, err)
}

func TestMemoryGuard_ReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGuard(Options{Cooldown: time.Second})

	lease, err := g.Acquire(ctx, "d1")
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))
	assert.Equal(t, 1, g.Len())
}

func TestMemoryGuard_TTLExpiresAbandonedLease(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGuard(Options{TTL: time.Minute})

	_, err := g.Acquire(ctx, "d1")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	_, err = g.Acquire(ctx, "d1")
	assert.NoError(t, err)
}

func TestMemoryGuard_ReleaseAll(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGuard(Options{Cooldown: time.Hour})

	a, err := g.Acquire(ctx, "a")
	require.NoError(t, err)
	_, err = g.Acquire(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx))
	assert.Equal(t, 2, g.Len())

	require.NoError(t, g.ReleaseAll(ctx))
	assert.Equal(t, 0, g.Len())
	_, err = g.Acquire(ctx, "a")
	assert.NoError(t, err)
}

func TestMemoryGuard_ConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGuard(Options{})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Acquire(ctx, "d1"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
