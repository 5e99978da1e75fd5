//go:build integration

package inflight_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmerrifield20/hostdomains/internal/inflight"
	"github.com/jmerrifield20/hostdomains/internal/testutil/containers"
)

func TestRedisGuard(t *testing.T) {
	ctx := context.Background()
	rc := containers.NewRedisContainer(t)

	a := inflight.NewRedisGuard(rc.Client, inflight.Options{TTL: time.Minute, Cooldown: 500 * time.Millisecond})
	b := inflight.NewRedisGuard(rc.Client, inflight.Options{TTL: time.Minute, Cooldown: 500 * time.Millisecond})

	lease, err := a.Acquire(ctx, "d1")
	require.NoError(t, err)

	_, err = b.Acquire(ctx, "d1")
	assert.ErrorIs(t, err, inflight.ErrInFlight, "a second replica must see the lease")

	require.NoError(t, lease.Release(ctx))
	_, err = b.Acquire(ctx, "d1")
	assert.ErrorIs(t, err, inflight.ErrCoolingDown)

	require.Eventually(t, func() bool {
		l, err := b.Acquire(ctx, "d1")
		if err != nil {
			return false
		}
		return l.Release(ctx) == nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRedisGuard_ReleaseAllOnlyTouchesOwnKeys(t *testing.T) {
	ctx := context.Background()
	rc := containers.NewRedisContainer(t)

	a := inflight.NewRedisGuard(rc.Client, inflight.Options{TTL: time.Minute})
	b := inflight.NewRedisGuard(rc.Client, inflight.Options{TTL: time.Minute})

	_, err := a.Acquire(ctx, "mine")
	require.NoError(t, err)
	_, err = b.Acquire(ctx, "theirs")
	require.NoError(t, err)

	require.NoError(t, a.ReleaseAll(ctx))

	_, err = b.Acquire(ctx, "mine")
	assert.NoError(t, err)
	_, err = a.Acquire(ctx, "theirs")
	assert.ErrorIs(t, err, inflight.ErrInFlight)
}
