package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/openclaw/vcevidence/internal/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return ratelimit.NewFromClient(client)
}

func TestAllow_PermitsWithinBurst(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	policy := ratelimit.Policy{RPM: 60, Burst: 3}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "acme", policy)
		require.NoError(t, err)
		require.True(t, ok, "request %d should be allowed", i)
	}
}

func TestAllow_BlocksOverBurst(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	policy := ratelimit.Policy{RPM: 60, Burst: 2}

	ok1, _ := l.Allow(ctx, "acme", policy)
	ok2, _ := l.Allow(ctx, "acme", policy)
	ok3, _ := l.Allow(ctx, "acme", policy)

	require.True(t, ok1)
	require.True(t, ok2)
	require.False(t, ok3)
}

func TestAllow_SeparateActorsIsolated(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	policy := ratelimit.Policy{RPM: 60, Burst: 1}

	okA, _ := l.Allow(ctx, "acme", policy)
	okB, _ := l.Allow(ctx, "other", policy)

	require.True(t, okA)
	require.True(t, okB)
}
