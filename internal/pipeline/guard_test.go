package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisGuard(t *testing.T) (*RedisGuard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisGuard(client, "", time.Hour), mr
}

func TestGuards(t *testing.T) {
	redisGuard, _ := newRedisGuard(t)
	guards := map[string]Guard{
		"memory": NewMemoryGuard(),
		"redis":  redisGuard,
	}

	for name, g := range guards {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := g.Begin(ctx, "42")
			require.NoError(t, err)
			current, err := g.Current(ctx, first)
			require.NoError(t, err)
			assert.True(t, current)

			other, err := g.Begin(ctx, "43")
			require.NoError(t, err)

			second, err := g.Begin(ctx, "42")
			require.NoError(t, err)
			assert.Greater(t, second.Generation, first.Generation)

			current, err = g.Current(ctx, first)
			require.NoError(t, err)
			assert.False(t, current, "first run is superseded")

			current, err = g.Current(ctx, second)
			require.NoError(t, err)
			assert.True(t, current)

			current, err = g.Current(ctx, other)
			require.NoError(t, err)
			assert.True(t, current, "other issues are unaffected")
		})
	}
}

func TestMemoryGuardReleasesFinishedRuns(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()

	stale, err := g.Begin(ctx, "42")
	require.NoError(t, err)
	newer, err := g.Begin(ctx, "42")
	require.NoError(t, err)

	require.NoError(t, g.End(ctx, stale))
	assert.Equal(t, 1, g.Len(), "a superseded run does not release the newer claim")

	require.NoError(t, g.End(ctx, newer))
	assert.Zero(t, g.Len())

	current, err := g.Current(ctx, stale)
	require.NoError(t, err)
	assert.False(t, current, "a released entry does not revive a superseded run")

	next, err := g.Begin(ctx, "42")
	require.NoError(t, err)
	assert.Greater(t, next.Generation, newer.Generation)
	current, err = g.Current(ctx, stale)
	require.NoError(t, err)
	assert.False(t, current)
}

func TestRunReleasesMemoryGuard(t *testing.T) {
	h := newHarness(t, nil, nil)
	for _, id := range []string{"42", "43", "44"} {
		res := h.orch.Run(context.Background(), issue(id, "CSV export splits quoted cells", "", 0), nil)
		require.Equal(t, StateDone, res.State)
	}
	assert.Zero(t, h.guard.Len())
}

func TestRedisGuardKeyExpiry(t *testing.T) {
	g, mr := newRedisGuard(t)
	ctx := context.Background()

	ticket, err := g.Begin(ctx, "42")
	require.NoError(t, err)
	assert.True(t, mr.Exists("triage:run-generation:42"))
	assert.Equal(t, time.Hour, mr.TTL("triage:run-generation:42"))

	mr.FastForward(2 * time.Hour)
	current, err := g.Current(ctx, ticket)
	require.NoError(t, err)
	assert.True(t, current, "an expired counter means nothing newer started")
}

func unreachableGuard(t *testing.T) *RedisGuard {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisGuard(client, "", 0)
}

func TestRedisGuardUnavailable(t *testing.T) {
	g := unreachableGuard(t)

	_, err := g.Begin(context.Background(), "42")
	assert.Error(t, err)
}

// A guard that is down must not stop triage.
func TestRunContinuesWhenGuardFails(t *testing.T) {
	h := newHarness(t, nil, nil, WithGuard(unreachableGuard(t)))
	res := h.orch.Run(context.Background(), issue("42", "CSV export splits quoted cells", "", 0), nil)

	assert.Equal(t, StateDone, res.State)
}
