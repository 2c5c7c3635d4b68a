package safemode

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func requireCause(t *testing.T, err error, cause Cause) {
	t.Helper()
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, cause, rl.Cause)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))
}

// gateContract runs the admission rules every Gate must satisfy. advance
// moves the gate's notion of time forward.
func gateContract(t *testing.T, gate Gate, advance func(time.Duration)) {
	ctx := context.Background()

	require.NoError(t, gate.Allow(ctx, "u1"))
	requireCause(t, gate.Allow(ctx, "u1"), CauseUser)

	advance(29 * time.Second)
	requireCause(t, gate.Allow(ctx, "u1"), CauseUser)

	advance(2 * time.Second)
	require.NoError(t, gate.Allow(ctx, "u1"), "user interval elapsed")

	require.NoError(t, gate.Allow(ctx, "u2"))
	// Global limit is 3 and three queries were accepted.
	requireCause(t, gate.Allow(ctx, "u3"), CauseGlobal)
	requireCause(t, gate.Allow(ctx, "u4"), CauseGlobal)

	advance(30 * time.Second)
	require.NoError(t, gate.Allow(ctx, "u3"), "window expired 60s after first accept")

	require.NoError(t, gate.Reset(ctx, "u3"))
	require.NoError(t, gate.Allow(ctx, "u3"), "reset clears the user marker")
}

var testLimits = Limits{GlobalLimit: 3, GlobalWindow: 60 * time.Second, UserInterval: 30 * time.Second}

func TestMemoryGate(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	gate := NewMemoryGate(testLimits)
	gate.now = clock.now
	gateContract(t, gate, clock.advance)
}

func TestRedisGate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	gate := NewRedisGate(client, "srs:", testLimits)
	gateContract(t, gate, mr.FastForward)
}

func TestRedisGate_RejectedCallsDoNotIncrement(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	gate := NewRedisGate(client, "srs:", Limits{GlobalLimit: 500})

	require.NoError(t, gate.Allow(ctx, "u1"))
	for i := 0; i < 10; i++ {
		requireCause(t, gate.Allow(ctx, "u1"), CauseUser)
	}
	got, err := mr.Get("srs:safemode:global")
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	mr.FastForward(20 * time.Second)
	require.NoError(t, gate.Allow(ctx, "u2"))
	assert.Equal(t, 40*time.Second, mr.TTL("srs:safemode:global"), "expiry set only on creation")
}

func TestGlobalLimit500(t *testing.T) {
	ctx := context.Background()
	gate := NewMemoryGate(Limits{})

	for i := 0; i < 500; i++ {
		require.NoError(t, gate.Allow(ctx, fmt.Sprintf("user-%d", i)))
	}
	requireCause(t, gate.Allow(ctx, "user-500"), CauseGlobal)
	assert.Equal(t, 500, gate.globalCount)
}

func TestFallbackGate_UsesSecondaryWhenPrimaryFails(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	gate := NewFallbackGate(NewRedisGate(client, "", testLimits), NewMemoryGate(testLimits), zaptest.NewLogger(t))
	require.NoError(t, gate.Allow(ctx, "u1"))
	requireCause(t, gate.Allow(ctx, "u1"), CauseUser)

	mr.Close()
	require.NoError(t, gate.Allow(ctx, "u1"), "in-process gate has its own state")
	requireCause(t, gate.Allow(ctx, "u1"), CauseUser)
}
