package safemode

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/montserZalloum/memora/internal/storage"
	"github.com/montserZalloum/memora/pkg/types"
)

type fakeProber struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (p *fakeProber) Ping(ctx context.Context) error {
	p.calls.Add(1)
	if p.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestDetector_BreakerStopsProbing(t *testing.T) {
	ctx := context.Background()
	prober := &fakeProber{}
	d := NewDetector(prober, DetectorConfig{MaxFailures: 2, Cooldown: 50 * time.Millisecond}, zaptest.NewLogger(t))

	assert.False(t, d.Unavailable(ctx))
	assert.Equal(t, "closed", d.State())

	prober.fail.Store(true)
	assert.True(t, d.Unavailable(ctx), "first failed probe engages safe mode")
	assert.True(t, d.Unavailable(ctx))
	assert.Equal(t, "open", d.State())

	calls := prober.calls.Load()
	assert.True(t, d.Unavailable(ctx))
	assert.Equal(t, calls, prober.calls.Load(), "open breaker does not probe")

	prober.fail.Store(false)
	time.Sleep(80 * time.Millisecond)
	assert.False(t, d.Unavailable(ctx), "trial probe after cooldown closes the breaker")
	assert.Equal(t, "closed", d.State())
}

func TestDetector_HealthyForCachesSuccess(t *testing.T) {
	ctx := context.Background()
	prober := &fakeProber{}
	d := NewDetector(prober, DetectorConfig{HealthyFor: time.Hour}, nil)

	for i := 0; i < 5; i++ {
		assert.False(t, d.Unavailable(ctx))
	}
	assert.Equal(t, int32(1), prober.calls.Load())

	d.MarkFailed(errors.New("timeout"))
	prober.fail.Store(true)
	assert.True(t, d.Unavailable(ctx), "a reported failure drops the cached result")
}

type fakeStore struct {
	last storage.DueQuery
	err  error
}

func (s *fakeStore) DueItems(ctx context.Context, q storage.DueQuery) ([]types.MemoryItem, error) {
	s.last = q
	if s.err != nil {
		return nil, s.err
	}
	return []types.MemoryItem{{UserID: q.UserID, Season: "s1", ItemID: "i1"}}, nil
}

func TestManager_FallbackQuery(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	m := NewManager(NewDetector(&fakeProber{}, DetectorConfig{}, nil), NewMemoryGate(Limits{}), store, zaptest.NewLogger(t))

	items, err := m.FallbackQuery(ctx, FallbackRequest{UserID: "u1", Subject: "math"})
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, DefaultFallbackLimit, store.last.Limit)
	assert.Equal(t, "math", store.last.Subject)
	assert.Empty(t, store.last.Season)
	assert.False(t, store.last.Now.IsZero())

	store.err = errors.New("db down")
	_, err = m.FallbackQuery(ctx, FallbackRequest{UserID: "u1", Season: "s1", Limit: 3})
	require.Error(t, err)
	assert.True(t, Error.Has(err))
	assert.Equal(t, 3, store.last.Limit)
}

func TestManager_CheckRateLimit(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewDetector(&fakeProber{}, DetectorConfig{}, nil), NewMemoryGate(Limits{}), &fakeStore{}, nil)

	require.NoError(t, m.CheckRateLimit(ctx, "u1"))
	err := m.CheckRateLimit(ctx, "u1")
	assert.True(t, IsRateLimited(err))

	require.NoError(t, m.ResetUser(ctx, "u1"))
	assert.NoError(t, m.CheckRateLimit(ctx, "u1"))

	assert.Error(t, m.CheckRateLimit(ctx, ""))
	assert.False(t, m.Active(ctx))
}
