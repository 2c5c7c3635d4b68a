package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/montserZalloum/memora/internal/cache"
	"github.com/montserZalloum/memora/internal/notify"
	"github.com/montserZalloum/memora/internal/storage/sqlite"
	"github.com/montserZalloum/memora/pkg/types"
)

type fixture struct {
	store *sqlite.Store
	cache *cache.ScheduleCache
	rec   *notify.Recorder
	svc   *Service
	due   time.Time
}

func newFixture(t *testing.T, items int) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.New(client, store, cache.Config{KeyPrefix: "srs:"}, zaptest.NewLogger(t))

	require.NoError(t, store.CreateSeason(ctx, &types.Season{Name: "fall"}))
	require.NoError(t, store.TransitionSeason(ctx, "fall", types.SeasonCreated, types.SeasonActive))

	due := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	key := types.ScheduleKey{UserID: "u1", Season: "fall"}
	var entries []cache.Entry
	for i := 0; i < items; i++ {
		id := fmt.Sprintf("q%03d", i)
		require.NoError(t, store.CreateItem(ctx, &types.MemoryItem{
			UserID: "u1", Season: "fall", ItemID: id,
			Stability: types.StabilityNew, LastReviewAt: due.Add(-24 * time.Hour), NextReviewAt: due,
		}))
		entries = append(entries, cache.Entry{ItemID: id, Due: due})
	}
	require.NoError(t, c.UpsertBatch(ctx, key, entries, 0))

	rec := notify.NewRecorder(10)
	svc := New(store, c, rec, Config{LookupBatch: 3}, zaptest.NewLogger(t))
	return &fixture{store: store, cache: c, rec: rec, svc: svc, due: due}
}

func TestRun_InSync(t *testing.T) {
	f := newFixture(t, 5)

	report, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.SampleSize)
	assert.Equal(t, 0, report.Discrepancies)
	assert.Zero(t, report.Rate)
	assert.False(t, report.Alerted)
	assert.Empty(t, f.rec.Recent())
}

func TestRun_DivergenceIsCorrectedAndAlerted(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	key := types.ScheduleKey{UserID: "u1", Season: "fall"}

	// One member drifts by a day, another vanishes, a third moves inside tolerance.
	require.NoError(t, f.cache.Upsert(ctx, key, "q000", f.due.Add(24*time.Hour), 0))
	require.NoError(t, f.cache.Remove(ctx, key, "q001"))
	require.NoError(t, f.cache.Upsert(ctx, key, "q002", f.due.Add(500*time.Millisecond), 0))

	report, err := f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Discrepancies)
	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, 1, report.Drifted)
	assert.Equal(t, 2, report.CorrectedCount)
	assert.InDelta(t, 0.4, report.Rate, 1e-9)
	assert.Equal(t, []string{"fall"}, report.AffectedSeasons)
	assert.True(t, report.Alerted)

	alerts := f.rec.Recent()
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.KindReconciliation, alerts[0].Kind)
	for _, field := range []string{"sample_size", "discrepancies", "rate", "affected_seasons", "corrected_count"} {
		assert.Contains(t, alerts[0].Data, field)
	}

	all, err := f.cache.AllScores(ctx, key)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for _, e := range all {
		assert.WithinDuration(t, f.due, e.Due, time.Second, "item %s", e.ItemID)
	}

	report, err = f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Discrepancies, "durable store wins, second pass is clean")
	assert.Equal(t, report, f.svc.LastReport())
}

func TestRun_DurableChangeIsPropagated(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	report, err := f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, report.SampleSize)
	assert.Zero(t, report.Rate)

	item, err := f.store.GetItem(ctx, "u1", "fall", "q042")
	require.NoError(t, err)
	item.Stability = types.StabilityReview
	item.NextReviewAt = f.due.Add(7 * 24 * time.Hour)
	item.UpdatedAt = time.Time{}
	require.NoError(t, f.store.UpdateItem(ctx, item))

	report, err = f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Discrepancies)
	assert.Equal(t, 1, report.CorrectedCount)
	assert.InDelta(t, 0.01, report.Rate, 1e-9)

	res, err := f.cache.Lookup(ctx, []cache.Ref{{Key: item.Key(), ItemID: "q042"}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.WithinDuration(t, item.NextReviewAt, res[0].Due, time.Second)
}

func TestRun_AbsentKeyIsSkipped(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	require.NoError(t, f.cache.Clear(ctx, types.ScheduleKey{UserID: "u1", Season: "fall"}))

	report, err := f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.SkippedCold)
	assert.Equal(t, 0, report.Discrepancies)

	exists, err := f.cache.Exists(ctx, types.ScheduleKey{UserID: "u1", Season: "fall"})
	require.NoError(t, err)
	assert.False(t, exists, "reconciliation never recreates an expired schedule")
}

func TestRun_InactiveSeasonsAreNotSampled(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	require.NoError(t, f.store.TransitionSeason(ctx, "fall", types.SeasonActive, types.SeasonInactive))

	report, err := f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.SampleSize)
	assert.Zero(t, report.Rate)
}

type failingSampler struct{}

func (failingSampler) SampleActive(ctx context.Context, n int) ([]types.MemoryItem, error) {
	return nil, errors.New("db down")
}

func TestRun_SamplerError(t *testing.T) {
	svc := New(failingSampler{}, nil, nil, Config{}, zaptest.NewLogger(t))
	_, err := svc.Run(context.Background())
	require.Error(t, err)
	assert.True(t, Error.Has(err))
	assert.Nil(t, svc.LastReport())
}

func TestStart_StopsOnCancel(t *testing.T) {
	f := newFixture(t, 1)
	f.svc.config.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Start(ctx) }()

	require.Eventually(t, func() bool { return f.svc.LastReport() != nil }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}
