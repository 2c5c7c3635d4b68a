package cache_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/montserZalloum/memora/internal/cache"
	"github.com/montserZalloum/memora/pkg/types"
)

type fakeLoader struct {
	calls atomic.Int32
	items []types.MemoryItem
	err   error
}

func (l *fakeLoader) LoadSchedule(ctx context.Context, userID, season string) ([]types.MemoryItem, error) {
	l.calls.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	var out []types.MemoryItem
	for _, item := range l.items {
		if item.UserID == userID && item.Season == season {
			out = append(out, item)
		}
	}
	return out, nil
}

func newTestCache(t *testing.T, loader cache.Loader) (*cache.ScheduleCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.New(client, loader, cache.Config{KeyPrefix: "srs:"}, zaptest.NewLogger(t)), mr
}

var key = types.ScheduleKey{UserID: "u1", Season: "s1"}

func TestDueItems_InclusionIffDue(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, c.Upsert(ctx, key, "past", now.Add(-time.Hour), 0))
	require.NoError(t, c.Upsert(ctx, key, "exact", now, 0))
	require.NoError(t, c.Upsert(ctx, key, "future", now.Add(time.Second), 0))

	due, err := c.DueItems(ctx, key, 10, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "past", due[0].ItemID)
	assert.Equal(t, "exact", due[1].ItemID)

	due, err = c.DueItems(ctx, key, 1, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "past", due[0].ItemID)

	// Reading has no side effects.
	all, err := c.AllScores(ctx, key)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUpsert_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, nil)
	now := time.Now().UTC()

	require.NoError(t, c.Upsert(ctx, key, "i1", now.Add(-time.Hour), 0))
	require.NoError(t, c.Upsert(ctx, key, "i1", now.Add(time.Hour), 0))

	due, err := c.DueItems(ctx, key, 0, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestUpsertBatch_AllScoresRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var entries []cache.Entry
	for i := 0; i < 1200; i++ {
		entries = append(entries, cache.Entry{ItemID: fmt.Sprintf("item-%04d", i), Due: base.Add(time.Duration(i)*time.Minute + time.Duration(i%1000)*time.Millisecond)})
	}
	require.NoError(t, c.UpsertBatch(ctx, key, entries, 0))

	all, err := c.AllScores(ctx, key)
	require.NoError(t, err)
	require.Len(t, all, len(entries))
	for i := range entries {
		assert.Equal(t, entries[i].ItemID, all[i].ItemID)
		assert.True(t, entries[i].Due.Equal(all[i].Due), "exact score for %s", entries[i].ItemID)
		assert.Equal(t, types.ToScore(entries[i].Due), types.ToScore(all[i].Due))
	}
}

func TestUpsert_TTLSetOnlyOnce(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, nil)
	now := time.Now()

	require.NoError(t, c.Upsert(ctx, key, "i1", now, time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("srs:u1:s1"))

	mr.FastForward(30 * time.Minute)
	require.NoError(t, c.Upsert(ctx, key, "i2", now, 10*time.Hour))
	assert.Equal(t, 30*time.Minute, mr.TTL("srs:u1:s1"), "a later write must not extend the expiry")

	mr.FastForward(31 * time.Minute)
	exists, err := c.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, c.Upsert(ctx, key, "i3", now, 0))
	assert.Equal(t, cache.DefaultTTL, mr.TTL("srs:u1:s1"), "a recreated key gets the default TTL")
}

func TestRemoveAndClear(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, nil)
	now := time.Now()

	require.NoError(t, c.UpsertBatch(ctx, key, []cache.Entry{{ItemID: "a", Due: now}, {ItemID: "b", Due: now}}, 0))
	require.NoError(t, c.Remove(ctx, key, "a"))
	all, err := c.AllScores(ctx, key)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].ItemID)

	require.NoError(t, c.Clear(ctx, key))
	exists, err := c.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDueItemsWithRehydration(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	loader := &fakeLoader{items: []types.MemoryItem{
		{UserID: "u1", Season: "s1", ItemID: "late", NextReviewAt: now.Add(-time.Minute)},
		{UserID: "u1", Season: "s1", ItemID: "early", NextReviewAt: now.Add(-time.Hour)},
		{UserID: "u1", Season: "s1", ItemID: "future", NextReviewAt: now.Add(time.Hour)},
	}}
	c, mr := newTestCache(t, loader)

	due, rehydrated, err := c.DueItemsWithRehydration(ctx, key, 10, now)
	require.NoError(t, err)
	assert.True(t, rehydrated)
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].ItemID)
	assert.Equal(t, "late", due[1].ItemID)
	assert.Equal(t, cache.DefaultTTL, mr.TTL("srs:u1:s1"))

	again, rehydrated, err := c.DueItemsWithRehydration(ctx, key, 10, now)
	require.NoError(t, err)
	assert.False(t, rehydrated)
	assert.Equal(t, due, again)
	assert.Equal(t, int32(1), loader.calls.Load())

	all, err := c.AllScores(ctx, key)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDueItemsWithRehydration_ExistingKeyNothingDue(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	loader := &fakeLoader{}
	c, _ := newTestCache(t, loader)

	require.NoError(t, c.Upsert(ctx, key, "future", now.Add(time.Hour), 0))
	due, rehydrated, err := c.DueItemsWithRehydration(ctx, key, 10, now)
	require.NoError(t, err)
	assert.Empty(t, due)
	assert.False(t, rehydrated)
	assert.Equal(t, int32(0), loader.calls.Load(), "an existing key is never reloaded")
}

func TestDueItemsWithRehydration_ConcurrentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	var items []types.MemoryItem
	for i := 0; i < 50; i++ {
		items = append(items, types.MemoryItem{UserID: "u1", Season: "s1", ItemID: fmt.Sprintf("i%d", i), NextReviewAt: now.Add(-time.Duration(i) * time.Second)})
	}
	c, _ := newTestCache(t, &fakeLoader{items: items})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			due, _, err := c.DueItemsWithRehydration(ctx, key, 5, now)
			assert.NoError(t, err)
			assert.Len(t, due, 5)
		}()
	}
	wg.Wait()

	all, err := c.AllScores(ctx, key)
	require.NoError(t, err)
	assert.Len(t, all, 50)
}

func TestDueItemsWithRehydration_LoaderError(t *testing.T) {
	c, _ := newTestCache(t, &fakeLoader{err: fmt.Errorf("db down")})
	_, _, err := c.DueItemsWithRehydration(context.Background(), key, 10, time.Now())
	require.Error(t, err)
	assert.True(t, cache.Error.Has(err))
}

func TestPurgeSeason(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, nil)
	now := time.Now()

	for i := 0; i < 25; i++ {
		require.NoError(t, c.Upsert(ctx, types.ScheduleKey{UserID: fmt.Sprintf("user:%d", i), Season: "s1"}, "i", now, 0))
	}
	require.NoError(t, c.Upsert(ctx, types.ScheduleKey{UserID: "u1", Season: "s10"}, "i", now, 0))
	require.NoError(t, c.Upsert(ctx, types.ScheduleKey{UserID: "u1", Season: "s2"}, "i", now, 0))

	deleted, err := c.PurgeSeason(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 25, deleted)
	assert.True(t, mr.Exists("srs:u1:s10"))
	assert.True(t, mr.Exists("srs:u1:s2"))

	_, err = c.PurgeSeason(ctx, "s*")
	assert.Error(t, err)
}

func TestLookupAndCorrect(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, nil)
	now := time.Now().UTC()
	other := types.ScheduleKey{UserID: "u2", Season: "s1"}

	require.NoError(t, c.Upsert(ctx, key, "i1", now, 0))

	res, err := c.Lookup(ctx, []cache.Ref{{Key: key, ItemID: "i1"}, {Key: key, ItemID: "i2"}, {Key: other, ItemID: "i1"}})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.True(t, res[0].Found)
	assert.WithinDuration(t, now, res[0].Due, time.Millisecond)
	assert.True(t, res[1].KeyExists)
	assert.False(t, res[1].Found)
	assert.False(t, res[2].KeyExists)

	ok, err := c.Correct(ctx, key, "i2", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Correct(ctx, other, "i1", now)
	require.NoError(t, err)
	assert.False(t, ok, "missing schedules are not recreated")
	exists, err := c.Exists(ctx, other)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, nil)
	now := time.Now()

	require.NoError(t, c.Upsert(ctx, types.ScheduleKey{UserID: "u1", Season: "s1"}, "i", now, 0))
	require.NoError(t, c.Upsert(ctx, types.ScheduleKey{UserID: "u2", Season: "s1"}, "i", now, 0))
	require.NoError(t, c.Upsert(ctx, types.ScheduleKey{UserID: "u1", Season: "s2"}, "i", now, 0))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Connected)
	assert.Equal(t, 3, stats.TotalKeys)
	assert.Equal(t, map[string]int{"s1": 2, "s2": 1}, stats.KeysBySeason)
}

func TestUnavailable(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, nil)
	mr.Close()

	assert.False(t, c.IsAvailable(ctx))
	err := c.Upsert(ctx, key, "i1", time.Now(), 0)
	require.Error(t, err)
	assert.True(t, cache.ErrUnavailable.Has(err))

	_, err = c.DueItems(ctx, key, 10, time.Now())
	assert.True(t, cache.ErrUnavailable.Has(err))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Connected)
}
