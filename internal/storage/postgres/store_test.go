package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/montserZalloum/memora/internal/storage"
	"github.com/montserZalloum/memora/internal/storage/postgres"
	"github.com/montserZalloum/memora/pkg/types"
)

// postgresTestDSN returns the DSN for the test database.
// If MEMORA_POSTGRES_TEST_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("MEMORA_POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("MEMORA_POSTGRES_TEST_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a Store connected to the test database with every
// table truncated.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	store, err := postgres.New(context.Background(), postgresTestDSN(t))
	require.NoError(t, err, "New should succeed")
	require.NoError(t, store.TruncateForTest(context.Background()))

	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newItem(user, season, item string, due time.Time) *types.MemoryItem {
	return &types.MemoryItem{
		UserID:       user,
		Season:       season,
		ItemID:       item,
		Stability:    types.StabilityNew,
		LastReviewAt: due.Add(-24 * time.Hour),
		NextReviewAt: due,
	}
}

func TestPartitionName(t *testing.T) {
	assert.Equal(t, "schedule_p_2026-spring", postgres.PartitionName("2026-spring"))

	long := strings.Repeat("x", 63)
	name := postgres.PartitionName(long)
	assert.LessOrEqual(t, len(name), 63)
	assert.NotEqual(t, name, postgres.PartitionName(strings.Repeat("x", 62)+"y"))
}

func TestCreateAndUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Millisecond)

	item := newItem("u1", "s1", "i1", base)
	require.NoError(t, store.CreateItem(ctx, item))
	assert.ErrorIs(t, store.CreateItem(ctx, newItem("u1", "s1", "i1", base)), storage.ErrDuplicate)

	dup := newItem("u1", "s1", "i1", base.Add(time.Hour))
	res, err := store.UpsertItem(ctx, dup, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertSkipped, res)

	later := newItem("u1", "s1", "i1", base.Add(time.Hour))
	later.UpdatedAt = base.Add(10 * time.Minute)
	res, err = store.UpsertItem(ctx, later, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertUpdated, res)
}

func TestDueItemsUsesBoundedQuery(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateItem(ctx, newItem("u1", "s1", fmt.Sprintf("i%d", i), now.Add(-time.Minute))))
	}
	items, err := store.DueItems(ctx, storage.DueQuery{UserID: "u1", Season: "s1", Now: now, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestPartitionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	partitioned, err := store.IsPartitioned(ctx)
	require.NoError(t, err)
	assert.True(t, partitioned)

	season := fmt.Sprintf("it-%d", time.Now().UnixNano())
	require.NoError(t, store.CreateItem(ctx, newItem("u1", season, "i1", time.Now())))

	require.NoError(t, store.CreatePartition(ctx, season))
	require.NoError(t, store.CreatePartition(ctx, season), "second call is a no-op")

	exists, err := store.PartitionExists(ctx, season)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = store.GetItem(ctx, "u1", season, "i1")
	assert.NoError(t, err, "rows from the default partition are moved, not lost")

	moved, err := store.ArchiveSeason(ctx, season, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	_, err = store.DB().ExecContext(ctx, "DROP TABLE "+postgres.PartitionName(season))
	require.NoError(t, err)
}

func TestTransitionSeason(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateSeason(ctx, &types.Season{Name: "s1", Status: types.SeasonInactive}))
	require.NoError(t, store.TransitionSeason(ctx, "s1", types.SeasonInactive, types.SeasonArchiving))
	assert.ErrorIs(t, store.TransitionSeason(ctx, "s1", types.SeasonInactive, types.SeasonArchiving), storage.ErrConflict)
}

func TestSampleActive_OnlyActiveSeasons(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.CreateSeason(ctx, &types.Season{Name: "live", Status: types.SeasonActive}))
	require.NoError(t, store.CreateSeason(ctx, &types.Season{Name: "closed", Status: types.SeasonInactive}))
	for i := 0; i < 100; i++ {
		require.NoError(t, store.CreateItem(ctx, newItem("u1", "live", fmt.Sprintf("a%03d", i), now)))
		require.NoError(t, store.CreateItem(ctx, newItem("u1", "closed", fmt.Sprintf("b%03d", i), now)))
	}

	sample, err := store.SampleActive(ctx, 20)
	require.NoError(t, err)
	require.Len(t, sample, 20)
	seen := make(map[string]bool)
	for _, item := range sample {
		assert.Equal(t, "live", item.Season)
		assert.False(t, seen[item.ItemID], "duplicate %s", item.ItemID)
		seen[item.ItemID] = true
	}

	sample, err = store.SampleActive(ctx, 500)
	require.NoError(t, err)
	assert.Len(t, sample, 100, "a sample larger than the active set returns every active row")
}
