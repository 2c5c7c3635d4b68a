package types_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/montserZalloum/memora/pkg/types"
)

func TestStabilityIntervals(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	want := map[types.Stability]time.Duration{
		1: 24 * time.Hour,
		2: 72 * time.Hour,
		3: 7 * 24 * time.Hour,
		4: 21 * 24 * time.Hour,
	}
	for s, d := range want {
		due, err := s.NextReviewAt(now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(d), due, "stability %d", s)
	}

	_, err := types.Stability(0).Interval()
	assert.Error(t, err)
	_, err = types.Stability(5).Interval()
	assert.Error(t, err)
}

func TestGrade(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	u, err := types.Grade("Q1", 0, true, now)
	require.NoError(t, err)
	assert.Equal(t, types.StabilityLearning, u.Stability)
	assert.Equal(t, now.Add(72*time.Hour), u.NextReviewAt)
	assert.Equal(t, now, u.ReviewedAt)

	u, err = types.Grade("Q1", types.StabilityMastered, true, now)
	require.NoError(t, err)
	assert.Equal(t, types.StabilityMastered, u.Stability, "promotion is capped at 4")

	u, err = types.Grade("Q1", types.StabilityReview, false, now)
	require.NoError(t, err)
	assert.Equal(t, types.StabilityNew, u.Stability, "wrong answer resets to 1")
}

func TestScoreRoundTrip(t *testing.T) {
	base := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	for ms := 0; ms < 5000; ms += 7 {
		ts := base.Add(time.Duration(ms) * time.Millisecond)
		score := types.ToScore(ts)
		assert.True(t, ts.Equal(types.FromScore(score)), "round trip of %s", ts)
		assert.Equal(t, score, types.ToScore(types.FromScore(score)))
	}

	// Sub-millisecond parts are dropped, as in the durable store.
	ts := base.Add(1500 * time.Microsecond)
	assert.True(t, base.Add(time.Millisecond).Equal(types.FromScore(types.ToScore(ts))))
	assert.Equal(t, 1772600767.5, types.ToScore(base.Add(500*time.Millisecond)))
}

func TestScheduleKey(t *testing.T) {
	k := types.ScheduleKey{UserID: "u:42", Season: "spring"}
	assert.Equal(t, "u:42:spring", k.String())

	parsed, ok := types.ParseScheduleKey(k.String())
	require.True(t, ok)
	assert.Equal(t, k, parsed)

	_, ok = types.ParseScheduleKey("nocolon")
	assert.False(t, ok)
}

func TestScheduleUpdateValidate(t *testing.T) {
	u := types.ScheduleUpdate{ItemID: "Q1", Stability: 3, NextReviewAt: time.Now()}
	assert.NoError(t, u.Validate())

	u.Stability = 7
	assert.Error(t, u.Validate())

	u = types.ScheduleUpdate{Stability: 2, NextReviewAt: time.Now()}
	assert.Error(t, u.Validate())
}

func TestMemoryItemValidate(t *testing.T) {
	m := &types.MemoryItem{UserID: "u", Season: "s", ItemID: "i", Stability: 1}
	assert.NoError(t, m.Validate())

	m.Stability = 0
	assert.Error(t, m.Validate())
}
