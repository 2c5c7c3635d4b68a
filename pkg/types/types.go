// Package types defines the core data structures for the Memora scheduling
// engine. These types represent memory items, their review schedule, seasons
// and the cold-storage copies produced when a season is archived.
package types

import (
	"fmt"
	"math"
	"time"
)

// Stability is the ordinal retention level of a memory item (1 = weakest).
type Stability int

// Stability levels
const (
	StabilityNew      Stability = 1
	StabilityLearning Stability = 2
	StabilityReview   Stability = 3
	StabilityMastered Stability = 4
)

// MinStability and MaxStability bound the valid stability range.
const (
	MinStability = StabilityNew
	MaxStability = StabilityMastered
)

// reviewIntervals maps every stability level to the delay until the next review.
var reviewIntervals = map[Stability]time.Duration{
	StabilityNew:      24 * time.Hour,
	StabilityLearning: 3 * 24 * time.Hour,
	StabilityReview:   7 * 24 * time.Hour,
	StabilityMastered: 21 * 24 * time.Hour,
}

// Valid reports whether s is one of the four stability levels.
func (s Stability) Valid() bool {
	return s >= MinStability && s <= MaxStability
}

// Interval returns the review interval for s.
// It returns an error for stability values outside 1-4.
func (s Stability) Interval() (time.Duration, error) {
	d, ok := reviewIntervals[s]
	if !ok {
		return 0, fmt.Errorf("invalid stability %d", s)
	}
	return d, nil
}

// NextReviewAt derives the due timestamp for an item reviewed at reviewedAt.
func (s Stability) NextReviewAt(reviewedAt time.Time) (time.Time, error) {
	d, err := s.Interval()
	if err != nil {
		return time.Time{}, err
	}
	return reviewedAt.Add(d), nil
}

// Promote returns the stability after a correct answer.
func (s Stability) Promote() Stability {
	if s < MinStability {
		return MinStability
	}
	if s >= MaxStability {
		return MaxStability
	}
	return s + 1
}

// Grade computes the schedule update for one answered item.
// A correct answer promotes stability by one level (capped at 4); a wrong
// answer resets it to 1. A previous value of 0 means the item has never been
// reviewed and is graded as if it were at level 1.
func Grade(itemID string, previous Stability, correct bool, now time.Time) (ScheduleUpdate, error) {
	if previous == 0 {
		previous = StabilityNew
	}
	next := StabilityNew
	if correct {
		next = previous.Promote()
	}

	due, err := next.NextReviewAt(now)
	if err != nil {
		return ScheduleUpdate{}, err
	}

	return ScheduleUpdate{
		ItemID:       itemID,
		Stability:    next,
		NextReviewAt: due,
		ReviewedAt:   now,
	}, nil
}

// ToScore converts a due time into the cache score (float seconds since
// epoch). Scores carry millisecond precision, the precision of the durable
// store, so FromScore(ToScore(t)) equals t truncated to the millisecond.
func ToScore(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

// FromScore converts a cache score back into a time.
func FromScore(score float64) time.Time {
	return time.UnixMilli(int64(math.Round(score * 1000))).UTC()
}
