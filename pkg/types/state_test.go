package types_test

import (
	"testing"
	"time"

	"github.com/montserZalloum/memora/pkg/types"
)

func TestValidSeasonStatuses(t *testing.T) {
	for _, status := range []types.SeasonStatus{"created", "active", "inactive", "archiving", "archived"} {
		if !types.IsValidSeasonStatus(status) {
			t.Errorf("Expected %s to be valid season status", status)
		}
	}
	if types.IsValidSeasonStatus("deleted") {
		t.Error("Expected deleted to be invalid season status")
	}
}

func TestSeasonTransitions(t *testing.T) {
	cases := []struct {
		from, to types.SeasonStatus
		want     bool
	}{
		{types.SeasonCreated, types.SeasonActive, true},
		{types.SeasonCreated, types.SeasonArchiving, false},
		{types.SeasonActive, types.SeasonInactive, true},
		{types.SeasonActive, types.SeasonArchiving, false},
		{types.SeasonInactive, types.SeasonArchiving, true},
		{types.SeasonInactive, types.SeasonActive, true},
		{types.SeasonArchiving, types.SeasonArchived, true},
		{types.SeasonArchiving, types.SeasonInactive, true},
		{types.SeasonArchived, types.SeasonActive, false},
		{types.SeasonArchived, types.SeasonInactive, false},
	}

	for _, tc := range cases {
		if got := types.IsValidSeasonTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestSeasonEnded(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if (&types.Season{}).Ended(now) {
		t.Error("season without end date must not be ended")
	}
	if !(&types.Season{EndDate: &past}).Ended(now) {
		t.Error("season with past end date must be ended")
	}
	if (&types.Season{EndDate: &future}).Ended(now) {
		t.Error("season with future end date must not be ended")
	}
}

func TestValidateSeasonName(t *testing.T) {
	if err := types.ValidateSeasonName("2025-fall"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "  ", "a:b", "s*", "with space"} {
		if err := types.ValidateSeasonName(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
