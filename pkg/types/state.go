package types

import (
	"errors"
	"strings"
	"time"
)

// SeasonStatus is the lifecycle state of a season.
type SeasonStatus string

// Season lifecycle states
const (
	SeasonCreated   SeasonStatus = "created"   // Defined by an administrator, not yet open
	SeasonActive    SeasonStatus = "active"    // Open for reviews
	SeasonInactive  SeasonStatus = "inactive"  // Closed for reviews, data still hot
	SeasonArchiving SeasonStatus = "archiving" // Hot records are being moved to cold storage
	SeasonArchived  SeasonStatus = "archived"  // Terminal: all records live in cold storage
)

// ValidSeasonStatuses contains all valid season states
var ValidSeasonStatuses = []SeasonStatus{
	SeasonCreated,
	SeasonActive,
	SeasonInactive,
	SeasonArchiving,
	SeasonArchived,
}

// IsValidSeasonStatus checks if the given status is a known season state.
func IsValidSeasonStatus(status SeasonStatus) bool {
	for _, valid := range ValidSeasonStatuses {
		if status == valid {
			return true
		}
	}
	return false
}

// IsValidSeasonTransition validates season state transitions.
//
// Valid transitions:
//
//	created -> active
//	active -> inactive
//	inactive -> active | archiving
//	archiving -> archived | inactive (rollback after a failed archive)
//	archived -> (terminal, no transitions out)
func IsValidSeasonTransition(current, next SeasonStatus) bool {
	switch current {
	case SeasonCreated:
		return next == SeasonActive
	case SeasonActive:
		return next == SeasonInactive
	case SeasonInactive:
		return next == SeasonActive || next == SeasonArchiving
	case SeasonArchiving:
		return next == SeasonArchived || next == SeasonInactive
	case SeasonArchived:
		return false
	default:
		return false
	}
}

// Season is an administrative, time-bounded partition of schedule data.
type Season struct {
	Name             string       `json:"name"`
	Status           SeasonStatus `json:"status"`
	EndDate          *time.Time   `json:"end_date,omitempty"`
	AutoArchive      bool         `json:"auto_archive"`
	PartitionCreated bool         `json:"partition_created"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// IsActive reports whether the season is open for reviews.
func (s *Season) IsActive() bool {
	return s.Status == SeasonActive
}

// Ended reports whether the season's end date is set and in the past.
func (s *Season) Ended(now time.Time) bool {
	return s.EndDate != nil && s.EndDate.Before(now)
}

// ValidateSeasonName rejects names that cannot be used as cache key or
// partition components.
func ValidateSeasonName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("season name is required")
	}
	if len(name) > 63 {
		return errors.New("season name must be at most 63 characters")
	}
	if strings.ContainsAny(name, ":*?[]\\ ") {
		return errors.New("season name must not contain ':', glob characters or spaces")
	}
	return nil
}
