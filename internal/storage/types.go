package storage

import (
	"errors"
	"time"

	"github.com/montserZalloum/memora/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicate indicates a uniqueness constraint violation on create.
	ErrDuplicate = errors.New("duplicate record")

	// ErrConflict indicates a conditional write lost against a concurrent
	// change (for example a season that is no longer in the expected state).
	ErrConflict = errors.New("conflicting state")
)

// DueQuery bounds a durable due-items lookup. It is always served by the
// (user_id, next_review_at) index, never by a full scan.
type DueQuery struct {
	// UserID is required.
	UserID string

	// Season optionally restricts the query to one season.
	Season string

	// Subject optionally restricts the query to one subject.
	Subject string

	// Now is the due cutoff; items with next_review_at <= Now are returned.
	Now time.Time

	// Limit caps the result (default 10, max 1000).
	Limit int
}

// Normalize applies the default limit and validates the query.
func (q *DueQuery) Normalize() error {
	if q.UserID == "" {
		return ErrInvalidInput
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	if q.Now.IsZero() {
		q.Now = time.Now().UTC()
	}
	return nil
}

// UpsertResult reports what an atomic upsert did to the row.
type UpsertResult int

// Upsert outcomes
const (
	UpsertCreated UpsertResult = iota + 1
	UpsertUpdated
	UpsertSkipped // Row was modified within the idempotency window
)

// String returns the outcome name.
func (r UpsertResult) String() string {
	switch r {
	case UpsertCreated:
		return "created"
	case UpsertUpdated:
		return "updated"
	case UpsertSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// SeasonFilter narrows ListSeasons.
type SeasonFilter struct {
	// Status restricts to one lifecycle state; empty means all.
	Status types.SeasonStatus

	// AutoArchiveDue selects seasons with auto_archive set, not active, and an
	// end date before this time. Zero value disables the filter.
	AutoArchiveDue time.Time
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	UserID  string
	Season  string
	Outcome types.AuditOutcome
	Limit   int
}

// SeasonCount is the number of hot rows for one season.
type SeasonCount struct {
	Season string `json:"season"`
	Count  int    `json:"count"`
}

// Millis converts t to unix milliseconds, the on-disk timestamp format of
// both drivers. The zero time maps to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts unix milliseconds to a UTC time. 0 maps to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
