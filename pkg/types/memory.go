package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MemoryItem is the durable review schedule of one item for one user in one season.
// The (UserID, Season, ItemID) triple is unique.
type MemoryItem struct {
	UserID       string    `json:"user_id"`
	Season       string    `json:"season"`
	ItemID       string    `json:"item_id"`
	Stability    Stability `json:"stability"`
	LastReviewAt time.Time `json:"last_review_at"`
	NextReviewAt time.Time `json:"next_review_at"`
	Subject      string    `json:"subject,omitempty"`
	Topic        string    `json:"topic,omitempty"`

	// Bookkeeping maintained by the store.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Revision  int64     `json:"revision"`
}

// Key returns the cache key component for the item's (user, season) pair.
func (m *MemoryItem) Key() ScheduleKey {
	return ScheduleKey{UserID: m.UserID, Season: m.Season}
}

// Validate checks identity fields and the stability invariant.
func (m *MemoryItem) Validate() error {
	if m.UserID == "" || m.Season == "" || m.ItemID == "" {
		return errors.New("user, season and item id are required")
	}
	if !m.Stability.Valid() {
		return fmt.Errorf("stability %d out of range 1-4", m.Stability)
	}
	return nil
}

// ScheduleKey identifies the per-(user, season) schedule.
type ScheduleKey struct {
	UserID string
	Season string
}

// String renders the key as "{user}:{season}".
func (k ScheduleKey) String() string {
	return k.UserID + ":" + k.Season
}

// ParseScheduleKey splits "{user}:{season}" on the last colon.
func ParseScheduleKey(s string) (ScheduleKey, bool) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return ScheduleKey{}, false
	}
	return ScheduleKey{UserID: s[:i], Season: s[i+1:]}, true
}

// ScheduleUpdate is one pending write produced by a review submission.
type ScheduleUpdate struct {
	ItemID       string    `json:"item_id"`
	Stability    Stability `json:"stability"`
	NextReviewAt time.Time `json:"next_review_at"`
	ReviewedAt   time.Time `json:"reviewed_at"`
	Subject      string    `json:"subject,omitempty"`
	Topic        string    `json:"topic,omitempty"`
}

// Validate checks the update carries an item and a valid stability.
func (u *ScheduleUpdate) Validate() error {
	if u.ItemID == "" {
		return errors.New("item id is required")
	}
	if !u.Stability.Valid() {
		return fmt.Errorf("item %s: stability %d out of range 1-4", u.ItemID, u.Stability)
	}
	if u.NextReviewAt.IsZero() {
		return fmt.Errorf("item %s: next review time is required", u.ItemID)
	}
	return nil
}

// Item materialises the update as a MemoryItem for the given owner.
func (u *ScheduleUpdate) Item(userID, season string) *MemoryItem {
	reviewedAt := u.ReviewedAt
	if reviewedAt.IsZero() {
		reviewedAt = time.Now().UTC()
	}
	return &MemoryItem{
		UserID:       userID,
		Season:       season,
		ItemID:       u.ItemID,
		Stability:    u.Stability,
		LastReviewAt: reviewedAt,
		NextReviewAt: u.NextReviewAt,
		Subject:      u.Subject,
		Topic:        u.Topic,
	}
}

// ArchiveRecord is the cold-storage copy of a MemoryItem.
// Every field of the original item is preserved verbatim.
type ArchiveRecord struct {
	MemoryItem
	ArchivedAt          time.Time `json:"archived_at"`
	EligibleForDeletion bool      `json:"eligible_for_deletion"`
}

// RetentionPeriod is how long archived records are kept before they become
// eligible for deletion.
const RetentionPeriod = 3 * 365 * 24 * time.Hour

// AuditOutcome classifies an audited persistence batch.
type AuditOutcome string

// Audit outcomes. Successful batches are never audited.
const (
	AuditPartial AuditOutcome = "partial"
	AuditRetried AuditOutcome = "retried"
	AuditFailed  AuditOutcome = "failed"
)

// AuditEntry records a persistence batch that did not fully succeed.
type AuditEntry struct {
	ID         string       `json:"id"`
	JobID      string       `json:"job_id"`
	UserID     string       `json:"user_id"`
	Season     string       `json:"season"`
	Outcome    AuditOutcome `json:"outcome"`
	RetryCount int          `json:"retry_count"`
	ItemCount  int          `json:"item_count"`
	Failed     int          `json:"failed"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}
