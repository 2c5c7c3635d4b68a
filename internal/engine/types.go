// Package engine is the hot path of the scheduler. It answers "what is due
// now" from the schedule cache, falls back to a rate-limited durable query
// while the cache is down, and accepts review submissions by updating the
// cache synchronously and handing the durable write to the persistence
// queue.
package engine

import (
	"fmt"
	"time"

	"github.com/montserZalloum/memora/internal/cache"
	"github.com/montserZalloum/memora/internal/persist"
	"github.com/montserZalloum/memora/internal/reconcile"
	"github.com/montserZalloum/memora/pkg/types"
)

// Config holds configuration for the engine.
type Config struct {
	// DefaultLimit is used when a due request has no limit (default: 10).
	DefaultLimit int

	// MaxLimit caps a due request (default: 1000).
	MaxLimit int

	// SeasonCacheTTL is how long a season's status is trusted before it is
	// re-read from the store (default: 5s). Zero disables the season guard.
	SeasonCacheTTL time.Duration

	// CacheTTL is the idle expiry for schedules created by submissions
	// (default: cache.DefaultTTL).
	CacheTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:   10,
		MaxLimit:       1000,
		SeasonCacheTTL: 5 * time.Second,
		CacheTTL:       cache.DefaultTTL,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.DefaultLimit < 1 {
		return fmt.Errorf("DefaultLimit must be >= 1, got %d", c.DefaultLimit)
	}
	if c.MaxLimit < c.DefaultLimit {
		return fmt.Errorf("MaxLimit must be >= DefaultLimit, got %d", c.MaxLimit)
	}
	if c.SeasonCacheTTL < 0 {
		return fmt.Errorf("SeasonCacheTTL must be >= 0, got %v", c.SeasonCacheTTL)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("CacheTTL must be >= 0, got %v", c.CacheTTL)
	}
	return nil
}

// Source tells where a due list came from.
type Source string

// Due list sources
const (
	SourceCache   Source = "cache"
	SourceDurable Source = "durable"
)

// DueRequest asks for the due items of one schedule.
type DueRequest struct {
	UserID string
	Season string
	// Subject only narrows the durable fallback query; the cache is not
	// indexed by subject.
	Subject string
	Limit   int
	Now     time.Time
}

// DueItem is one item due for review.
type DueItem struct {
	ItemID    string          `json:"item_id"`
	Due       time.Time       `json:"due"`
	Stability types.Stability `json:"stability,omitempty"`
	Subject   string          `json:"subject,omitempty"`
	Topic     string          `json:"topic,omitempty"`
}

// DueResponse is the answer to a DueRequest.
type DueResponse struct {
	Items      []DueItem `json:"items"`
	Source     Source    `json:"source"`
	Rehydrated bool      `json:"rehydrated"`
	SafeMode   bool      `json:"safe_mode"`
}

// SubmitRequest carries graded reviews for one schedule.
type SubmitRequest struct {
	UserID  string
	Season  string
	Updates []types.ScheduleUpdate
}

// SubmitResponse reports how a submission was accepted.
type SubmitResponse struct {
	// JobID is the persistence job, empty when persisted inline.
	JobID string `json:"job_id,omitempty"`
	// Cached is false when the cache write failed; the durable write is
	// still scheduled and the cache is rebuilt on the next read.
	Cached bool `json:"cached"`
	// Inline is true when the task queue was unreachable and the batch was
	// written synchronously.
	Inline bool            `json:"inline"`
	Result *persist.Result `json:"result,omitempty"`
}

// Status is the operator view of the engine.
type Status struct {
	Cache         cache.Stats       `json:"cache"`
	SafeMode      bool              `json:"safe_mode"`
	BreakerState  string            `json:"breaker_state"`
	QueueDepth    map[string]int    `json:"queue_depth,omitempty"`
	HotCounts     map[string]int    `json:"hot_counts,omitempty"`
	LastReconcile *reconcile.Report `json:"last_reconcile,omitempty"`
	CheckedAt     time.Time         `json:"checked_at"`
}
