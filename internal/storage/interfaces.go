// Package storage defines the durable store contracts used by Memora.
//
// Concrete implementations live in the sqlite and postgres subpackages. The
// durable store is the source of truth for every schedule; the Redis cache is
// rebuilt from it on demand.
package storage

import (
	"context"
	"time"

	"github.com/montserZalloum/memora/pkg/types"
)

// ScheduleStore persists one row per (user, season, item).
type ScheduleStore interface {
	// CreateItem inserts a new row.
	// Returns ErrDuplicate if the (user, season, item) row already exists.
	CreateItem(ctx context.Context, item *types.MemoryItem) error

	// GetItem returns a single row.
	// Returns ErrNotFound if it doesn't exist.
	GetItem(ctx context.Context, userID, season, itemID string) (*types.MemoryItem, error)

	// UpdateItem overwrites stability, next/last review times and metadata,
	// bumping revision and updated_at.
	// Returns ErrNotFound if the row doesn't exist.
	UpdateItem(ctx context.Context, item *types.MemoryItem) error

	// LoadSchedule returns every row of one (user, season) schedule.
	LoadSchedule(ctx context.Context, userID, season string) ([]types.MemoryItem, error)

	// DueItems runs the bounded, index-backed due query.
	DueItems(ctx context.Context, q DueQuery) ([]types.MemoryItem, error)

	// SampleActive returns up to n random rows belonging to active seasons.
	SampleActive(ctx context.Context, n int) ([]types.MemoryItem, error)

	// CountBySeason returns hot row counts grouped by season.
	CountBySeason(ctx context.Context) ([]SeasonCount, error)
}

// AtomicUpserter is implemented by stores that can resolve a create/update
// race and the idempotency window check in a single statement. Callers
// detect it with a type assertion and fall back to the two-step path
// (CreateItem, then GetItem/UpdateItem on ErrDuplicate) otherwise.
type AtomicUpserter interface {
	// UpsertItem inserts the row or, when it exists and was last modified
	// before now-window, updates it. A row modified inside the window is left
	// untouched and UpsertSkipped is returned.
	UpsertItem(ctx context.Context, item *types.MemoryItem, window time.Duration) (UpsertResult, error)
}

// SeasonStore persists the season catalog. Seasons are never deleted.
type SeasonStore interface {
	// CreateSeason returns ErrDuplicate if the name is taken.
	CreateSeason(ctx context.Context, season *types.Season) error

	// GetSeason returns ErrNotFound if the season doesn't exist.
	GetSeason(ctx context.Context, name string) (*types.Season, error)

	ListSeasons(ctx context.Context, filter SeasonFilter) ([]types.Season, error)

	// UpdateSeason writes end date, auto-archive and partition flags.
	UpdateSeason(ctx context.Context, season *types.Season) error

	// TransitionSeason moves a season from one status to another only if its
	// current status equals from. Returns ErrConflict when it does not, and
	// ErrNotFound when the season doesn't exist.
	TransitionSeason(ctx context.Context, name string, from, to types.SeasonStatus) error

	// RenameSeason renames the season and re-keys its hot and cold rows.
	RenameSeason(ctx context.Context, oldName, newName string) error
}

// ArchiveStore owns the cold-storage table.
type ArchiveStore interface {
	// ArchiveSeason copies every hot row of the season into cold storage and
	// deletes the originals in one transaction. Returns the number moved.
	ArchiveSeason(ctx context.Context, season string, archivedAt time.Time) (int, error)

	// CountHot returns the number of hot rows for the season.
	CountHot(ctx context.Context, season string) (int, error)

	// CountArchived returns the number of cold rows for the season.
	CountArchived(ctx context.Context, season string) (int, error)

	// ListArchived returns up to limit cold rows of a season.
	ListArchived(ctx context.Context, season string, limit int) ([]types.ArchiveRecord, error)

	// FlagRetention marks cold rows archived before cutoff as eligible for
	// deletion and returns how many flags flipped.
	FlagRetention(ctx context.Context, cutoff time.Time) (int, error)

	// PurgeEligible physically deletes flagged cold rows.
	PurgeEligible(ctx context.Context) (int, error)
}

// AuditStore keeps the write-sparse persistence audit log.
type AuditStore interface {
	RecordAudit(ctx context.Context, entry *types.AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]types.AuditEntry, error)
}

// Partitioner manages per-season physical partitions of the hot table.
type Partitioner interface {
	// IsPartitioned reports whether the hot table is a partitioned table.
	IsPartitioned(ctx context.Context) (bool, error)

	// PartitionExists reports whether the season already has a partition.
	PartitionExists(ctx context.Context, season string) (bool, error)

	// CreatePartition creates the season's partition. It is idempotent.
	CreatePartition(ctx context.Context, season string) error
}

// Store is the full durable store used by the engine.
type Store interface {
	ScheduleStore
	SeasonStore
	ArchiveStore
	AuditStore
	Partitioner

	Ping(ctx context.Context) error
	Close() error
}
