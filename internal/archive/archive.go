// Package archive administers the season lifecycle: creation with its
// storage partition, activation, archival of hot rows into cold storage,
// the auto-archive job and retention of cold rows.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/montserZalloum/memora/internal/notify"
	"github.com/montserZalloum/memora/internal/queue"
	"github.com/montserZalloum/memora/internal/storage"
	"github.com/montserZalloum/memora/pkg/types"
)

var (
	// Error is the error class for archive failures.
	Error = errs.Class("archive")

	// ErrRejected is returned when a lifecycle operation is not allowed in
	// the season's current state. A rejected operation has no side effects.
	ErrRejected = errs.Class("archive rejected")

	mon = monkit.Package()
)

// PartitionJobType is the task queue job type for partition creation.
const PartitionJobType = "ensure_partition"

// Store is the durable state the manager drives.
type Store interface {
	storage.SeasonStore
	storage.ArchiveStore
	storage.Partitioner
}

// CachePurger drops every cached schedule of a season.
type CachePurger interface {
	PurgeSeason(ctx context.Context, season string) (int, error)
}

// Config tunes the background jobs.
type Config struct {
	// AutoArchiveEvery is the auto-archive period. Default: 24h.
	AutoArchiveEvery time.Duration
	// RetentionEvery is the retention flagging period. Default: 24h.
	RetentionEvery time.Duration
	// RetentionPeriod is how long cold rows are kept. Default: 3 years.
	RetentionPeriod time.Duration
}

func (c *Config) setDefaults() {
	if c.AutoArchiveEvery <= 0 {
		c.AutoArchiveEvery = 24 * time.Hour
	}
	if c.RetentionEvery <= 0 {
		c.RetentionEvery = 24 * time.Hour
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = types.RetentionPeriod
	}
}

// Manager implements season administration and archival.
type Manager struct {
	store    Store
	cache    CachePurger
	queue    queue.Queue
	notifier notify.Notifier
	config   Config
	log      *zap.Logger
	now      func() time.Time

	// seasons being archived by this process
	inflight sync.Map
}

// New creates a Manager. cache, q and notifier may be nil.
func New(store Store, cache CachePurger, q queue.Queue, notifier notify.Notifier, config Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	config.setDefaults()
	return &Manager{
		store:    store,
		cache:    cache,
		queue:    q,
		notifier: notifier,
		config:   config,
		log:      log.Named("archive"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type partitionPayload struct {
	Season string `json:"season"`
}

// CreateSeason registers a new season and schedules creation of its
// partition. When the task queue is unreachable the partition is created
// inline.
func (m *Manager) CreateSeason(ctx context.Context, name string, endDate *time.Time) (_ *types.Season, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := types.ValidateSeasonName(name); err != nil {
		return nil, Error.Wrap(errors.Join(storage.ErrInvalidInput, err))
	}

	season := &types.Season{Name: name, Status: types.SeasonCreated, EndDate: endDate}
	if err := m.store.CreateSeason(ctx, season); err != nil {
		return nil, Error.Wrap(err)
	}
	m.log.Info("season created", zap.String("season", name))

	if m.queue != nil {
		payload, err := json.Marshal(partitionPayload{Season: name})
		if err != nil {
			return nil, Error.Wrap(err)
		}
		_, err = m.queue.Enqueue(ctx, PartitionJobType, payload, queue.QueueMaintenance, 0)
		if err == nil {
			return season, nil
		}
		m.log.Warn("failed to enqueue partition job, creating inline", zap.String("season", name), zap.Error(err))
	}
	if err := m.EnsurePartition(ctx, name); err != nil {
		m.log.Error("inline partition creation failed", zap.String("season", name), zap.Error(err))
	}
	return m.Get(ctx, name)
}

// HandlePartitionJob is the queue.Handler for PartitionJobType.
func (m *Manager) HandlePartitionJob(ctx context.Context, job *queue.Job) error {
	var payload partitionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return Error.New("decode partition payload: %v", err)
	}
	return m.EnsurePartition(ctx, payload.Season)
}

// EnsurePartition creates the season's partition if the hot table is
// partitioned. It is idempotent, and a store without partitioning is a
// silent no-op.
func (m *Manager) EnsurePartition(ctx context.Context, name string) (err error) {
	defer mon.Task()(&ctx)(&err)

	partitioned, err := m.store.IsPartitioned(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	if !partitioned {
		m.log.Debug("hot table not partitioned, skipping", zap.String("season", name))
		return nil
	}

	exists, err := m.store.PartitionExists(ctx, name)
	if err != nil {
		return Error.Wrap(err)
	}
	if !exists {
		if err := m.store.CreatePartition(ctx, name); err != nil {
			return Error.Wrap(err)
		}
		m.log.Info("partition created", zap.String("season", name))
	}

	season, err := m.store.GetSeason(ctx, name)
	if err != nil {
		return Error.Wrap(err)
	}
	if season.PartitionCreated {
		return nil
	}
	season.PartitionCreated = true
	return Error.Wrap(m.store.UpdateSeason(ctx, season))
}

// Get returns one season.
func (m *Manager) Get(ctx context.Context, name string) (*types.Season, error) {
	season, err := m.store.GetSeason(ctx, name)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return season, nil
}

// List returns seasons matching filter.
func (m *Manager) List(ctx context.Context, filter storage.SeasonFilter) ([]types.Season, error) {
	seasons, err := m.store.ListSeasons(ctx, filter)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return seasons, nil
}

// Activate opens a created or inactive season for reviews.
func (m *Manager) Activate(ctx context.Context, name string) error {
	return m.transition(ctx, name, types.SeasonActive)
}

// Deactivate closes an active season for reviews.
func (m *Manager) Deactivate(ctx context.Context, name string) error {
	return m.transition(ctx, name, types.SeasonInactive)
}

func (m *Manager) transition(ctx context.Context, name string, to types.SeasonStatus) (err error) {
	defer mon.Task()(&ctx)(&err)
	season, err := m.store.GetSeason(ctx, name)
	if err != nil {
		return Error.Wrap(err)
	}
	if season.Status == to {
		return nil
	}
	if !types.IsValidSeasonTransition(season.Status, to) {
		return ErrRejected.New("season %s cannot move from %s to %s", name, season.Status, to)
	}
	if err := m.store.TransitionSeason(ctx, name, season.Status, to); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return ErrRejected.Wrap(err)
		}
		return Error.Wrap(err)
	}
	m.log.Info("season status changed", zap.String("season", name),
		zap.String("from", string(season.Status)), zap.String("to", string(to)))
	return nil
}

// Rename renames a season and its rows. It is rejected once the season has
// a partition, and for archiving or archived seasons. Cached schedules under
// the old name are purged.
func (m *Manager) Rename(ctx context.Context, oldName, newName string) (err error) {
	defer mon.Task()(&ctx)(&err)
	season, err := m.store.GetSeason(ctx, oldName)
	if err != nil {
		return Error.Wrap(err)
	}
	if season.PartitionCreated {
		return ErrRejected.New("season %s is partitioned and cannot be renamed", oldName)
	}
	if season.Status == types.SeasonArchiving || season.Status == types.SeasonArchived {
		return ErrRejected.New("season %s is %s and cannot be renamed", oldName, season.Status)
	}
	if err := m.store.RenameSeason(ctx, oldName, newName); err != nil {
		return Error.Wrap(err)
	}
	m.log.Info("season renamed", zap.String("from", oldName), zap.String("to", newName))
	m.purgeCache(ctx, oldName)
	return nil
}

// SetAutoArchive sets the auto-archive flag and optionally the end date.
// Enabling requires the season to be inactive.
func (m *Manager) SetAutoArchive(ctx context.Context, name string, enabled bool, endDate *time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)
	season, err := m.store.GetSeason(ctx, name)
	if err != nil {
		return Error.Wrap(err)
	}
	if enabled && season.Status != types.SeasonInactive {
		return ErrRejected.New("season %s must be inactive to enable auto-archive (is %s)", name, season.Status)
	}
	season.AutoArchive = enabled
	if endDate != nil {
		season.EndDate = endDate
	}
	return Error.Wrap(m.store.UpdateSeason(ctx, season))
}

func (m *Manager) purgeCache(ctx context.Context, season string) int {
	if m.cache == nil {
		return 0
	}
	n, err := m.cache.PurgeSeason(ctx, season)
	if err != nil {
		m.log.Warn("failed to purge season cache, keys will expire", zap.String("season", season), zap.Error(err))
		return 0
	}
	return n
}
