package archive

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/montserZalloum/memora/internal/notify"
	"github.com/montserZalloum/memora/internal/storage"
	"github.com/montserZalloum/memora/pkg/types"
)

// Result describes one season archival.
type Result struct {
	Season      string    `json:"season"`
	Moved       int       `json:"moved"`
	HotLeft     int       `json:"hot_left"` // -1 when the count failed
	Archived    int       `json:"archived"` // -1 when the count failed
	CachePurged int       `json:"cache_purged"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// ArchiveSeason moves every hot row of an inactive season to cold storage,
// purges the season's cached schedules and marks the season archived.
//
// An active season is rejected with no side effects. The inactive ->
// archiving transition is a compare-and-set, so two concurrent calls for
// the same season cannot both proceed. A failed move rolls the season back
// to inactive. A season left in archiving by an interrupted run is resumed:
// the move only touches rows still in the hot table.
func (m *Manager) ArchiveSeason(ctx context.Context, name string) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, busy := m.inflight.LoadOrStore(name, struct{}{}); busy {
		return nil, ErrRejected.New("season %s is already being archived", name)
	}
	defer m.inflight.Delete(name)

	season, err := m.store.GetSeason(ctx, name)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	log := m.log.With(zap.String("season", name))
	switch season.Status {
	case types.SeasonArchiving:
		log.Warn("resuming interrupted archive")
	case types.SeasonInactive:
		if err := m.store.TransitionSeason(ctx, name, types.SeasonInactive, types.SeasonArchiving); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return nil, ErrRejected.Wrap(err)
			}
			return nil, Error.Wrap(err)
		}
	default:
		return nil, ErrRejected.New("season %s is %s, only inactive seasons can be archived", name, season.Status)
	}

	res := &Result{Season: name, ArchivedAt: m.now()}

	res.Moved, err = m.store.ArchiveSeason(ctx, name, res.ArchivedAt)
	if err != nil {
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if rbErr := m.store.TransitionSeason(rbCtx, name, types.SeasonArchiving, types.SeasonInactive); rbErr != nil {
			log.Error("failed to roll back season status", zap.Error(rbErr))
		}
		return nil, Error.Wrap(err)
	}

	res.CachePurged = m.purgeCache(ctx, name)

	// The rows are already moved; the counts only describe the result.
	if res.HotLeft, err = m.store.CountHot(ctx, name); err != nil {
		log.Warn("failed to count hot rows", zap.Error(err))
		res.HotLeft = -1
	}
	if res.Archived, err = m.store.CountArchived(ctx, name); err != nil {
		log.Warn("failed to count archived rows", zap.Error(err))
		res.Archived = -1
	}
	if res.HotLeft > 0 {
		log.Warn("hot rows written during archive", zap.Int("hot_left", res.HotLeft))
	}

	if err := m.store.TransitionSeason(ctx, name, types.SeasonArchiving, types.SeasonArchived); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrRejected.Wrap(err)
		}
		return nil, Error.Wrap(err)
	}

	mon.Counter("records_archived").Inc(int64(res.Moved))
	log.Info("season archived",
		zap.Int("moved", res.Moved), zap.Int("archived", res.Archived), zap.Int("cache_purged", res.CachePurged))
	return res, nil
}

// AutoArchiveReport lists the outcome of one auto-archive pass.
type AutoArchiveReport struct {
	Archived []Result          `json:"archived"`
	Failures map[string]string `json:"failures"`
}

// AutoArchive archives every season with auto-archive set, not active, and
// an end date in the past. Each season is archived independently; on
// success its auto-archive flag is cleared, and failures are collected and
// reported as one alert.
func (m *Manager) AutoArchive(ctx context.Context) (_ *AutoArchiveReport, err error) {
	defer mon.Task()(&ctx)(&err)

	due, err := m.store.ListSeasons(ctx, storage.SeasonFilter{AutoArchiveDue: m.now()})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	report := &AutoArchiveReport{Failures: make(map[string]string)}
	for _, season := range due {
		if ctx.Err() != nil {
			report.Failures[season.Name] = ctx.Err().Error()
			continue
		}
		if season.Status == types.SeasonArchived {
			// Archived by a run that could not clear the flag.
			if err := m.SetAutoArchive(ctx, season.Name, false, nil); err != nil {
				m.log.Warn("failed to clear auto-archive flag", zap.String("season", season.Name), zap.Error(err))
			}
			continue
		}
		res, err := m.ArchiveSeason(ctx, season.Name)
		if err != nil {
			report.Failures[season.Name] = err.Error()
			continue
		}
		report.Archived = append(report.Archived, *res)

		if err := m.SetAutoArchive(ctx, season.Name, false, nil); err != nil {
			m.log.Warn("failed to clear auto-archive flag", zap.String("season", season.Name), zap.Error(err))
		}
	}

	if len(report.Failures) > 0 {
		names := make([]string, 0, len(report.Failures))
		for name := range report.Failures {
			names = append(names, name)
		}
		sort.Strings(names)
		m.log.Error("auto-archive failures", zap.Strings("seasons", names))
		if m.notifier != nil {
			alert := notify.New(notify.KindArchiveFailed, notify.SeverityCritical, "auto-archive failed for some seasons",
				map[string]any{"failures": report.Failures, "archived": len(report.Archived)})
			if err := m.notifier.Notify(ctx, alert); err != nil {
				m.log.Error("failed to deliver alert", zap.Error(err))
			}
		}
	}
	return report, nil
}

// FlagRetention marks cold rows older than the retention period as eligible
// for deletion. Nothing is deleted.
func (m *Manager) FlagRetention(ctx context.Context) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)
	cutoff := m.now().Add(-m.config.RetentionPeriod)
	n, err := m.store.FlagRetention(ctx, cutoff)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if n > 0 {
		m.log.Info("cold records flagged for deletion", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// PurgeEligible physically deletes flagged cold rows. It refuses to run
// without explicit confirmation and is never scheduled.
func (m *Manager) PurgeEligible(ctx context.Context, confirm bool) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)
	if !confirm {
		return 0, ErrRejected.New("physical deletion requires explicit confirmation")
	}
	n, err := m.store.PurgeEligible(ctx)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	m.log.Warn("cold records deleted", zap.Int("count", n))
	return n, nil
}

// Start runs the auto-archive and retention jobs until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	archiveTicker := time.NewTicker(m.config.AutoArchiveEvery)
	defer archiveTicker.Stop()
	retentionTicker := time.NewTicker(m.config.RetentionEvery)
	defer retentionTicker.Stop()

	m.log.Info("archive jobs started",
		zap.Duration("auto_archive_every", m.config.AutoArchiveEvery),
		zap.Duration("retention_every", m.config.RetentionEvery))
	for {
		select {
		case <-ctx.Done():
			m.log.Info("archive jobs stopping")
			return nil
		case <-archiveTicker.C:
			if _, err := m.AutoArchive(ctx); err != nil && ctx.Err() == nil {
				m.log.Error("auto-archive run failed", zap.Error(err))
			}
		case <-retentionTicker.C:
			if _, err := m.FlagRetention(ctx); err != nil && ctx.Err() == nil {
				m.log.Error("retention run failed", zap.Error(err))
			}
		}
	}
}
