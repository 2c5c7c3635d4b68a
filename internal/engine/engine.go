package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/montserZalloum/memora/internal/cache"
	"github.com/montserZalloum/memora/internal/persist"
	"github.com/montserZalloum/memora/internal/queue"
	"github.com/montserZalloum/memora/internal/reconcile"
	"github.com/montserZalloum/memora/internal/safemode"
	"github.com/montserZalloum/memora/internal/storage"
	"github.com/montserZalloum/memora/pkg/types"
)

var (
	// Error is the error class for engine failures.
	Error = errs.Class("engine")

	// ErrSeasonClosed is returned for reads and writes against a season that
	// is not active.
	ErrSeasonClosed = errs.Class("season closed")

	mon = monkit.Package()
)

// ScheduleCache is the cache surface used on the hot path.
type ScheduleCache interface {
	DueItemsWithRehydration(ctx context.Context, key types.ScheduleKey, limit int, now time.Time) ([]cache.Entry, bool, error)
	UpsertBatch(ctx context.Context, key types.ScheduleKey, entries []cache.Entry, ttl time.Duration) error
	Stats(ctx context.Context) (cache.Stats, error)
}

// Persister hands batches to the durable write path.
type Persister interface {
	Enqueue(ctx context.Context, userID, season string, items []types.ScheduleUpdate) (string, error)
	Process(ctx context.Context, job *persist.Job) (persist.Result, error)
}

// Store is the durable state read by the engine.
type Store interface {
	GetSeason(ctx context.Context, name string) (*types.Season, error)
	CountBySeason(ctx context.Context) ([]storage.SeasonCount, error)
}

// QueueInspector reports queue depth for status.
type QueueInspector interface {
	Len(ctx context.Context, queueName string) (int, error)
}

// ReportSource exposes the last reconciliation report.
type ReportSource interface {
	LastReport() *reconcile.Report
}

// Deps are the collaborators of an Engine. Queue and Reconciler are
// optional and only feed Status.
type Deps struct {
	Cache      ScheduleCache
	SafeMode   *safemode.Manager
	Persister  Persister
	Store      Store
	Queue      QueueInspector
	Reconciler ReportSource
}

// Engine serves due-item reads and review submissions.
type Engine struct {
	deps    Deps
	config  Config
	seasons *seasonGuard
	log     *zap.Logger
	now     func() time.Time
}

// New creates an Engine.
func New(deps Deps, config Config, log *zap.Logger) (*Engine, error) {
	if deps.Cache == nil || deps.SafeMode == nil || deps.Persister == nil || deps.Store == nil {
		return nil, Error.New("cache, safe mode, persister and store are required")
	}
	if err := config.Validate(); err != nil {
		return nil, Error.New("invalid config: %v", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		deps:    deps,
		config:  config,
		seasons: newSeasonGuard(deps.Store, config.SeasonCacheTTL),
		log:     log.Named("engine"),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func invalid(format string, args ...any) error {
	return Error.Wrap(fmt.Errorf("%w: "+format, append([]any{storage.ErrInvalidInput}, args...)...))
}

func (e *Engine) checkSeason(ctx context.Context, name string) error {
	status, err := e.seasons.status(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Error.Wrap(fmt.Errorf("season %s: %w", name, storage.ErrNotFound))
		}
		// The guard fails open: a durable outage must not take down cache reads.
		e.log.Warn("season lookup failed", zap.String("season", name), zap.Error(err))
		return nil
	}
	if status != types.SeasonActive {
		return ErrSeasonClosed.New("season %s is %s", name, status)
	}
	return nil
}

// DueItems returns the items of one schedule due at req.Now, earliest
// first. It reads the cache, rebuilding a missing schedule from the durable
// store. While the cache is unavailable the request is admitted by the
// safe-mode rate limiter and answered by a bounded durable query; a
// rejection is returned as a *safemode.RateLimitError.
func (e *Engine) DueItems(ctx context.Context, req DueRequest) (_ *DueResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.UserID == "" || req.Season == "" {
		return nil, invalid("user and season are required")
	}
	if req.Limit <= 0 {
		req.Limit = e.config.DefaultLimit
	}
	if req.Limit > e.config.MaxLimit {
		req.Limit = e.config.MaxLimit
	}
	if req.Now.IsZero() {
		req.Now = e.now()
	}
	if err := e.checkSeason(ctx, req.Season); err != nil {
		return nil, err
	}

	if !e.deps.SafeMode.Active(ctx) {
		key := types.ScheduleKey{UserID: req.UserID, Season: req.Season}
		entries, rehydrated, err := e.deps.Cache.DueItemsWithRehydration(ctx, key, req.Limit, req.Now)
		if err == nil {
			resp := &DueResponse{Items: make([]DueItem, 0, len(entries)), Source: SourceCache, Rehydrated: rehydrated}
			for _, en := range entries {
				resp.Items = append(resp.Items, DueItem{ItemID: en.ItemID, Due: en.Due})
			}
			return resp, nil
		}
		if !cache.ErrUnavailable.Has(err) {
			return nil, Error.Wrap(err)
		}
		e.deps.SafeMode.ReportCacheFailure(err)
		e.log.Warn("cache read failed, falling back to durable store",
			zap.String("user", req.UserID), zap.String("season", req.Season), zap.Error(err))
	}

	return e.fallback(ctx, req)
}

func (e *Engine) fallback(ctx context.Context, req DueRequest) (*DueResponse, error) {
	if err := e.deps.SafeMode.CheckRateLimit(ctx, req.UserID); err != nil {
		return nil, err
	}
	items, err := e.deps.SafeMode.FallbackQuery(ctx, safemode.FallbackRequest{
		UserID:  req.UserID,
		Season:  req.Season,
		Subject: req.Subject,
		Limit:   req.Limit,
		Now:     req.Now,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	mon.Counter("safe_mode_fallbacks").Inc(1)

	resp := &DueResponse{Items: make([]DueItem, 0, len(items)), Source: SourceDurable, SafeMode: true}
	for _, it := range items {
		resp.Items = append(resp.Items, DueItem{
			ItemID:    it.ItemID,
			Due:       it.NextReviewAt,
			Stability: it.Stability,
			Subject:   it.Subject,
			Topic:     it.Topic,
		})
	}
	return resp, nil
}

// SubmitReviews records graded reviews. The cache is updated before it
// returns; the durable write is queued. If the cache write fails the
// submission still succeeds and the schedule is rebuilt on its next read.
// If the queue is unreachable the batch is persisted inline, so an accepted
// submission is never lost.
func (e *Engine) SubmitReviews(ctx context.Context, req SubmitRequest) (_ *SubmitResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.UserID == "" || req.Season == "" {
		return nil, invalid("user and season are required")
	}
	if len(req.Updates) == 0 {
		return nil, invalid("at least one update is required")
	}
	for i := range req.Updates {
		if err := req.Updates[i].Validate(); err != nil {
			return nil, invalid("%v", err)
		}
	}
	if err := e.checkSeason(ctx, req.Season); err != nil {
		return nil, err
	}

	log := e.log.With(zap.String("user", req.UserID), zap.String("season", req.Season))
	key := types.ScheduleKey{UserID: req.UserID, Season: req.Season}
	entries := make([]cache.Entry, len(req.Updates))
	for i, u := range req.Updates {
		entries[i] = cache.Entry{ItemID: u.ItemID, Due: u.NextReviewAt}
	}

	resp := &SubmitResponse{Cached: true}
	if err := e.deps.Cache.UpsertBatch(ctx, key, entries, e.config.CacheTTL); err != nil {
		resp.Cached = false
		if cache.ErrUnavailable.Has(err) {
			e.deps.SafeMode.ReportCacheFailure(err)
		}
		log.Warn("cache write failed, relying on durable write", zap.Error(err))
	}

	jobID, err := e.deps.Persister.Enqueue(ctx, req.UserID, req.Season, req.Updates)
	if err == nil {
		resp.JobID = jobID
		return resp, nil
	}
	log.Warn("failed to enqueue persistence job, writing inline", zap.Error(err))
	mon.Counter("inline_persists").Inc(1)

	res, perr := e.deps.Persister.Process(ctx, &persist.Job{
		UserID:     req.UserID,
		Season:     req.Season,
		Items:      req.Updates,
		EnqueuedAt: e.now(),
	})
	if perr != nil {
		log.Error("inline persistence failed", zap.Error(perr))
		return nil, Error.Wrap(errs.Combine(err, perr))
	}
	resp.Inline = true
	resp.Result = &res
	return resp, nil
}

// Status reports cache connectivity, memory and key counts, the safe-mode
// flag, queue depth, hot row counts and the last reconciliation.
func (e *Engine) Status(ctx context.Context) (_ *Status, err error) {
	defer mon.Task()(&ctx)(&err)

	st := &Status{CheckedAt: e.now()}

	st.Cache, err = e.deps.Cache.Stats(ctx)
	if err != nil {
		e.log.Warn("cache stats incomplete", zap.Error(err))
	}
	st.SafeMode = e.deps.SafeMode.Active(ctx)
	st.BreakerState = e.deps.SafeMode.BreakerState()

	if e.deps.Queue != nil {
		st.QueueDepth = make(map[string]int)
		for _, name := range []string{queue.QueuePersistence, queue.QueueMaintenance} {
			n, err := e.deps.Queue.Len(ctx, name)
			if err != nil {
				e.log.Warn("queue depth unavailable", zap.String("queue", name), zap.Error(err))
				continue
			}
			st.QueueDepth[name] = n
		}
	}

	counts, err := e.deps.Store.CountBySeason(ctx)
	if err != nil {
		e.log.Warn("hot counts unavailable", zap.Error(err))
	} else {
		st.HotCounts = make(map[string]int, len(counts))
		for _, c := range counts {
			st.HotCounts[c.Season] = c.Count
		}
	}

	if e.deps.Reconciler != nil {
		st.LastReconcile = e.deps.Reconciler.LastReport()
	}
	return st, nil
}

// ForgetSeason drops the cached status of a season after an administrative
// change, so the next request sees it immediately.
func (e *Engine) ForgetSeason(name string) {
	e.seasons.forget(name)
}
