// Package safemode keeps due-item reads working while the schedule cache is
// down. It detects unavailability, admits a limited number of fallback
// queries against the durable store, and bounds every such query by index.
package safemode

import (
	"context"
	"errors"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/montserZalloum/memora/internal/storage"
	"github.com/montserZalloum/memora/pkg/types"
)

var (
	// Error is the error class for safe mode failures.
	Error = errs.Class("safemode")

	mon = monkit.Package()
)

// DefaultFallbackLimit is the number of rows a fallback query returns when
// the caller does not ask for a specific limit.
const DefaultFallbackLimit = 10

// FallbackStore serves the bounded due query.
type FallbackStore interface {
	DueItems(ctx context.Context, q storage.DueQuery) ([]types.MemoryItem, error)
}

// FallbackRequest describes one fallback query.
type FallbackRequest struct {
	UserID  string
	Season  string // optional
	Subject string // optional
	Limit   int    // default DefaultFallbackLimit
	Now     time.Time
}

// Manager combines the detector, the admission gate and the fallback query.
type Manager struct {
	detector *Detector
	gate     Gate
	store    FallbackStore
	log      *zap.Logger
}

// NewManager creates a Manager.
func NewManager(detector *Detector, gate Gate, store FallbackStore, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		detector: detector,
		gate:     gate,
		store:    store,
		log:      log.Named("safemode"),
	}
}

// Active reports whether safe mode is engaged, meaning the cache probe fails.
func (m *Manager) Active(ctx context.Context) bool {
	return m.detector.Unavailable(ctx)
}

// ReportCacheFailure feeds a hot-path cache error into the detector.
func (m *Manager) ReportCacheFailure(err error) {
	m.detector.MarkFailed(err)
}

// BreakerState exposes the detector state for status reporting.
func (m *Manager) BreakerState() string {
	return m.detector.State()
}

// CheckRateLimit admits or rejects one fallback query for userID. A
// rejection is a *RateLimitError carrying the cause.
func (m *Manager) CheckRateLimit(ctx context.Context, userID string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if userID == "" {
		return Error.New("user id is required")
	}
	if err := m.gate.Allow(ctx, userID); err != nil {
		var rl *RateLimitError
		if errors.As(err, &rl) {
			mon.Counter("rate_limited_" + string(rl.Cause)).Inc(1)
			m.log.Debug("fallback query rejected",
				zap.String("user", userID), zap.String("cause", string(rl.Cause)))
		}
		return err
	}
	return nil
}

// ResetUser clears the per-user rate limit marker.
func (m *Manager) ResetUser(ctx context.Context, userID string) error {
	return m.gate.Reset(ctx, userID)
}

// FallbackQuery runs the bounded durable due query. It does not check the
// rate limit; callers run CheckRateLimit first.
func (m *Manager) FallbackQuery(ctx context.Context, req FallbackRequest) (_ []types.MemoryItem, err error) {
	defer mon.Task()(&ctx)(&err)
	if req.Limit <= 0 {
		req.Limit = DefaultFallbackLimit
	}
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}

	items, err := m.store.DueItems(ctx, storage.DueQuery{
		UserID:  req.UserID,
		Season:  req.Season,
		Subject: req.Subject,
		Now:     req.Now,
		Limit:   req.Limit,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	mon.Counter("fallback_queries").Inc(1)
	return items, nil
}
