// Package reconcile audits the schedule cache against the durable store.
// A random sample of active-season rows is compared with the cache; any
// member that is missing or drifted beyond the tolerance is rewritten from
// the durable value, and a drift rate above the threshold raises an alert.
package reconcile

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/montserZalloum/memora/internal/cache"
	"github.com/montserZalloum/memora/internal/notify"
	"github.com/montserZalloum/memora/pkg/types"
)

var (
	// Error is the error class for reconciliation failures.
	Error = errs.Class("reconcile")

	mon = monkit.Package()
)

// Sampler draws random durable rows from active seasons.
type Sampler interface {
	SampleActive(ctx context.Context, n int) ([]types.MemoryItem, error)
}

// Cache is the part of the schedule cache the auditor reads and corrects.
type Cache interface {
	Lookup(ctx context.Context, refs []cache.Ref) ([]cache.LookupResult, error)
	Correct(ctx context.Context, key types.ScheduleKey, itemID string, due time.Time) (bool, error)
}

// Config tunes the auditor.
type Config struct {
	// SampleSize is the number of durable rows per run. Default: 10000.
	SampleSize int
	// Tolerance is the largest accepted |cache - durable| difference. Default: 1s.
	Tolerance time.Duration
	// AlertThreshold is the discrepancy rate above which an alert is sent. Default: 0.001.
	AlertThreshold float64
	// CorrectionRate caps corrective cache writes per second. Default: 1000.
	CorrectionRate float64
	// LookupBatch is the number of members fetched per pipelined round trip. Default: 500.
	LookupBatch int
	// Interval is the period of the background loop. Default: 24h.
	Interval time.Duration
}

func (c *Config) setDefaults() {
	if c.SampleSize <= 0 {
		c.SampleSize = 10000
	}
	if c.Tolerance <= 0 {
		c.Tolerance = time.Second
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = 0.001
	}
	if c.CorrectionRate <= 0 {
		c.CorrectionRate = 1000
	}
	if c.LookupBatch <= 0 {
		c.LookupBatch = 500
	}
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
}

// Report summarizes one run.
type Report struct {
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	SampleSize      int       `json:"sample_size"`
	Discrepancies   int       `json:"discrepancies"`
	Missing         int       `json:"missing"`
	Drifted         int       `json:"drifted"`
	SkippedCold     int       `json:"skipped_cold"`
	CorrectedCount  int       `json:"corrected_count"`
	Rate            float64   `json:"rate"`
	AffectedSeasons []string  `json:"affected_seasons"`
	Alerted         bool      `json:"alerted"`
}

// Service runs reconciliation on demand and on a schedule.
type Service struct {
	sampler  Sampler
	cache    Cache
	notifier notify.Notifier
	config   Config
	limiter  *rate.Limiter
	log      *zap.Logger

	runMu sync.Mutex // held for the duration of a run

	mu   sync.Mutex
	last *Report
}

// New creates a Service. notifier may be nil.
func New(sampler Sampler, c Cache, notifier notify.Notifier, config Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	config.setDefaults()
	burst := int(config.CorrectionRate)
	if burst < 1 {
		burst = 1
	}
	return &Service{
		sampler:  sampler,
		cache:    c,
		notifier: notifier,
		config:   config,
		limiter:  rate.NewLimiter(rate.Limit(config.CorrectionRate), burst),
		log:      log.Named("reconcile"),
	}
}

// LastReport returns the most recent completed report, or nil.
func (s *Service) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	cp.AffectedSeasons = slices.Clone(s.last.AffectedSeasons)
	return &cp
}

// Run performs one reconciliation pass. Concurrent calls are serialized.
// A schedule whose key is absent from the cache is skipped: it holds no
// stale data and is rebuilt from the durable store on its next read.
func (s *Service) Run(ctx context.Context) (_ *Report, err error) {
	defer mon.Task()(&ctx)(&err)
	s.runMu.Lock()
	defer s.runMu.Unlock()

	report := &Report{StartedAt: time.Now().UTC(), AffectedSeasons: []string{}}

	sample, err := s.sampler.SampleActive(ctx, s.config.SampleSize)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	report.SampleSize = len(sample)

	affected := make(map[string]struct{})
	for start := 0; start < len(sample); start += s.config.LookupBatch {
		end := min(start+s.config.LookupBatch, len(sample))
		if err := s.checkBatch(ctx, sample[start:end], report, affected); err != nil {
			return nil, err
		}
	}

	for season := range affected {
		report.AffectedSeasons = append(report.AffectedSeasons, season)
	}
	sort.Strings(report.AffectedSeasons)
	if report.SampleSize > 0 {
		report.Rate = float64(report.Discrepancies) / float64(report.SampleSize)
	}
	report.FinishedAt = time.Now().UTC()

	mon.IntVal("discrepancies").Observe(int64(report.Discrepancies))
	mon.FloatVal("discrepancy_rate").Observe(report.Rate)

	log := s.log.With(
		zap.Int("sample_size", report.SampleSize),
		zap.Int("discrepancies", report.Discrepancies),
		zap.Float64("rate", report.Rate),
		zap.Int("corrected", report.CorrectedCount))

	if report.Rate > s.config.AlertThreshold {
		report.Alerted = true
		log.Warn("cache drift above threshold", zap.Strings("seasons", report.AffectedSeasons))
		s.alert(ctx, report)
	} else {
		log.Info("reconciliation complete")
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report, nil
}

func (s *Service) checkBatch(ctx context.Context, batch []types.MemoryItem, report *Report, affected map[string]struct{}) error {
	refs := make([]cache.Ref, len(batch))
	for i := range batch {
		refs[i] = cache.Ref{Key: batch[i].Key(), ItemID: batch[i].ItemID}
	}
	results, err := s.cache.Lookup(ctx, refs)
	if err != nil {
		return Error.Wrap(err)
	}

	for i, res := range results {
		item := &batch[i]
		switch {
		case !res.KeyExists:
			report.SkippedCold++
			continue
		case !res.Found:
			report.Missing++
		case absDuration(res.Due.Sub(item.NextReviewAt)) > s.config.Tolerance:
			report.Drifted++
		default:
			continue
		}

		report.Discrepancies++
		affected[item.Season] = struct{}{}

		if err := s.limiter.Wait(ctx); err != nil {
			return Error.Wrap(err)
		}
		ok, err := s.cache.Correct(ctx, item.Key(), item.ItemID, item.NextReviewAt)
		if err != nil {
			s.log.Warn("correction failed", zap.Stringer("key", item.Key()), zap.String("item", item.ItemID), zap.Error(err))
			continue
		}
		if ok {
			report.CorrectedCount++
			mon.Counter("corrections").Inc(1)
		}
	}
	return nil
}

func (s *Service) alert(ctx context.Context, report *Report) {
	if s.notifier == nil {
		return
	}
	alert := notify.New(notify.KindReconciliation, notify.SeverityWarning,
		"schedule cache drift above threshold", map[string]any{
			"sample_size":      report.SampleSize,
			"discrepancies":    report.Discrepancies,
			"rate":             report.Rate,
			"affected_seasons": report.AffectedSeasons,
			"corrected_count":  report.CorrectedCount,
		})
	if err := s.notifier.Notify(ctx, alert); err != nil {
		s.log.Error("failed to deliver alert", zap.Error(err))
	}
}

// Start runs reconciliation every Interval until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.log.Info("reconciliation loop started", zap.Duration("interval", s.config.Interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("reconciliation loop stopping")
			return nil
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("scheduled reconciliation failed", zap.Error(err))
			}
		}
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
