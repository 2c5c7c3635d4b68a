// Package persist writes schedule updates from the hot path back to the
// durable store. Jobs are delivered at least once; duplicate deliveries are
// absorbed by the store's uniqueness constraint and the idempotency window.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	// Error is the error class for persistence failures.
	Error = errs.Class("persist")

	// ErrExhausted marks a batch that failed on every allowed attempt.
	ErrExhausted = errs.Class("persistence exhausted")

	mon = monkit.Package()
)

// JobType is the task queue job type handled by Pipeline.Handle.
const JobType = "persist_schedule"

// Job is the payload of one persistence job: a batch of updates for a
// single (user, season) schedule.
type Job struct {
	UserID     string                 `json:"user_id"`
	Season     string                 `json:"season"`
	Items      []types.ScheduleUpdate `json:"items"`
	RetryCount int                    `json:"retry_count"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
}

// Validate checks the batch is addressable and every item is well formed.
func (j *Job) Validate() error {
	if j.UserID == "" || j.Season == "" {
		return fmt.Errorf("%w: user and season are required", storage.ErrInvalidInput)
	}
	if len(j.Items) == 0 {
		return fmt.Errorf("%w: batch has no items", storage.ErrInvalidInput)
	}
	for i := range j.Items {
		if err := j.Items[i].Validate(); err != nil {
			return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}
	}
	return nil
}

// Store is the subset of the durable store the pipeline writes to. When the
// store also implements storage.AtomicUpserter, the single-statement upsert
// is used instead of create-then-update.
type Store interface {
	CreateItem(ctx context.Context, item *types.MemoryItem) error
	GetItem(ctx context.Context, userID, season, itemID string) (*types.MemoryItem, error)
	UpdateItem(ctx context.Context, item *types.MemoryItem) error
	RecordAudit(ctx context.Context, entry *types.AuditEntry) error
}

// Config tunes retries and duplicate detection.
type Config struct {
	// MaxAttempts is the number of times a batch runs, the first run
	// included, before it is escalated. Default: 3.
	MaxAttempts int
	// BackoffBase is the delay before the first retry. Default: 1s.
	BackoffBase time.Duration
	// BackoffMax caps the exponential backoff. Default: 60s.
	BackoffMax time.Duration
	// Window is the idempotency window. A row modified more recently is
	// not overwritten. Default: 5m.
	Window time.Duration
	// PreferAtomic uses the store's atomic upsert when it has one. Default
	// callers set it from config; false forces the two-step path.
	PreferAtomic bool
	// EnqueueTimeout bounds re-enqueueing a failed batch. Default: 10s.
	EnqueueTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 10 * time.Second
	}
}

// Result counts per-item outcomes of one batch.
type Result struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`

	// Err is the first item error, if any.
	Err error `json:"-"`
	// Interrupted is the context error that stopped the batch before every
	// item was written. Such a batch is retried whole.
	Interrupted error `json:"-"`
}

// Processed is the number of items that reached a final state.
func (r Result) Processed() int { return r.Created + r.Updated + r.Skipped }

// Pipeline persists batches and owns their retry policy.
type Pipeline struct {
	store    Store
	atomic   storage.AtomicUpserter
	queue    queue.Queue
	notifier notify.Notifier
	config   Config
	log      *zap.Logger
	now      func() time.Time
}

// New creates a Pipeline. notifier may be nil, in which case terminal
// failures are only logged.
func New(store Store, q queue.Queue, notifier notify.Notifier, config Config, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	config.setDefaults()
	p := &Pipeline{
		store:    store,
		queue:    q,
		notifier: notifier,
		config:   config,
		log:      log.Named("persist"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if config.PreferAtomic {
		if a, ok := store.(storage.AtomicUpserter); ok {
			p.atomic = a
		}
	}
	return p
}

// Backoff returns the delay before retry number retry (0-based).
func (p *Pipeline) Backoff(retry int) time.Duration {
	d := p.config.BackoffBase
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= p.config.BackoffMax {
			return p.config.BackoffMax
		}
	}
	if d > p.config.BackoffMax {
		return p.config.BackoffMax
	}
	return d
}

// Enqueue submits a batch to the persistence queue and returns the job ID.
func (p *Pipeline) Enqueue(ctx context.Context, userID, season string, items []types.ScheduleUpdate) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)
	job := &Job{UserID: userID, Season: season, Items: items, EnqueuedAt: p.now()}
	if err := job.Validate(); err != nil {
		return "", Error.Wrap(err)
	}
	return p.enqueue(ctx, job, 0)
}

func (p *Pipeline) enqueue(ctx context.Context, job *Job, delay time.Duration) (string, error) {
	if p.queue == nil {
		return "", Error.New("no task queue configured")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", Error.Wrap(err)
	}
	id, err := p.queue.Enqueue(ctx, JobType, payload, queue.QueuePersistence, delay)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return id, nil
}

// Handle is the queue.Handler for JobType. A failed or interrupted batch
// is re-enqueued whole with backoff; a batch that fails on its last allowed
// attempt is audited and escalated, and ErrExhausted is returned.
func (p *Pipeline) Handle(ctx context.Context, qj *queue.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	var job Job
	if err := json.Unmarshal(qj.Payload, &job); err != nil {
		// An undecodable payload can never succeed.
		err = ErrExhausted.New("decode payload: %v", err)
		p.escalate(ctx, qj.ID, &job, err)
		return err
	}

	log := p.log.With(zap.String("job_id", qj.ID), zap.String("user", job.UserID),
		zap.String("season", job.Season), zap.Int("retry", job.RetryCount))

	res, err := p.Process(ctx, &job)
	if err == nil && res.Interrupted != nil {
		// Items already written are skipped as duplicates on the next run.
		err = Error.New("batch interrupted after %d of %d items: %v",
			res.Processed(), len(job.Items), res.Interrupted)
	}
	if err == nil {
		if res.Failed > 0 {
			p.audit(ctx, qj.ID, &job, types.AuditPartial, res.Failed, res.Err)
			log.Warn("batch partially persisted", zap.Int("failed", res.Failed), zap.Error(res.Err))
		}
		log.Debug("batch persisted",
			zap.Int("created", res.Created), zap.Int("updated", res.Updated), zap.Int("skipped", res.Skipped))
		return nil
	}

	return p.retry(ctx, qj.ID, &job, err, log)
}

func (p *Pipeline) retry(ctx context.Context, jobID string, job *Job, cause error, log *zap.Logger) error {
	if job.RetryCount+1 >= p.config.MaxAttempts {
		p.escalate(ctx, jobID, job, cause)
		return ErrExhausted.Wrap(cause)
	}

	next := *job
	next.RetryCount++
	delay := p.Backoff(job.RetryCount)

	// The job context may already be cancelled by the runner's timeout.
	enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.EnqueueTimeout)
	defer cancel()

	if _, err := p.enqueue(enqCtx, &next, delay); err != nil {
		log.Error("failed to re-enqueue batch", zap.Error(err))
		p.escalate(enqCtx, jobID, job, errs.Combine(cause, err))
		return ErrExhausted.Wrap(errs.Combine(cause, err))
	}

	mon.Counter("batches_retried").Inc(1)
	p.audit(enqCtx, jobID, job, types.AuditRetried, len(job.Items), cause)
	log.Warn("batch failed, re-enqueued", zap.Duration("delay", delay), zap.Error(cause))
	return Error.Wrap(cause)
}

func (p *Pipeline) escalate(ctx context.Context, jobID string, job *Job, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.EnqueueTimeout)
	defer cancel()

	mon.Counter("batches_exhausted").Inc(1)
	p.audit(ctx, jobID, job, types.AuditFailed, len(job.Items), cause)
	p.log.Error("persistence exhausted",
		zap.String("job_id", jobID), zap.String("user", job.UserID), zap.String("season", job.Season),
		zap.Int("retry", job.RetryCount), zap.Int("items", len(job.Items)), zap.Error(cause))

	if p.notifier == nil {
		return
	}
	itemIDs := make([]string, 0, len(job.Items))
	for _, it := range job.Items {
		itemIDs = append(itemIDs, it.ItemID)
	}
	alert := notify.New(notify.KindPersistenceExhausted, notify.SeverityCritical,
		"persistence batch failed after all retries", map[string]any{
			"job_id":      jobID,
			"user_id":     job.UserID,
			"season":      job.Season,
			"retry_count": job.RetryCount,
			"items":       itemIDs,
			"error":       errString(cause),
		})
	if err := p.notifier.Notify(ctx, alert); err != nil {
		p.log.Error("failed to deliver alert", zap.Error(err))
	}
}

func (p *Pipeline) audit(ctx context.Context, jobID string, job *Job, outcome types.AuditOutcome, failed int, cause error) {
	entry := &types.AuditEntry{
		JobID:      jobID,
		UserID:     job.UserID,
		Season:     job.Season,
		Outcome:    outcome,
		RetryCount: job.RetryCount,
		ItemCount:  len(job.Items),
		Failed:     failed,
		Error:      errString(cause),
		CreatedAt:  p.now(),
	}
	if err := p.store.RecordAudit(ctx, entry); err != nil {
		p.log.Warn("failed to record audit entry", zap.String("outcome", string(outcome)), zap.Error(err))
	}
}

// Process persists every item of the batch. It returns an error only when
// no item could be processed; individual failures are counted in Result.
// Items not yet attempted when ctx ends count as failed and set
// Result.Interrupted.
func (p *Pipeline) Process(ctx context.Context, job *Job) (res Result, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := job.Validate(); err != nil {
		return res, Error.Wrap(err)
	}

	for i := range job.Items {
		if err := ctx.Err(); err != nil {
			res.Failed += len(job.Items) - i
			res.Interrupted = err
			if res.Err == nil {
				res.Err = err
			}
			break
		}

		outcome, err := p.persistItem(ctx, job.UserID, job.Season, &job.Items[i])
		if err != nil {
			res.Failed++
			if res.Err == nil {
				res.Err = err
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				res.Interrupted = err
			}
			p.log.Debug("item failed", zap.String("item", job.Items[i].ItemID), zap.Error(err))
			continue
		}
		switch outcome {
		case storage.UpsertCreated:
			res.Created++
		case storage.UpsertUpdated:
			res.Updated++
		case storage.UpsertSkipped:
			res.Skipped++
			mon.Counter("duplicate_skips").Inc(1)
		}
	}

	if res.Processed() == 0 {
		return res, Error.Wrap(res.Err)
	}
	return res, nil
}

func (p *Pipeline) persistItem(ctx context.Context, userID, season string, u *types.ScheduleUpdate) (storage.UpsertResult, error) {
	item := u.Item(userID, season)
	item.UpdatedAt = p.now()

	if p.atomic != nil {
		return p.atomic.UpsertItem(ctx, item, p.config.Window)
	}

	err := p.store.CreateItem(ctx, item)
	if err == nil {
		return storage.UpsertCreated, nil
	}
	if !errors.Is(err, storage.ErrDuplicate) {
		return 0, err
	}

	existing, err := p.store.GetItem(ctx, userID, season, u.ItemID)
	if err != nil {
		return 0, err
	}
	if item.UpdatedAt.Sub(existing.UpdatedAt) < p.config.Window {
		p.log.Debug("duplicate write inside idempotency window",
			zap.String("user", userID), zap.String("season", season), zap.String("item", u.ItemID))
		return storage.UpsertSkipped, nil
	}
	if err := p.store.UpdateItem(ctx, item); err != nil {
		return 0, err
	}
	return storage.UpsertUpdated, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
