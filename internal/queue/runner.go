package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler executes one job. The context carries the per-job deadline;
// handlers must return promptly once it is done. Retrying is the handler's
// responsibility: the Runner acknowledges every job it has handed out.
type Handler func(ctx context.Context, job *Job) error

// RunnerConfig tunes a Runner.
type RunnerConfig struct {
	// Queue is the queue name consumed by this runner.
	Queue string
	// Workers is the number of concurrent worker goroutines. Default: 4.
	Workers int
	// JobTimeout is the hard execution limit per job. Default: 300s.
	JobTimeout time.Duration
	// PollInterval is the sleep between empty dequeues. Default: 200ms.
	PollInterval time.Duration
}

// Runner is a worker pool consuming one queue.
type Runner struct {
	source Source
	config RunnerConfig
	log    *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRunner creates a Runner reading from source.
func NewRunner(source Source, config RunnerConfig, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 300 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 200 * time.Millisecond
	}
	return &Runner{
		source:   source,
		config:   config,
		log:      log.Named("queue").With(zap.String("queue", config.Queue)),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job type, replacing any previous one.
func (r *Runner) Register(jobType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = handler
}

func (r *Runner) handler(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Run returns jobs with expired leases to the queue, then processes jobs
// until ctx is cancelled. It waits for running jobs before returning.
func (r *Runner) Run(ctx context.Context) error {
	if n, err := r.source.Recover(ctx, r.config.Queue); err != nil {
		r.log.Warn("failed to recover expired jobs", zap.Error(err))
	} else if n > 0 {
		r.log.Info("recovered expired jobs", zap.Int("count", n))
	}

	var wg sync.WaitGroup
	for i := 0; i < r.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID)
		}(i)
	}
	r.log.Info("started workers", zap.Int("workers", r.config.Workers))

	wg.Wait()
	r.log.Info("all workers stopped")
	return nil
}

func (r *Runner) worker(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := r.source.Dequeue(ctx, r.config.Queue)
		if err != nil {
			r.log.Warn("dequeue failed", zap.Int("worker", workerID), zap.Error(err))
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.config.PollInterval):
			}
			continue
		}

		r.Process(ctx, job)
	}
}

// Process runs one job under the per-job timeout and acknowledges it.
// Unknown job types are logged and dropped. A panicking handler is treated
// like a failed one.
func (r *Runner) Process(ctx context.Context, job *Job) {
	log := r.log.With(zap.String("job_id", job.ID), zap.String("type", job.Type))
	defer func() {
		// Acknowledge even when the runner is shutting down: the handler
		// has already decided the job's fate.
		if err := r.source.Ack(context.WithoutCancel(ctx), job); err != nil {
			log.Warn("ack failed", zap.Error(err))
		}
	}()

	handler, ok := r.handler(job.Type)
	if !ok {
		log.Error("no handler registered for job type")
		mon.Counter("jobs_unhandled").Inc(1)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, r.config.JobTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("handler panic: %v\n%s", p, debug.Stack())
			}
		}()
		done <- handler(jobCtx, job)
	}()

	start := time.Now()
	select {
	case err := <-done:
		mon.FloatVal("job_seconds").Observe(time.Since(start).Seconds())
		if err != nil {
			mon.Counter("jobs_failed").Inc(1)
			log.Warn("job failed", zap.Error(err))
			return
		}
		mon.Counter("jobs_completed").Inc(1)
		log.Debug("job completed", zap.Duration("took", time.Since(start)))
	case <-jobCtx.Done():
		if ctx.Err() != nil {
			// Shutting down: the handler observes the cancellation and
			// re-enqueues whatever it could not finish.
			if err := <-done; err != nil {
				log.Info("job interrupted by shutdown", zap.Error(err))
			}
			return
		}
		// The handler sees the same cancelled context and applies its own
		// retry policy when it returns.
		mon.Counter("jobs_timed_out").Inc(1)
		log.Error("job exceeded timeout, abandoning", zap.Duration("timeout", r.config.JobTimeout))
	}
}
