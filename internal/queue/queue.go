// Package queue provides the at-least-once background task queue used for
// durable persistence and partition jobs, plus the worker Runner that
// executes them.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the error class for queue failures.
	Error = errs.Class("queue")

	mon = monkit.Package()
)

// Well-known queue names.
const (
	QueuePersistence = "persistence"
	QueueMaintenance = "maintenance"
)

// Queue accepts jobs for later execution.
type Queue interface {
	// Enqueue schedules payload for execution by the handler registered for
	// jobType on queueName, no earlier than delay from now. It returns the
	// job ID.
	Enqueue(ctx context.Context, jobType string, payload []byte, queueName string, delay time.Duration) (string, error)
}

// Source hands jobs to workers.
type Source interface {
	// Dequeue returns the next ready job of queueName, or nil when there is
	// none. The job is leased to the caller until Ack or until the lease
	// expires, after which it is delivered again.
	Dequeue(ctx context.Context, queueName string) (*Job, error)

	// Ack removes a finished job from the in-flight set.
	Ack(ctx context.Context, job *Job) error

	// Recover returns jobs whose lease expired, because their worker died,
	// to the ready list and reports how many were moved. Jobs leased to live
	// workers are left alone.
	Recover(ctx context.Context, queueName string) (int, error)
}

// Broker is a full queue backend.
type Broker interface {
	Queue
	Source

	// Len returns the number of ready and delayed jobs.
	Len(ctx context.Context, queueName string) (int, error)
	Close() error
}

// Job is one unit of background work.
type Job struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Queue      string    `json:"queue"`
	Payload    []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RunAt      time.Time `json:"run_at"`

	// raw is the encoded form used to acknowledge the job.
	raw string
}

func newJob(jobType string, payload []byte, queueName string, delay time.Duration, now time.Time) (*Job, error) {
	if jobType == "" {
		return nil, Error.New("job type is required")
	}
	if queueName == "" {
		return nil, Error.New("queue name is required")
	}
	if delay < 0 {
		delay = 0
	}
	return &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Queue:      queueName,
		Payload:    payload,
		EnqueuedAt: now,
		RunAt:      now.Add(delay),
	}, nil
}

func (j *Job) encode() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", Error.Wrap(err)
	}
	j.raw = string(data)
	return j.raw, nil
}

func decodeJob(raw string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, Error.New("corrupt job: %v", err)
	}
	j.raw = raw
	return &j, nil
}
