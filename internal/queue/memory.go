package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process Broker for tests and single-node setups.
// Jobs do not survive a restart. Dequeued jobs are leased like RedisQueue's.
type MemoryQueue struct {
	mu         sync.Mutex
	ready      map[string][]*Job
	delayed    map[string][]*Job
	inflight   map[string]lease
	closed     bool
	visibility time.Duration
	now        func() time.Time
}

type lease struct {
	job     *Job
	expires time.Time
}

var _ Broker = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		ready:    make(map[string][]*Job),
		delayed:  make(map[string][]*Job),
		inflight:   make(map[string]lease),
		visibility: DefaultVisibility,
		now:        time.Now,
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, jobType string, payload []byte, queueName string, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", Error.New("queue closed")
	}

	job, err := newJob(jobType, payload, queueName, delay, q.now())
	if err != nil {
		return "", err
	}
	if delay > 0 {
		list := append(q.delayed[queueName], job)
		sort.SliceStable(list, func(i, j int) bool { return list[i].RunAt.Before(list[j].RunAt) })
		q.delayed[queueName] = list
	} else {
		q.ready[queueName] = append(q.ready[queueName], job)
	}
	return job.ID, nil
}

// Dequeue implements Source.
func (q *MemoryQueue) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, Error.New("queue closed")
	}

	now := q.now()
	q.reclaim(queueName, now)
	delayed := q.delayed[queueName]
	for len(delayed) > 0 && !delayed[0].RunAt.After(now) {
		q.ready[queueName] = append(q.ready[queueName], delayed[0])
		delayed = delayed[1:]
	}
	q.delayed[queueName] = delayed

	ready := q.ready[queueName]
	if len(ready) == 0 {
		return nil, nil
	}
	job := ready[0]
	q.ready[queueName] = ready[1:]
	q.inflight[job.ID] = lease{job: job, expires: now.Add(q.visibility)}
	return job, nil
}

// Ack implements Source.
func (q *MemoryQueue) Ack(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, job.ID)
	return nil
}

// Recover implements Source.
func (q *MemoryQueue) Recover(ctx context.Context, queueName string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reclaim(queueName, q.now()), nil
}

// reclaim moves jobs with expired leases to the front of the ready list.
func (q *MemoryQueue) reclaim(queueName string, now time.Time) int {
	var expired []*Job
	for id, l := range q.inflight {
		if l.job.Queue != queueName || l.expires.After(now) {
			continue
		}
		expired = append(expired, l.job)
		delete(q.inflight, id)
	}
	if len(expired) == 0 {
		return 0
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].EnqueuedAt.Before(expired[j].EnqueuedAt) })
	q.ready[queueName] = append(expired, q.ready[queueName]...)
	return len(expired)
}

// Len implements Broker.
func (q *MemoryQueue) Len(ctx context.Context, queueName string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready[queueName]) + len(q.delayed[queueName]), nil
}

// Close implements Broker.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
