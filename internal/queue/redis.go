package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a Broker on Redis lists. Ready jobs live in a list, delayed
// jobs in a sorted set scored by run time, and dequeued jobs are leased: they
// move atomically to a sorted set scored by lease expiry until acknowledged.
// A job whose lease runs out, because its worker died, goes back to the
// ready list on the next dequeue. Leases of live workers are never touched,
// so several processes can share one queue.
type RedisQueue struct {
	client     redis.UniversalClient
	prefix     string
	visibility time.Duration
	now        func() time.Time
}

var _ Broker = (*RedisQueue)(nil)

// DefaultVisibility is the lease length used when none is given.
const DefaultVisibility = 10 * time.Minute

// NewRedisQueue returns a queue storing its keys under prefix. visibility
// is how long a dequeued job stays leased to its worker; it must exceed the
// runner's job timeout. Zero selects DefaultVisibility.
func NewRedisQueue(client redis.UniversalClient, prefix string, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	return &RedisQueue{client: client, prefix: prefix, visibility: visibility, now: time.Now}
}

func (q *RedisQueue) readyKey(name string) string   { return q.prefix + "queue:" + name + ":ready" }
func (q *RedisQueue) delayedKey(name string) string { return q.prefix + "queue:" + name + ":delayed" }
func (q *RedisQueue) leasedKey(name string) string  { return q.prefix + "queue:" + name + ":leased" }

// reclaimLua moves due delayed jobs to the producing end of the ready list
// and expired leases to the consuming end. It expects KEYS[1] delayed zset,
// KEYS[2] ready list, KEYS[3] leased zset, ARGV[1] now ms, ARGV[2] max jobs,
// and leaves the number of reclaimed leases in reclaimed.
const reclaimLua = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, raw in ipairs(due) do
	redis.call('ZREM', KEYS[1], raw)
	redis.call('LPUSH', KEYS[2], raw)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, raw in ipairs(expired) do
	redis.call('ZREM', KEYS[3], raw)
	redis.call('RPUSH', KEYS[2], raw)
end
local reclaimed = #expired
`

// dequeueScript reclaims, then leases the next ready job until ARGV[3] ms.
var dequeueScript = redis.NewScript(reclaimLua + `
local raw = redis.call('RPOP', KEYS[2])
if not raw then
	return false
end
redis.call('ZADD', KEYS[3], ARGV[3], raw)
return raw
`)

// recoverScript reclaims and reports how many leases had expired.
var recoverScript = redis.NewScript(reclaimLua + `
return reclaimed
`)

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, jobType string, payload []byte, queueName string, delay time.Duration) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	job, err := newJob(jobType, payload, queueName, delay, q.now().UTC())
	if err != nil {
		return "", err
	}
	raw, err := job.encode()
	if err != nil {
		return "", err
	}

	if delay > 0 {
		err = q.client.ZAdd(ctx, q.delayedKey(queueName), redis.Z{
			Score:  float64(job.RunAt.UnixMilli()),
			Member: raw,
		}).Err()
	} else {
		err = q.client.LPush(ctx, q.readyKey(queueName), raw).Err()
	}
	if err != nil {
		return "", Error.Wrap(err)
	}
	return job.ID, nil
}

func (q *RedisQueue) keys(queueName string) []string {
	return []string{q.delayedKey(queueName), q.readyKey(queueName), q.leasedKey(queueName)}
}

// Dequeue implements Source.
func (q *RedisQueue) Dequeue(ctx context.Context, queueName string) (_ *Job, err error) {
	now := q.now()
	raw, err := dequeueScript.Run(ctx, q.client, q.keys(queueName),
		now.UnixMilli(), 100, now.Add(q.visibility).UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	job, err := decodeJob(raw)
	if err != nil {
		// Drop undecodable entries so they cannot wedge the queue.
		_ = q.client.ZRem(ctx, q.leasedKey(queueName), raw).Err()
		return nil, err
	}
	return job, nil
}

// Ack implements Source.
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	return Error.Wrap(q.client.ZRem(ctx, q.leasedKey(job.Queue), job.raw).Err())
}

// Recover implements Source.
func (q *RedisQueue) Recover(ctx context.Context, queueName string) (int, error) {
	n, err := recoverScript.Run(ctx, q.client, q.keys(queueName), q.now().UnixMilli(), 1000).Int()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return n, nil
}

// Len implements Broker.
func (q *RedisQueue) Len(ctx context.Context, queueName string) (int, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey(queueName))
	delayed := pipe.ZCard(ctx, q.delayedKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, Error.Wrap(err)
	}
	return int(ready.Val() + delayed.Val()), nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}
