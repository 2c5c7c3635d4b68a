package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// brokerContract exercises the behaviour shared by every Broker.
func brokerContract(t *testing.T, b Broker, advance func(time.Duration)) {
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "", nil, "q", 0)
	require.Error(t, err)

	id1, err := b.Enqueue(ctx, "t", []byte("first"), "q", 0)
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, "t", []byte("second"), "q", 0)
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, "t", []byte("later"), "q", 10*time.Second)
	require.NoError(t, err)

	n, err := b.Len(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	job, err := b.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id1, job.ID, "ready jobs are FIFO")
	assert.Equal(t, []byte("first"), job.Payload)
	require.NoError(t, b.Ack(ctx, job))

	job, err = b.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, []byte("second"), job.Payload)
	// Not acknowledged: simulates a worker crash.

	job, err = b.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, job, "delayed job is not ready yet")

	recovered, err := b.Recover(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, recovered, "a live lease is not reclaimed")

	advance(DefaultVisibility + time.Second)
	recovered, err = b.Recover(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	job, err = b.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, []byte("second"), job.Payload, "recovered job is redelivered first")
	require.NoError(t, b.Ack(ctx, job))

	job, err = b.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, []byte("later"), job.Payload)
	require.NoError(t, b.Ack(ctx, job))

	recovered, err = b.Recover(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}

func TestMemoryQueue(t *testing.T) {
	c := &clock{t: time.Now()}
	q := NewMemoryQueue()
	q.now = c.now
	brokerContract(t, q, c.advance)
}

func TestRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := &clock{t: time.Now()}
	q := NewRedisQueue(client, "memora:", 0)
	q.now = c.now
	brokerContract(t, q, c.advance)
}

func TestRedisQueue_SharedByTwoConsumers(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := &clock{t: time.Now()}
	serve := NewRedisQueue(client, "memora:", time.Minute)
	serve.now = c.now
	worker := NewRedisQueue(client, "memora:", time.Minute)
	worker.now = c.now

	_, err := serve.Enqueue(ctx, "t", []byte("busy"), "q", 0)
	require.NoError(t, err)
	held, err := serve.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, held)

	// A second process starting up leaves the running job alone.
	recovered, err := worker.Recover(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
	job, err := worker.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, job)
	require.NoError(t, serve.Ack(ctx, held))

	// A job whose worker died comes back once its lease runs out.
	_, err = serve.Enqueue(ctx, "t", []byte("orphan"), "q", 0)
	require.NoError(t, err)
	orphan, err := serve.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, orphan)

	c.advance(30 * time.Second)
	job, err = worker.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, job)

	c.advance(31 * time.Second)
	job, err = worker.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, orphan.ID, job.ID)
	require.NoError(t, worker.Ack(ctx, job))

	n, err := client.ZCard(ctx, "memora:queue:q:leased").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func newTestRunner(t *testing.T, src Source, timeout time.Duration) *Runner {
	return NewRunner(src, RunnerConfig{Queue: "q", Workers: 2, JobTimeout: timeout, PollInterval: 5 * time.Millisecond}, zaptest.NewLogger(t))
}

func TestRunner_ProcessesJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewMemoryQueue()
	r := newTestRunner(t, q, time.Second)

	var handled atomic.Int32
	r.Register("count", func(ctx context.Context, job *Job) error {
		handled.Add(1)
		return nil
	})
	for i := 0; i < 10; i++ {
		_, err := q.Enqueue(ctx, "count", nil, "q", 0)
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return handled.Load() == 10 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	n, err := q.Len(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, q.inflight)
}

func TestRunner_TimeoutCancelsHandlerContext(t *testing.T) {
	q := NewMemoryQueue()
	r := newTestRunner(t, q, 20*time.Millisecond)

	sawDeadline := make(chan error, 1)
	r.Register("slow", func(ctx context.Context, job *Job) error {
		<-ctx.Done()
		sawDeadline <- ctx.Err()
		return ctx.Err()
	})

	r.Process(context.Background(), &Job{ID: "j1", Type: "slow", Queue: "q"})
	select {
	case err := <-sawDeadline:
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	case <-time.After(time.Second):
		t.Fatal("handler never saw its deadline")
	}
}

func TestRunner_RecoversPanicsAndUnknownTypes(t *testing.T) {
	q := NewMemoryQueue()
	r := newTestRunner(t, q, time.Second)
	r.Register("boom", func(ctx context.Context, job *Job) error {
		panic("kaboom")
	})

	ctx := context.Background()
	_, err := q.Enqueue(ctx, "boom", nil, "q", 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "unknown", nil, "q", 0)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		job, err := q.Dequeue(ctx, "q")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.NotPanics(t, func() { r.Process(ctx, job) })
	}
	assert.Empty(t, q.inflight, "both jobs acknowledged")
}
