package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vitalyze/vitalyze/internal/platform/redis"
)

// ErrQueueClosed is returned by Enqueue after Close, and by Dequeue once a
// closed queue has nothing left to hand out.
var ErrQueueClosed = errors.New("report: queue closed")

// ErrQueueFull is returned by InMemoryQueue.Enqueue when the buffer is full.
var ErrQueueFull = errors.New("report: queue full")

// Stage names the unit of work a Job runs.
type Stage string

const (
	StageExtract Stage = "extract"
	StageAnalyze Stage = "analyze"
)

// Job is one scheduled pipeline stage. FilePath names stage one's upload so
// it can be removed even when the task record cannot be read. Text carries
// stage one's output into stage two.
type Job struct {
	TaskID   string `json:"task_id"`
	Stage    Stage  `json:"stage"`
	FilePath string `json:"file_path,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Queue feeds the worker pool.
type Queue interface {
	// Enqueue must not block waiting for capacity.
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available, ctx is done or the queue is
	// closed and drained.
	Dequeue(ctx context.Context) (Job, error)
	Close() error
}

// InMemoryQueue is a bounded channel. Enqueue never waits for room. Jobs
// still buffered at Close are handed out before Dequeue reports
// ErrQueueClosed.
type InMemoryQueue struct {
	mu     sync.RWMutex
	ch     chan Job
	closed bool
}

func NewInMemoryQueue(size int) *InMemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &InMemoryQueue{ch: make(chan Job, size)}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job, ok := <-q.ch:
		if !ok {
			return Job{}, ErrQueueClosed
		}
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}

// Len reports the number of buffered jobs.
func (q *InMemoryQueue) Len() int { return len(q.ch) }

const (
	jobsKey          = "report:jobs"
	redisPollTimeout = 2 * time.Second
)

// RedisQueue is a Redis list: LPUSH to enqueue, BRPOP to dequeue. Jobs left
// in the list at Close stay there for the next worker process.
type RedisQueue struct {
	client *redis.Client
	key    string
	closed atomic.Bool
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, key: jobsKey}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.client.LPush(ctx, q.key, data)
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		if q.closed.Load() {
			return Job{}, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		data, err := q.client.BRPop(ctx, redisPollTimeout, q.key)
		if errors.Is(err, redis.ErrNil) {
			continue
		}
		if err != nil {
			return Job{}, err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return Job{}, fmt.Errorf("unmarshal job: %w", err)
		}
		return job, nil
	}
}

func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

// Len reports the number of jobs waiting in Redis.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key)
}
