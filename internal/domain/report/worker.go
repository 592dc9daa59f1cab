package report

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// JobHandler runs one dequeued job.
type JobHandler interface {
	Handle(ctx context.Context, job Job) error
	Fail(ctx context.Context, taskID, kind, reason string) error
}

// Pool pulls jobs from a Queue and runs each under its own timeout.
type Pool struct {
	queue   Queue
	handler JobHandler
	logger  zerolog.Logger
	workers int
	timeout time.Duration
	backoff time.Duration

	wg     sync.WaitGroup
	once   sync.Once
	cancel context.CancelFunc
}

type PoolOption func(*Pool)

func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithJobTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithPoolLogger(l zerolog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = l
	}
}

func NewPool(queue Queue, handler JobHandler, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:   queue,
		handler: handler,
		logger:  zerolog.Nop(),
		workers: 4,
		timeout: 5 * time.Minute,
		backoff: time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.run(ctx, i+1)
		}
	})
}

func (p *Pool) run(ctx context.Context, workerID int) {
	defer p.wg.Done()
	log := p.logger.With().Int("worker_id", workerID).Logger()
	log.Info().Msg("worker started")
	defer log.Info().Msg("worker stopped")

	for {
		job, err := p.queue.Dequeue(ctx)
		if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("dequeue failed")
			select {
			case <-time.After(p.backoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		p.process(ctx, log, job)
	}
}

func (p *Pool) process(ctx context.Context, log zerolog.Logger, job Job) {
	// In-flight jobs finish even when the pool is told to stop.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("task_id", job.TaskID).
				Str("stage", string(job.Stage)).
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("job panicked")
			p.failTask(jobCtx, log, job)
		}
	}()

	start := time.Now()
	err := p.handler.Handle(jobCtx, job)
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("task_id", job.TaskID).
		Str("stage", string(job.Stage)).
		Dur("duration", time.Since(start)).
		Msg("job finished")

	if err != nil {
		p.failTask(jobCtx, log, job)
	}
}

// failTask closes a task whose job panicked or returned an error. The job
// has left the queue and nothing else will advance the task. A task the
// stage already finished reports ErrInvalidTransition and is left alone.
func (p *Pool) failTask(ctx context.Context, log zerolog.Logger, job Job) {
	err := p.handler.Fail(ctx, job.TaskID, FailureInternal, "internal error while processing report")
	switch {
	case err == nil:
		log.Warn().Str("task_id", job.TaskID).Str("stage", string(job.Stage)).Msg("task marked failed after job error")
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTaskNotFound):
	default:
		log.Error().Err(err).Str("task_id", job.TaskID).Msg("could not mark task failed")
	}
}

// Shutdown closes the queue and waits for workers to drain it, or for ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	if err := p.queue.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("queue close failed")
	}

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-done:
		p.logger.Info().Msg("worker pool drained")
		return nil
	case <-ctx.Done():
		if p.cancel != nil {
			p.cancel()
		}
		p.logger.Warn().Msg("worker pool shutdown interrupted")
		return ctx.Err()
	}
}
