package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vitalyze/vitalyze/internal/platform/redis"
)

// TaskStore holds the per-task records driven through the state machine.
type TaskStore interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Transition moves the task to state `to` only if that is a legal edge
	// from its current state, applying mutate to the record in the same
	// step. It returns ErrInvalidTransition otherwise, which is how
	// duplicate job deliveries are detected.
	Transition(ctx context.Context, id string, to State, mutate func(*Task)) (*Task, error)
	Delete(ctx context.Context, id string) error
}

func applyTransition(t *Task, to State, mutate func(*Task), now time.Time) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, to)
	}
	t.State = to
	if mutate != nil {
		mutate(t)
	}
	t.UpdatedAt = now
	return nil
}

// InMemoryTaskStore keeps tasks in process memory.
type InMemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{tasks: make(map[string]*Task)}
}

func (s *InMemoryTaskStore) Create(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *InMemoryTaskStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *InMemoryTaskStore) Transition(_ context.Context, id string, to State, mutate func(*Task)) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	if err := applyTransition(&cp, to, mutate, time.Now().UTC()); err != nil {
		return nil, err
	}
	s.tasks[id] = &cp
	out := cp
	return &out, nil
}

func (s *InMemoryTaskStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

// RedisTaskStore keeps tasks as JSON under report:task:<id> so API and
// worker processes share them.
type RedisTaskStore struct {
	client *redis.Client
	ttl    time.Duration
}

const taskKeyPrefix = "report:task:"

func NewRedisTaskStore(client *redis.Client, ttl time.Duration) *RedisTaskStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTaskStore{client: client, ttl: ttl}
}

func taskKey(id string) string { return taskKeyPrefix + id }

func (s *RedisTaskStore) Create(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return s.client.Set(ctx, taskKey(t.ID), data, s.ttl)
}

func (s *RedisTaskStore) Get(ctx context.Context, id string) (*Task, error) {
	data, err := s.client.Get(ctx, taskKey(id))
	if errors.Is(err, redis.ErrNil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

func (s *RedisTaskStore) Transition(ctx context.Context, id string, to State, mutate func(*Task)) (*Task, error) {
	var out Task
	err := s.client.Update(ctx, taskKey(id), s.ttl, func(old []byte) ([]byte, error) {
		var t Task
		if err := json.Unmarshal(old, &t); err != nil {
			return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
		}
		if err := applyTransition(&t, to, mutate, time.Now().UTC()); err != nil {
			return nil, err
		}
		out = t
		return json.Marshal(&t)
	})
	if errors.Is(err, redis.ErrNil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *RedisTaskStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, taskKey(id))
}
