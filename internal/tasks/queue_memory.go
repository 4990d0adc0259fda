package tasks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for local use and tests. It does not
// survive restarts.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    []Task
	processing map[string]Task
	signal     chan struct{}
	closed     bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		processing: make(map[string]Task),
		signal:     make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Push(_ context.Context, task Task) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, unavailable("push", errQueueClosed)
	}
	q.pending = append(q.pending, task.Clone())
	q.wakeLocked()
	return len(q.pending), nil
}

func (q *MemoryQueue) Pop(ctx context.Context, wait time.Duration) (Task, error) {
	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Task{}, unavailable("pop", errQueueClosed)
		}
		if len(q.pending) > 0 {
			head := q.pending[0]
			q.pending = q.pending[1:]
			if len(q.pending) > 0 {
				q.wakeLocked()
			}
			q.mu.Unlock()
			return head, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-deadline:
			return Task{}, ErrEmptyQueue
		case <-q.signal:
		}
	}
}

func (q *MemoryQueue) Remove(_ context.Context, taskID string) (bool, error) {
	taskID = strings.TrimSpace(taskID)
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.pending {
		if t.ID == taskID {
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}

func (q *MemoryQueue) SetProcessing(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processing[task.ID] = task.Clone()
	return nil
}

func (q *MemoryQueue) ClearProcessing(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, taskID)
	return nil
}

func (q *MemoryQueue) Processing(_ context.Context) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.processing))
	for _, t := range q.processing {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.wakeLocked()
	return nil
}

func (q *MemoryQueue) wakeLocked() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
