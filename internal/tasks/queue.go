package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrQueueUnavailable = errors.New("task queue unavailable")
	ErrEmptyQueue       = errors.New("task queue empty")
	ErrTaskNotFound     = errors.New("task not found")

	errQueueClosed = errors.New("queue closed")
)

// Queue is the durable FIFO of pending tasks plus a side-table of tasks
// currently being processed. Single-key operations are atomic; nothing
// spans a pop and the side-table write.
type Queue interface {
	// Push appends task to the tail and returns its 1-based position.
	Push(ctx context.Context, task Task) (int, error)
	// Pop removes the head, waiting up to wait for one to appear.
	// It returns ErrEmptyQueue when the wait elapses.
	Pop(ctx context.Context, wait time.Duration) (Task, error)
	// Remove drops a pending record. It reports false if the record was
	// no longer pending.
	Remove(ctx context.Context, taskID string) (bool, error)
	Len(ctx context.Context) (int, error)

	SetProcessing(ctx context.Context, task Task) error
	ClearProcessing(ctx context.Context, taskID string) error
	Processing(ctx context.Context) ([]Task, error)

	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrQueueUnavailable, op, err)
}

func encodeTask(task Task) ([]byte, error) {
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	return raw, nil
}

func decodeTask(raw []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, fmt.Errorf("decode task record: %w", err)
	}
	return task, nil
}

// pollPop drives a non-blocking take function until it yields a task, the
// wait elapses or ctx is done. SQL-backed queues have no blocking pop.
func pollPop(ctx context.Context, wait, interval time.Duration, take func(context.Context) (Task, bool, error)) (Task, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, ok, err := take(ctx)
		if err != nil {
			return Task{}, err
		}
		if ok {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-deadline:
			return Task{}, ErrEmptyQueue
		case <-ticker.C:
		}
	}
}
