package tasks

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidTransition = errors.New("invalid task transition")

// New allocates a queued task with a fresh id.
func New(sessionID, prompt string, params Parameters, now time.Time) Task {
	if params.Kind == "" {
		params.Kind = KindGenerate
	}
	return Task{
		ID:         uuid.NewString(),
		SessionID:  strings.TrimSpace(sessionID),
		Prompt:     strings.TrimSpace(prompt),
		Parameters: params.Clone(),
		Status:     TaskStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// MarkProcessing moves a queued task to processing. Re-applying it to a
// task that is already processing is a no-op.
func (t *Task) MarkProcessing(now time.Time) error {
	switch t.Status {
	case TaskStatusProcessing:
		return nil
	case TaskStatusQueued:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, TaskStatusProcessing)
	}
	t.Status = TaskStatusProcessing
	t.UpdatedAt = now
	t.StartedAt = &now
	return nil
}

// Complete records a successful result. Completing an already completed
// task leaves it untouched.
func (t *Task) Complete(result Result, now time.Time) error {
	switch t.Status {
	case TaskStatusCompleted:
		return nil
	case TaskStatusProcessing:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, TaskStatusCompleted)
	}
	r := result
	t.Status = TaskStatusCompleted
	t.Result = &r
	t.Error = ""
	t.Retryable = false
	t.UpdatedAt = now
	t.EndedAt = &now
	return nil
}

// Fail records a failure message. Failing an already failed task leaves it
// untouched.
func (t *Task) Fail(message string, retryable bool, now time.Time) error {
	switch t.Status {
	case TaskStatusFailed:
		return nil
	case TaskStatusProcessing:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, TaskStatusFailed)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "synthesis failed"
	}
	t.Status = TaskStatusFailed
	t.Result = nil
	t.Error = message
	t.Retryable = retryable
	t.UpdatedAt = now
	t.EndedAt = &now
	return nil
}
