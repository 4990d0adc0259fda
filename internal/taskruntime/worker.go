package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/studio/internal/reliability"
	"github.com/ent0n29/studio/internal/session"
	"github.com/ent0n29/studio/internal/synth"
	"github.com/ent0n29/studio/internal/tasks"
)

const (
	msgInterruptedByRestart  = "interrupted by restart"
	msgInterruptedByShutdown = "interrupted by shutdown"
	msgInternalError         = "internal error"
)

// Run drains the queue until ctx is done. It is the only consumer, so
// tasks start in FIFO order and at most one is processing at a time. A
// failed iteration is logged and retried after a capped backoff; Run
// itself only returns once ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.alive.Store(true)
	defer s.alive.Store(false)
	s.logger.InfoContext(ctx, "worker started", "pop_wait", s.cfg.PopWait, "leaky_cancel", s.cfg.LeakyCancel)

	if err := s.Recover(ctx); err != nil && ctx.Err() == nil {
		s.logger.WarnContext(ctx, "processing table recovery failed", "error", err)
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			s.logger.InfoContext(context.WithoutCancel(ctx), "worker stopped")
			return nil
		}
		err := s.runOnce(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			s.logger.InfoContext(context.WithoutCancel(ctx), "worker stopped")
			return nil
		}

		delay := reliability.ExponentialBackoff(failures, s.cfg.Backoff, s.cfg.MaxBackoff)
		failures++
		s.metrics.ObserveWorkerError()
		s.logger.WarnContext(ctx, "worker iteration failed", "error", err, "backoff", delay, "consecutive_failures", failures)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.logger.InfoContext(context.WithoutCancel(ctx), "worker stopped")
			return nil
		case <-t.C:
		}
	}
}

// runOnce pops at most one task and takes it to a terminal state. An empty
// pop is not an error.
func (s *Service) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	task, err := s.queue.Pop(ctx, s.cfg.PopWait)
	if err != nil {
		if errors.Is(err, tasks.ErrEmptyQueue) {
			return nil
		}
		return err
	}
	s.process(ctx, task)
	return nil
}

func (s *Service) process(ctx context.Context, task tasks.Task) {
	start := s.now()
	if err := task.MarkProcessing(start); err != nil {
		s.logger.WarnContext(ctx, "dropping redelivered task", "task_id", task.ID, "status", task.Status, "error", err)
		return
	}
	s.metrics.ObserveStage("queue_wait", start.Sub(task.CreatedAt))
	s.recent.put(task)

	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "task processing panicked", "task_id", task.ID, "panic", fmt.Sprint(r))
			if !task.Terminal() {
				_ = task.Fail(msgInternalError, true, s.now())
				s.finish(ctx, task)
			}
		}
	}()

	sctx, cancel := s.storeContext(ctx)
	if err := s.queue.SetProcessing(sctx, task); err != nil {
		s.logger.WarnContext(ctx, "processing table write failed", "task_id", task.ID, "error", err)
	}
	if _, err := s.sessions.SetQueuedStatus(sctx, task); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.logger.WarnContext(ctx, "session mirror update failed", "task_id", task.ID, "error", err)
	}
	cancel()

	s.metrics.ObserveTaskEvent(string(tasks.EventProcessing))
	s.pub.Publish(task.SessionID, tasks.EventFor(tasks.EventProcessing, task, start))
	s.logger.InfoContext(ctx, "task processing", "task_id", task.ID, "session_id", task.SessionID)

	result, err := s.synth.Synthesize(ctx, task.Prompt, task.Parameters)
	end := s.now()
	s.metrics.ObserveStage("task_total", end.Sub(task.CreatedAt))

	switch {
	case err == nil:
		_ = task.Complete(result, end)
	case ctx.Err() != nil:
		_ = task.Fail(msgInterruptedByShutdown, true, end)
	default:
		msg, retryable := synth.Describe(err)
		_ = task.Fail(msg, retryable, end)
		s.logger.WarnContext(ctx, "synthesis failed", "task_id", task.ID, "error", err, "retryable", retryable)
	}
	s.finish(ctx, task)
}

// finish records a terminal task: session history and mirror, side-table,
// then the terminal event. It runs detached from ctx so a shutdown
// mid-task still leaves a consistent record.
func (s *Service) finish(ctx context.Context, task tasks.Task) {
	s.recent.put(task)

	fctx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.sessions.FinishTask(fctx, task); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.logger.WarnContext(ctx, "session finalize failed", "task_id", task.ID, "error", err)
	}
	if err := s.queue.ClearProcessing(fctx, task.ID); err != nil {
		s.logger.WarnContext(ctx, "processing table clear failed", "task_id", task.ID, "error", err)
	}

	typ := tasks.EventCompleted
	if task.Status == tasks.TaskStatusFailed {
		typ = tasks.EventFailed
	}
	s.metrics.ObserveTaskEvent(string(typ))
	s.pub.Publish(task.SessionID, tasks.EventFor(typ, task, s.now()))
	s.logger.InfoContext(ctx, "task finished", "task_id", task.ID, "status", task.Status, "error", task.Error)
}

// Recover settles every task left in the processing table by a previous run.
// Tasks whose result already reached history are completed; the rest fail.
func (s *Service) Recover(ctx context.Context) error {
	stale, err := s.queue.Processing(ctx)
	if err != nil {
		return err
	}
	for _, task := range stale {
		if !task.Terminal() {
			if task.Status == tasks.TaskStatusQueued {
				_ = task.MarkProcessing(s.now())
			}
			// A crash between FinishTask and ClearProcessing leaves the
			// result in history; finish it as completed instead.
			if entry, ok, err := s.sessions.HistoryFor(ctx, task.SessionID, task.ID); err == nil && ok {
				if err := task.Complete(entry.Result, entry.CreatedAt); err == nil {
					s.logger.InfoContext(ctx, "recovering finished task", "task_id", task.ID, "session_id", task.SessionID)
					s.finish(ctx, task)
					continue
				}
			}
			if err := task.Fail(msgInterruptedByRestart, true, s.now()); err != nil {
				s.logger.WarnContext(ctx, "cannot fail stale task", "task_id", task.ID, "error", err)
				continue
			}
		}
		s.logger.InfoContext(ctx, "recovering interrupted task", "task_id", task.ID, "session_id", task.SessionID)
		s.finish(ctx, task)
	}
	return nil
}

// reconcileMirror brings a session mirror entry in line with a task the
// worker already advanced.
func (s *Service) reconcileMirror(ctx context.Context, task tasks.Task) {
	var err error
	if task.Terminal() {
		_, err = s.sessions.RemoveQueued(ctx, task.SessionID, task.ID)
	} else {
		_, err = s.sessions.SetQueuedStatus(ctx, task)
	}
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		s.logger.WarnContext(ctx, "session mirror reconcile failed", "task_id", task.ID, "error", err)
	}
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
}
