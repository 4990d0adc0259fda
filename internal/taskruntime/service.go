package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ent0n29/studio/internal/notify"
	"github.com/ent0n29/studio/internal/observability"
	"github.com/ent0n29/studio/internal/policy"
	"github.com/ent0n29/studio/internal/session"
	"github.com/ent0n29/studio/internal/synth"
	"github.com/ent0n29/studio/internal/tasks"
)

var (
	ErrValidation     = errors.New("invalid task request")
	ErrAlreadyRunning = errors.New("worker already running")
)

// CancelResult is the outcome of Cancel.
type CancelResult string

const (
	CancelSuccess           CancelResult = "success"
	CancelNotFound          CancelResult = "not-found"
	CancelAlreadyProcessing CancelResult = "already-processing"
)

type Config struct {
	// PopWait bounds one blocking dequeue; it is also how often the loop
	// notices cancellation when idle.
	PopWait     time.Duration
	Backoff     time.Duration
	MaxBackoff  time.Duration
	LeakyCancel bool
	// FinalizeTimeout bounds the store writes that record a terminal
	// state, which run even after the worker ctx is cancelled.
	FinalizeTimeout time.Duration
	RecentTasks     int
}

type EnqueueRequest struct {
	SessionID  string           `json:"session_id" validate:"required,max=128"`
	Prompt     string           `json:"prompt" validate:"required,max=8000"`
	Parameters tasks.Parameters `json:"parameters"`
}

// Service owns the task lifecycle: it enqueues, cancels and runs the single
// worker that drains the durable queue through the synthesizer.
type Service struct {
	cfg      Config
	queue    tasks.Queue
	sessions *session.Manager
	synth    synth.Synthesizer
	pub      notify.Publisher
	metrics  *observability.Metrics
	logger   *slog.Logger
	validate *validator.Validate
	recent   *recentTasks
	now      func() time.Time

	running atomic.Bool
	alive   atomic.Bool
}

func New(
	cfg Config,
	queue tasks.Queue,
	sessions *session.Manager,
	synthesizer synth.Synthesizer,
	pub notify.Publisher,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Service {
	if cfg.PopWait <= 0 {
		cfg.PopWait = 5 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 5 * time.Second
	}
	if pub == nil {
		pub = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		queue:    queue,
		sessions: sessions,
		synth:    synthesizer,
		pub:      pub,
		metrics:  metrics,
		logger:   logger.With("component", "taskruntime"),
		validate: validator.New(),
		recent:   newRecentTasks(cfg.RecentTasks),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue validates req, pushes a new task to the durable queue, mirrors it
// into the session and publishes a queued event. Nothing is mirrored when
// the push fails.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (tasks.Task, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Prompt = strings.TrimSpace(req.Prompt)
	if err := s.validateRequest(req); err != nil {
		return tasks.Task{}, err
	}

	doc, err := s.sessions.Get(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return tasks.Task{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return tasks.Task{}, err
	}

	params := applySettings(req.Parameters.Clone(), doc.Settings)
	task := tasks.New(req.SessionID, req.Prompt, params, s.now())
	s.recent.put(task)

	position, err := s.queue.Push(ctx, task)
	if err != nil {
		s.recent.forget(task.ID)
		return tasks.Task{}, err
	}
	s.metrics.ObserveTaskEvent(string(tasks.EventQueued))

	if err := s.sessions.AddQueued(ctx, task); err != nil {
		s.logger.WarnContext(ctx, "session mirror add failed", "task_id", task.ID, "session_id", task.SessionID, "error", err)
	} else if latest, ok := s.recent.get(task.ID); ok && latest.Status != tasks.TaskStatusQueued {
		// The worker got here first; bring the mirror up to date.
		s.reconcileMirror(ctx, latest)
	}

	evt := tasks.EventFor(tasks.EventQueued, task, s.now())
	evt.QueuePosition = position
	s.pub.Publish(task.SessionID, evt)

	s.logger.InfoContext(ctx, "task queued",
		"task_id", task.ID,
		"session_id", task.SessionID,
		"kind", task.Parameters.Kind,
		"position", position,
		"prompt", policy.PromptPreview(task.Prompt, 80),
	)
	return task, nil
}

// Cancel withdraws a queued task. By default the durable record is removed
// too, so a cancelled task never runs; with LeakyCancel only the session
// mirror entry goes and the worker still processes the record.
func (s *Service) Cancel(ctx context.Context, taskID, sessionID string) (CancelResult, error) {
	taskID = strings.TrimSpace(taskID)
	sessionID = strings.TrimSpace(sessionID)
	if taskID == "" || sessionID == "" {
		return CancelNotFound, nil
	}

	queued, err := s.sessions.QueuedTasks(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return CancelNotFound, nil
		}
		return "", err
	}
	var mirrored *tasks.Task
	for i := range queued {
		if queued[i].ID == taskID {
			mirrored = &queued[i]
			break
		}
	}
	if mirrored == nil {
		return CancelNotFound, nil
	}
	if mirrored.Status != tasks.TaskStatusQueued {
		return CancelAlreadyProcessing, nil
	}

	if !s.cfg.LeakyCancel {
		removed, err := s.queue.Remove(ctx, taskID)
		if err != nil {
			return "", err
		}
		if !removed {
			return CancelAlreadyProcessing, nil
		}
		s.recent.forget(taskID)
	}

	if _, err := s.sessions.RemoveQueued(ctx, sessionID, taskID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return CancelNotFound, nil
		}
		return "", err
	}
	s.metrics.ObserveTaskEvent("cancelled")
	s.logger.InfoContext(ctx, "task cancelled", "task_id", taskID, "session_id", sessionID, "leaky", s.cfg.LeakyCancel)
	return CancelSuccess, nil
}

// QueueStatus reports the global scheduler state.
func (s *Service) QueueStatus(ctx context.Context) (tasks.QueueStatus, error) {
	n, err := s.queue.Len(ctx)
	if err != nil {
		return tasks.QueueStatus{}, err
	}
	processing, err := s.queue.Processing(ctx)
	if err != nil {
		return tasks.QueueStatus{}, err
	}
	s.metrics.SetQueueDepth(n, len(processing))
	return tasks.QueueStatus{
		QueueLength:     n,
		ProcessingCount: len(processing),
		WorkerAlive:     s.alive.Load(),
		At:              s.now(),
	}, nil
}

// GetTask looks a task up among the ones this process handled recently,
// then in the processing side-table.
func (s *Service) GetTask(ctx context.Context, taskID string) (tasks.Task, error) {
	taskID = strings.TrimSpace(taskID)
	if t, ok := s.recent.get(taskID); ok {
		return t, nil
	}
	processing, err := s.queue.Processing(ctx)
	if err != nil {
		return tasks.Task{}, err
	}
	for _, t := range processing {
		if t.ID == taskID {
			return t, nil
		}
	}
	return tasks.Task{}, tasks.ErrTaskNotFound
}

func (s *Service) SessionTasks(ctx context.Context, sessionID string) ([]tasks.Task, error) {
	return s.sessions.QueuedTasks(ctx, sessionID)
}

func (s *Service) WorkerAlive() bool {
	return s.alive.Load()
}

func (s *Service) validateRequest(req EnqueueRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed on %q", ErrValidation, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	p := req.Parameters
	if p.Kind != "" && !p.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, p.Kind)
	}
	if p.Count < 0 || p.Count > 10 {
		return fmt.Errorf("%w: n must be between 0 and 10", ErrValidation)
	}
	if (p.Kind == tasks.KindEdit || p.Kind == tasks.KindAnalyze) && len(p.ImageRefs) == 0 {
		return fmt.Errorf("%w: %s requires at least one image reference", ErrValidation, p.Kind)
	}
	return nil
}

// applySettings fills parameters the request left empty from the session
// defaults.
func applySettings(p tasks.Parameters, st session.Settings) tasks.Parameters {
	if p.Model == "" {
		p.Model = st.Model
	}
	if p.Size == "" {
		p.Size = st.Size
	}
	if p.Style == "" {
		p.Style = st.Style
	}
	return p
}
