package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/studio/internal/observability"
	"github.com/ent0n29/studio/internal/tasks"
)

const (
	DefaultHistoryLimit     = 50
	DefaultEditHistoryLimit = 30

	maxSaveAttempts = 4
)

var errNoChange = errors.New("no change")

type Config struct {
	HistoryLimit     int
	EditHistoryLimit int
	DefaultSettings  Settings
}

// Manager is the session service. Read-modify-write sequences on one
// session are serialized in process and guarded by the store's version
// check across processes, so concurrent updates never drop each other.
type Manager struct {
	store            Store
	historyLimit     int
	editHistoryLimit int
	defaults         Settings
	locks            *keyedMutex
	now              func() time.Time
	logger           *slog.Logger
	metrics          *observability.Metrics
}

func NewManager(store Store, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.EditHistoryLimit <= 0 {
		cfg.EditHistoryLimit = DefaultEditHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:            store,
		historyLimit:     cfg.HistoryLimit,
		editHistoryLimit: cfg.EditHistoryLimit,
		defaults:         cfg.DefaultSettings,
		locks:            newKeyedMutex(),
		now:              func() time.Time { return time.Now().UTC() },
		logger:           logger,
		metrics:          metrics,
	}
	store.OnEvict(m.expired)
	return m
}

// expired accounts for a session the store dropped after its TTL ran out.
func (m *Manager) expired(id string) {
	m.metrics.ObserveSessionsExpired(1)
	m.logger.Debug("session expired", "session_id", id)
}

func (m *Manager) Create(ctx context.Context) (Document, error) {
	now := m.now()
	doc, err := m.store.Create(ctx, Document{
		ID:           uuid.NewString(),
		Settings:     m.defaults,
		History:      []HistoryEntry{},
		EditHistory:  []HistoryEntry{},
		QueuedTasks:  []tasks.Task{},
		CreatedAt:    now,
		LastAccessed: now,
	})
	if err != nil {
		return Document{}, err
	}
	m.metrics.ObserveSessionEvent("created")
	m.logger.DebugContext(ctx, "session created", "session_id", doc.ID)
	return doc, nil
}

// Get returns the session and extends its TTL. ErrNotFound covers both
// unknown and expired sessions.
func (m *Manager) Get(ctx context.Context, id string) (Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Document{}, ErrNotFound
	}
	return m.store.Get(ctx, id)
}

// Update shallow-merges the non-nil fields of patch and stamps
// LastAccessed.
func (m *Manager) Update(ctx context.Context, id string, patch Patch) (Document, error) {
	return m.mutate(ctx, id, func(doc *Document) error {
		if patch.Settings != nil {
			doc.Settings = *patch.Settings
		}
		if patch.MergeSettings != nil {
			doc.Settings = doc.Settings.Merge(*patch.MergeSettings)
		}
		if patch.History != nil {
			doc.History = truncate(cloneHistory(*patch.History), m.historyLimit)
		}
		if patch.EditHistory != nil {
			doc.EditHistory = truncate(cloneHistory(*patch.EditHistory), m.editHistoryLimit)
		}
		if patch.QueuedTasks != nil {
			doc.QueuedTasks = append([]tasks.Task(nil), (*patch.QueuedTasks)...)
		}
		return nil
	})
}

// AddHistory prepends entry to the list its kind belongs to and evicts the
// oldest entries beyond the bound.
func (m *Manager) AddHistory(ctx context.Context, id string, entry HistoryEntry) (Document, error) {
	entry = m.normalizeEntry(entry)
	return m.mutate(ctx, id, func(doc *Document) error {
		m.prependHistory(doc, entry)
		return nil
	})
}

func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}
	unlock := m.locks.Lock(id)
	defer unlock()
	existed, err := m.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if existed {
		m.metrics.ObserveSessionEvent("deleted")
	}
	return existed, nil
}

// AddQueued mirrors a freshly enqueued task into its session.
func (m *Manager) AddQueued(ctx context.Context, task tasks.Task) error {
	_, err := m.mutate(ctx, task.SessionID, func(doc *Document) error {
		for i := range doc.QueuedTasks {
			if doc.QueuedTasks[i].ID == task.ID {
				doc.QueuedTasks[i] = task.Clone()
				return nil
			}
		}
		doc.QueuedTasks = append(doc.QueuedTasks, task.Clone())
		return nil
	})
	return err
}

// SetQueuedStatus refreshes the mirror entry for task. It reports false
// and writes nothing when the entry is gone, e.g. after a cancel.
func (m *Manager) SetQueuedStatus(ctx context.Context, task tasks.Task) (bool, error) {
	found := false
	_, err := m.mutate(ctx, task.SessionID, func(doc *Document) error {
		for i := range doc.QueuedTasks {
			if doc.QueuedTasks[i].ID == task.ID {
				doc.QueuedTasks[i] = task.Clone()
				found = true
				return nil
			}
		}
		return errNoChange
	})
	return found, err
}

func (m *Manager) RemoveQueued(ctx context.Context, sessionID, taskID string) (bool, error) {
	removed := false
	_, err := m.mutate(ctx, sessionID, func(doc *Document) error {
		removed = removeTask(doc, taskID)
		if !removed {
			return errNoChange
		}
		return nil
	})
	return removed, err
}

// FinishTask applies a terminal task to its session in one step: the
// result goes to history (once per task id) and the mirror entry is
// dropped. Applying it twice has the same effect as once.
func (m *Manager) FinishTask(ctx context.Context, task tasks.Task) error {
	if !task.Terminal() {
		return tasks.ErrInvalidTransition
	}
	var entry HistoryEntry
	if task.Status == tasks.TaskStatusCompleted && task.Result != nil {
		entry = m.normalizeEntry(HistoryEntry{
			TaskID:    task.ID,
			Kind:      task.Parameters.Kind,
			Prompt:    task.Prompt,
			Result:    *task.Result,
			CreatedAt: derefTime(task.EndedAt, m.now()),
		})
	}
	_, err := m.mutate(ctx, task.SessionID, func(doc *Document) error {
		changed := removeTask(doc, task.ID)
		if entry.TaskID != "" && !doc.hasHistoryFor(task.ID) {
			m.prependHistory(doc, entry)
			changed = true
		}
		if !changed {
			return errNoChange
		}
		return nil
	})
	return err
}

// HistoryFor returns the history entry recorded for taskID, if any.
func (m *Manager) HistoryFor(ctx context.Context, sessionID, taskID string) (HistoryEntry, bool, error) {
	doc, err := m.Get(ctx, sessionID)
	if err != nil {
		return HistoryEntry{}, false, err
	}
	entry, ok := doc.historyFor(taskID)
	return entry, ok, nil
}

func (m *Manager) QueuedTasks(ctx context.Context, id string) ([]tasks.Task, error) {
	doc, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.QueuedTasks, nil
}

// StartJanitor sweeps expired sessions until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := m.store.Sweep(ctx)
				if err != nil {
					m.logger.WarnContext(ctx, "session sweep failed", "error", err)
					continue
				}
				if n > 0 {
					m.logger.InfoContext(ctx, "expired sessions evicted", "count", n)
				}
			}
		}
	}()
}

func (m *Manager) mutate(ctx context.Context, id string, fn func(*Document) error) (Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Document{}, ErrNotFound
	}
	unlock := m.locks.Lock(id)
	defer unlock()

	for attempt := 1; ; attempt++ {
		doc, err := m.store.Get(ctx, id)
		if err != nil {
			return Document{}, err
		}
		if err := fn(&doc); err != nil {
			if errors.Is(err, errNoChange) {
				return doc, nil
			}
			return Document{}, err
		}
		doc.LastAccessed = m.now()
		saved, err := m.store.Save(ctx, doc)
		if errors.Is(err, ErrConflict) && attempt < maxSaveAttempts {
			m.logger.DebugContext(ctx, "session version conflict, retrying", "session_id", id, "attempt", attempt)
			continue
		}
		return saved, err
	}
}

func (m *Manager) normalizeEntry(entry HistoryEntry) HistoryEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Kind == "" {
		entry.Kind = tasks.KindGenerate
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	return entry
}

func (m *Manager) prependHistory(doc *Document, entry HistoryEntry) {
	if entry.Kind == tasks.KindEdit {
		doc.EditHistory = truncate(append([]HistoryEntry{entry}, doc.EditHistory...), m.editHistoryLimit)
		return
	}
	doc.History = truncate(append([]HistoryEntry{entry}, doc.History...), m.historyLimit)
}

func truncate(list []HistoryEntry, limit int) []HistoryEntry {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

func removeTask(doc *Document, taskID string) bool {
	for i := range doc.QueuedTasks {
		if doc.QueuedTasks[i].ID == taskID {
			doc.QueuedTasks = append(doc.QueuedTasks[:i:i], doc.QueuedTasks[i+1:]...)
			return true
		}
	}
	return false
}

func derefTime(t *time.Time, fallback time.Time) time.Time {
	if t == nil {
		return fallback
	}
	return *t
}
