package session

import (
	"time"

	"github.com/ent0n29/studio/internal/tasks"
)

// Settings are the per-session synthesis defaults.
type Settings struct {
	Model              string `json:"model,omitempty"`
	Size               string `json:"size,omitempty"`
	Style              string `json:"style,omitempty"`
	AutoOptimizePrompt bool   `json:"auto_optimize_prompt"`
}

// Merge overlays the non-zero fields of patch onto s.
func (s Settings) Merge(patch SettingsPatch) Settings {
	out := s
	if patch.Model != nil {
		out.Model = *patch.Model
	}
	if patch.Size != nil {
		out.Size = *patch.Size
	}
	if patch.Style != nil {
		out.Style = *patch.Style
	}
	if patch.AutoOptimizePrompt != nil {
		out.AutoOptimizePrompt = *patch.AutoOptimizePrompt
	}
	return out
}

type SettingsPatch struct {
	Model              *string `json:"model,omitempty"`
	Size               *string `json:"size,omitempty" validate:"omitempty,max=32"`
	Style              *string `json:"style,omitempty" validate:"omitempty,max=64"`
	AutoOptimizePrompt *bool   `json:"auto_optimize_prompt,omitempty"`
}

type HistoryEntry struct {
	ID        string       `json:"id"`
	TaskID    string       `json:"task_id,omitempty"`
	Kind      tasks.Kind   `json:"kind"`
	Prompt    string       `json:"prompt"`
	Result    tasks.Result `json:"result"`
	CreatedAt time.Time    `json:"created_at"`
}

// Document is everything the store keeps for one session. History lists
// are most-recent-first. QueuedTasks mirrors non-terminal tasks and is a
// cache; the durable queue is authoritative.
type Document struct {
	ID           string         `json:"session_id"`
	Settings     Settings       `json:"settings"`
	History      []HistoryEntry `json:"history"`
	EditHistory  []HistoryEntry `json:"edit_history"`
	QueuedTasks  []tasks.Task   `json:"queued_tasks"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
	Version      int64          `json:"version"`
}

// Patch carries the top-level fields an update replaces. Nil fields are
// left as stored. MergeSettings is applied after Settings and only
// overwrites the fields it sets.
type Patch struct {
	Settings      *Settings
	MergeSettings *SettingsPatch
	History       *[]HistoryEntry
	EditHistory   *[]HistoryEntry
	QueuedTasks   *[]tasks.Task
}

func (d Document) Clone() Document {
	out := d
	out.History = cloneHistory(d.History)
	out.EditHistory = cloneHistory(d.EditHistory)
	if d.QueuedTasks != nil {
		out.QueuedTasks = make([]tasks.Task, len(d.QueuedTasks))
		for i, t := range d.QueuedTasks {
			out.QueuedTasks[i] = t.Clone()
		}
	}
	return out
}

func (d Document) hasHistoryFor(taskID string) bool {
	_, ok := d.historyFor(taskID)
	return ok
}

func (d Document) historyFor(taskID string) (HistoryEntry, bool) {
	if taskID == "" {
		return HistoryEntry{}, false
	}
	for _, list := range [][]HistoryEntry{d.History, d.EditHistory} {
		for _, e := range list {
			if e.TaskID == taskID {
				return e, true
			}
		}
	}
	return HistoryEntry{}, false
}

func cloneHistory(in []HistoryEntry) []HistoryEntry {
	if in == nil {
		return nil
	}
	out := make([]HistoryEntry, len(in))
	for i, e := range in {
		out[i] = e
		if e.Result.Images != nil {
			out[i].Result.Images = append([]tasks.Image(nil), e.Result.Images...)
		}
	}
	return out
}
