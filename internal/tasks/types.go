package tasks

import "time"

type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Kind selects the synthesis operation and which session history a result lands in.
type Kind string

const (
	KindGenerate Kind = "generate"
	KindEdit     Kind = "edit"
	KindAnalyze  Kind = "analyze"
)

func (k Kind) Valid() bool {
	switch k {
	case KindGenerate, KindEdit, KindAnalyze:
		return true
	default:
		return false
	}
}

type Parameters struct {
	Kind      Kind              `json:"kind"`
	Model     string            `json:"model,omitempty"`
	Size      string            `json:"size,omitempty"`
	Style     string            `json:"style,omitempty"`
	Count     int               `json:"n,omitempty"`
	ImageRefs []string          `json:"image_refs,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

type Image struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	MIMEType      string `json:"mime_type,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type Result struct {
	Text   string  `json:"text,omitempty"`
	Images []Image `json:"images,omitempty"`
	Model  string  `json:"model,omitempty"`
}

type Task struct {
	ID         string     `json:"task_id"`
	SessionID  string     `json:"session_id"`
	Prompt     string     `json:"prompt"`
	Parameters Parameters `json:"parameters"`
	Status     TaskStatus `json:"status"`
	Result     *Result    `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	Retryable  bool       `json:"retryable,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

type EventType string

const (
	EventQueued      EventType = "queued"
	EventProcessing  EventType = "processing"
	EventCompleted   EventType = "completed"
	EventFailed      EventType = "failed"
	EventQueueStatus EventType = "queue_status_broadcast"
)

// QueueStatus is the scheduler health snapshot returned to pollers and
// pushed periodically to every subscriber.
type QueueStatus struct {
	QueueLength     int       `json:"queue_length"`
	ProcessingCount int       `json:"processing_count"`
	WorkerAlive     bool      `json:"worker_alive"`
	At              time.Time `json:"at"`
}

type Event struct {
	Type          EventType    `json:"type"`
	SessionID     string       `json:"session_id,omitempty"`
	TaskID        string       `json:"task_id,omitempty"`
	Status        TaskStatus   `json:"status,omitempty"`
	QueuePosition int          `json:"queue_position,omitempty"`
	Task          *Task        `json:"task,omitempty"`
	Queue         *QueueStatus `json:"queue,omitempty"`
	At            time.Time    `json:"at"`
}

func (p Parameters) Clone() Parameters {
	out := p
	if p.ImageRefs != nil {
		out.ImageRefs = append([]string(nil), p.ImageRefs...)
	}
	if p.Extra != nil {
		out.Extra = make(map[string]string, len(p.Extra))
		for k, v := range p.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

func (t Task) Clone() Task {
	out := t
	out.Parameters = t.Parameters.Clone()
	if t.Result != nil {
		r := *t.Result
		if t.Result.Images != nil {
			r.Images = append([]Image(nil), t.Result.Images...)
		}
		out.Result = &r
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		out.StartedAt = &ts
	}
	if t.EndedAt != nil {
		ts := *t.EndedAt
		out.EndedAt = &ts
	}
	return out
}

func (t Task) Terminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// EventFor builds a lifecycle event carrying a snapshot of t.
func EventFor(typ EventType, t Task, at time.Time) Event {
	snapshot := t.Clone()
	return Event{
		Type:      typ,
		SessionID: t.SessionID,
		TaskID:    t.ID,
		Status:    t.Status,
		Task:      &snapshot,
		At:        at,
	}
}
