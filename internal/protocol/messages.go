package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/studio/internal/tasks"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeGetQueueStatus MessageType = "get_queue_status"
	TypeCancelTask     MessageType = "cancel_task"
	TypePing           MessageType = "ping"

	TypeTaskEvent            MessageType = "task_event"
	TypeQueueStatusBroadcast MessageType = "queue_status_broadcast"
	TypeQueueStatus          MessageType = "queue_status"
	TypeSessionSnapshot      MessageType = "session_snapshot"
	TypeCancelResult         MessageType = "cancel_result"
	TypePong                 MessageType = "pong"
	TypeErrorEvent           MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type GetQueueStatus struct {
	Type MessageType `json:"type"`
}

type CancelTask struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
}

type Ping struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms"`
}

// TaskEvent carries one task lifecycle transition.
type TaskEvent struct {
	Type          MessageType      `json:"type"`
	Event         tasks.EventType  `json:"event"`
	SessionID     string           `json:"session_id"`
	TaskID        string           `json:"task_id"`
	Status        tasks.TaskStatus `json:"status"`
	QueuePosition int              `json:"queue_position,omitempty"`
	Task          *tasks.Task      `json:"task,omitempty"`
	TSMs          int64            `json:"ts_ms"`
}

// QueueStatusMessage is used for both the periodic broadcast and the reply
// to get_queue_status; only Type differs.
type QueueStatusMessage struct {
	Type            MessageType `json:"type"`
	QueueLength     int         `json:"queue_length"`
	ProcessingCount int         `json:"processing_count"`
	WorkerAlive     bool        `json:"worker_alive"`
	TSMs            int64       `json:"ts_ms"`
}

type SessionSnapshot struct {
	Type        MessageType  `json:"type"`
	SessionID   string       `json:"session_id"`
	QueuedTasks []tasks.Task `json:"queued_tasks"`
}

type CancelResult struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
	Result string      `json:"result"`
}

type Pong struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeGetQueueStatus:
		return GetQueueStatus{Type: env.Type}, nil
	case TypeCancelTask:
		var msg CancelTask
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.TaskID = strings.TrimSpace(msg.TaskID)
		if msg.TaskID == "" {
			return nil, errors.New("invalid cancel_task")
		}
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// FromEvent converts a bus event to its wire message.
func FromEvent(evt tasks.Event) any {
	if evt.Type == tasks.EventQueueStatus {
		msg := QueueStatusMessage{Type: TypeQueueStatusBroadcast, TSMs: evt.At.UnixMilli()}
		if evt.Queue != nil {
			msg.QueueLength = evt.Queue.QueueLength
			msg.ProcessingCount = evt.Queue.ProcessingCount
			msg.WorkerAlive = evt.Queue.WorkerAlive
		}
		return msg
	}
	return TaskEvent{
		Type:          TypeTaskEvent,
		Event:         evt.Type,
		SessionID:     evt.SessionID,
		TaskID:        evt.TaskID,
		Status:        evt.Status,
		QueuePosition: evt.QueuePosition,
		Task:          evt.Task,
		TSMs:          evt.At.UnixMilli(),
	}
}

func NewQueueStatus(st tasks.QueueStatus) QueueStatusMessage {
	return QueueStatusMessage{
		Type:            TypeQueueStatus,
		QueueLength:     st.QueueLength,
		ProcessingCount: st.ProcessingCount,
		WorkerAlive:     st.WorkerAlive,
		TSMs:            st.At.UnixMilli(),
	}
}
