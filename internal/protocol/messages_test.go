package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/studio/internal/tasks"
)

func TestParseClientMessageQueueStatus(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"get_queue_status"}`))
	require.NoError(t, err)
	_, ok := msg.(GetQueueStatus)
	assert.True(t, ok, "message type = %T", msg)
}

func TestParseClientMessageCancel(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"cancel_task","task_id":" t1 "}`))
	require.NoError(t, err)
	cancel, ok := msg.(CancelTask)
	require.True(t, ok, "message type = %T", msg)
	assert.Equal(t, "t1", cancel.TaskID)

	_, err = ParseClientMessage([]byte(`{"type":"cancel_task"}`))
	assert.Error(t, err)
}

func TestParseClientMessagePing(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"ping","ts_ms":42}`))
	require.NoError(t, err)
	assert.Equal(t, Ping{Type: TypePing, TSMs: 42}, msg)
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = ParseClientMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestFromEventTask(t *testing.T) {
	at := time.UnixMilli(1700000000000).UTC()
	task := tasks.New("s1", "cat", tasks.Parameters{}, at)
	evt := tasks.EventFor(tasks.EventQueued, task, at)
	evt.QueuePosition = 3

	msg, ok := FromEvent(evt).(TaskEvent)
	require.True(t, ok)
	assert.Equal(t, TypeTaskEvent, msg.Type)
	assert.Equal(t, tasks.EventQueued, msg.Event)
	assert.Equal(t, 3, msg.QueuePosition)
	assert.Equal(t, int64(1700000000000), msg.TSMs)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"event":"queued"`)
	assert.Contains(t, string(raw), `"task_id":"`+task.ID+`"`)
}

func TestFromEventQueueStatus(t *testing.T) {
	st := tasks.QueueStatus{QueueLength: 2, ProcessingCount: 1, WorkerAlive: true, At: time.Now()}
	msg, ok := FromEvent(tasks.Event{Type: tasks.EventQueueStatus, Queue: &st, At: st.At}).(QueueStatusMessage)
	require.True(t, ok)
	assert.Equal(t, TypeQueueStatusBroadcast, msg.Type)
	assert.Equal(t, 2, msg.QueueLength)
	assert.True(t, msg.WorkerAlive)

	assert.Equal(t, TypeQueueStatus, NewQueueStatus(st).Type)
}
