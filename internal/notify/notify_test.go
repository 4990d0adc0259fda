package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/studio/internal/tasks"
)

func TestHubPublishIsPerSession(t *testing.T) {
	h := NewHub(4, nil)
	a, cancelA := h.Subscribe("s1")
	defer cancelA()
	b, cancelB := h.Subscribe("s2")
	defer cancelB()

	h.Publish("s1", tasks.Event{Type: tasks.EventQueued, TaskID: "t1"})

	select {
	case evt := <-a:
		assert.Equal(t, "t1", evt.TaskID)
	case <-time.After(time.Second):
		t.Fatal("s1 subscriber did not receive its event")
	}
	select {
	case evt := <-b:
		t.Fatalf("s2 subscriber received %+v", evt)
	default:
	}
}

func TestHubBroadcastReachesEveryone(t *testing.T) {
	h := NewHub(4, nil)
	a, cancelA := h.Subscribe("s1")
	defer cancelA()
	b, cancelB := h.Subscribe("s2")
	defer cancelB()

	h.Broadcast(tasks.Event{Type: tasks.EventQueueStatus})
	assert.Equal(t, tasks.EventQueueStatus, (<-a).Type)
	assert.Equal(t, tasks.EventQueueStatus, (<-b).Type)
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	h := NewHub(1, nil)
	ch, cancel := h.Subscribe("s1")
	defer cancel()

	h.Publish("s1", tasks.Event{TaskID: "first"})
	h.Publish("s1", tasks.Event{TaskID: "second"})

	assert.Equal(t, "first", (<-ch).TaskID)
	select {
	case evt := <-ch:
		t.Fatalf("unexpected buffered event %+v", evt)
	default:
	}
}

func TestHubUnsubscribeClosesAndForgets(t *testing.T) {
	h := NewHub(1, nil)
	ch, cancel := h.Subscribe("s1")
	assert.Equal(t, 1, h.SubscriberCount("s1"))
	assert.Equal(t, 1, h.SubscriberCount(""))

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, h.SubscriberCount("s1"))

	h.Publish("s1", tasks.Event{TaskID: "late"})
}

func TestHubEmptySessionGetsClosedChannel(t *testing.T) {
	h := NewHub(1, nil)
	ch, cancel := h.Subscribe("  ")
	defer cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestRunStatusBroadcaster(t *testing.T) {
	h := NewHub(8, nil)
	ch, unsubscribe := h.Subscribe("s1")
	defer unsubscribe()

	var calls atomic.Int32
	status := func(context.Context) (tasks.QueueStatus, error) {
		if calls.Add(1) == 1 {
			return tasks.QueueStatus{}, errors.New("queue down")
		}
		return tasks.QueueStatus{QueueLength: 3, WorkerAlive: true, At: time.Now().UTC()}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunStatusBroadcaster(ctx, h, 10*time.Millisecond, status, nil)
		close(done)
	}()

	select {
	case evt := <-ch:
		require.Equal(t, tasks.EventQueueStatus, evt.Type)
		require.NotNil(t, evt.Queue)
		assert.Equal(t, 3, evt.Queue.QueueLength)
		assert.True(t, evt.Queue.WorkerAlive)
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast received")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcaster did not stop on cancel")
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish("s1", tasks.Event{})
	p.Broadcast(tasks.Event{})
}
