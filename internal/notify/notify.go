// Package notify fans task lifecycle events out to live subscribers.
// Delivery is at most once: there is no replay, and a subscriber whose
// buffer is full misses the event.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/studio/internal/observability"
	"github.com/ent0n29/studio/internal/tasks"
)

const defaultBuffer = 64

// Publisher is the sink the task runtime writes events to.
type Publisher interface {
	// Publish delivers evt to the subscribers of sessionID.
	Publish(sessionID string, evt tasks.Event)
	// Broadcast delivers evt to every subscriber.
	Broadcast(evt tasks.Event)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(string, tasks.Event) {}
func (Nop) Broadcast(tasks.Event) {}

// Hub is an in-process Publisher with per-session subscriptions.
type Hub struct {
	mu        sync.RWMutex
	nextID    int
	buffer    int
	bySession map[string]map[int]chan tasks.Event
	metrics   *observability.Metrics
}

func NewHub(buffer int, metrics *observability.Metrics) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		buffer:    buffer,
		bySession: make(map[string]map[int]chan tasks.Event),
		metrics:   metrics,
	}
}

// Subscribe registers a listener for sessionID. The returned cancel func
// closes the channel and is safe to call more than once.
func (h *Hub) Subscribe(sessionID string) (<-chan tasks.Event, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		ch := make(chan tasks.Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan tasks.Event, h.buffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if _, ok := h.bySession[sessionID]; !ok {
		h.bySession[sessionID] = make(map[int]chan tasks.Event)
	}
	h.bySession[sessionID][id] = ch
	h.mu.Unlock()
	h.metrics.AddWSSubscribers(1)

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.bySession[sessionID]
		if subs == nil {
			return
		}
		c, ok := subs[id]
		if !ok {
			return
		}
		delete(subs, id)
		close(c)
		if len(subs) == 0 {
			delete(h.bySession, sessionID)
		}
		h.metrics.AddWSSubscribers(-1)
	}
}

func (h *Hub) Publish(sessionID string, evt tasks.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.bySession[strings.TrimSpace(sessionID)] {
		h.sendLocked(ch, evt)
	}
}

func (h *Hub) Broadcast(evt tasks.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, subs := range h.bySession {
		for _, ch := range subs {
			h.sendLocked(ch, evt)
		}
	}
}

func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if sessionID == "" {
		n := 0
		for _, subs := range h.bySession {
			n += len(subs)
		}
		return n
	}
	return len(h.bySession[sessionID])
}

func (h *Hub) sendLocked(ch chan tasks.Event, evt tasks.Event) {
	select {
	case ch <- evt:
	default:
		h.metrics.ObserveNotifyDropped(string(evt.Type))
	}
}

// StatusFunc reports the current global queue status.
type StatusFunc func(ctx context.Context) (tasks.QueueStatus, error)

// RunStatusBroadcaster broadcasts a queue_status_broadcast event every
// interval until ctx is done. A failed status read skips that tick.
func RunStatusBroadcaster(ctx context.Context, pub Publisher, interval time.Duration, status StatusFunc, logger *slog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := status(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.WarnContext(ctx, "queue status broadcast skipped", "error", err)
				}
				continue
			}
			pub.Broadcast(tasks.Event{
				Type:  tasks.EventQueueStatus,
				Queue: &st,
				At:    st.At,
			})
		}
	}
}
