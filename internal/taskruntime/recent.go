package taskruntime

import (
	"sync"

	"github.com/ent0n29/studio/internal/tasks"
)

// recentTasks remembers the latest snapshot of the last max tasks this
// process touched, evicting the oldest first.
type recentTasks struct {
	mu    sync.RWMutex
	max   int
	byID  map[string]tasks.Task
	order []string
}

func newRecentTasks(max int) *recentTasks {
	if max <= 0 {
		max = 1024
	}
	return &recentTasks{max: max, byID: make(map[string]tasks.Task, max)}
}

func (r *recentTasks) put(t tasks.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[t.ID]; !ok {
		r.order = append(r.order, t.ID)
		if len(r.order) > r.max {
			delete(r.byID, r.order[0])
			r.order = r.order[1:]
		}
	}
	r.byID[t.ID] = t.Clone()
}

func (r *recentTasks) get(id string) (tasks.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return tasks.Task{}, false
	}
	return t.Clone(), true
}

func (r *recentTasks) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
