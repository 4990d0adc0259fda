package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe("synthesis", 500)
	w.Observe("synthesis", 700)
	w.Observe("synthesis", 900)
	w.Observe("", 100)
	w.Observe("queue_wait", -1)

	snap := w.Snapshot()
	assert.Equal(t, 8, snap.WindowSize)
	require.Len(t, snap.Stages, 1)

	s := snap.Stages[0]
	assert.Equal(t, "synthesis", s.Stage)
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 900.0, s.LastMS)
	assert.Equal(t, 700.0, s.P50MS)
	assert.Greater(t, s.P95MS, 700.0)
	assert.LessOrEqual(t, s.P95MS, 900.0)
	assert.Equal(t, 900.0, s.MaxMS)
	assert.Equal(t, 45000.0, s.TargetP95MS)
	assert.Zero(t, s.OverTarget)
}

func TestStageWindowCountsSamplesOverTarget(t *testing.T) {
	w := newStageWindow(16)
	for _, ms := range []float64{1000, 29000, 31000, 90000} {
		w.Observe("queue_wait", ms)
	}
	w.Observe("custom", 5)

	snap := w.Snapshot()
	require.Len(t, snap.Stages, 2)
	assert.Equal(t, "custom", snap.Stages[0].Stage)
	assert.Zero(t, snap.Stages[0].TargetP95MS)

	qw := snap.Stages[1]
	assert.Equal(t, 2, qw.OverTarget)
	assert.Equal(t, 90000.0, qw.P99MS)
	assert.Equal(t, 29000.0, qw.P50MS)
}

func TestStageWindowWrapsAround(t *testing.T) {
	w := newStageWindow(4)
	for i := 1; i <= 6; i++ {
		w.Observe("task_total", float64(i*100))
	}
	snap := w.Snapshot()
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, 4, snap.Stages[0].Samples)
	assert.Equal(t, 600.0, snap.Stages[0].LastMS)
	assert.Equal(t, 450.0, snap.Stages[0].AvgMS)

	w.Reset()
	assert.Empty(t, w.Snapshot().Stages)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SetQueueDepth(1, 1)
	m.ObserveTaskEvent("queued")
	m.ObserveSynthesis("mock", "ok", time.Second)
	m.ObserveSessionEvent("created")
	m.ObserveNotifyDropped("completed")
	assert.Empty(t, m.SnapshotStages().Stages)
}

func TestMetricsHandlerServesOwnRegistry(t *testing.T) {
	a := NewMetrics("studio")
	b := NewMetrics("studio")
	a.ObserveTaskEvent("queued")
	b.SetQueueDepth(3, 1)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `studio_task_events_total{event="queued"} 1`), body)
	assert.True(t, strings.Contains(body, "studio_queue_length 0"))
}
