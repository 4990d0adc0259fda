package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	stages   *stageWindow

	QueueLength      prometheus.Gauge
	TasksProcessing  prometheus.Gauge
	TaskEvents       *prometheus.CounterVec
	SynthesisLatency *prometheus.HistogramVec
	ProviderErrors   *prometheus.CounterVec
	WorkerLoopErrors prometheus.Counter
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSSubscribers    prometheus.Gauge
	WSMessages       *prometheus.CounterVec
	NotifyDropped    *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		stages:   newStageWindow(256),
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Tasks waiting in the durable queue.",
		}),
		TasksProcessing: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_processing",
			Help:      "Tasks currently held by the worker.",
		}),
		TaskEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		SynthesisLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_latency_ms",
			Help:      "Synthesizer call latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 5000, 10000, 20000, 40000, 80000},
		}, []string{"provider", "outcome"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Synthesizer errors by provider and retryability.",
		}, []string{"provider", "retryable"}),
		WorkerLoopErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_loop_errors_total",
			Help:      "Errors that made the worker loop back off.",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions created and not yet deleted or expired by this process.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_subscribers",
			Help:      "Open notification subscriptions.",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		NotifyDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_dropped_total",
			Help:      "Notifications dropped because a subscriber was not keeping up.",
		}, []string{"type"}),
	}
}

func (m *Metrics) SetQueueDepth(queued, processing int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(queued))
	m.TasksProcessing.Set(float64(processing))
}

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveSynthesis(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SynthesisLatency.WithLabelValues(provider, outcome).Observe(float64(d.Milliseconds()))
	m.stages.Observe("synthesis", float64(d.Milliseconds()))
}

func (m *Metrics) ObserveProviderError(provider string, retryable bool) {
	if m == nil {
		return
	}
	label := "false"
	if retryable {
		label = "true"
	}
	m.ProviderErrors.WithLabelValues(provider, label).Inc()
}

// ObserveStage records a task lifecycle duration in the rolling window
// served by the perf endpoint.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveWorkerError() {
	if m == nil {
		return
	}
	m.WorkerLoopErrors.Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
	switch event {
	case "created":
		m.ActiveSessions.Inc()
	case "deleted":
		m.ActiveSessions.Dec()
	}
}

func (m *Metrics) ObserveSessionsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionEvents.WithLabelValues("expired").Add(float64(n))
	m.ActiveSessions.Sub(float64(n))
}

func (m *Metrics) AddWSSubscribers(delta int) {
	if m == nil {
		return
	}
	m.WSSubscribers.Add(float64(delta))
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveNotifyDropped(eventType string) {
	if m == nil {
		return
	}
	m.NotifyDropped.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
