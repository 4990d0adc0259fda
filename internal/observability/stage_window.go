package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// stageTargets are the p95 latency objectives per task stage, in ms.
var stageTargets = map[string]float64{
	"queue_wait": 30000,
	"synthesis":  45000,
	"task_total": 60000,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts samples in the window slower than the target.
	OverTarget  int     `json:"over_target,omitempty"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
}

// stageWindow keeps the most recent durations of each task stage so the
// perf endpoint can report percentiles without scraping Prometheus.
type stageWindow struct {
	mu      sync.Mutex
	size    int
	samples map[string][]float64
	cursor  map[string]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:    size,
		samples: make(map[string][]float64),
		cursor:  make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	vals := w.samples[stage]
	if len(vals) < w.size {
		w.samples[stage] = append(vals, ms)
		return
	}
	i := w.cursor[stage]
	vals[i] = ms
	w.cursor[stage] = (i + 1) % w.size
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	names := make([]string, 0, len(w.samples))
	copies := make(map[string][]float64, len(w.samples))
	lasts := make(map[string]float64, len(w.samples))
	for stage, vals := range w.samples {
		if len(vals) == 0 {
			continue
		}
		names = append(names, stage)
		copies[stage] = slices.Clone(vals)
		lasts[stage] = vals[w.lastIndex(stage)]
	}
	w.mu.Unlock()

	slices.Sort(names)
	out := make([]StageStats, 0, len(names))
	for _, stage := range names {
		vals := copies[stage]
		slices.Sort(vals)
		target := stageTargets[stage]

		var sum float64
		over := 0
		for _, v := range vals {
			sum += v
			if target > 0 && v > target {
				over++
			}
		}
		out = append(out, StageStats{
			Stage:       stage,
			Samples:     len(vals),
			LastMS:      round2(lasts[stage]),
			AvgMS:       round2(sum / float64(len(vals))),
			P50MS:       round2(percentile(vals, 50)),
			P95MS:       round2(percentile(vals, 95)),
			P99MS:       round2(percentile(vals, 99)),
			MaxMS:       round2(vals[len(vals)-1]),
			TargetP95MS: target,
			OverTarget:  over,
		})
	}

	return StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      out,
	}
}

func (w *stageWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.samples)
	clear(w.cursor)
}

// lastIndex is the slot written most recently. Callers hold mu.
func (w *stageWindow) lastIndex(stage string) int {
	n := len(w.samples[stage])
	if n < w.size {
		return n - 1
	}
	return (w.cursor[stage] + w.size - 1) % w.size
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	rank = max(1, min(rank, len(sorted)))
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
