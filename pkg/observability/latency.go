package observability

import (
	"sort"
	"sync"
	"time"
)

const defaultLatencyWindowSize = 512

// LatencyWindow tracks recent request durations in a fixed ring so the
// scheduler can read a p95 without touching the metrics backend. The
// server middleware observes every request into it.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = defaultLatencyWindowSize
	}
	return &LatencyWindow{samples: make([]time.Duration, size)}
}

func (w *LatencyWindow) Observe(d time.Duration) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
	w.mu.Unlock()
}

// P95 returns the 95th-percentile duration over the window, or 0 when
// nothing was observed yet.
func (w *LatencyWindow) P95() time.Duration {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	snapshot := make([]time.Duration, n)
	copy(snapshot, w.samples[:n])
	w.mu.Unlock()

	if len(snapshot) == 0 {
		return 0
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i] < snapshot[j] })
	idx := (len(snapshot)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return snapshot[idx]
}
