package observability

import (
	"testing"
	"time"
)

func TestLatencyWindowEmpty(t *testing.T) {
	w := NewLatencyWindow(8)
	if got := w.P95(); got != 0 {
		t.Errorf("P95 of empty window = %v, want 0", got)
	}
}

func TestLatencyWindowP95(t *testing.T) {
	w := NewLatencyWindow(100)
	for i := 1; i <= 100; i++ {
		w.Observe(time.Duration(i) * time.Millisecond)
	}
	got := w.P95()
	if got < 90*time.Millisecond || got > 100*time.Millisecond {
		t.Errorf("P95 = %v, want near the tail", got)
	}
}

func TestLatencyWindowEviction(t *testing.T) {
	w := NewLatencyWindow(4)
	w.Observe(10 * time.Second)
	for i := 0; i < 4; i++ {
		w.Observe(time.Millisecond)
	}
	if got := w.P95(); got > 10*time.Millisecond {
		t.Errorf("P95 = %v, evicted sample still counted", got)
	}
}

func TestLatencyWindowNilSafe(t *testing.T) {
	var w *LatencyWindow
	w.Observe(time.Second)
	if got := w.P95(); got != 0 {
		t.Errorf("nil window P95 = %v", got)
	}
}
