package gateway

import (
	"math"
	"testing"
	"time"
)

func TestLatencyTracker_Empty(t *testing.T) {
	lt := NewLatencyTracker(100)
	if got := lt.Snapshot(); got != (LatencySnapshot{}) {
		t.Errorf("empty tracker: got %+v", got)
	}
}

func TestLatencyTracker_Percentiles(t *testing.T) {
	lt := NewLatencyTracker(1000)
	for i := 1; i <= 100; i++ {
		lt.Observe(time.Duration(i) * time.Millisecond)
	}

	s := lt.Snapshot()
	if s.Count != 100 {
		t.Fatalf("Count = %d, want 100", s.Count)
	}
	if math.Abs(s.P50Ms-50.5) > 0.01 {
		t.Errorf("p50: got %f, want 50.5", s.P50Ms)
	}
	if math.Abs(s.P95Ms-95.05) > 0.01 {
		t.Errorf("p95: got %f, want 95.05", s.P95Ms)
	}
	if math.Abs(s.P99Ms-99.01) > 0.01 {
		t.Errorf("p99: got %f, want 99.01", s.P99Ms)
	}
}

func TestLatencyTracker_Wraparound(t *testing.T) {
	lt := NewLatencyTracker(10)
	for i := 1; i <= 20; i++ {
		lt.Observe(time.Duration(i) * time.Millisecond)
	}

	s := lt.Snapshot()
	if s.Count != 10 {
		t.Fatalf("Count = %d, want 10", s.Count)
	}
	// Buffer now holds 11..20.
	if math.Abs(s.P50Ms-15.5) > 0.01 {
		t.Errorf("p50 after wraparound: got %f, want 15.5", s.P50Ms)
	}
}

func TestLatencyTracker_IgnoresNegative(t *testing.T) {
	lt := NewLatencyTracker(10)
	lt.Observe(-time.Second)
	if lt.Snapshot().Count != 0 {
		t.Error("negative duration should not be recorded")
	}
}
