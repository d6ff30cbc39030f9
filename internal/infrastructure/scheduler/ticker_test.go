package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTickerRunsImmediatelyAndOnInterval(t *testing.T) {
	t.Parallel()
	s := NewTickerScheduler(20*time.Millisecond, time.UTC)
	var runs atomic.Int32
	if err := s.Start(context.Background(), func(time.Time) { runs.Add(1) }); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if runs.Load() < 3 {
		t.Fatalf("expected at least 3 runs, got %d", runs.Load())
	}
	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != after {
		t.Fatalf("job ran after stop")
	}
}

func TestTickerStopWithoutStart(t *testing.T) {
	t.Parallel()
	if err := NewTickerScheduler(time.Hour, nil).Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
