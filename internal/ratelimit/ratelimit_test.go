package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	cap := time.Second

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for attempt, w := range want {
		if got := Backoff(attempt, base, cap); got != w {
			t.Fatalf("attempt %d: got %v want %v", attempt, got, w)
		}
	}
	if got := Backoff(80, base, cap); got != cap {
		t.Fatalf("large attempt should cap, got %v", got)
	}
	if got := Backoff(-1, base, cap); got != 0 {
		t.Fatalf("negative attempt should be zero, got %v", got)
	}
}

func TestRandomDelayBounds(t *testing.T) {
	rd := NewRandomDelay(2*time.Second, 5*time.Second)
	for i := 0; i < 200; i++ {
		d := rd.Next()
		if d < 2*time.Second || d > 5*time.Second {
			t.Fatalf("delay out of range: %v", d)
		}
	}
}

func TestRandomDelayFirstCallDoesNotWait(t *testing.T) {
	rd := NewRandomDelay(time.Hour, time.Hour)
	start := time.Now()
	if err := rd.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("first wait should be immediate")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rd.Wait(ctx); err == nil {
		t.Fatalf("second wait should be cut short by context")
	}
}

func TestSleepRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Minute); err == nil {
		t.Fatalf("expected canceled context error")
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}
}
