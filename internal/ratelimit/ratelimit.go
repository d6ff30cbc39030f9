package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff returns min(cap, base * 2^attempt). attempt is zero based.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 || base <= 0 {
		return 0
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if cap > 0 && d > float64(cap) {
		return cap
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RandomDelay spaces consecutive requests by a random interval in [min, max].
type RandomDelay struct {
	min, max    time.Duration
	lastRequest time.Time
	mu          sync.Mutex
	rnd         *rand.Rand
}

// NewRandomDelay creates a pacing limiter; max below min is raised to min.
func NewRandomDelay(min, max time.Duration) *RandomDelay {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	return &RandomDelay{min: min, max: max, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Wait blocks until the next request may go out. The first call never waits.
func (r *RandomDelay) Wait(ctx context.Context) error {
	r.mu.Lock()
	wait := r.reserve(time.Now())
	r.lastRequest = time.Now().Add(wait)
	r.mu.Unlock()

	return Sleep(ctx, wait)
}

// Next reports the interval the next Wait would draw, without consuming it.
func (r *RandomDelay) Next() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draw()
}

func (r *RandomDelay) reserve(now time.Time) time.Duration {
	if r.lastRequest.IsZero() {
		return 0
	}
	delay := r.draw()
	elapsed := now.Sub(r.lastRequest)
	if elapsed >= delay {
		return 0
	}
	return delay - elapsed
}

func (r *RandomDelay) draw() time.Duration {
	span := r.max - r.min
	if span <= 0 {
		return r.min
	}
	return r.min + time.Duration(r.rnd.Int63n(int64(span)+1))
}
