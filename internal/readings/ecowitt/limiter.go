package ecowitt

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by the limiter and the history windowing.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock is the real wall clock.
var SystemClock Clock = systemClock{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SlidingWindow admits at most limit calls in any period. A caller over the
// limit is delayed until the oldest call leaves the window; calls are never
// rejected.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	period time.Duration
	clock  Clock
	calls  []time.Time
}

// NewSlidingWindow builds a limiter. A nil clock means SystemClock.
func NewSlidingWindow(limit int, period time.Duration, clock Clock) *SlidingWindow {
	if limit < 1 {
		limit = 1
	}
	if clock == nil {
		clock = SystemClock
	}
	return &SlidingWindow{limit: limit, period: period, clock: clock}
}

// Acquire blocks until a call may be made and records it. It only fails when
// ctx is cancelled while waiting.
func (w *SlidingWindow) Acquire(ctx context.Context) error {
	for {
		wait := w.reserve()
		if wait <= 0 {
			return nil
		}
		if err := w.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// reserve records a call and returns 0 if the window has room, otherwise the
// time until the oldest recorded call expires.
func (w *SlidingWindow) reserve() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	cutoff := now.Add(-w.period)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	w.calls = w.calls[i:]

	if len(w.calls) < w.limit {
		w.calls = append(w.calls, now)
		return 0
	}
	return w.calls[0].Add(w.period).Sub(now)
}
