package ratelimit

import (
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// RateLimiter is a per-key fixed window counter with restart: once the
// window elapses the counter resets and a new window begins. Keys idle longer
// than the window are purged by Purge.
type RateLimiter struct {
	windows map[string]*window
	lock    sync.Mutex
	window  time.Duration
	max     int
	now     func() time.Time
}

func NewRateLimiter(windowLength time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*window),
		window:  windowLength,
		max:     max,
		now:     time.Now,
	}
}

// SetClock overrides the limiter's clock. Tests use this to elapse windows.
func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.lock.Lock()
	defer rl.lock.Unlock()
	rl.now = now
}

// Allow records a request for key and reports whether it is within the
// ceiling for the current window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.lock.Lock()
	defer rl.lock.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > rl.window {
		rl.windows[key] = &window{start: now, count: 1}
		return true
	}

	w.count++
	return w.count <= rl.max
}

// Purge drops keys whose window elapsed with no new requests, bounding the
// table's memory.
func (rl *RateLimiter) Purge() {
	rl.lock.Lock()
	defer rl.lock.Unlock()

	now := rl.now()
	for key, w := range rl.windows {
		if now.Sub(w.start) > rl.window {
			delete(rl.windows, key)
		}
	}
}

// StartPurging purges idle keys at the window length until stop is closed.
func (rl *RateLimiter) StartPurging(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(rl.window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Purge()
			case <-stop:
				return
			}
		}
	}()
}
