// Package ratelimit counts events inside fixed windows.
package ratelimit

import "time"

// Limit caps events per window. Zero values mean no limit.
type Limit struct {
	MaxRequests int           `yaml:"max_requests" env:"MAX_REQUESTS"`
	Window      time.Duration `yaml:"window" env:"WINDOW"`
}

// Enabled reports whether the limit constrains anything.
func (l Limit) Enabled() bool {
	return l.MaxRequests > 0 && l.Window > 0
}

// Window tracks one sender's count. It is not safe for concurrent use;
// each connection owns its own.
type Window struct {
	limit Limit
	start time.Time
	count int
}

// NewWindow returns a tracker for limit.
func NewWindow(limit Limit) *Window {
	return &Window{limit: limit}
}

// Allow records one event at now and reports whether it fits the limit.
// The window resets once it has expired.
func (w *Window) Allow(now time.Time) bool {
	if !w.limit.Enabled() {
		return true
	}
	if now.Sub(w.start) >= w.limit.Window {
		w.start = now
		w.count = 0
	}
	w.count++
	return w.count <= w.limit.MaxRequests
}

// Count returns events seen in the current window as of now.
func (w *Window) Count(now time.Time) int {
	if now.Sub(w.start) >= w.limit.Window {
		return 0
	}
	return w.count
}
