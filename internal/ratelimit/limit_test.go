package ratelimit

import (
	"testing"
	"time"
)

func TestEnabled(t *testing.T) {
	tests := []struct {
		name  string
		limit Limit
		want  bool
	}{
		{"zero", Limit{}, false},
		{"no window", Limit{MaxRequests: 10}, false},
		{"no max", Limit{Window: time.Second}, false},
		{"configured", Limit{MaxRequests: 10, Window: time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.limit.Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllowWithinWindow(t *testing.T) {
	w := NewWindow(Limit{MaxRequests: 3, Window: time.Minute})
	now := time.Now()
	for i := 0; i < 3; i++ {
		if !w.Allow(now) {
			t.Fatalf("event %d should be allowed", i+1)
		}
	}
	if w.Allow(now.Add(time.Second)) {
		t.Error("fourth event should exceed the limit")
	}
	if got := w.Count(now.Add(time.Second)); got != 4 {
		t.Errorf("Count = %d, want 4", got)
	}
}

func TestAllowResetsOnWindowExpiry(t *testing.T) {
	w := NewWindow(Limit{MaxRequests: 1, Window: time.Minute})
	now := time.Now()
	w.Allow(now)
	if w.Allow(now.Add(30 * time.Second)) {
		t.Fatal("second event inside the window should be refused")
	}
	later := now.Add(2 * time.Minute)
	if got := w.Count(later); got != 0 {
		t.Errorf("Count after expiry = %d, want 0", got)
	}
	if !w.Allow(later) {
		t.Error("event in a fresh window should be allowed")
	}
}

func TestDisabledAllowsEverything(t *testing.T) {
	w := NewWindow(Limit{})
	now := time.Now()
	for i := 0; i < 1000; i++ {
		if !w.Allow(now) {
			t.Fatalf("event %d refused with no limit", i)
		}
	}
}
