package gateway

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	bo := NewBackoff(time.Second, 8*time.Second)
	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
	}
	for i, want := range expected {
		if got := bo.Next(); got != want {
			t.Errorf("attempt %d: got %v, want %v", i, got, want)
		}
	}
	bo.Reset()
	if got := bo.Next(); got != time.Second {
		t.Errorf("after reset: got %v, want %v", got, time.Second)
	}
}

func TestBackoffFixed(t *testing.T) {
	bo := NewBackoff(3*time.Second, 3*time.Second)
	for i := 0; i < 5; i++ {
		if got := bo.Next(); got != 3*time.Second {
			t.Errorf("attempt %d: got %v, want 3s", i, got)
		}
	}
}
