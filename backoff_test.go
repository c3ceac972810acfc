package centrifuge

import (
	"testing"
	"time"
)

func TestBackoffDelay_Bounds(t *testing.T) {
	min := 200 * time.Millisecond
	max := 20 * time.Second

	for attempt := 0; attempt < 12; attempt++ {
		for i := 0; i < 50; i++ {
			d := backoffDelay(attempt, min, max)
			if d < min/2 {
				t.Fatalf("attempt %d: delay %v below %v", attempt, d, min/2)
			}
			if d > max {
				t.Fatalf("attempt %d: delay %v above cap %v", attempt, d, max)
			}
		}
	}
}

func TestBackoffDelay_Growth(t *testing.T) {
	min := 200 * time.Millisecond
	max := 20 * time.Second

	// A late attempt must be capped: never below half the cap and never
	// above the cap itself.
	for i := 0; i < 50; i++ {
		d := backoffDelay(30, min, max)
		if d < max/2 || d > max {
			t.Fatalf("attempt 30: delay %v outside [%v, %v]", d, max/2, max)
		}
	}
}

func TestBackoffDelay_ZeroMin(t *testing.T) {
	d := backoffDelay(0, 0, time.Second)
	if d <= 0 {
		t.Fatalf("delay = %v, want positive", d)
	}
}
