package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestMockClock_SleepAdvances(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	c.Sleep(10 * time.Millisecond)
	c.Sleep(0)
	c.Sleep(-time.Millisecond)
	c.Advance(5 * time.Millisecond)

	if got := c.Since(start); got != 15*time.Millisecond {
		t.Errorf("Since(start) = %v, want 15ms", got)
	}
	sleeps := c.Sleeps()
	if len(sleeps) != 3 {
		t.Fatalf("recorded %d sleeps, want 3", len(sleeps))
	}
	if sleeps[0] != 10*time.Millisecond {
		t.Errorf("first sleep = %v, want 10ms", sleeps[0])
	}
}
