package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelayGrowsExponentially(t *testing.T) {
	base := time.Second
	max := time.Hour

	// Jitter is bounded by base, so the floor of each attempt (base * 2^n)
	// must strictly dominate the ceiling of the attempt two steps earlier.
	for attempt := 0; attempt < 8; attempt++ {
		d := Delay(base, max, attempt)
		floor := base * time.Duration(1<<attempt)
		ceil := floor + base
		if d < floor || d >= ceil {
			t.Fatalf("attempt %d: delay %s outside [%s, %s)", attempt, d, floor, ceil)
		}
	}
}

func TestDelayRespectsCap(t *testing.T) {
	max := 10 * time.Second
	d := Delay(time.Second, max, 30)
	if d > max {
		t.Fatalf("delay %s exceeds cap %s", d, max)
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Minute); err == nil {
		t.Fatal("expected context error from cancelled sleep")
	}
}
