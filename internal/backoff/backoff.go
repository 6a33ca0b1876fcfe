// Package backoff provides the exponential-backoff-with-jitter schedule shared
// by the job retry path and the version-creation race retry.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Delay returns base * 2^attempt plus uniform jitter in [0, base), capped at
// max. attempt is zero-based: the first retry of a job uses attempt 0.
func Delay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	exp := float64(base) * math.Pow(2, float64(attempt))
	d := time.Duration(exp)
	if d > max || d < 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(base)))
	if d+jitter > max {
		return max
	}
	return d + jitter
}

// Sleep waits for d or until ctx is cancelled, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
