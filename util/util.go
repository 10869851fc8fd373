// Package util contains misc internal utilities.
package util

import (
	"context"
	"math"
	"time"
)

// Clamp limits x to the closed interval [low, high]
func Clamp(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// ClampInt is Clamp for ints
func ClampInt(x, low, high int) int {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// Sleep pauses for d or until ctx is done, whichever comes first.
// The context error is returned if ctx ended the wait.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
