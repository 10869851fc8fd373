package util_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/specklab/dsca/util"
)

func ExampleClampInt() {
	fmt.Println(util.ClampInt(0, 1, 600), util.ClampInt(1000, 1, 600), util.ClampInt(250, 1, 600))
	// Output: 1 600 250
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := util.Sleep(ctx, time.Hour)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("cancelled sleep took %v", time.Since(start))
	}
}

func TestSleepElapses(t *testing.T) {
	if err := util.Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}
