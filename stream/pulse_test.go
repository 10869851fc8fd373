package stream

import (
	"math"
	"testing"
	"time"
)

func sine(n int, freq, fs float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Sin(2 * math.Pi * freq * float64(i) / fs)
	}
	return out
}

func TestPulseEstimate(t *testing.T) {
	p := NewPulseEstimator(30, DefaultLow)
	bpm, ok := p.Estimate(sine(300, 1.2, 30))
	if !ok {
		t.Fatal("no estimate")
	}
	if math.Abs(bpm-72) > 2 {
		t.Errorf("bpm = %g, want 72", bpm)
	}
}

func TestPulseEstimateNeedsWindow(t *testing.T) {
	p := NewPulseEstimator(30, DefaultLow)
	if _, ok := p.Estimate(sine(299, 1.2, 30)); ok {
		t.Error("estimate from a short series")
	}
}

func TestPulseOffset(t *testing.T) {
	p := NewPulseEstimator(30, DefaultLow)
	p.Offset = 2
	bpm, _ := p.Estimate(sine(400, 1.5, 30))
	if math.Abs(bpm-92) > 2 {
		t.Errorf("bpm = %g, want 92", bpm)
	}
}

func TestConditionerRecoversPulse(t *testing.T) {
	bp, err := NewBandpass(DefaultLow, DefaultHigh, 30)
	if err != nil {
		t.Fatal(err)
	}
	c := NewConditioner(DefaultCapacity, bp)
	var u Update
	for i := 0; i < 600; i++ {
		ts := float64(i) / 30
		// slow baseline drift under a small cardiac component
		v := 10 + 2*math.Sin(2*math.Pi*0.05*ts) + 0.2*math.Sin(2*math.Pi*1.2*ts)
		u = c.Push(v)
	}
	if len(u.Raw) != DefaultCapacity || len(u.X) != DefaultCapacity {
		t.Fatalf("buffer holds %d", len(u.Raw))
	}
	bpm, ok := NewPulseEstimator(30, DefaultLow).Estimate(u.Filtered)
	if !ok || math.Abs(bpm-72) > 2 {
		t.Errorf("bpm = %g ok=%v", bpm, ok)
	}
	if !c.Axis().Ready() {
		t.Error("axis never initialized")
	}
}

func TestConditionerPassesShortBuffer(t *testing.T) {
	bp, _ := NewBandpass(DefaultLow, DefaultHigh, 30)
	c := NewConditioner(DefaultCapacity, bp)
	var u Update
	for i := 0; i <= DefaultFilterAfter-1; i++ {
		u = c.Push(float64(i))
	}
	for i := range u.Raw {
		if u.Filtered[i] != u.Raw[i] {
			t.Fatalf("sample %d filtered before the buffer filled", i)
		}
	}
	c.Push(1)
	u = c.Push(1)
	if u.Filtered[len(u.Filtered)-1] == u.Raw[len(u.Raw)-1] {
		t.Error("long buffer was not filtered")
	}
}

func TestConditionersAreIndependent(t *testing.T) {
	bp, _ := NewBandpass(DefaultLow, DefaultHigh, 30)
	a, b := NewConditioner(10, bp), NewConditioner(10, bp)
	a.Push(1)
	a.Push(2)
	u := b.Push(5)
	if len(u.Raw) != 1 || u.Raw[0] != 5 || a.Len() != 2 {
		t.Errorf("channels share state: b=%v a.Len=%d", u.Raw, a.Len())
	}
}

func TestFPSMeter(t *testing.T) {
	m := NewFPSMeter(10)
	if m.Rate() != 0 {
		t.Fatal("rate before any frames")
	}
	start := time.Unix(0, 0)
	for i := 0; i < 20; i++ {
		m.Tick(start.Add(time.Duration(i) * 40 * time.Millisecond))
	}
	if r := m.Rate(); math.Abs(r-25) > 1e-6 {
		t.Errorf("rate = %g", r)
	}
	if _, bad := Mismatch(m.Rate(), 30); !bad {
		t.Error("25 fps against 30 not flagged")
	}
	if _, bad := Mismatch(29, 30); bad {
		t.Error("29 fps against 30 flagged")
	}
	if _, bad := Mismatch(0, 30); bad {
		t.Error("unmeasured rate flagged")
	}
}
