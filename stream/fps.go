package stream

import (
	"math"
	"time"

	"github.com/montanaflynn/stats"
)

// FPSMeter measures the delivered frame rate over a window of intervals
type FPSMeter struct {
	intervals stats.Float64Data
	size      int
	last      time.Time
}

// NewFPSMeter averages over the last n intervals; n <= 0 uses 30
func NewFPSMeter(n int) *FPSMeter {
	if n <= 0 {
		n = 30
	}
	return &FPSMeter{size: n}
}

// Tick records a frame arriving at t
func (m *FPSMeter) Tick(t time.Time) {
	if !m.last.IsZero() {
		if d := t.Sub(m.last).Seconds(); d > 0 {
			if len(m.intervals) == m.size {
				m.intervals = m.intervals[1:]
			}
			m.intervals = append(m.intervals, d)
		}
	}
	m.last = t
}

// Rate is the mean frame rate in Hz, zero before two frames arrive
func (m *FPSMeter) Rate() float64 {
	mean, err := m.intervals.Mean()
	if err != nil || mean <= 0 {
		return 0
	}
	return 1 / mean
}

// Mismatch returns the relative difference between the measured and
// configured rates, and whether it exceeds 10%.  A zero measurement never
// mismatches.
func Mismatch(measured, configured float64) (float64, bool) {
	if measured <= 0 || configured <= 0 {
		return 0, false
	}
	rel := math.Abs(measured-configured) / configured
	return rel, rel > 0.1
}
