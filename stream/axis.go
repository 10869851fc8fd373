package stream

import "math"

// Limits is a display range
type Limits struct {
	Min, Max float64
}

// AxisScaler follows the range of a series with hysteresis.  Bounds move
// only when the minimum or maximum of the recent window shifts by more
// than Threshold relative to the previous bound, and then only part way.
type AxisScaler struct {
	// Window is the number of recent points inspected, and the minimum
	// needed before any limits are produced
	Window int

	// Threshold is the relative change that triggers a rescale
	Threshold float64

	// Smoothing weights the observed bound against the previous one: a
	// moved bound becomes Smoothing·observed + (1-Smoothing)·previous, so
	// 0.95 leans toward the new data
	Smoothing float64

	// Margin pads the limits by this multiple of the observed range
	Margin float64

	ready    bool
	prevMin  float64
	prevMax  float64
	limits   Limits
	rescales int
}

// NewAxisScaler returns a scaler with an 80 point window, 5% hysteresis,
// 0.95 smoothing and a 1.3x margin
func NewAxisScaler() *AxisScaler {
	return &AxisScaler{Window: 80, Threshold: 0.05, Smoothing: 0.95, Margin: 1.3}
}

// Ready is true once limits have been produced
func (a *AxisScaler) Ready() bool {
	return a.ready
}

// Limits returns the current limits
func (a *AxisScaler) Limits() Limits {
	return a.limits
}

// Rescales is the number of rescale events since the limits were first set
func (a *AxisScaler) Rescales() int {
	return a.rescales
}

// Update inspects data and returns the limits and whether this call was a
// rescale event.  The call that first sets the limits is not a rescale.
func (a *AxisScaler) Update(data []float64) (Limits, bool) {
	if len(data) < a.Window || a.Window <= 0 {
		return a.limits, false
	}
	recent := data[len(data)-a.Window:]
	lo, hi := recent[0], recent[0]
	for _, v := range recent[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	m := a.Margin * (hi - lo)

	if a.ready {
		dlo := math.Abs(lo-a.prevMin) / math.Max(math.Abs(a.prevMin), 1e-5)
		dhi := math.Abs(hi-a.prevMax) / math.Max(math.Abs(a.prevMax), 1e-5)
		if dlo < a.Threshold && dhi < a.Threshold {
			return a.limits, false
		}
		lo = a.Smoothing*lo + (1-a.Smoothing)*a.prevMin
		hi = a.Smoothing*hi + (1-a.Smoothing)*a.prevMax
	}
	a.prevMin, a.prevMax = lo, hi
	a.limits = Limits{Min: lo - m, Max: hi + m}
	if !a.ready {
		a.ready = true
		return a.limits, false
	}
	a.rescales++
	return a.limits, true
}
