package stream

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// PulseEstimator finds the dominant frequency of the filtered series with a
// Hann windowed, zero padded FFT
type PulseEstimator struct {
	// FS is the sampling rate, Hz
	FS float64

	// Low and High bound the peak search, Hz.  High is capped at FS/2.
	Low, High float64

	// Window is the number of most recent samples analyzed
	Window int

	// Resolution is the target bin spacing; the segment is zero padded to
	// FS/Resolution points when shorter
	Resolution float64

	// Offset is added to the result in beats per minute
	Offset float64
}

// NewPulseEstimator searches [low, 5 Hz] over the last 300 samples at
// 0.02 Hz resolution
func NewPulseEstimator(fs, low float64) *PulseEstimator {
	return &PulseEstimator{FS: fs, Low: low, High: 5, Window: 300, Resolution: 0.02}
}

// Estimate returns the pulse rate in beats per minute.  ok is false until
// Window samples are available or when no bin lies in the search band.
func (p *PulseEstimator) Estimate(x []float64) (bpm float64, ok bool) {
	if p.Window <= 0 || len(x) < p.Window || p.FS <= 0 {
		return 0, false
	}
	seg := append([]float64(nil), x[len(x)-p.Window:]...)
	window.Apply(seg, window.Hann)

	n := len(seg)
	if p.Resolution > 0 {
		if req := int(p.FS / p.Resolution); req > n {
			n = req
		}
	}
	padded := make([]float64, n)
	copy(padded, seg)
	spectrum := fft.FFTReal(padded)

	hi := math.Min(p.High, p.FS/2)
	best, bestMag := -1., -1.
	for k := 0; k < n/2; k++ {
		f := float64(k) * p.FS / float64(n)
		if f < p.Low || f > hi {
			continue
		}
		if mag := cmplx.Abs(spectrum[k]); mag > bestMag {
			best, bestMag = f, mag
		}
	}
	if best < 0 {
		return 0, false
	}
	return 60*best + p.Offset, true
}
