package stream

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sort"
)

// ErrBand is generated when bandpass cutoffs are not 0 < low < high < fs/2
var ErrBand = errors.New("bandpass cutoffs must satisfy 0 < low < high < fs/2")

const (
	// DefaultLow is the default lower cutoff, Hz
	DefaultLow = 0.5

	// DefaultHigh is the default upper cutoff, Hz
	DefaultHigh = 3.
)

// Section is a biquad with a0 normalized to 1
type Section struct {
	B [3]float64
	A [3]float64
}

// Bandpass is a 2nd order Butterworth bandpass realized as two cascaded
// second order sections
type Bandpass struct {
	Low, High, FS float64

	sections []Section
}

// NewBandpass designs the filter from the analog prototype with the
// bilinear transform, prewarping both cutoffs
func NewBandpass(low, high, fs float64) (*Bandpass, error) {
	if !(low > 0 && low < high && high < fs/2) {
		return nil, fmt.Errorf("%w: low=%g high=%g fs=%g", ErrBand, low, high, fs)
	}
	fs2 := 2 * fs
	wl := fs2 * math.Tan(math.Pi*low/fs)
	wh := fs2 * math.Tan(math.Pi*high/fs)
	bw := wh - wl
	w0sq := complex(wl*wh, 0)

	// lowpass prototype poles, moved to the band
	h := math.Sqrt2 / 2
	var s []complex128
	for _, p := range []complex128{complex(-h, h), complex(-h, -h)} {
		pb := p * complex(bw/2, 0)
		r := cmplx.Sqrt(pb*pb - w0sq)
		s = append(s, pb+r, pb-r)
	}

	k := complex(bw*bw*fs2*fs2, 0)
	z := make([]complex128, len(s))
	for i := range s {
		k /= complex(fs2, 0) - s[i]
		z[i] = (complex(fs2, 0) + s[i]) / (complex(fs2, 0) - s[i])
	}

	sections := pairPoles(z)
	for i := range sections {
		sections[i].B = [3]float64{1, 0, -1}
	}
	g := real(k)
	for j := range sections[0].B {
		sections[0].B[j] *= g
	}
	return &Bandpass{Low: low, High: high, FS: fs, sections: sections}, nil
}

// pairPoles groups the z-plane poles into real biquad denominators,
// farthest from the unit circle first
func pairPoles(z []complex128) []Section {
	const eps = 1e-12
	var (
		out   []Section
		reals []float64
	)
	for _, q := range z {
		switch {
		case imag(q) > eps:
			out = append(out, Section{A: [3]float64{1, -2 * real(q), real(q)*real(q) + imag(q)*imag(q)}})
		case imag(q) >= -eps:
			reals = append(reals, real(q))
		}
	}
	sort.Float64s(reals)
	for i := 0; i+1 < len(reals); i += 2 {
		out = append(out, Section{A: [3]float64{1, -(reals[i] + reals[i+1]), reals[i] * reals[i+1]}})
	}
	sort.Slice(out, func(i, j int) bool { return math.Abs(out[i].A[2]) < math.Abs(out[j].A[2]) })
	return out
}

// Sections returns a copy of the biquad coefficients
func (f *Bandpass) Sections() []Section {
	return append([]Section(nil), f.sections...)
}

// Center is the frequency of unity gain, the geometric mean of the
// prewarped cutoffs mapped back to the digital axis
func (f *Bandpass) Center() float64 {
	fs2 := 2 * f.FS
	wl := fs2 * math.Tan(math.Pi*f.Low/f.FS)
	wh := fs2 * math.Tan(math.Pi*f.High/f.FS)
	return f.FS / math.Pi * math.Atan(math.Sqrt(wl*wh)/fs2)
}

// Response is the magnitude of the frequency response at freq Hz
func (f *Bandpass) Response(freq float64) float64 {
	w := 2 * math.Pi * freq / f.FS
	z1 := cmplx.Exp(complex(0, -w))
	z2 := z1 * z1
	h := complex(1, 0)
	for _, s := range f.sections {
		num := complex(s.B[0], 0) + complex(s.B[1], 0)*z1 + complex(s.B[2], 0)*z2
		den := complex(s.A[0], 0) + complex(s.A[1], 0)*z1 + complex(s.A[2], 0)*z2
		h *= num / den
	}
	return cmplx.Abs(h)
}

// Filter runs x through the cascade from zero initial state and returns
// a new slice
func (f *Bandpass) Filter(x []float64) []float64 {
	y := append([]float64(nil), x...)
	for _, s := range f.sections {
		var d1, d2 float64
		for i, in := range y {
			out := s.B[0]*in + d1
			d1 = s.B[1]*in - s.A[1]*out + d2
			d2 = s.B[2]*in - s.A[2]*out
			y[i] = out
		}
	}
	return y
}
