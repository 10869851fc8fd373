package fit_test

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/specklab/dsca/fit"
)

var (
	exposureTimes = []float64{50, 75, 100, 150, 250, 500}
	truth         = fit.Params{P: 0.6, Tau: 80, VNoise: 0.01}
	guess         = fit.Params{P: 0.5, Tau: 50, VNoise: 0.05}
)

func synthetic(noise []float64) []float64 {
	out := make([]float64, len(exposureTimes))
	for i, ts := range exposureTimes {
		out[i] = fit.Model(ts, truth)
		if noise != nil {
			out[i] *= 1 + noise[i]
		}
	}
	return out
}

func relErr(got, want float64) float64 {
	return math.Abs(got-want) / math.Abs(want)
}

func TestFitRecoversNoiselessCurve(t *testing.T) {
	for _, g := range []fit.Params{guess, {P: 0.5, Tau: 100}, {P: 0.9, Tau: 30, VNoise: 0.1}} {
		res, err := fit.Fit(exposureTimes, synthetic(nil), g)
		if err != nil {
			t.Fatalf("from %+v: %v", g, err)
		}
		p := res.Params
		if math.Abs(p.P-truth.P) > 1e-4 || math.Abs(p.Tau-truth.Tau) > 1e-4 || math.Abs(p.VNoise-truth.VNoise) > 1e-4 {
			t.Errorf("from %+v: expected %+v, got %+v", g, truth, p)
		}
		if res.R2 < 1-1e-9 {
			t.Errorf("expected R² of 1, got %g", res.R2)
		}
	}
}

func TestFitWithOnePercentNoise(t *testing.T) {
	// one draw of N(0, 0.01), applied multiplicatively
	noise := []float64{0.0062, -0.0113, 0.0048, 0.0131, -0.0071, -0.0024}
	res, err := fit.Fit(exposureTimes, synthetic(noise), guess)
	if err != nil {
		t.Fatal(err)
	}
	p := res.Params
	if relErr(p.P, truth.P) > 0.05 || relErr(p.Tau, truth.Tau) > 0.05 {
		t.Errorf("expected p and τ within 5%% of %+v, got %+v", truth, p)
	}
	// the noise floor is small next to the curve, so bound it absolutely
	if math.Abs(p.VNoise-truth.VNoise) > 1e-3 {
		t.Errorf("expected v within 1e-3 of %g, got %g", truth.VNoise, p.VNoise)
	}
	// this draw lands near 6% off; a drift past 10% means v lost identifiability
	if relErr(p.VNoise, truth.VNoise) > 0.10 {
		t.Errorf("expected v within 10%% of %g for this draw, got %g", truth.VNoise, p.VNoise)
	}
	if res.RSS <= 0 || res.StdErr.Tau <= 0 {
		t.Errorf("expected a positive residual and standard error, got %+v", res)
	}
}

func TestFitConvergesAcrossNoiseDraws(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	noise := make([]float64, len(exposureTimes))
	for trial := 0; trial < 100; trial++ {
		for i := range noise {
			noise[i] = 0.01 * rng.NormFloat64()
		}
		res, err := fit.Fit(exposureTimes, synthetic(noise), guess)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		if res.Params.Tau <= 0 || res.R2 < 0.95 {
			t.Errorf("trial %d: implausible fit %+v", trial, res)
		}
	}
}

func TestFitValidation(t *testing.T) {
	if _, err := fit.Fit([]float64{50, 75}, []float64{0.2, 0.19}, guess); !errors.Is(err, fit.ErrInsufficientData) {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
	if _, err := fit.Fit(exposureTimes, synthetic(nil)[:5], guess); err == nil {
		t.Error("expected mismatched lengths to be rejected")
	}
	y := synthetic(nil)
	y[2] = math.NaN()
	if _, err := fit.Fit(exposureTimes, y, guess); err == nil {
		t.Error("expected a NaN contrast to be rejected")
	}
	if _, err := fit.Fit(exposureTimes, synthetic(nil), fit.Params{P: 0.5, Tau: 0}); err == nil {
		t.Error("expected a non-positive τ guess to be rejected")
	}
}

func TestFitIterationLimit(t *testing.T) {
	s := fit.DefaultSettings()
	s.MaxIter = 1
	_, err := fit.FitWith(exposureTimes, synthetic(nil), guess, s)
	if !errors.Is(err, fit.ErrDidNotConverge) {
		t.Errorf("expected ErrDidNotConverge, got %v", err)
	}
}
