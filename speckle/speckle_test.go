package speckle_test

import (
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"

	"github.com/specklab/dsca/speckle"
)

// gaussGray16 fills a w×h image with N(mean, std) samples multiplied by scale
func gaussGray16(w, h int, mean, std, scale float64, seed int64) (*image.Gray16, []float64) {
	rng := rand.New(rand.NewSource(seed))
	im := image.NewGray16(image.Rect(0, 0, w, h))
	vals := make([]float64, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := math.Round(mean + std*rng.NormFloat64())
			if v < 1 {
				v = 1
			}
			v *= scale
			im.SetGray16(x, y, color.Gray16{Y: uint16(v)})
			vals = append(vals, v)
		}
	}
	return im, vals
}

func meanStd(vals []float64) (float64, float64) {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var ss float64
	for _, v := range vals {
		ss += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(ss / float64(len(vals)))
}

func TestCenteredROI(t *testing.T) {
	roi := speckle.CenteredROI(image.Rect(0, 0, 640, 480), 50)
	expected := image.Rect(295, 215, 345, 265)
	if roi != expected {
		t.Errorf("expected %v, got %v", expected, roi)
	}
	roi = speckle.CenteredROI(image.Rect(0, 0, 640, 480), 1000)
	expected = image.Rect(80, 0, 560, 480)
	if roi != expected {
		t.Errorf("expected oversized roi to clamp to %v, got %v", expected, roi)
	}
}

func TestInverseK2MatchesDefinition(t *testing.T) {
	im, vals := gaussGray16(64, 64, 120, 20, 1, 1)
	mean, std := meanStd(vals)
	k := std / mean
	got, err := speckle.Contrast(im, im.Bounds(), speckle.InverseK2)
	if err != nil {
		t.Fatal(err)
	}
	want := 1 / (k * k)
	if math.IsInf(got, 0) || math.Abs(got-want) > 1e-9*want {
		t.Errorf("expected 1/K² = %f, got %f", want, got)
	}
}

func TestInverseK2ScaleInvariant(t *testing.T) {
	a, _ := gaussGray16(64, 64, 120, 20, 100, 7)
	b, _ := gaussGray16(64, 64, 120, 20, 250, 7)
	ka, err := speckle.Contrast(a, a.Bounds(), speckle.InverseK2)
	if err != nil {
		t.Fatal(err)
	}
	kb, err := speckle.Contrast(b, b.Bounds(), speckle.InverseK2)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(ka-kb) > 1e-9*ka {
		t.Errorf("expected contrast to be invariant to uniform scaling, got %f and %f", ka, kb)
	}
}

func TestFormulas(t *testing.T) {
	const mean, std = 100., 25.
	k2 := (std / mean) * (std / mean)
	quant := 1 / (12 * mean * mean)
	tests := []struct {
		f    speckle.Formula
		want float64
	}{
		{speckle.InverseK2, 1 / k2},
		{speckle.ShotNoise, -1 / mean},
		{speckle.TotalNoise, -1/mean - quant},
		{speckle.Combined, -(k2 + 1/mean + quant)},
		{speckle.NegInverseK2, -1 / k2},
		{speckle.SquaredK, k2},
		{speckle.NegK, -std / mean},
		{speckle.NegMean, -mean},
	}
	for _, tt := range tests {
		got, err := speckle.FromStats(mean, std, tt.f)
		if err != nil {
			t.Errorf("%v: unexpected error %v", tt.f, err)
			continue
		}
		if math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("%v: expected %g, got %g", tt.f, tt.want, got)
		}
	}
}

func TestDegenerateROI(t *testing.T) {
	im := image.NewGray(image.Rect(0, 0, 32, 32))
	for f := speckle.InverseK2; f <= speckle.NegMean; f++ {
		v, err := speckle.Contrast(im, im.Bounds(), f)
		if !errors.Is(err, speckle.ErrDegenerate) {
			t.Errorf("%v: expected ErrDegenerate, got %v", f, err)
		}
		if math.IsNaN(v) || !math.IsInf(v, 1) {
			t.Errorf("%v: expected +Inf sentinel, got %v", f, v)
		}
	}
}

func TestUniformROIIsDegenerateOnlyForInverse(t *testing.T) {
	im := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range im.Pix {
		im.Pix[i] = 50
	}
	if _, err := speckle.Contrast(im, im.Bounds(), speckle.InverseK2); !errors.Is(err, speckle.ErrDegenerate) {
		t.Errorf("expected zero contrast to be degenerate for 1/K², got %v", err)
	}
	v, err := speckle.Contrast(im, im.Bounds(), speckle.ShotNoise)
	if err != nil {
		t.Fatal(err)
	}
	if v != -1./50 {
		t.Errorf("expected -1/50, got %f", v)
	}
}

func TestColorImageUsesLuma(t *testing.T) {
	im := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < len(im.Pix); i += 4 {
		im.Pix[i], im.Pix[i+1], im.Pix[i+2], im.Pix[i+3] = 200, 200, 200, 255
	}
	m, err := speckle.Mean(im, im.Bounds())
	if err != nil {
		t.Fatal(err)
	}
	if m != 200 {
		t.Errorf("expected gray RGB pixels to keep their level, got %f", m)
	}
}

func TestEmptyROI(t *testing.T) {
	im := image.NewGray(image.Rect(0, 0, 8, 8))
	_, err := speckle.Contrast(im, image.Rect(100, 100, 120, 120), speckle.SquaredK)
	if !errors.Is(err, speckle.ErrEmptyROI) {
		t.Errorf("expected ErrEmptyROI, got %v", err)
	}
}

func TestParseFormula(t *testing.T) {
	for in, want := range map[string]speckle.Formula{
		"combined": speckle.Combined, "SquaredK": speckle.SquaredK, "2": speckle.TotalNoise} {
		got, err := speckle.ParseFormula(in)
		if err != nil || got != want {
			t.Errorf("ParseFormula(%q) = %v, %v; expected %v", in, got, err, want)
		}
	}
	if _, err := speckle.ParseFormula("9"); err == nil {
		t.Error("expected out of range selector to be rejected")
	}
}
