// Package speckle computes speckle contrast statistics over a region of interest.
//
// Contrast K is the population standard deviation of luminance divided by its
// mean.  The Formula selector chooses one of several noise corrected
// transforms of K; the sign conventions differ between them, so a consumer
// must pick one and stay with it.
package speckle

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/montanaflynn/stats"
)

var (
	// ErrDegenerate is generated when a sample has zero mean, or zero
	// contrast for a formula that divides by it.  The accompanying value
	// is +Inf and must be excluded from averages.
	ErrDegenerate = errors.New("degenerate speckle sample")

	// ErrEmptyROI is generated when the region of interest does not overlap the image
	ErrEmptyROI = errors.New("region of interest is empty")
)

// Formula selects a transform of the raw contrast
type Formula int

const (
	// InverseK2 is 1/K²
	InverseK2 Formula = iota

	// ShotNoise is -1/mean, the shot noise only correction
	ShotNoise

	// TotalNoise is -1/mean - 1/(12 mean²), shot plus quantization noise
	TotalNoise

	// Combined is -(K² + 1/mean + 1/(12 mean²))
	Combined

	// NegInverseK2 is -1/K²
	NegInverseK2

	// SquaredK is K², the quantity fit against exposure time
	SquaredK

	// NegK is -K
	NegK

	// NegMean is -mean
	NegMean
)

var formulaNames = [...]string{
	"inversek2", "shotnoise", "totalnoise", "combined",
	"neginversek2", "squaredk", "negk", "negmean"}

func (f Formula) String() string {
	if f < 0 || int(f) >= len(formulaNames) {
		return "Formula(" + strconv.Itoa(int(f)) + ")"
	}
	return formulaNames[f]
}

// ParseFormula accepts either a formula name (case insensitive) or its
// numeric selector
func ParseFormula(s string) (Formula, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range formulaNames {
		if s == n {
			return Formula(i), nil
		}
	}
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 || i >= len(formulaNames) {
		return 0, fmt.Errorf("unknown contrast formula %q", s)
	}
	return Formula(i), nil
}

// CenteredROI returns a square of the given side centered in b.  The side is
// limited to the shorter dimension of b.
func CenteredROI(b image.Rectangle, side int) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	if side > w {
		side = w
	}
	if side > h {
		side = h
	}
	if side < 0 {
		side = 0
	}
	x1 := b.Min.X + (w-side)/2
	y1 := b.Min.Y + (h-side)/2
	return image.Rect(x1, y1, x1+side, y1+side)
}

// Luminance extracts the luminance of every pixel in roi, row major.
// 8-bit gray and 16-bit gray images are read natively; anything else is
// converted with the ITU-R 601 luma weights of color.GrayModel.
func Luminance(img image.Image, roi image.Rectangle) (stats.Float64Data, error) {
	roi = roi.Intersect(img.Bounds())
	if roi.Empty() {
		return nil, ErrEmptyROI
	}
	out := make(stats.Float64Data, 0, roi.Dx()*roi.Dy())
	switch im := img.(type) {
	case *image.Gray:
		for y := roi.Min.Y; y < roi.Max.Y; y++ {
			off := im.PixOffset(roi.Min.X, y)
			for _, p := range im.Pix[off : off+roi.Dx()] {
				out = append(out, float64(p))
			}
		}
	case *image.Gray16:
		for y := roi.Min.Y; y < roi.Max.Y; y++ {
			for x := roi.Min.X; x < roi.Max.X; x++ {
				out = append(out, float64(im.Gray16At(x, y).Y))
			}
		}
	default:
		for y := roi.Min.Y; y < roi.Max.Y; y++ {
			for x := roi.Min.X; x < roi.Max.X; x++ {
				g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
				out = append(out, float64(g.Y))
			}
		}
	}
	return out, nil
}

// Stats returns the mean and population standard deviation of luminance in roi
func Stats(img image.Image, roi image.Rectangle) (mean, std float64, err error) {
	lum, err := Luminance(img, roi)
	if err != nil {
		return 0, 0, err
	}
	mean, err = stats.Mean(lum)
	if err != nil {
		return 0, 0, err
	}
	std, err = stats.StandardDeviationPopulation(lum)
	return mean, std, err
}

// Mean returns the mean luminance in roi
func Mean(img image.Image, roi image.Rectangle) (float64, error) {
	lum, err := Luminance(img, roi)
	if err != nil {
		return 0, err
	}
	return stats.Mean(lum)
}

// Contrast computes the selected contrast transform over roi of img.
// A degenerate sample yields +Inf and ErrDegenerate, never NaN.
func Contrast(img image.Image, roi image.Rectangle, f Formula) (float64, error) {
	mean, std, err := Stats(img, roi)
	if err != nil {
		return 0, err
	}
	return FromStats(mean, std, f)
}

// FromStats applies formula f to a precomputed mean and standard deviation
func FromStats(mean, std float64, f Formula) (float64, error) {
	if mean == 0 || math.IsNaN(mean) || math.IsNaN(std) {
		return math.Inf(1), ErrDegenerate
	}
	k := std / mean
	k2 := k * k
	quant := 1 / (12 * mean * mean)
	switch f {
	case InverseK2:
		if k == 0 {
			return math.Inf(1), ErrDegenerate
		}
		return 1 / k2, nil
	case NegInverseK2:
		if k == 0 {
			return math.Inf(1), ErrDegenerate
		}
		return -1 / k2, nil
	case ShotNoise:
		return -1 / mean, nil
	case TotalNoise:
		return -1/mean - quant, nil
	case Combined:
		return -(k2 + 1/mean + quant), nil
	case SquaredK:
		return k2, nil
	case NegK:
		return -k, nil
	case NegMean:
		return -mean, nil
	default:
		return 0, fmt.Errorf("unknown contrast formula %d", int(f))
	}
}
