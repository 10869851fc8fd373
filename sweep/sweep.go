// Package sweep drives a multi-exposure acquisition: for each exposure
// setting it sets the camera and laser, captures a group of frames and
// reduces them to one averaged contrast value.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/specklab/dsca/metrics"
	"github.com/specklab/dsca/speckle"
	"github.com/specklab/dsca/util"
)

// ErrNoData is generated when no setting of a sweep produced a valid contrast
var ErrNoData = errors.New("sweep produced no valid contrast")

// Setting is one exposure of a sweep
type Setting struct {
	// Exposure is the value handed to the camera
	Exposure float64

	// Time is the physical exposure time in ms used for fitting.
	// Zero means Exposure already is one.
	Time float64

	// Power is the laser power in mW for this exposure
	Power int
}

// FitTime is the exposure time used by the curve fit
func (s Setting) FitTime() float64 {
	if s.Time != 0 {
		return s.Time
	}
	return s.Exposure
}

// NewSettings zips parallel exposure, time and power lists.  times may be
// nil, otherwise all three must have the same length.
func NewSettings(exposures, times []float64, powers []int) ([]Setting, error) {
	if len(exposures) != len(powers) {
		return nil, fmt.Errorf("%d exposures but %d powers", len(exposures), len(powers))
	}
	if times != nil && len(times) != len(exposures) {
		return nil, fmt.Errorf("%d exposures but %d exposure times", len(exposures), len(times))
	}
	out := make([]Setting, len(exposures))
	for i := range exposures {
		out[i] = Setting{Exposure: exposures[i], Power: powers[i]}
		if times != nil {
			out[i].Time = times[i]
		}
	}
	return out, nil
}

// Point is the outcome of one setting.  A Point that is not Valid is a gap:
// its Contrast is meaningless and must not be fit.
type Point struct {
	Index    int
	Setting  Setting
	Contrast float64
	Samples  int
	Valid    bool
}

// Result holds one Point per setting, in the order the settings were given
type Result struct {
	Points []Point
}

// Series returns the fit times and contrasts of the valid points
func (r Result) Series() (times, values []float64) {
	for _, p := range r.Points {
		if p.Valid {
			times = append(times, p.Setting.FitTime())
			values = append(values, p.Contrast)
		}
	}
	return times, values
}

// Gaps returns the indices of the points without data
func (r Result) Gaps() []int {
	var out []int
	for _, p := range r.Points {
		if !p.Valid {
			out = append(out, p.Index)
		}
	}
	return out
}

// Camera is the part of a camera a sweep needs
type Camera interface {
	SetExposure(float64) error
	Frame() (image.Image, error)
}

// PowerSetter drives the laser to a power and waits for it to get there
type PowerSetter interface {
	SetPowerState(ctx context.Context, mW int) error
}

// FrameSink receives every captured frame, e.g. to archive it
type FrameSink interface {
	Record(index int, s Setting, frame image.Image) error
}

// Driver runs sweeps.  Laser, Sink, Metrics and Logger are optional.
type Driver struct {
	Camera Camera
	Laser  PowerSetter

	// ROISize is the side of the centered square analyzed
	ROISize int

	// Samples is the number of frames captured per setting
	Samples int

	// Formula selects the contrast transform averaged per setting
	Formula speckle.Formula

	// ExposureSettle and PowerSettle are the waits after changing each
	ExposureSettle time.Duration
	PowerSettle    time.Duration

	Sink    FrameSink
	Metrics *metrics.Instruments
	Logger  *log.Logger
}

// NewDriver returns a driver with one second settles, 10 samples of K² per
// setting over a 50 pixel ROI
func NewDriver(cam Camera, laser PowerSetter) *Driver {
	return &Driver{
		Camera:         cam,
		Laser:          laser,
		ROISize:        50,
		Samples:        10,
		Formula:        speckle.SquaredK,
		ExposureSettle: time.Second,
		PowerSettle:    time.Second,
	}
}

func (d *Driver) logf(format string, args ...interface{}) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Run visits the settings in order.  Frames that fail to capture and
// degenerate samples are skipped; a setting whose exposure or power cannot
// be set, or that yields no valid sample, becomes a gap and the sweep
// moves on.  Cancelling ctx returns the points so far with ctx.Err().
// ErrNoData is returned, along with the all-gap result, when nothing at
// all was measured.
func (d *Driver) Run(ctx context.Context, settings []Setting) (Result, error) {
	res := Result{Points: make([]Point, 0, len(settings))}
	for i, s := range settings {
		pt, err := d.measure(ctx, i, s)
		if err != nil {
			return res, err
		}
		if !pt.Valid {
			d.Metrics.Gap()
			d.logf("sweep: exposure %g has no valid contrast, leaving a gap", s.Exposure)
		} else {
			d.logf("sweep: exposure %g, %d mW: mean contrast %.6g over %d frames", s.Exposure, s.Power, pt.Contrast, pt.Samples)
		}
		res.Points = append(res.Points, pt)
	}
	for _, p := range res.Points {
		if p.Valid {
			return res, nil
		}
	}
	return res, ErrNoData
}

func (d *Driver) measure(ctx context.Context, i int, s Setting) (Point, error) {
	pt := Point{Index: i, Setting: s}
	if err := d.Camera.SetExposure(s.Exposure); err != nil {
		d.logf("sweep: setting exposure %g: %v", s.Exposure, err)
		return pt, nil
	}
	if err := util.Sleep(ctx, d.ExposureSettle); err != nil {
		return pt, err
	}
	if d.Laser != nil {
		if err := d.Laser.SetPowerState(ctx, s.Power); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return pt, ctxErr
			}
			d.logf("sweep: setting power %d mW: %v", s.Power, err)
			return pt, nil
		}
		if err := util.Sleep(ctx, d.PowerSettle); err != nil {
			return pt, err
		}
	}

	samples := make(stats.Float64Data, 0, d.Samples)
	for n := 0; n < d.Samples; n++ {
		if err := ctx.Err(); err != nil {
			return pt, err
		}
		frame, err := d.Camera.Frame()
		if err != nil {
			d.Metrics.FrameFailed()
			d.logf("sweep: frame %d of exposure %g: %v", n+1, s.Exposure, err)
			continue
		}
		d.Metrics.FrameCaptured()
		if d.Sink != nil {
			if err := d.Sink.Record(i, s, frame); err != nil {
				d.logf("sweep: recording frame: %v", err)
			}
		}
		k, err := speckle.Contrast(frame, speckle.CenteredROI(frame.Bounds(), d.ROISize), d.Formula)
		if err != nil {
			if errors.Is(err, speckle.ErrDegenerate) {
				d.Metrics.Degenerate()
			} else {
				d.logf("sweep: contrast of frame %d: %v", n+1, err)
			}
			continue
		}
		d.Metrics.Contrast(k)
		samples = append(samples, k)
	}
	if len(samples) == 0 {
		return pt, nil
	}
	mean, err := stats.Mean(samples)
	if err != nil {
		return pt, nil
	}
	pt.Contrast, pt.Samples, pt.Valid = mean, len(samples), true
	return pt, nil
}
