package hpl

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/specklab/dsca/speckle"
	"github.com/specklab/dsca/util"
)

// Camera is the part of a camera the calibration needs
type Camera interface {
	SetExposure(float64) error
	Frame() (image.Image, error)
}

// Status describes how the search for one exposure ended
type Status int

const (
	// InBand means the ROI brightness landed in [KMin, KMax]
	InBand Status = iota
	// Floor means the power could not go lower and the image was still too bright
	Floor
	// Ceiling means the power could not go higher and the image was still too dark
	Ceiling
	// Exhausted means MaxAdjustments steps were taken without landing in band
	Exhausted
	// NoFrames means the camera could not be configured or kept failing
	NoFrames
)

func (s Status) String() string {
	switch s {
	case InBand:
		return "in band"
	case Floor:
		return "floor"
	case Ceiling:
		return "ceiling"
	case Exhausted:
		return "exhausted"
	case NoFrames:
		return "no frames"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// CalibrationConfig parameterizes Calibrate.  Zero valued durations and
// bounds take the defaults noted on each field.
type CalibrationConfig struct {
	// KMin and KMax bound the target mean ROI brightness
	KMin, KMax float64

	// Exposures are visited in order
	Exposures []float64

	// ROISize is the side of the centered square measured, default 50
	ROISize int

	// InitialPower is where the search starts, default 500
	InitialPower int

	// Step is the power change per adjustment, default 10
	Step int

	// Ceiling is the highest power the search uses, default 500.  The
	// floor is 0: a search that would go to or below it records 0.
	Ceiling int

	// ExposureSettle is the pause after changing exposure, default 500 ms
	ExposureSettle time.Duration

	// MaxAdjustments bounds the steps per exposure, default 100
	MaxAdjustments int

	// MaxCaptureFailures bounds consecutive failed captures, default 5
	MaxCaptureFailures int
}

func (cfg *CalibrationConfig) defaults() {
	if cfg.ROISize == 0 {
		cfg.ROISize = 50
	}
	if cfg.InitialPower == 0 {
		cfg.InitialPower = 500
	}
	if cfg.Step == 0 {
		cfg.Step = 10
	}
	if cfg.Ceiling == 0 {
		cfg.Ceiling = 500
	}
	if cfg.ExposureSettle == 0 {
		cfg.ExposureSettle = 500 * time.Millisecond
	}
	if cfg.MaxAdjustments == 0 {
		cfg.MaxAdjustments = 100
	}
	if cfg.MaxCaptureFailures == 0 {
		cfg.MaxCaptureFailures = 5
	}
}

// CalibrationPoint is the outcome for one exposure
type CalibrationPoint struct {
	Exposure    float64
	Power       int
	Mean        float64
	Status      Status
	Adjustments int
}

// Calibration is the per-exposure outcome, in the order of the exposures
type Calibration []CalibrationPoint

// Powers returns the recorded power of each exposure
func (c Calibration) Powers() []int {
	out := make([]int, len(c))
	for i, p := range c {
		out[i] = p.Power
	}
	return out
}

// Calibrate finds, for each exposure in turn, a laser power that puts the
// mean brightness of the centered ROI in [KMin, KMax].  Power moves by Step
// per adjustment and each adjustment waits for SetPowerState.  Each exposure
// starts from the power the previous one ended at, since the laser is
// physically still there.
//
// The returned Calibration always has one point per exposure processed.  A
// cancelled ctx returns the points so far along with ctx.Err().
func (c *Controller) Calibrate(ctx context.Context, cam Camera, cfg CalibrationConfig) (Calibration, error) {
	cfg.defaults()
	if cfg.KMin > cfg.KMax {
		return nil, fmt.Errorf("calibration band is empty: [%g, %g]", cfg.KMin, cfg.KMax)
	}
	out := make(Calibration, 0, len(cfg.Exposures))
	power := util.ClampInt(cfg.InitialPower, MinPower, cfg.Ceiling)
	if err := c.settlePower(ctx, power); err != nil {
		return out, err
	}
	for _, exp := range cfg.Exposures {
		pt, next, err := c.calibrateOne(ctx, cam, cfg, exp, power)
		if err != nil {
			return out, err
		}
		power = next
		out = append(out, pt)
		c.logf("hpl: exposure %g: power %d mW, mean %.2f (%s)", exp, pt.Power, pt.Mean, pt.Status)
	}
	return out, nil
}

// settlePower is SetPowerState that tolerates non-convergence, since the
// measured brightness still steers the search
func (c *Controller) settlePower(ctx context.Context, p int) error {
	err := c.SetPowerState(ctx, p)
	if errors.Is(err, ErrConvergenceTimeout) {
		c.logf("hpl: warning: %v", err)
		return nil
	}
	return err
}

func (c *Controller) calibrateOne(ctx context.Context, cam Camera, cfg CalibrationConfig, exp float64, power int) (CalibrationPoint, int, error) {
	pt := CalibrationPoint{Exposure: exp, Power: power}
	if err := cam.SetExposure(exp); err != nil {
		c.logf("hpl: warning: exposure %g could not be set: %v", exp, err)
		pt.Status = NoFrames
		return pt, power, nil
	}
	if err := util.Sleep(ctx, cfg.ExposureSettle); err != nil {
		return pt, power, err
	}
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return pt, power, err
		}
		if pt.Adjustments >= cfg.MaxAdjustments {
			c.logf("hpl: warning: exposure %g: no power in band after %d adjustments", exp, pt.Adjustments)
			pt.Status = Exhausted
			pt.Power = power
			return pt, power, nil
		}
		frame, err := cam.Frame()
		if err != nil {
			failures++
			c.logf("hpl: capture failed at exposure %g: %v", exp, err)
			if failures > cfg.MaxCaptureFailures {
				pt.Status = NoFrames
				pt.Power = power
				return pt, power, nil
			}
			continue
		}
		failures = 0
		mean, err := speckle.Mean(frame, speckle.CenteredROI(frame.Bounds(), cfg.ROISize))
		if err != nil {
			return pt, power, err
		}
		pt.Mean = mean
		switch {
		case mean >= cfg.KMin && mean <= cfg.KMax:
			pt.Status = InBand
			pt.Power = power
			return pt, power, nil
		case mean > cfg.KMax:
			next := power - cfg.Step
			if next <= 0 {
				c.logf("hpl: warning: exposure %g: laser at its minimum and the image is still too bright", exp)
				pt.Status = Floor
				pt.Power = 0
				return pt, power, nil
			}
			power = next
		default:
			if power >= cfg.Ceiling {
				c.logf("hpl: warning: exposure %g: laser at its maximum and the image is still too dark", exp)
				pt.Status = Ceiling
				pt.Power = cfg.Ceiling
				return pt, power, nil
			}
			power = util.ClampInt(power+cfg.Step, MinPower, cfg.Ceiling)
		}
		pt.Adjustments++
		if err := c.settlePower(ctx, power); err != nil {
			return pt, power, err
		}
	}
}
