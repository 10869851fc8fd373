package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/theckman/yacspin"
	"golang.org/x/time/rate"

	"github.com/specklab/dsca/camera"
	"github.com/specklab/dsca/camera/replay"
	"github.com/specklab/dsca/camera/uvc"
	"github.com/specklab/dsca/config"
	"github.com/specklab/dsca/fit"
	"github.com/specklab/dsca/hpl"
	"github.com/specklab/dsca/imgrec"
	"github.com/specklab/dsca/metrics"
	"github.com/specklab/dsca/speckle"
	"github.com/specklab/dsca/stream"
	"github.com/specklab/dsca/sweep"
)

func openLaser(c config.Laser, met *metrics.Instruments) (*hpl.Controller, error) {
	l, err := hpl.Open(c.Addr)
	if err != nil {
		return nil, fmt.Errorf("opening laser at %s: %w", c.Addr, err)
	}
	l.Tolerance = c.Tolerance
	l.MaxAttempts = c.Attempts
	l.Settle = c.Settle
	l.Decoder = hpl.Decoder{Strict: c.Strict}
	l.Metrics = met
	return l, nil
}

func openCamera(c config.Camera) (camera.Camera, error) {
	var (
		cam camera.Camera
		err error
	)
	if c.Replay != "" {
		var r *replay.Camera
		r, err = replay.Open(c.Replay)
		if err == nil {
			r.Loop = c.Loop
			cam = r
		}
	} else {
		cam, err = uvc.Open(c.Index, c.Width, c.Height)
	}
	if err != nil {
		return nil, err
	}
	if c.FPS > 0 {
		if err := cam.SetFrameRate(c.FPS); err != nil {
			log.Printf("setting frame rate to %g: %v", c.FPS, err)
		}
	}
	return cam, nil
}

// spinner is nil when the terminal cannot host one; its methods are then no-ops
type spinner struct {
	s *yacspin.Spinner
}

func startSpinner(msg string) spinner {
	s, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		Writer:            os.Stderr,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "done",
		StopFailCharacter: "failed",
	})
	if err != nil {
		return spinner{}
	}
	if err := s.Start(); err != nil {
		return spinner{}
	}
	return spinner{s}
}

func (sp spinner) message(msg string) {
	if sp.s != nil {
		sp.s.Message(msg)
	}
}

func (sp spinner) stop(err error) {
	if sp.s == nil {
		return
	}
	if err != nil {
		sp.s.StopFail()
		return
	}
	sp.s.Stop()
}

func writeMetrics(met *metrics.Instruments, fn string) {
	if fn == "" {
		return
	}
	if err := met.WriteTextfile(fn); err != nil {
		log.Printf("writing metrics to %s: %v", fn, err)
	}
}

// switchOn turns the laser on at its configured power
func switchOn(ctx context.Context, l *hpl.Controller, power int) error {
	if err := l.LaserOn(ctx); err != nil {
		return err
	}
	if err := l.SetPowerState(ctx, power); err != nil {
		if !errors.Is(err, hpl.ErrConvergenceTimeout) {
			return err
		}
		log.Println(err)
	}
	return nil
}

func switchOff(l *hpl.Controller) {
	// the context that drove the command may be gone already
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.LaserOff(ctx); err != nil {
		log.Printf("switching laser off: %v", err)
	}
}

func calibration(ctx context.Context, c config.Config, l *hpl.Controller, cam camera.Camera) (hpl.Calibration, error) {
	sp := startSpinner("calibrating laser power")
	cal, err := l.Calibrate(ctx, cam, hpl.CalibrationConfig{
		KMin:           c.Calibration.KMin,
		KMax:           c.Calibration.KMax,
		Exposures:      c.Sweep.Exposures,
		ROISize:        c.Calibration.ROI,
		InitialPower:   c.Calibration.Power,
		Step:           c.Calibration.Step,
		Ceiling:        c.Calibration.Ceiling,
		ExposureSettle: c.Calibration.Settle,
	})
	sp.stop(err)
	for _, p := range cal {
		fmt.Printf("exposure %8g  power %4d mW  mean %7.2f  %s\n", p.Exposure, p.Power, p.Mean, p.Status)
	}
	return cal, err
}

func calibrateOnly(ctx context.Context, c config.Config) error {
	met := metrics.New()
	defer writeMetrics(met, c.Metrics.Textfile)
	l, err := openLaser(c.Laser, met)
	if err != nil {
		return err
	}
	defer l.Close()
	cam, err := openCamera(c.Camera)
	if err != nil {
		return err
	}
	defer cam.Close()
	if err := l.LaserOn(ctx); err != nil {
		return err
	}
	defer switchOff(l)
	cal, err := calibration(ctx, c, l, cam)
	if err != nil {
		return err
	}
	fmt.Printf("powers: %v\n", cal.Powers())
	return nil
}

// run sweeps the configured exposures and fits the curve.  With mayCalibrate
// an empty power list is filled by calibration; otherwise it is an error.
func run(ctx context.Context, c config.Config, mayCalibrate bool) error {
	met := metrics.New()
	defer writeMetrics(met, c.Metrics.Textfile)
	formula, err := speckle.ParseFormula(c.Sweep.Formula)
	if err != nil {
		return err
	}
	cam, err := openCamera(c.Camera)
	if err != nil {
		return err
	}
	defer cam.Close()

	var l *hpl.Controller
	if c.Laser.Addr != "" {
		l, err = openLaser(c.Laser, met)
		if err != nil {
			return err
		}
		defer l.Close()
		if err := l.LaserOn(ctx); err != nil {
			return err
		}
		defer switchOff(l)
	}

	powers := c.Sweep.Powers
	if len(powers) == 0 {
		if !mayCalibrate || l == nil {
			return errors.New("no laser powers configured; run calibrate or set sweep.powers")
		}
		cal, err := calibration(ctx, c, l, cam)
		if err != nil {
			return err
		}
		powers = cal.Powers()
	}
	var times []float64
	if len(c.Sweep.Times) > 0 {
		times = c.Sweep.Times
	}
	settings, err := sweep.NewSettings(c.Sweep.Exposures, times, powers)
	if err != nil {
		return err
	}

	d := sweep.NewDriver(cam, nil)
	if l != nil {
		d.Laser = l
	}
	d.ROISize = c.Sweep.ROI
	d.Samples = c.Sweep.Samples
	d.Formula = formula
	d.ExposureSettle = c.Sweep.ExposureSettle
	d.PowerSettle = c.Sweep.PowerSettle
	d.Metrics = met
	if c.Record.Enabled {
		d.Sink = imgrec.New(c.Record.Root, c.Record.Prefix)
	}

	sp := startSpinner(fmt.Sprintf("sweeping %d exposures", len(settings)))
	res, err := d.Run(ctx, settings)
	sp.stop(err)
	printSweep(os.Stdout, res)
	if err != nil {
		return err
	}
	return report(os.Stdout, res, c.Sweep.Guess)
}

func printSweep(w io.Writer, res sweep.Result) {
	for _, p := range res.Points {
		if !p.Valid {
			fmt.Fprintf(w, "exposure %8g  %4d mW  gap\n", p.Setting.Exposure, p.Setting.Power)
			continue
		}
		fmt.Fprintf(w, "exposure %8g  %4d mW  contrast %.6g  (%d frames)\n", p.Setting.Exposure, p.Setting.Power, p.Contrast, p.Samples)
	}
}

// report fits the valid points of res and prints the parameters with their
// fit quality
func report(w io.Writer, res sweep.Result, guess []float64) error {
	if len(guess) != 3 {
		return fmt.Errorf("fit guess needs 3 values (P, tau, vnoise), got %d", len(guess))
	}
	times, values := res.Series()
	r, err := fit.Fit(times, values, fit.Params{P: guess[0], Tau: guess[1], VNoise: guess[2]})
	if err != nil {
		return fmt.Errorf("fitting %d points: %w", len(times), err)
	}
	fmt.Fprintf(w, "P      = %.6g ± %.2g\n", r.Params.P, r.StdErr.P)
	fmt.Fprintf(w, "tau    = %.6g ± %.2g\n", r.Params.Tau, r.StdErr.Tau)
	fmt.Fprintf(w, "vnoise = %.6g ± %.2g\n", r.Params.VNoise, r.StdErr.VNoise)
	fmt.Fprintf(w, "RSS %.4g  R² %.4f  %d iterations", r.RSS, r.R2, r.Iterations)
	if gaps := res.Gaps(); len(gaps) > 0 {
		fmt.Fprintf(w, "  gaps at %v", gaps)
	}
	fmt.Fprintln(w)
	return nil
}

func streamCmd(ctx context.Context, c config.Config) error {
	met := metrics.New()
	defer writeMetrics(met, c.Metrics.Textfile)
	formula, err := speckle.ParseFormula(c.Stream.Formula)
	if err != nil {
		return err
	}
	fs := c.Camera.FPS
	bp, err := stream.NewBandpass(c.Stream.Low, c.Stream.High, fs)
	if err != nil {
		return err
	}
	cam, err := openCamera(c.Camera)
	if err != nil {
		return err
	}
	defer cam.Close()
	if err := cam.SetExposure(c.Stream.Exposure); err != nil {
		return err
	}
	if c.Laser.Addr != "" {
		l, err := openLaser(c.Laser, met)
		if err != nil {
			return err
		}
		defer l.Close()
		if err := switchOn(ctx, l, c.Laser.Power); err != nil {
			return err
		}
		defer switchOff(l)
	}
	return streamLoop(ctx, c.Stream, fs, formula, bp, cam, met, os.Stdout)
}

// streamLoop conditions frames until ctx ends or the frame budget is used,
// printing a status line once a second
func streamLoop(ctx context.Context, c config.Stream, fs float64, formula speckle.Formula, bp *stream.Bandpass, cam camera.Camera, met *metrics.Instruments, w io.Writer) error {
	cond := stream.NewConditioner(c.Capacity, bp)
	pulse := stream.NewPulseEstimator(fs, c.Low)
	pulse.Offset = c.PulseOffset
	fps := stream.NewFPSMeter(int(fs))
	pace := rate.NewLimiter(rate.Limit(fs), 1)
	status := rate.NewLimiter(rate.Every(time.Second), 1)
	warned := false

	for n := 0; c.Frames == 0 || n < c.Frames; n++ {
		if err := pace.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		frame, err := cam.Frame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Printf("stream: camera ran out of frames after %d", n)
				return nil
			}
			met.FrameFailed()
			if errors.Is(err, camera.ErrCaptureFailed) {
				continue
			}
			return err
		}
		met.FrameCaptured()
		fps.Tick(time.Now())
		k, err := speckle.Contrast(frame, speckle.CenteredROI(frame.Bounds(), c.ROI), formula)
		if err != nil {
			met.Degenerate()
			continue
		}
		met.Contrast(k)
		u := cond.Push(k)
		if u.Rescaled {
			log.Printf("stream: axis rescaled to [%.4g, %.4g]", u.Limits.Min, u.Limits.Max)
		}
		if !status.Allow() {
			continue
		}
		hz := fps.Rate()
		met.FrameRate(hz)
		if rel, bad := stream.Mismatch(hz, fs); bad && !warned {
			log.Printf("stream: camera delivers %.1f fps, %.0f%% off the %.1f fps the filter is designed for", hz, 100*rel, fs)
			warned = true
		}
		line := fmt.Sprintf("n=%.0f  K=%.5g  filtered=%.4g  fps=%.1f", u.X[len(u.X)-1], k, u.Filtered[len(u.Filtered)-1], hz)
		if bpm, ok := pulse.Estimate(u.Filtered); ok {
			met.PulseRate(bpm)
			line += fmt.Sprintf("  pulse=%.1f BPM", bpm)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func laserCmd(ctx context.Context, c config.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("laser: need one of on, off, fan-on, fan-off, set <mW>, poll, params")
	}
	met := metrics.New()
	defer writeMetrics(met, c.Metrics.Textfile)
	l, err := openLaser(c.Laser, met)
	if err != nil {
		return err
	}
	defer l.Close()

	switch strings.ToLower(args[0]) {
	case "on":
		return switchOn(ctx, l, c.Laser.Power)
	case "off":
		return l.LaserOff(ctx)
	case "fan-on":
		return l.FanOn(ctx)
	case "fan-off":
		return l.FanOff(ctx)
	case "set":
		if len(args) < 2 {
			return errors.New("laser set: need a power in mW")
		}
		p, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("laser set: %w", err)
		}
		if err := l.SetPowerState(ctx, p); err != nil {
			return err
		}
		s := l.State()
		fmt.Printf("commanded %d mW, observed %d mW\n", s.Commanded, s.Observed)
		return nil
	case "params":
		b, err := l.Params(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("% x\n", b)
		return nil
	case "poll":
		return poll(ctx, l, os.Stdout)
	default:
		return fmt.Errorf("laser: unknown subcommand %q", args[0])
	}
}

// poll prints telemetry once a second until ctx ends
func poll(ctx context.Context, l *hpl.Controller, w io.Writer) error {
	lim := rate.NewLimiter(rate.Every(time.Second), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return nil
		}
		t, err := l.Poll(ctx)
		if err != nil {
			log.Printf("laser poll: %v", err)
		}
		fmt.Fprintf(w, "version %s  power %d mW  TEC %.2f °C %d mA  LD %d mA\n", t.Version, t.Power, t.TECTemp, t.TECCurrent, t.LDCurrent)
	}
}
