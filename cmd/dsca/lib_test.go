package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/specklab/dsca/camera"
	"github.com/specklab/dsca/config"
	"github.com/specklab/dsca/fit"
	"github.com/specklab/dsca/metrics"
	"github.com/specklab/dsca/speckle"
	"github.com/specklab/dsca/stream"
	"github.com/specklab/dsca/sweep"
)

func TestReportFitsValidPoints(t *testing.T) {
	truth := fit.Params{P: 0.6, Tau: 20, VNoise: 0.01}
	times := []float64{6.25, 12.5, 25, 50, 100, 200}
	var res sweep.Result
	for i, tm := range times {
		res.Points = append(res.Points, sweep.Point{
			Index: i, Setting: sweep.Setting{Exposure: tm, Power: 100},
			Contrast: fit.Model(tm, truth), Samples: 10, Valid: true})
	}
	res.Points = append(res.Points, sweep.Point{Index: len(times), Setting: sweep.Setting{Exposure: 400}})

	var buf bytes.Buffer
	if err := report(&buf, res, []float64{0.5, 50, 0.05}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "R² 1.0000") || !strings.Contains(out, "gaps at [6]") {
		t.Errorf("report:\n%s", out)
	}
}

func TestReportRejectsBadGuess(t *testing.T) {
	if err := report(&bytes.Buffer{}, sweep.Result{}, []float64{1}); err == nil {
		t.Error("two-value guess accepted")
	}
}

// pulsingCamera serves checkerboards whose contrast follows a 1.2 Hz beat
type pulsingCamera struct {
	n int
}

func (c *pulsingCamera) SetExposure(float64) error  { return nil }
func (c *pulsingCamera) SetFrameRate(float64) error { return nil }
func (c *pulsingCamera) Close() error               { return nil }

func (c *pulsingCamera) Frame() (image.Image, error) {
	amp := 40 + 10*math.Sin(2*math.Pi*1.2*float64(c.n)/30)
	c.n++
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			v := 100.
			if (x+y)%2 == 0 {
				v += amp
			} else {
				v -= amp
			}
			img.Pix[y*img.Stride+x] = uint8(v)
		}
	}
	return img, nil
}

func TestStreamLoopCountsFrames(t *testing.T) {
	c := config.Default().Stream
	c.Frames = 45
	c.ROI = 16
	bp, err := stream.NewBandpass(c.Low, c.High, 30)
	if err != nil {
		t.Fatal(err)
	}
	met := metrics.New()
	var buf bytes.Buffer
	if err := streamLoop(context.Background(), c, 30, speckle.NegK, bp, &pulsingCamera{}, met, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "K=") {
		t.Errorf("no status line:\n%s", buf.String())
	}
}

func TestStreamLoopStopsOnCancel(t *testing.T) {
	c := config.Default().Stream
	bp, _ := stream.NewBandpass(c.Low, c.High, 30)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := streamLoop(ctx, c, 30, speckle.NegK, bp, &pulsingCamera{}, nil, &bytes.Buffer{}); err != nil {
		t.Errorf("cancelled stream returned %v", err)
	}
}

// finiteCamera runs out after limit frames, as a replay that does not loop
type finiteCamera struct {
	pulsingCamera
	limit int
}

func (c *finiteCamera) Frame() (image.Image, error) {
	if c.n >= c.limit {
		return nil, fmt.Errorf("%w: end of sequence: %w", camera.ErrCaptureFailed, io.EOF)
	}
	return c.pulsingCamera.Frame()
}

func TestStreamLoopEndsWithSequence(t *testing.T) {
	c := config.Default().Stream
	c.Frames = 0
	c.ROI = 16
	bp, _ := stream.NewBandpass(c.Low, c.High, 30)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cam := &finiteCamera{limit: 10}
	if err := streamLoop(ctx, c, 30, speckle.NegK, bp, cam, nil, &bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}
	if ctx.Err() != nil {
		t.Error("stream kept waiting for frames after the sequence ended")
	}
	if cam.n != 10 {
		t.Errorf("read %d frames, want 10", cam.n)
	}
}
