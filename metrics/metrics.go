// Package metrics instruments the acquisition pipeline with prometheus
// collectors.  There is no HTTP endpoint; the registry is dumped to a
// node_exporter style textfile with WriteTextfile.
//
// All methods are safe to call on a nil *Instruments, so components can
// carry an optional instrument without checking for it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Instruments holds the collectors for one instrument session
type Instruments struct {
	Registry *prometheus.Registry

	framesCaptured      prometheus.Counter
	framesFailed        prometheus.Counter
	degenerateSamples   prometheus.Counter
	powerCommands       prometheus.Counter
	convergenceTimeouts prometheus.Counter
	sweepGaps           prometheus.Counter

	laserCommanded prometheus.Gauge
	laserObserved  prometheus.Gauge
	contrast       prometheus.Gauge
	frameRate      prometheus.Gauge
	pulseRate      prometheus.Gauge
}

// New creates instruments registered on a fresh registry
func New() *Instruments {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dsca", Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dsca", Name: name, Help: help})
	}
	m := &Instruments{
		Registry:            prometheus.NewRegistry(),
		framesCaptured:      counter("frames_captured_total", "Frames read from the camera."),
		framesFailed:        counter("frames_failed_total", "Frame captures that failed and were skipped."),
		degenerateSamples:   counter("degenerate_samples_total", "Contrast samples excluded for zero mean or zero contrast."),
		powerCommands:       counter("laser_power_commands_total", "Set power commands sent to the laser driver."),
		convergenceTimeouts: counter("laser_convergence_timeouts_total", "Closed loop power settings that did not converge."),
		sweepGaps:           counter("sweep_gaps_total", "Exposure settings that produced no valid contrast."),
		laserCommanded:      gauge("laser_commanded_power_milliwatts", "Last commanded laser power."),
		laserObserved:       gauge("laser_observed_power_milliwatts", "Last laser power reported by the driver."),
		contrast:            gauge("contrast", "Most recent contrast sample."),
		frameRate:           gauge("frame_rate_hertz", "Measured camera frame rate."),
		pulseRate:           gauge("pulse_rate_bpm", "Estimated pulse rate."),
	}
	m.Registry.MustRegister(
		m.framesCaptured, m.framesFailed, m.degenerateSamples,
		m.powerCommands, m.convergenceTimeouts, m.sweepGaps,
		m.laserCommanded, m.laserObserved, m.contrast, m.frameRate, m.pulseRate)
	return m
}

// FrameCaptured counts a successful capture
func (m *Instruments) FrameCaptured() {
	if m != nil {
		m.framesCaptured.Inc()
	}
}

// FrameFailed counts a failed capture
func (m *Instruments) FrameFailed() {
	if m != nil {
		m.framesFailed.Inc()
	}
}

// Degenerate counts an excluded contrast sample
func (m *Instruments) Degenerate() {
	if m != nil {
		m.degenerateSamples.Inc()
	}
}

// PowerCommanded records a set power command
func (m *Instruments) PowerCommanded(mW int) {
	if m != nil {
		m.powerCommands.Inc()
		m.laserCommanded.Set(float64(mW))
	}
}

// PowerObserved records a power reading from the driver
func (m *Instruments) PowerObserved(mW int) {
	if m != nil {
		m.laserObserved.Set(float64(mW))
	}
}

// ConvergenceTimeout counts a closed loop power setting that gave up
func (m *Instruments) ConvergenceTimeout() {
	if m != nil {
		m.convergenceTimeouts.Inc()
	}
}

// Gap counts a sweep point without data
func (m *Instruments) Gap() {
	if m != nil {
		m.sweepGaps.Inc()
	}
}

// Contrast records the latest contrast sample
func (m *Instruments) Contrast(v float64) {
	if m != nil {
		m.contrast.Set(v)
	}
}

// FrameRate records the measured frame rate
func (m *Instruments) FrameRate(hz float64) {
	if m != nil {
		m.frameRate.Set(hz)
	}
}

// PulseRate records the estimated pulse rate
func (m *Instruments) PulseRate(bpm float64) {
	if m != nil {
		m.pulseRate.Set(bpm)
	}
}

// WriteTextfile writes the current values in the text exposition format
func (m *Instruments) WriteTextfile(filename string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(filename, m.Registry)
}
