// Package config loads the instrument configuration.  Values are layered:
// built-in defaults, then a YAML file, then DSCA_SECTION_KEY environment
// variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "DSCA_"

// Laser configures the power controller
type Laser struct {
	// Addr is the serial device, e.g. /dev/ttyACM0 or COM6
	Addr string `koanf:"addr" yaml:"addr"`

	// Power is the power in mW set when the laser is switched on
	Power int `koanf:"power" yaml:"power"`

	// Tolerance is the accepted |reported - target| in mW
	Tolerance int `koanf:"tolerance" yaml:"tolerance"`

	// Attempts bounds the set-and-verify loop
	Attempts int `koanf:"attempts" yaml:"attempts"`

	// Settle is the wait between setting and querying power
	Settle time.Duration `koanf:"settle" yaml:"settle"`

	// Strict enables tag and length validation of replies
	Strict bool `koanf:"strict" yaml:"strict"`
}

// Camera configures the frame source
type Camera struct {
	Index  int     `koanf:"index" yaml:"index"`
	Width  int     `koanf:"width" yaml:"width"`
	Height int     `koanf:"height" yaml:"height"`
	FPS    float64 `koanf:"fps" yaml:"fps"`

	// Replay, when not empty, is a folder of numbered images used in place
	// of the device
	Replay string `koanf:"replay" yaml:"replay"`
	Loop   bool   `koanf:"loop" yaml:"loop"`
}

// Sweep configures the multi-exposure capture and fit
type Sweep struct {
	// Exposures are camera exposure settings
	Exposures []float64 `koanf:"exposures" yaml:"exposures"`

	// Times are the physical exposure times in ms used for fitting, one
	// per exposure.  Empty uses the exposures.
	Times []float64 `koanf:"times" yaml:"times"`

	// Powers are laser powers in mW, one per exposure.  Empty runs
	// calibration first.
	Powers []int `koanf:"powers" yaml:"powers"`

	Samples        int           `koanf:"samples" yaml:"samples"`
	ROI            int           `koanf:"roi" yaml:"roi"`
	Formula        string        `koanf:"formula" yaml:"formula"`
	ExposureSettle time.Duration `koanf:"exposuresettle" yaml:"exposuresettle"`
	PowerSettle    time.Duration `koanf:"powersettle" yaml:"powersettle"`

	// Guess is the fit starting point P, tau, vnoise
	Guess []float64 `koanf:"guess" yaml:"guess"`
}

// Calibration configures the per-exposure power search
type Calibration struct {
	KMin    float64       `koanf:"kmin" yaml:"kmin"`
	KMax    float64       `koanf:"kmax" yaml:"kmax"`
	Power   int           `koanf:"power" yaml:"power"`
	Step    int           `koanf:"step" yaml:"step"`
	Ceiling int           `koanf:"ceiling" yaml:"ceiling"`
	ROI     int           `koanf:"roi" yaml:"roi"`
	Settle  time.Duration `koanf:"settle" yaml:"settle"`
}

// Stream configures the real-time display path
type Stream struct {
	Exposure    float64 `koanf:"exposure" yaml:"exposure"`
	Low         float64 `koanf:"low" yaml:"low"`
	High        float64 `koanf:"high" yaml:"high"`
	Capacity    int     `koanf:"capacity" yaml:"capacity"`
	ROI         int     `koanf:"roi" yaml:"roi"`
	Formula     string  `koanf:"formula" yaml:"formula"`
	PulseOffset float64 `koanf:"pulseoffset" yaml:"pulseoffset"`

	// Frames stops the stream after this many frames; zero runs until
	// interrupted
	Frames int `koanf:"frames" yaml:"frames"`
}

// Record configures the FITS frame archive
type Record struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Root    string `koanf:"root" yaml:"root"`
	Prefix  string `koanf:"prefix" yaml:"prefix"`
}

// Metrics configures the prometheus textfile export
type Metrics struct {
	// Textfile is written at the end of each command when not empty
	Textfile string `koanf:"textfile" yaml:"textfile"`
}

// Config is the whole configuration
type Config struct {
	Laser       Laser       `koanf:"laser" yaml:"laser"`
	Camera      Camera      `koanf:"camera" yaml:"camera"`
	Sweep       Sweep       `koanf:"sweep" yaml:"sweep"`
	Calibration Calibration `koanf:"calibration" yaml:"calibration"`
	Stream      Stream      `koanf:"stream" yaml:"stream"`
	Record      Record      `koanf:"record" yaml:"record"`
	Metrics     Metrics     `koanf:"metrics" yaml:"metrics"`
}

// Default is the configuration used when nothing overrides it
func Default() Config {
	return Config{
		Laser: Laser{
			Addr:      "/dev/ttyACM0",
			Power:     300,
			Tolerance: 5,
			Attempts:  50,
			Settle:    100 * time.Millisecond,
		},
		Camera: Camera{FPS: 20},
		Sweep: Sweep{
			Exposures:      []float64{-4, -3, -2, -1, 2},
			Times:          []float64{6.25, 12.5, 25, 50, 100},
			Powers:         []int{200, 160, 90, 83, 80},
			Samples:        10,
			ROI:            200,
			Formula:        "squaredk",
			ExposureSettle: time.Second,
			PowerSettle:    time.Second,
			Guess:          []float64{0.5, 50, 0.05},
		},
		Calibration: Calibration{
			KMin:    80,
			KMax:    120,
			Power:   200,
			Step:    10,
			Ceiling: 500,
			ROI:     50,
			Settle:  500 * time.Millisecond,
		},
		Stream: Stream{
			Exposure: -4,
			Low:      0.5,
			High:     3,
			Capacity: 500,
			ROI:      100,
			Formula:  "negk",
		},
		Record: Record{Root: "frames", Prefix: "dsca"},
	}
}

// envKey maps DSCA_SWEEP_SAMPLES to sweep.samples
func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", -1)
}

// Load layers the defaults, the YAML file at path and the environment.  A
// missing file is not an error.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	var c Config
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return c, fmt.Errorf("loading defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return c, fmt.Errorf("loading config %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return c, fmt.Errorf("loading environment: %w", err)
	}
	if err := k.Unmarshal("", &c); err != nil {
		return c, fmt.Errorf("decoding config: %w", err)
	}
	return c, nil
}

// Encode writes c as YAML
func Encode(w io.Writer, c Config) error {
	return yml.NewEncoder(w).Encode(c)
}
