package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/specklab/dsca/config"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "dsca.yml"
)

func root() {
	str := `dsca drives a laser speckle contrast blood flow instrument: a power
controlled laser, a camera, and the contrast analysis between them.

Usage:
	dsca <command>

Commands:
	run        calibrate if no powers are configured, sweep, fit
	calibrate  find a laser power per exposure
	sweep      capture the multi-exposure contrast curve and fit it
	stream     real-time contrast, bandpass and pulse rate
	laser      on | off | fan-on | fan-off | set <mW> | poll | params
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `dsca is configured via dsca.yml in the working directory, and environment
variables of the form DSCA_SECTION_KEY, e.g. DSCA_LASER_ADDR=/dev/ttyUSB0 or
DSCA_SWEEP_POWERS=200,160,90.  Environment variables win over the file, the
file wins over the built-in defaults.  "dsca mkconf" writes the defaults.

Sections:
- laser: serial address, power on switch-on, convergence tolerance and
  attempts, settle time, strict reply checking
- camera: device index and size, frame rate, or a replay folder of numbered
  images for offline analysis
- sweep: exposures, physical exposure times (ms) for the fit, laser powers,
  frames per exposure, ROI side, contrast formula, fit starting point
- calibration: target ROI brightness band, start power, step and ceiling
- stream: exposure, bandpass cutoffs, buffer size, ROI, formula
- record: FITS frame archive, written in yyyy-mm-dd folders under root
- metrics: path of a prometheus textfile written when a command ends

Contrast formulas: inversek2, shotnoise, totalnoise, combined, neginversek2,
squaredk, negk, negmean.

An empty sweep.powers makes "run" calibrate first.  Ctrl-C stops any command
cleanly; a sweep that is interrupted reports what it measured.`
	fmt.Println(str)
}

func mkconf(c config.Config) {
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := config.Encode(f, c); err != nil {
		log.Fatal(err)
	}
}

func printconf(c config.Config) {
	if err := config.Encode(os.Stdout, c); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("dsca version %v\n", Version)
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
		return
	case "version":
		pversion()
		return
	case "mkconf":
		mkconf(config.Default())
		return
	}

	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch cmd {
	case "conf":
		printconf(c)
		return
	case "run":
		err = run(ctx, c, true)
	case "sweep":
		err = run(ctx, c, false)
	case "calibrate":
		err = calibrateOnly(ctx, c)
	case "stream":
		err = streamCmd(ctx, c)
	case "laser":
		err = laserCmd(ctx, c, args[2:])
	default:
		log.Fatal("unknown command")
	}
	if err != nil {
		log.Fatal(err)
	}
}
