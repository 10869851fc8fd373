// Package hpl enables working with the serial controlled laser driver that
// illuminates the tissue, including closed loop power setting and a
// brightness targeting calibration of laser power against camera exposure.
package hpl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/specklab/dsca/comm"
	"github.com/specklab/dsca/metrics"
	"github.com/specklab/dsca/util"
)

const (
	// MinPower is the lowest power the driver may be commanded to, in mW
	MinPower = 1
	// MaxPower is the highest power the driver may be commanded to, in mW
	MaxPower = 600

	// Baud is the driver's serial rate
	Baud = 9600
)

var (
	// ErrConvergenceTimeout is generated when the reported power does not come
	// within tolerance of the target in the allowed number of attempts
	ErrConvergenceTimeout = errors.New("laser power did not converge")

	// ErrNoReply is generated when the driver sent nothing usable back to a query
	ErrNoReply = errors.New("no usable reply from laser driver")

	errNotConverged = errors.New("power outside tolerance")
)

// State is the commanded and last observed output of the laser
type State struct {
	Commanded  int
	Observed   int
	ObservedAt time.Time
	On         bool
}

// Telemetry is one pass over the driver's status queries
type Telemetry struct {
	Version    string
	Power      int
	TECTemp    float64
	TECCurrent int
	LDCurrent  int
}

// Controller talks to the laser driver.  It owns its connection; share the
// *Controller, never the connection.
type Controller struct {
	// Settle is the pause between commanding a power and reading it back
	Settle time.Duration

	// Tolerance is the largest |reported - target| accepted as converged, in mW
	Tolerance int

	// MaxAttempts bounds the set-wait-verify loop of SetPowerState
	MaxAttempts int

	// ReadTries bounds the reads issued while collecting one reply
	ReadTries int

	// Decoder decodes replies; set Strict to validate frames
	Decoder Decoder

	// Logger receives progress and warnings; nil uses the log package default
	Logger *log.Logger

	// Metrics is optional
	Metrics *metrics.Instruments

	mu    sync.Mutex
	conn  io.ReadWriteCloser
	state State
}

// NewController returns a controller using conn with the default loop settings
func NewController(conn io.ReadWriteCloser) *Controller {
	return &Controller{
		Settle:      100 * time.Millisecond,
		Tolerance:   5,
		MaxAttempts: 50,
		ReadTries:   3,
		conn:        conn}
}

// Open opens the driver on the serial port addr.  A port already held by
// another controller is refused with comm.ErrInUse.
func Open(addr string) (*Controller, error) {
	port, err := comm.OpenSerial(comm.SerialConf(addr, Baud))
	if err != nil {
		return nil, err
	}
	return NewController(port), nil
}

// Close releases the connection
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// State returns a copy of the power state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// send writes one command frame.  The caller must hold c.mu
func (c *Controller) send(op Opcode, data uint16) error {
	frame := Encode(op, data)
	n, err := c.conn.Write(frame[:])
	if err != nil {
		return err
	}
	if n != len(frame) {
		return errors.New("laser driver did not accept all bytes when sending command")
	}
	return nil
}

// command sends a frame that has no reply
func (c *Controller) command(ctx context.Context, op Opcode, data uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(op, data)
}

// exchange sends a query and collects one reply block.  The caller must hold c.mu
func (c *Controller) exchange(op Opcode) ([]byte, error) {
	if err := c.send(op, 0); err != nil {
		return nil, err
	}
	var workspace [respSize]byte
	n, err := comm.ReadFrame(c.conn, workspace[:], c.ReadTries)
	if err != nil {
		return nil, err
	}
	return workspace[:n], nil
}

// Query sends a query and decodes the reply.  ok is false when the driver
// replied with nothing usable; that is not an error.
func (c *Controller) Query(ctx context.Context, op Opcode) (Reading, bool, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, err := c.exchange(op)
	if err != nil {
		return Reading{}, false, err
	}
	r, ok, err := c.Decoder.Decode(buf)
	if err != nil || !ok {
		return r, ok, err
	}
	switch r.Kind {
	case KindPower:
		c.state.Observed = int(r.Value)
		c.state.ObservedAt = time.Now()
		c.Metrics.PowerObserved(c.state.Observed)
	case KindClosed:
		c.state.On = false
	}
	return r, true, nil
}

func (c *Controller) queryKind(ctx context.Context, op Opcode, k Kind) (Reading, error) {
	r, ok, err := c.Query(ctx, op)
	if err != nil {
		return r, err
	}
	if !ok || r.Kind != k {
		return r, fmt.Errorf("%w: expected %s", ErrNoReply, k)
	}
	return r, nil
}

// Power queries the output power in mW
func (c *Controller) Power(ctx context.Context) (int, error) {
	r, err := c.queryKind(ctx, OpPower, KindPower)
	return int(r.Value), err
}

// Version queries the firmware version
func (c *Controller) Version(ctx context.Context) (string, error) {
	r, err := c.queryKind(ctx, OpVersion, KindVersion)
	return r.Version, err
}

// TECTemperature queries the TEC temperature in °C
func (c *Controller) TECTemperature(ctx context.Context) (float64, error) {
	r, err := c.queryKind(ctx, OpTECTemperature, KindTECTemperature)
	return r.Value, err
}

// TECCurrent queries the TEC current in mA
func (c *Controller) TECCurrent(ctx context.Context) (int, error) {
	r, err := c.queryKind(ctx, OpTECCurrent, KindTECCurrent)
	return int(r.Value), err
}

// LDCurrent queries the laser diode current in mA
func (c *Controller) LDCurrent(ctx context.Context) (int, error) {
	r, err := c.queryKind(ctx, OpLDCurrent, KindLDCurrent)
	return int(r.Value), err
}

// Params queries the driver parameter block and returns it undecoded
func (c *Controller) Params(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchange(OpParams)
}

// Poll cycles through the status queries in the order the driver's own
// software does: version, power, TEC temperature, TEC current, LD current.
// Queries that go unanswered leave their field zero and are reported in
// the joined error; the pass continues regardless.
func (c *Controller) Poll(ctx context.Context) (Telemetry, error) {
	var (
		t    Telemetry
		errs []error
		err  error
	)
	if t.Version, err = c.Version(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.Power, err = c.Power(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.TECTemp, err = c.TECTemperature(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.TECCurrent, err = c.TECCurrent(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.LDCurrent, err = c.LDCurrent(ctx); err != nil {
		errs = append(errs, err)
	}
	return t, errors.Join(errs...)
}

// LaserOn opens the laser
func (c *Controller) LaserOn(ctx context.Context) error {
	if err := c.command(ctx, OpEmission, 0x0100); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.On = true
	c.mu.Unlock()
	return nil
}

// LaserOff closes the laser and consumes the driver's acknowledgement
func (c *Controller) LaserOff(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(OpEmission, 0); err != nil {
		return err
	}
	var ack [respSize]byte
	n, err := comm.ReadFrame(c.conn, ack[:], 1)
	if err != nil {
		return err
	}
	if r, ok, _ := c.Decoder.Decode(ack[:n]); n > 0 && (!ok || r.Kind != KindClosed) {
		c.logf("hpl: unexpected reply to close: % x", ack[:n])
	}
	c.state.On = false
	return nil
}

// FanOn turns the driver fan on
func (c *Controller) FanOn(ctx context.Context) error {
	return c.command(ctx, OpFan, 0)
}

// FanOff turns the driver fan off
func (c *Controller) FanOff(ctx context.Context) error {
	return c.command(ctx, OpFan, 0x0100)
}

func (c *Controller) clamp(p int) int {
	cp := util.ClampInt(p, MinPower, MaxPower)
	if cp != p {
		c.logf("hpl: power %d mW outside [%d, %d], using %d", p, MinPower, MaxPower, cp)
	}
	return cp
}

// SetPower commands an output power in mW, clamped to [MinPower, MaxPower].
// It does not wait for the laser to get there; see SetPowerState.
func (c *Controller) SetPower(ctx context.Context, p int) error {
	p = c.clamp(p)
	if err := c.command(ctx, OpSetPower, uint16(p)); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.Commanded = p
	c.mu.Unlock()
	c.Metrics.PowerCommanded(p)
	return nil
}

// retryable reports whether a failed exchange is worth another attempt
func retryable(err error) bool {
	return errors.Is(err, errNotConverged) ||
		errors.Is(err, ErrShortFrame) ||
		errors.Is(err, ErrBadFrame) ||
		errors.Is(err, ErrChecksum)
}

// SetPowerState commands target (clamped) and waits for the reported power
// to come within Tolerance of it: set, settle, read back, compare, repeated
// at most MaxAttempts times.  Exhausting the attempts returns an error
// wrapping ErrConvergenceTimeout.  Cancelling ctx stops the loop at the next
// command, settle or read.
func (c *Controller) SetPowerState(ctx context.Context, target int) error {
	target = c.clamp(target)
	last := -1
	attempts := 0
	op := func() error {
		attempts++
		if err := c.SetPower(ctx, target); err != nil {
			return backoff.Permanent(err)
		}
		if err := util.Sleep(ctx, c.Settle); err != nil {
			return backoff.Permanent(err)
		}
		r, ok, err := c.Query(ctx, OpPower)
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if !ok || r.Kind != KindPower {
			return errNotConverged
		}
		last = int(r.Value)
		diff := last - target
		if diff < 0 {
			diff = -diff
		}
		if diff <= c.Tolerance {
			return nil
		}
		c.logf("hpl: setting power, target %d mW, reported %d mW, error %d", target, last, diff)
		return errNotConverged
	}

	// ctx is honored inside op, which turns cancellation into a permanent
	// error; only running out of attempts ends the retries otherwise
	var b backoff.BackOff = &backoff.StopBackOff{}
	if c.MaxAttempts > 1 {
		b = backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(c.MaxAttempts-1))
	}
	err := backoff.Retry(op, b)
	if err == nil {
		c.logf("hpl: power set, target %d mW, reported %d mW", target, last)
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if retryable(err) && attempts >= c.MaxAttempts {
		c.Metrics.ConvergenceTimeout()
		return fmt.Errorf("%w: target %d mW, last reading %d mW after %d attempts",
			ErrConvergenceTimeout, target, last, attempts)
	}
	return err
}
