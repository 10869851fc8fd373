/*
Package comm provides exclusively owned links to lab hardware.

A device address (a serial port name, a camera index) may be held by only one
owner at a time.  Opening an address that is already held fails immediately
with ErrInUse; the hold is released when the owner calls Close.

Most usages of this package will boil down to:
 1. build a *serial.Config with SerialConf
 2. OpenSerial it, which retries transient failures with a backoff
 3. hand the resulting *Port to a device type as an io.ReadWriteCloser
 4. read fixed-size replies with ReadFrame
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrDeviceUnavailable is generated when a device cannot be opened
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrInUse is generated when an address is already held by another owner
	ErrInUse = errors.New("device already in use")

	// ErrNotConnected is generated when Read or Write is called on a closed Port
	ErrNotConnected = errors.New("port is closed, not connected to remote")

	regMu sync.Mutex
	held  = map[string]struct{}{}
)

// Acquire reserves addr for exclusive use.  The returned release func
// frees the reservation and is safe to call more than once.
func Acquire(addr string) (release func(), err error) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, ok := held[addr]; ok {
		return nil, fmt.Errorf("%s: %w", addr, ErrInUse)
	}
	held[addr] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			regMu.Lock()
			delete(held, addr)
			regMu.Unlock()
		})
	}, nil
}

// SerialConf makes a new serial.Config with 8N1 framing and a one second
// read timeout, which is what the laser drivers in this module speak
func SerialConf(addr string, baud int) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 1 * time.Second}
}

// OpenFunc returns a new connection to something.
// A closure should be used to encapsulate the variables needed.
type OpenFunc func() (io.ReadWriteCloser, error)

// Port is an exclusively held connection.  It is concurrent safe, though
// device types layered on top usually hold their own lock around a
// write-then-read exchange.
type Port struct {
	Addr string

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	release func()
}

// Open reserves addr and establishes a connection with open.
//
// transient failures are retried with an exponential backoff, the same
// way the serial drivers in this module have always been opened.  A missing
// device is not retried.
func Open(addr string, open OpenFunc) (*Port, error) {
	release, err := Acquire(addr)
	if err != nil {
		return nil, err
	}
	var conn io.ReadWriteCloser
	op := func() error {
		c, err := open()
		if err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	err = backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, addr, err)
	}
	return &Port{Addr: addr, conn: conn, release: release}, nil
}

// OpenSerial opens the serial port described by conf
func OpenSerial(conf *serial.Config) (*Port, error) {
	return Open(conf.Name, func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	})
}

// Write implements io.Writer
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return 0, ErrNotConnected
	}
	return p.conn.Write(b)
}

// Read implements io.Reader
func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return 0, ErrNotConnected
	}
	return p.conn.Read(b)
}

// Close the connection and release the address.  Closing twice is a no-op.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	p.release()
	return err
}

// ReadFrame fills buf from r, creeping through the reply since serial
// devices often deliver a frame over several reads.  At most maxTries reads
// are issued.  A port timeout consumes a try; it shows up as a read of no
// bytes, with a nil error or with io.EOF, since serial ports on posix
// systems are plain files.  The number of bytes read is returned; it is
// less than len(buf) when the device went quiet.
func ReadFrame(r io.Reader, buf []byte, maxTries int) (int, error) {
	nTotal := 0
	for i := 0; i < maxTries && nTotal < len(buf); i++ {
		n, err := r.Read(buf[nTotal:])
		nTotal += n
		if err != nil && !errors.Is(err, io.EOF) {
			return nTotal, err
		}
	}
	return nTotal, nil
}
