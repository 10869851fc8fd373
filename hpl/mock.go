package hpl

import (
	"bytes"
	"errors"
	"sync"
)

// Command is one frame accepted by MockLaser
type Command struct {
	Op   Opcode
	Data uint16
}

// MockLaser is an in-memory laser driver speaking the serial protocol.  It
// satisfies io.ReadWriteCloser and can be handed to NewController.
//
// Each power query moves the output toward the commanded power by at most
// Slew mW (0 jumps straight there); Bias is added to every power reading.
// A closed laser reports 0 mW.  Frames with a bad checksum are dropped
// without a reply, as the hardware does.
type MockLaser struct {
	sync.Mutex

	Slew int
	Bias int

	Version string
	TECTemp float64

	on       bool
	fan      bool
	target   int
	output   int
	rejected int
	cmds     []Command
	in       bytes.Buffer
	out      bytes.Buffer
	closed   bool
}

// NewMockLaser returns a closed mock laser
func NewMockLaser() *MockLaser {
	return &MockLaser{Version: "1.4", TECTemp: 25}
}

// Write implements io.Writer, accepting any number of whole or partial frames
func (m *MockLaser) Write(p []byte) (int, error) {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return 0, errors.New("mock laser: write on closed port")
	}
	m.in.Write(p)
	for m.in.Len() >= cmdSize {
		frame := m.in.Next(cmdSize)
		op, data, err := ParseCommand(frame)
		if err != nil {
			m.rejected++
			continue
		}
		m.cmds = append(m.cmds, Command{Op: op, Data: data})
		m.handle(op, data)
	}
	return len(p), nil
}

func (m *MockLaser) reply(r Reading) {
	b := EncodeReply(r)
	m.out.Write(b[:])
}

func (m *MockLaser) handle(op Opcode, data uint16) {
	switch op {
	case OpEmission:
		m.on = data != 0
		if !m.on {
			m.output = 0
			m.reply(Reading{Kind: KindClosed})
		}
	case OpFan:
		m.fan = data == 0
	case OpSetPower:
		m.target = int(data)
	case OpVersion:
		m.reply(Reading{Kind: KindVersion, Version: m.Version})
	case OpPower:
		m.slew()
		p := m.output + m.Bias
		if p < 0 {
			p = 0
		}
		m.reply(Reading{Kind: KindPower, Value: float64(p)})
	case OpTECTemperature:
		m.reply(Reading{Kind: KindTECTemperature, Value: m.TECTemp})
	case OpTECCurrent:
		m.reply(Reading{Kind: KindTECCurrent, Value: float64(m.output) / 4})
	case OpLDCurrent:
		m.reply(Reading{Kind: KindLDCurrent, Value: float64(m.output) * 2})
	case OpParams:
		var blk [respSize]byte
		blk[0] = 0x86
		m.out.Write(blk[:])
	}
}

func (m *MockLaser) slew() {
	if !m.on {
		m.output = 0
		return
	}
	d := m.target - m.output
	if m.Slew > 0 {
		if d > m.Slew {
			d = m.Slew
		} else if d < -m.Slew {
			d = -m.Slew
		}
	}
	m.output += d
}

// Read implements io.Reader.  With no reply pending it returns 0, nil the
// way a serial port does on read timeout.
func (m *MockLaser) Read(p []byte) (int, error) {
	m.Lock()
	defer m.Unlock()
	if m.out.Len() == 0 {
		return 0, nil
	}
	return m.out.Read(p)
}

// Close implements io.Closer
func (m *MockLaser) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}

// Output is the present optical output in mW
func (m *MockLaser) Output() int {
	m.Lock()
	defer m.Unlock()
	return m.output
}

// On reports whether the laser is open
func (m *MockLaser) On() bool {
	m.Lock()
	defer m.Unlock()
	return m.on
}

// Fan reports whether the fan is running
func (m *MockLaser) Fan() bool {
	m.Lock()
	defer m.Unlock()
	return m.fan
}

// Commands returns the accepted frames in order of arrival
func (m *MockLaser) Commands() []Command {
	m.Lock()
	defer m.Unlock()
	return append([]Command(nil), m.cmds...)
}

// Rejected is the number of frames dropped for a bad checksum or markers
func (m *MockLaser) Rejected() int {
	m.Lock()
	defer m.Unlock()
	return m.rejected
}
