package hpl

import (
	"errors"
	"fmt"
)

// command primer
//
// commands are 7 bytes: [SOC] [00] [opcode] [data hi] [data lo] [checksum] [EOC]
// the checksum is opcode ^ hi ^ lo.  Replies are 16 byte blocks, the first
// byte of which is a tag that selects how the rest is decoded.
//
// numeric replies encode a value as hi*255 + lo.  That is not base 256, but
// it is what the driver firmware does, so it is kept as is.
const (
	soc      = 0xAA // start of command
	eoc      = 0x8E // end of command
	cmdSize  = 7
	respSize = 16
)

// Opcode is the command byte of a frame
type Opcode byte

const (
	// OpEmission turns the laser on (data 0x0100) or off (data 0)
	OpEmission Opcode = 0x00
	// OpSetPower sets the output power in mW
	OpSetPower Opcode = 0x01
	// OpVersion queries the firmware version
	OpVersion Opcode = 0x02
	// OpPower queries the output power
	OpPower Opcode = 0x03
	// OpParams queries the driver parameter block
	OpParams Opcode = 0x06
	// OpFan turns the fan on (data 0) or off (data 0x0100)
	OpFan Opcode = 0x07
	// OpTECTemperature queries the TEC temperature
	OpTECTemperature Opcode = 0x0E
	// OpTECCurrent queries the TEC current
	OpTECCurrent Opcode = 0x0F
	// OpLDCurrent queries the laser diode current
	OpLDCurrent Opcode = 0x10
)

// reply tags
const (
	tagClosed  = 0x82
	tagData    = 0x83
	tagVersion = 0x84
)

var (
	// ErrChecksum is generated when a command frame's checksum does not match its payload
	ErrChecksum = errors.New("checksum mismatch")

	// ErrShortFrame is generated when fewer bytes than a full frame were received
	ErrShortFrame = errors.New("frame shorter than expected")

	// ErrBadFrame is generated when the frame markers or tag are not recognized
	ErrBadFrame = errors.New("malformed frame")
)

// checksum is the XOR of the opcode and data bytes
func checksum(op, hi, lo byte) byte {
	return op ^ hi ^ lo
}

// Encode builds a command frame
func Encode(op Opcode, data uint16) [cmdSize]byte {
	hi, lo := byte(data>>8), byte(data)
	return [cmdSize]byte{soc, 0x00, byte(op), hi, lo, checksum(byte(op), hi, lo), eoc}
}

// ParseCommand is the inverse of Encode, and is what a conformant device
// does with the bytes it receives
func ParseCommand(b []byte) (Opcode, uint16, error) {
	if len(b) < cmdSize {
		return 0, 0, ErrShortFrame
	}
	if b[0] != soc || b[6] != eoc {
		return 0, 0, fmt.Errorf("%w: markers %02x..%02x", ErrBadFrame, b[0], b[6])
	}
	if checksum(b[2], b[3], b[4]) != b[5] {
		return 0, 0, fmt.Errorf("%w: expected %02x, got %02x", ErrChecksum, checksum(b[2], b[3], b[4]), b[5])
	}
	return Opcode(b[2]), uint16(b[3])<<8 | uint16(b[4]), nil
}

// Kind identifies what a reply carried
type Kind int

const (
	// KindVersion is a firmware version reply
	KindVersion Kind = iota
	// KindClosed acknowledges the laser was closed
	KindClosed
	// KindPower is an output power in mW
	KindPower
	// KindTECTemperature is a TEC temperature in °C
	KindTECTemperature
	// KindTECCurrent is a TEC current in mA
	KindTECCurrent
	// KindLDCurrent is a laser diode current in mA
	KindLDCurrent
)

func (k Kind) String() string {
	switch k {
	case KindVersion:
		return "version"
	case KindClosed:
		return "closed"
	case KindPower:
		return "power"
	case KindTECTemperature:
		return "TEC temperature"
	case KindTECCurrent:
		return "TEC current"
	case KindLDCurrent:
		return "LD current"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Reading is one decoded reply
type Reading struct {
	Kind    Kind
	Value   float64
	Version string
}

func (r Reading) String() string {
	switch r.Kind {
	case KindVersion:
		return "version " + r.Version
	case KindClosed:
		return "laser closed"
	case KindTECTemperature:
		return fmt.Sprintf("TEC temperature %.2f °C", r.Value)
	case KindPower:
		return fmt.Sprintf("power %.0f mW", r.Value)
	default:
		return fmt.Sprintf("%s %.0f mA", r.Kind, r.Value)
	}
}

// dataKinds maps the selector byte of a data reply to its kind
var dataKinds = map[byte]Kind{
	byte(OpPower):          KindPower,
	byte(OpTECTemperature): KindTECTemperature,
	byte(OpTECCurrent):     KindTECCurrent,
	byte(OpLDCurrent):      KindLDCurrent,
}

// Decoder decodes reply frames.
//
// The zero value trusts byte offsets the way the driver's own software
// does: anything it cannot make sense of is "no data" rather than an error.
// With Strict set, short frames and unknown tags are reported as errors
// instead; this changes behavior on malformed input, so it is opt in.
type Decoder struct {
	Strict bool
}

// Decode decodes one reply.  ok is false when the reply held no data.
func (d Decoder) Decode(b []byte) (r Reading, ok bool, err error) {
	if d.Strict && len(b) != respSize {
		return Reading{}, false, fmt.Errorf("%w: got %d of %d bytes", ErrShortFrame, len(b), respSize)
	}
	if len(b) == 0 {
		return Reading{}, false, nil
	}
	switch b[0] {
	case tagVersion:
		if len(b) < 3 {
			return Reading{}, false, nil
		}
		return Reading{Kind: KindVersion, Version: fmt.Sprintf("%d.%d", b[1], b[2])}, true, nil
	case tagClosed:
		return Reading{Kind: KindClosed}, true, nil
	case tagData:
		if len(b) < 4 {
			return Reading{}, false, nil
		}
		kind, known := dataKinds[b[1]]
		if !known {
			if d.Strict {
				return Reading{}, false, fmt.Errorf("%w: unknown data selector %02x", ErrBadFrame, b[1])
			}
			return Reading{}, false, nil
		}
		v := float64(decodeValue(b[2], b[3]))
		if kind == KindTECTemperature {
			v /= 100
		}
		return Reading{Kind: kind, Value: v}, true, nil
	default:
		if d.Strict {
			return Reading{}, false, fmt.Errorf("%w: unknown tag %02x", ErrBadFrame, b[0])
		}
		return Reading{}, false, nil
	}
}

func decodeValue(hi, lo byte) int {
	return int(hi)*255 + int(lo)
}

// encodeValue splits v the way the firmware does; v must be below 255*256
func encodeValue(v int) (hi, lo byte) {
	return byte(v / 255), byte(v % 255)
}

// EncodeReply builds a reply frame for r, as the driver would send it
func EncodeReply(r Reading) [respSize]byte {
	var out [respSize]byte
	switch r.Kind {
	case KindVersion:
		out[0] = tagVersion
		var major, minor int
		fmt.Sscanf(r.Version, "%d.%d", &major, &minor)
		out[1], out[2] = byte(major), byte(minor)
	case KindClosed:
		out[0] = tagClosed
	default:
		out[0] = tagData
		v := r.Value
		for sel, k := range dataKinds {
			if k == r.Kind {
				out[1] = sel
			}
		}
		if r.Kind == KindTECTemperature {
			v *= 100
		}
		out[2], out[3] = encodeValue(int(v + 0.5))
	}
	return out
}
