package ssd1331

import (
	"github.com/pkg/errors"
)

// SSD1331 command registers.
const (
	CmdColumnAddress        = 0x15
	CmdRowAddress           = 0x75
	CmdDrawLine             = 0x21
	CmdDrawRectangle        = 0x22
	CmdClearWindow          = 0x25
	CmdFillEnable           = 0x26
	CmdDeactivateScrolling  = 0x2E
	CmdContrastA            = 0x81
	CmdContrastB            = 0x82
	CmdContrastC            = 0x83
	CmdMasterCurrentControl = 0x87
	CmdPrechargeSpeedA      = 0x8A
	CmdPrechargeSpeedB      = 0x8B
	CmdPrechargeSpeedC      = 0x8C
	CmdRemapColorDepth      = 0xA0
	CmdDisplayStartLine     = 0xA1
	CmdDisplayOffset        = 0xA2
	CmdDisplayNormal        = 0xA4
	CmdDisplayAllOn         = 0xA5
	CmdDisplayAllOff        = 0xA6
	CmdDisplayInverse       = 0xA7
	CmdMultiplexRatio       = 0xA8
	CmdDisplayOnDim         = 0xAC
	CmdMasterConfig         = 0xAD
	CmdDisplayOff           = 0xAE
	CmdDisplayOn            = 0xAF
	CmdPowerSaveMode        = 0xB0
	CmdPhasePeriodAdjust    = 0xB1
	CmdClockDivider         = 0xB3
	CmdPrechargeLevel       = 0xBB
	CmdVCOMH                = 0xBE
	CmdLockState            = 0xFD
)

// ErrMalformedProgram is returned for tables with a truncated record or no
// terminating zero.
var ErrMalformedProgram = errors.New("ssd1331: malformed program")

// Op is one register write: the register address followed by its values.
type Op []byte

// NewOp returns the write of args to reg.
func NewOp(reg byte, args ...byte) Op {
	return append(Op{reg}, args...)
}

// Program is a table of register writes.
//
// Each record is laid out as [length][register][values...], where length
// counts the register and its values, and the table ends with a zero length.
// Running a Program selects the controller once per record.
type Program []byte

// NewProgram encodes ops into a Program.
//
// It panics if an op is empty or longer than 255 bytes; tables are meant to be
// built once at package initialization.
func NewProgram(ops ...Op) Program {
	n := 1
	for _, op := range ops {
		n += 1 + len(op)
	}
	p := make(Program, 0, n)
	for _, op := range ops {
		if len(op) == 0 || len(op) > 255 {
			panic("ssd1331: op length must be between 1 and 255")
		}
		p = append(p, byte(len(op)))
		p = append(p, op...)
	}
	return append(p, 0)
}

// Each calls fn for every record in order, stopping at the terminating zero or
// at the first error.
//
// Records are decoded lazily; call Validate first when a partial run must be
// avoided.
func (p Program) Each(fn func(op Op) error) error {
	for i := 0; ; {
		if i >= len(p) {
			return errors.Wrap(ErrMalformedProgram, "missing terminator")
		}
		n := int(p[i])
		if n == 0 {
			return nil
		}
		if i+1+n > len(p) {
			return errors.Wrapf(ErrMalformedProgram, "record at offset %d truncated", i)
		}
		if err := fn(Op(p[i+1 : i+1+n])); err != nil {
			return err
		}
		i += 1 + n
	}
}

// Validate checks that every record is complete and the table is terminated.
func (p Program) Validate() error {
	return p.Each(func(Op) error { return nil })
}

// Ops returns the decoded records.
func (p Program) Ops() ([]Op, error) {
	var ops []Op
	err := p.Each(func(op Op) error {
		ops = append(ops, op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// DefaultProgram returns the configuration table for a w×h panel in 65k
// color mode, ending with a clear of the whole visible area.
//
// With unlock, the table starts by unlocking the command interface; some
// controllers power up locked.
func DefaultProgram(w, h int, unlock bool) Program {
	var ops []Op
	if unlock {
		ops = append(ops, NewOp(CmdLockState, 0x12))
	}
	ops = append(ops,
		NewOp(CmdDisplayOff),
		NewOp(CmdRemapColorDepth, 0x72), // 65k colors, COM split, column remap
		NewOp(CmdDisplayStartLine, 0),
		NewOp(CmdDisplayOffset, 0),
		NewOp(CmdDisplayNormal),
		NewOp(CmdMultiplexRatio, byte(h-1)),
		NewOp(CmdMasterConfig, 0x8E), // External VCC
		NewOp(CmdPowerSaveMode, 0x0B),
		NewOp(CmdPhasePeriodAdjust, 0x31),
		NewOp(CmdClockDivider, 0xF0),
		NewOp(CmdPrechargeSpeedA, 0x64),
		NewOp(CmdPrechargeSpeedB, 0x78),
		NewOp(CmdPrechargeSpeedC, 0x64),
		NewOp(CmdPrechargeLevel, 0x3A),
		NewOp(CmdVCOMH, 0x3E),
		NewOp(CmdMasterCurrentControl, 0x06),
		NewOp(CmdContrastA, 0x91),
		NewOp(CmdContrastB, 0x50),
		NewOp(CmdContrastC, 0x7D),
		NewOp(CmdDeactivateScrolling),
		NewOp(CmdClearWindow, 0, 0, byte(w-1), byte(h-1)),
	)
	return NewProgram(ops...)
}
