package bitbang

import (
	"fmt"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
)

// Device is one peripheral on a Port, addressed by its chip-select line.
//
// Every Tx is a single chip-select bracket.
type Device struct {
	p  *Port
	cs gpio.PinOut
	// Filler is sent while reading when Tx gets no bytes to write.
	Filler byte
}

var _ conn.Conn = &Device{}

// Device returns the peripheral selected by cs. A nil cs uses the Bus CS line.
func (p *Port) Device(cs gpio.PinOut) *Device {
	return &Device{p: p, cs: cs, Filler: 0xFF}
}

// Tx selects the device, transfers, and deselects it.
//
// With an empty r only w is sent. With an empty w, r is read while Filler is
// sent. Otherwise both must have the same length.
func (d *Device) Tx(w, r []byte) error {
	if len(w) != 0 && len(r) != 0 && len(w) != len(r) {
		return ErrLengthMismatch
	}
	if err := d.p.ChipSelect(d.cs); err != nil {
		return err
	}
	var err error
	switch {
	case len(r) == 0:
		err = d.p.Write(w)
	case len(w) == 0:
		err = d.p.Read(d.Filler, r)
	default:
		err = d.p.Tx(w, r)
	}
	return multierr.Append(err, d.p.ChipDeselect(d.cs))
}

// Duplex implements conn.Conn.
func (d *Device) Duplex() conn.Duplex {
	return conn.Full
}

// Halt implements conn.Resource. Transfers run to completion, so there is
// nothing to stop.
func (d *Device) Halt() error {
	return nil
}

func (d *Device) String() string {
	cs := d.cs
	if cs == nil {
		cs = d.p.bus.CS
	}
	return fmt.Sprintf("%s/%s", d.p, cs)
}
