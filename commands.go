package ssd1331

import (
	"image"
	"image/color"

	"github.com/pkg/errors"

	"periph.io/x/devices/v3/ssd1331/image16bit"
)

// Mode is the display mode set by SetMode.
type Mode byte

// Display modes.
const (
	ModeNormal  Mode = CmdDisplayNormal
	ModeAllOn   Mode = CmdDisplayAllOn
	ModeAllOff  Mode = CmdDisplayAllOff
	ModeInverse Mode = CmdDisplayInverse
)

// colorBytes encodes c the way the drawing commands expect it: 5 bits red
// and blue shifted into 6 bits fields, 6 bits green.
func colorBytes(c color.Color) []byte {
	r, g, b := image16bit.RGB565Model.Convert(c).(image16bit.RGB565).Components()
	return []byte{r << 1, g, b << 1}
}

func (d *Dev) inBounds(points ...image.Point) error {
	for _, p := range points {
		if !p.In(d.rect) {
			return errors.Wrapf(ErrOutOfBounds, "%v", p)
		}
	}
	return nil
}

// DrawLine draws a line from p0 to p1 with the controller's line engine.
func (d *Dev) DrawLine(p0, p1 image.Point, c color.Color) error {
	if err := d.ready(); err != nil {
		return err
	}
	if err := d.inBounds(p0, p1); err != nil {
		return err
	}
	args := append([]byte{byte(p0.X), byte(p0.Y), byte(p1.X), byte(p1.Y)}, colorBytes(c)...)
	return d.command(NewOp(CmdDrawLine, args...))
}

// DrawRect draws the outline of r, Max exclusive, filled with fill when not
// nil.
func (d *Dev) DrawRect(r image.Rectangle, outline, fill color.Color) error {
	if err := d.ready(); err != nil {
		return err
	}
	if r.Empty() || !r.In(d.rect) {
		return errors.Wrapf(ErrOutOfBounds, "%v", r)
	}
	enable := byte(0)
	fillBytes := []byte{0, 0, 0}
	if fill != nil {
		enable = 1
		fillBytes = colorBytes(fill)
	}
	args := []byte{byte(r.Min.X), byte(r.Min.Y), byte(r.Max.X - 1), byte(r.Max.Y - 1)}
	args = append(args, colorBytes(outline)...)
	args = append(args, fillBytes...)
	return d.command(
		NewOp(CmdFillEnable, enable),
		NewOp(CmdDrawRectangle, args...),
	)
}

// ClearWindow blanks r, Max exclusive.
func (d *Dev) ClearWindow(r image.Rectangle) error {
	if err := d.ready(); err != nil {
		return err
	}
	if r.Empty() || !r.In(d.rect) {
		return errors.Wrapf(ErrOutOfBounds, "%v", r)
	}
	if err := d.command(NewOp(CmdClearWindow, byte(r.Min.X), byte(r.Min.Y), byte(r.Max.X-1), byte(r.Max.Y-1))); err != nil {
		return err
	}
	// Keep the frame buffers in sync so Draw repaints cleared pixels.
	for y := r.Min.Y; y < r.Max.Y; y++ {
		i := 2 * (y*d.rect.Dx() + r.Min.X)
		clear(d.buffer[i : i+2*r.Dx()])
		if d.next != nil {
			clear(d.next.Pix[i : i+2*r.Dx()])
		}
	}
	return nil
}

// SetContrast sets the contrast of each color channel (0-255).
func (d *Dev) SetContrast(a, b, c byte) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.command(
		NewOp(CmdContrastA, a),
		NewOp(CmdContrastB, b),
		NewOp(CmdContrastC, c),
	)
}

// SetMode selects normal, all on, all off or inverse display.
func (d *Dev) SetMode(m Mode) error {
	if err := d.ready(); err != nil {
		return err
	}
	switch m {
	case ModeNormal, ModeAllOn, ModeAllOff, ModeInverse:
	default:
		return errors.Errorf("ssd1331: invalid mode 0x%02X", byte(m))
	}
	return d.command(NewOp(byte(m)))
}

// Invert inverts the display colors.
func (d *Dev) Invert(invert bool) error {
	if invert {
		return d.SetMode(ModeInverse)
	}
	return d.SetMode(ModeNormal)
}

// Dim switches between dim and full brightness.
func (d *Dev) Dim(dim bool) error {
	if err := d.ready(); err != nil {
		return err
	}
	cmd := byte(CmdDisplayOn)
	if dim {
		cmd = CmdDisplayOnDim
	}
	return d.command(NewOp(cmd))
}

// StopScroll stops hardware scrolling.
func (d *Dev) StopScroll() error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.command(NewOp(CmdDeactivateScrolling))
}
