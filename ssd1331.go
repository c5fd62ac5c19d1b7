package ssd1331

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"periph.io/x/devices/v3/ssd1331/bitbang"
	"periph.io/x/devices/v3/ssd1331/image16bit"
)

// Panel geometry of the SSD1331.
const (
	MaxWidth  = 96
	MaxHeight = 64
)

var (
	// ErrNotInitialized is returned by operations issued before bring-up completed.
	ErrNotInitialized = errors.New("ssd1331: not initialized")
	// ErrHalted is returned by operations issued after Halt.
	ErrHalted = errors.New("ssd1331: halted")
	// ErrOutOfBounds is returned for coordinates outside the panel.
	ErrOutOfBounds = errors.New("ssd1331: out of bounds")
	// ErrInvalidSize is returned when pixel data does not match the window.
	ErrInvalidSize = errors.New("ssd1331: invalid buffer size")
)

// Pins are the control lines of the panel.
type Pins struct {
	CS     gpio.PinOut // Chip select; nil to use the bus CS line
	DC     gpio.PinOut // Data/Command: low for commands, high for pixel data
	RST    gpio.PinOut // Reset, active low (optional)
	VCCEN  gpio.PinOut // High voltage rail enable
	PMODEN gpio.PinOut // Ground rail enable (optional)
}

// Opts is the configuration of the display.
//
// Zero values take their DefaultOpts value, delays included. Set SkipDelays
// to run the sequence without waiting, for simulators and tests.
type Opts struct {
	// Display dimensions in pixels
	W int // Width (default: 96, at most 96)
	H int // Height (default: 64, at most 64)

	// Program is the configuration table run during bring-up. Nil selects
	// DefaultProgram(W, H, Unlock).
	Program Program
	// Unlock prepends the command unlock to the default program.
	Unlock bool

	// Rail enable polarity
	VCCActiveLow    bool
	PMODENActiveLow bool

	RailSettle    time.Duration // After enabling the ground rail (≥20µs)
	ResetPulse    time.Duration // Reset low, then high, each (≥3µs)
	PowerSettle   time.Duration // After enabling the high voltage rail (≥100ms)
	DisplaySettle time.Duration // After display on (≥25ms)
	HaltSettle    time.Duration // Between high voltage and ground rail off
	// SkipDelays replaces every wait above with a zero wait.
	SkipDelays bool

	// Delay implements the waits (default: bitbang.NewDelayer(nil)).
	Delay bitbang.Delayer
	// Logger receives bring-up steps at debug level (default: no-op).
	Logger *zap.Logger
}

// DefaultOpts is the PmodOLEDrgb configuration.
var DefaultOpts = Opts{
	W:             MaxWidth,
	H:             MaxHeight,
	RailSettle:    20 * time.Microsecond,
	ResetPulse:    3 * time.Microsecond,
	PowerSettle:   100 * time.Millisecond,
	DisplaySettle: 25 * time.Millisecond,
	HaltSettle:    400 * time.Millisecond,
}

// Dev is the device handle for the SSD1331 display.
type Dev struct {
	// Communication
	c    conn.Conn
	pins Pins

	delay bitbang.Delayer
	log   *zap.Logger
	opts  Opts

	// Display geometry
	rect image.Rectangle

	// Pixel buffers
	buffer []byte            // Last frame sent through Write or Draw
	next   *image16bit.Image // Lazily allocated by Draw

	s      Session
	halted bool
}

var _ display.Drawer = &Dev{}

// New brings up the display on a bit-banged bus.
//
// opts can be nil to use DefaultOpts.
func New(p *bitbang.Port, pins Pins, opts *Opts) (*Dev, error) {
	return newDev(p.Device(pins.CS), pins, opts)
}

// NewSPI brings up the display on a hardware SPI port.
//
// The port is configured for 6.25MHz, Mode3 (CPOL=1, CPHA=1): the clock idles
// high and data is latched on the rising edge, as on the bit-banged bus. The
// port drives chip select, so pins.CS is normally nil.
func NewSPI(p spi.Port, pins Pins, opts *Opts) (*Dev, error) {
	c, err := p.Connect(6250*physic.KiloHertz, spi.Mode3, 8)
	if err != nil {
		return nil, errors.Wrap(err, "ssd1331: connect")
	}
	return newDev(c, pins, opts)
}

func newDev(c conn.Conn, pins Pins, opts *Opts) (*Dev, error) {
	o := DefaultOpts
	if opts != nil {
		o = *opts
	}
	if o.W == 0 {
		o.W = MaxWidth
	}
	if o.H == 0 {
		o.H = MaxHeight
	}
	delays := []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&o.RailSettle, DefaultOpts.RailSettle},
		{&o.ResetPulse, DefaultOpts.ResetPulse},
		{&o.PowerSettle, DefaultOpts.PowerSettle},
		{&o.DisplaySettle, DefaultOpts.DisplaySettle},
		{&o.HaltSettle, DefaultOpts.HaltSettle},
	}
	for _, f := range delays {
		if *f.v < 0 {
			return nil, errors.New("ssd1331: delays must not be negative")
		}
		if *f.v == 0 {
			*f.v = f.def
		}
		if o.SkipDelays {
			*f.v = 0
		}
	}
	if o.W < 0 || o.W > MaxWidth {
		return nil, errors.Errorf("ssd1331: width must be between 1 and %d", MaxWidth)
	}
	if o.H < 0 || o.H > MaxHeight {
		return nil, errors.Errorf("ssd1331: height must be between 1 and %d", MaxHeight)
	}
	if pins.DC == nil || pins.VCCEN == nil {
		return nil, errors.New("ssd1331: DC and VCCEN are required")
	}
	if o.Program == nil {
		o.Program = DefaultProgram(o.W, o.H, o.Unlock)
	}
	if err := o.Program.Validate(); err != nil {
		return nil, err
	}
	if o.Delay == nil {
		o.Delay = bitbang.NewDelayer(nil)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	d := &Dev{
		c:      c,
		pins:   pins,
		delay:  o.Delay,
		log:    o.Logger,
		opts:   o,
		rect:   image.Rect(0, 0, o.W, o.H),
		buffer: make([]byte, 2*o.W*o.H),
	}
	if err := d.init(); err != nil {
		// The caller gets no Dev to Halt, so drop the rails here.
		return nil, multierr.Append(err, d.powerOff())
	}
	return d, nil
}

// init runs the power-up sequence. The order of the steps matters: the
// controller must be configured before the high voltage rail is enabled.
func (d *Dev) init() error {
	if d.pins.CS != nil {
		if err := d.pins.CS.Out(gpio.High); err != nil {
			return errors.Wrap(err, "ssd1331: deassert CS")
		}
	}
	if err := d.setDataMode(false); err != nil {
		return err
	}
	if d.pins.RST != nil {
		if err := d.setReset(false); err != nil {
			return err
		}
	}

	// Ground rail first, high voltage rail stays off.
	if err := d.pins.VCCEN.Out(level(false, d.opts.VCCActiveLow)); err != nil {
		return errors.Wrap(err, "ssd1331: disable VCC")
	}
	if d.pins.PMODEN != nil {
		if err := d.pins.PMODEN.Out(level(true, d.opts.PMODENActiveLow)); err != nil {
			return errors.Wrap(err, "ssd1331: enable PMODEN")
		}
	}
	d.s.Rails = RailsGround
	d.delay.Sleep(d.opts.RailSettle)

	if d.pins.RST != nil {
		if err := d.setReset(true); err != nil {
			return err
		}
		d.delay.Sleep(d.opts.ResetPulse)
		if err := d.setReset(false); err != nil {
			return err
		}
		d.delay.Sleep(d.opts.ResetPulse)
	}
	d.log.Debug("controller reset", zap.Stringer("session", d.s))

	if err := d.run(d.opts.Program); err != nil {
		return errors.Wrap(err, "ssd1331: configure")
	}

	if err := d.pins.VCCEN.Out(level(true, d.opts.VCCActiveLow)); err != nil {
		return errors.Wrap(err, "ssd1331: enable VCC")
	}
	d.s.Rails = RailsFull
	d.delay.Sleep(d.opts.PowerSettle)

	if err := d.command(NewOp(CmdDisplayOn)); err != nil {
		return errors.Wrap(err, "ssd1331: display on")
	}
	d.s.DisplayOn = true
	d.delay.Sleep(d.opts.DisplaySettle)

	d.s.Initialized = true
	d.log.Debug("display ready", zap.Stringer("dev", d))
	return nil
}

// level returns the line level that puts an enable input in state on.
func level(on, activeLow bool) gpio.Level {
	return gpio.Level(on != activeLow)
}

func (d *Dev) setReset(active bool) error {
	if err := d.pins.RST.Out(gpio.Level(!active)); err != nil {
		return errors.Wrap(err, "ssd1331: drive RST")
	}
	d.s.InReset = active
	return nil
}

func (d *Dev) setDataMode(data bool) error {
	if err := d.pins.DC.Out(gpio.Level(data)); err != nil {
		return errors.Wrap(err, "ssd1331: drive DC")
	}
	d.s.DataMode = data
	return nil
}

// command sends each op in its own chip-select bracket.
func (d *Dev) command(ops ...Op) error {
	for _, op := range ops {
		if err := d.c.Tx(op, nil); err != nil {
			return err
		}
	}
	return nil
}

// run executes a validated program.
func (d *Dev) run(p Program) error {
	return p.Each(func(op Op) error {
		return d.command(op)
	})
}

// sendData streams pix with DC high and restores command mode afterwards.
func (d *Dev) sendData(pix []byte) error {
	if err := d.setDataMode(true); err != nil {
		return err
	}
	err := d.c.Tx(pix, nil)
	return multierr.Append(err, d.setDataMode(false))
}

// setWindow addresses columns x0..x1 and rows y0..y1, inclusive.
func (d *Dev) setWindow(x0, y0, x1, y1 int) error {
	if err := d.command(
		NewOp(CmdColumnAddress, byte(x0), byte(x1)),
		NewOp(CmdRowAddress, byte(y0), byte(y1)),
	); err != nil {
		return err
	}
	d.s.Window = image.Rect(x0, y0, x1+1, y1+1)
	return nil
}

func (d *Dev) ready() error {
	if d.halted {
		return ErrHalted
	}
	if !d.s.Initialized {
		return ErrNotInitialized
	}
	return nil
}

// Run executes a program, one chip-select bracket per record.
//
// The program is validated first, so a malformed table sends nothing.
func (d *Dev) Run(p Program) error {
	if err := d.ready(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	return d.run(p)
}

// Send streams raw pixels starting at (x, y).
//
// The window always extends to the right and bottom edges of the panel, so
// pix should cover whole rows from x to the right edge. Pixels are 16 bits,
// most significant byte first; no conversion is done.
func (d *Dev) Send(x, y int, pix []byte) error {
	if err := d.ready(); err != nil {
		return err
	}
	if !(image.Point{X: x, Y: y}.In(d.rect)) {
		return errors.Wrapf(ErrOutOfBounds, "(%d, %d)", x, y)
	}
	if err := d.setWindow(x, y, d.rect.Dx()-1, d.rect.Dy()-1); err != nil {
		return err
	}
	return d.sendData(pix)
}

// SendRect streams raw pixels into r. pix must hold exactly r.Dx()*r.Dy()
// pixels of 2 bytes.
func (d *Dev) SendRect(r image.Rectangle, pix []byte) error {
	if err := d.ready(); err != nil {
		return err
	}
	if r.Empty() || !r.In(d.rect) {
		return errors.Wrapf(ErrOutOfBounds, "%v", r)
	}
	if len(pix) != 2*r.Dx()*r.Dy() {
		return ErrInvalidSize
	}
	if err := d.setWindow(r.Min.X, r.Min.Y, r.Max.X-1, r.Max.Y-1); err != nil {
		return err
	}
	return d.sendData(pix)
}

// Session returns the controller state as last driven.
func (d *Dev) Session() Session {
	return d.s
}

// ColorModel implements display.Drawer.
func (d *Dev) ColorModel() color.Model {
	return image16bit.RGB565Model
}

// Bounds implements display.Drawer.
func (d *Dev) Bounds() image.Rectangle {
	return d.rect
}

// Write writes a full frame of raw RGB565 pixels.
// The data must be exactly d.rect.Dx() * d.rect.Dy() * 2 bytes.
func (d *Dev) Write(pix []byte) (int, error) {
	if d.halted {
		return 0, ErrHalted
	}
	if len(pix) != len(d.buffer) {
		return 0, ErrInvalidSize
	}
	if err := d.SendRect(d.rect, pix); err != nil {
		return 0, err
	}
	copy(d.buffer, pix)
	if d.next != nil {
		copy(d.next.Pix, pix)
	}
	return len(pix), nil
}

// Draw implements display.Drawer.
//
// Only the bounding box of the pixels that changed since the last frame is
// sent.
func (d *Dev) Draw(dst image.Rectangle, src image.Image, sp image.Point) error {
	if d.halted {
		return ErrHalted
	}

	dst = dst.Intersect(d.rect)
	if dst.Empty() {
		return nil
	}

	// Lazy-initialize double buffer
	if d.next == nil {
		d.next = image16bit.NewImage(d.rect)
		copy(d.next.Pix, d.buffer)
	}
	draw.Draw(d.next, dst, src, sp, draw.Src)

	changed := d.calculateDiff()
	if changed.Empty() {
		return nil
	}
	if err := d.SendRect(changed, d.extractRegion(changed)); err != nil {
		return err
	}
	copy(d.buffer, d.next.Pix)
	return nil
}

// calculateDiff returns the smallest rectangle holding every pixel that
// differs between the last frame and the next one.
func (d *Dev) calculateDiff() image.Rectangle {
	width, height := d.rect.Dx(), d.rect.Dy()
	stride := 2 * width
	minX, minY, maxX, maxY := width, height, -1, -1

	for y := 0; y < height; y++ {
		row := y * stride
		if bytes.Equal(d.buffer[row:row+stride], d.next.Pix[row:row+stride]) {
			continue
		}
		if y < minY {
			minY = y
		}
		maxY = y
		for x := 0; x < width; x++ {
			i := row + 2*x
			if d.buffer[i] != d.next.Pix[i] || d.buffer[i+1] != d.next.Pix[i+1] {
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
			}
		}
	}
	if maxY < 0 {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}

// extractRegion copies the pixels of r out of the next frame.
func (d *Dev) extractRegion(r image.Rectangle) []byte {
	rowBytes := 2 * r.Dx()
	out := make([]byte, 0, rowBytes*r.Dy())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		i := d.next.PixOffset(r.Min.X, y)
		out = append(out, d.next.Pix[i:i+rowBytes]...)
	}
	return out
}

// Halt turns the display off and powers the panel down: display off, high
// voltage rail off, then the ground rail.
//
// After calling Halt, the display will not respond to further commands
// until a new Dev is created.
func (d *Dev) Halt() error {
	if d.halted {
		return nil
	}
	d.halted = true
	err := d.command(NewOp(CmdDisplayOff))
	if err == nil {
		d.s.DisplayOn = false
	}
	err = multierr.Append(err, d.powerOff())
	d.s.Initialized = false
	d.log.Debug("display halted", zap.Error(err))
	return err
}

// powerOff drops the high voltage rail, then the ground rail.
func (d *Dev) powerOff() error {
	err := errors.Wrap(d.pins.VCCEN.Out(level(false, d.opts.VCCActiveLow)), "ssd1331: disable VCC")
	d.s.Rails = RailsGround
	d.delay.Sleep(d.opts.HaltSettle)
	if d.pins.PMODEN != nil {
		err = multierr.Append(err, errors.Wrap(d.pins.PMODEN.Out(level(false, d.opts.PMODENActiveLow)), "ssd1331: disable PMODEN"))
	}
	d.s.Rails = RailsOff
	return err
}

// String returns a string representation of the device.
func (d *Dev) String() string {
	return fmt.Sprintf("ssd1331.Dev{%s, %dx%d}", d.c, d.rect.Dx(), d.rect.Dy())
}
