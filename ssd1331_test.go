package ssd1331

import (
	"fmt"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"periph.io/x/devices/v3/ssd1331/bitbang"
	"periph.io/x/devices/v3/ssd1331/bitbang/bitbangtest"
	"periph.io/x/devices/v3/ssd1331/image16bit"
)

var (
	busNames = bitbangtest.BusNames{CS: "CS", CLK: "CLK", COPI: "COPI"}
	control  = []string{"DC", "RST", "VCCEN", "PMODEN"}
)

// bench is a PmodOLEDrgb wired to recording pins.
type bench struct {
	log    *bitbangtest.Log // Pin activity
	delays *bitbangtest.Log // Waits requested by the Dev
	port   *bitbang.Port
	pins   Pins
}

func newBench(t *testing.T) *bench {
	t.Helper()
	b := &bench{log: &bitbangtest.Log{}, delays: &bitbangtest.Log{}}
	port, err := bitbang.New(bitbang.Bus{
		CLK:  b.log.NewPin("CLK"),
		COPI: b.log.NewPin("COPI"),
		CS:   b.log.NewPin("CS"),
	}, &bitbang.Opts{Delay: b.log, Logger: zaptest.NewLogger(t)})
	test.That(t, err, test.ShouldBeNil)
	b.port = port
	b.pins = Pins{
		DC:     b.log.NewPin("DC"),
		RST:    b.log.NewPin("RST"),
		VCCEN:  b.log.NewPin("VCCEN"),
		PMODEN: b.log.NewPin("PMODEN"),
	}
	b.log.Reset()
	return b
}

func (b *bench) opts(t *testing.T) *Opts {
	o := DefaultOpts
	o.Delay = b.delays
	o.Logger = zaptest.NewLogger(t)
	return &o
}

// open brings up the display and clears the logs.
func (b *bench) open(t *testing.T) *Dev {
	t.Helper()
	d, err := New(b.port, b.pins, b.opts(t))
	test.That(t, err, test.ShouldBeNil)
	b.log.Reset()
	b.delays.Reset()
	return d
}

func (b *bench) summary() []string {
	return b.log.Summarize(busNames, control...)
}

func frame(p []byte) string {
	return fmt.Sprintf("[% x]", p)
}

func programFrames(t *testing.T, p Program) []string {
	ops, err := p.Ops()
	test.That(t, err, test.ShouldBeNil)
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = frame(op)
	}
	return out
}

func TestOptsValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    *Opts
		wantErr bool
	}{
		{"nil options (uses defaults)", nil, false},
		{"zero size uses defaults", &Opts{}, false},
		{"valid 96x64", &Opts{W: 96, H: 64}, false},
		{"valid 1x1 (minimum)", &Opts{W: 1, H: 1}, false},
		{"width > 96", &Opts{W: 97, H: 64}, true},
		{"negative width", &Opts{W: -1, H: 64}, true},
		{"height > 64", &Opts{W: 96, H: 65}, true},
		{"malformed program", &Opts{Program: Program{2, CmdDisplayOn}}, true},
		{"negative delay", &Opts{ResetPulse: -time.Microsecond}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts *Opts
			if tt.opts != nil {
				o := *tt.opts
				o.Delay = bitbang.DelayerFunc(func(time.Duration) {})
				opts = &o
			}
			_, err := newDev(&conntest.Record{}, Pins{
				DC:    &gpiotest.Pin{N: "DC"},
				VCCEN: &gpiotest.Pin{N: "VCCEN"},
			}, opts)
			if tt.wantErr {
				test.That(t, err, test.ShouldNotBeNil)
			} else {
				test.That(t, err, test.ShouldBeNil)
			}
		})
	}
}

func TestRequiredPins(t *testing.T) {
	_, err := newDev(&conntest.Record{}, Pins{DC: &gpiotest.Pin{N: "DC"}}, nil)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = newDev(&conntest.Record{}, Pins{VCCEN: &gpiotest.Pin{N: "VCCEN"}}, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestInitSequence(t *testing.T) {
	b := newBench(t)
	d, err := New(b.port, b.pins, b.opts(t))
	test.That(t, err, test.ShouldBeNil)

	want := []string{"DC=0", "RST=1", "VCCEN=0", "PMODEN=1", "RST=0", "RST=1"}
	want = append(want, programFrames(t, DefaultProgram(96, 64, false))...)
	want = append(want, "VCCEN=1", "[af]")
	test.That(t, b.summary(), test.ShouldResemble, want)

	test.That(t, b.delays.Delays(), test.ShouldResemble, []time.Duration{
		20 * time.Microsecond, // Rails
		3 * time.Microsecond,  // Reset low
		3 * time.Microsecond,  // Reset high
		100 * time.Millisecond,
		25 * time.Millisecond,
	})

	test.That(t, d.Session(), test.ShouldResemble, Session{
		Initialized: true,
		Rails:       RailsFull,
		DisplayOn:   true,
	})
}

func TestInitRecordsAreSingleBrackets(t *testing.T) {
	b := newBench(t)
	_, err := New(b.port, b.pins, b.opts(t))
	test.That(t, err, test.ShouldBeNil)

	ops, err := DefaultProgram(96, 64, false).Ops()
	test.That(t, err, test.ShouldBeNil)
	frames := b.log.Frames(busNames)
	test.That(t, frames, test.ShouldHaveLength, len(ops)+1)
	for i, op := range ops {
		test.That(t, frames[i], test.ShouldResemble, []byte(op))
	}
}

func TestInitDelays(t *testing.T) {
	defaults := []time.Duration{
		20 * time.Microsecond,
		3 * time.Microsecond,
		3 * time.Microsecond,
		100 * time.Millisecond,
		25 * time.Millisecond,
	}
	tests := []struct {
		name string
		opts Opts
		want []time.Duration
	}{
		{"zero takes defaults", Opts{}, defaults},
		{"override", Opts{PowerSettle: time.Second}, []time.Duration{
			20 * time.Microsecond, 3 * time.Microsecond, 3 * time.Microsecond, time.Second, 25 * time.Millisecond,
		}},
		{"skip", Opts{SkipDelays: true, PowerSettle: time.Second}, make([]time.Duration, len(defaults))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBench(t)
			o := tt.opts
			o.Delay = b.delays
			_, err := New(b.port, b.pins, &o)
			test.That(t, err, test.ShouldBeNil)

			want := []string{"DC=0", "RST=1", "VCCEN=0", "PMODEN=1", "RST=0", "RST=1"}
			want = append(want, programFrames(t, DefaultProgram(96, 64, false))...)
			want = append(want, "VCCEN=1", "[af]")
			test.That(t, b.summary(), test.ShouldResemble, want)
			test.That(t, b.delays.Delays(), test.ShouldResemble, tt.want)
		})
	}
}

// refuseConn fails transfers that start with cmd.
type refuseConn struct {
	conntest.Record
	cmd byte
}

func (r *refuseConn) Tx(w, rx []byte) error {
	if len(w) != 0 && w[0] == r.cmd {
		return errors.New("bus fault")
	}
	return r.Record.Tx(w, rx)
}

func TestInitFailureDropsRails(t *testing.T) {
	tests := []struct {
		name string
		cmd  byte
	}{
		{"configure", CmdDisplayOff},
		{"display on", CmdDisplayOn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vcc := &gpiotest.Pin{N: "VCCEN"}
			pmoden := &gpiotest.Pin{N: "PMODEN"}
			delays := &bitbangtest.Log{}
			o := Opts{Delay: delays, Logger: zaptest.NewLogger(t)}
			d, err := newDev(&refuseConn{cmd: tt.cmd}, Pins{
				DC:     &gpiotest.Pin{N: "DC"},
				VCCEN:  vcc,
				PMODEN: pmoden,
			}, &o)
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, "bus fault")
			test.That(t, d, test.ShouldBeNil)
			test.That(t, bool(vcc.L), test.ShouldBeFalse)
			test.That(t, bool(pmoden.L), test.ShouldBeFalse)

			// The ground rail is held until the high voltage rail has settled.
			got := delays.Delays()
			test.That(t, got[len(got)-1], test.ShouldEqual, DefaultOpts.HaltSettle)
		})
	}
}

func TestInitUnlock(t *testing.T) {
	b := newBench(t)
	o := b.opts(t)
	o.Unlock = true
	_, err := New(b.port, b.pins, o)
	test.That(t, err, test.ShouldBeNil)
	frames := b.log.Frames(busNames)
	test.That(t, frames[0], test.ShouldResemble, []byte{0xFD, 0x12})
	test.That(t, frames[1], test.ShouldResemble, []byte{0xAE})
}

func TestInitCustomProgram(t *testing.T) {
	b := newBench(t)
	o := b.opts(t)
	o.Program = NewProgram(NewOp(CmdRemapColorDepth, 0x72), NewOp(CmdContrastA, 0x10))
	_, err := New(b.port, b.pins, o)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.log.Frames(busNames), test.ShouldResemble, [][]byte{
		{0xA0, 0x72},
		{0x81, 0x10},
		{0xAF},
	})
}

func TestInitRailPolarity(t *testing.T) {
	b := newBench(t)
	o := b.opts(t)
	o.VCCActiveLow = true
	o.PMODENActiveLow = true
	o.Program = NewProgram(NewOp(CmdDisplayOff))
	_, err := New(b.port, b.pins, o)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.summary(), test.ShouldResemble, []string{
		"DC=0", "RST=1", "VCCEN=1", "PMODEN=0", "RST=0", "RST=1",
		"[ae]",
		"VCCEN=0", "[af]",
	})
}

func TestInitWithoutOptionalPins(t *testing.T) {
	b := newBench(t)
	b.pins.RST = nil
	b.pins.PMODEN = nil
	o := b.opts(t)
	o.Program = NewProgram(NewOp(CmdDisplayOff))
	_, err := New(b.port, b.pins, o)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.summary(), test.ShouldResemble, []string{"DC=0", "VCCEN=0", "[ae]", "VCCEN=1", "[af]"})
	test.That(t, b.delays.Delays(), test.ShouldResemble, []time.Duration{
		20 * time.Microsecond,
		100 * time.Millisecond,
		25 * time.Millisecond,
	})
}

func TestSend(t *testing.T) {
	b := newBench(t)
	d := b.open(t)

	err := d.Send(10, 63, []byte{0xF8, 0x00, 0x07, 0xE0})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.summary(), test.ShouldResemble, []string{
		"[15 0a 5f]",
		"[75 3f 3f]",
		"DC=1",
		"[f8 00 07 e0]",
		"DC=0",
	})
	test.That(t, d.Session().Window, test.ShouldResemble, image.Rect(10, 63, 96, 64))
	test.That(t, d.Session().DataMode, test.ShouldBeFalse)
}

func TestSendOutOfBounds(t *testing.T) {
	b := newBench(t)
	d := b.open(t)

	for _, p := range []image.Point{{-1, 0}, {0, -1}, {96, 0}, {0, 64}} {
		err := d.Send(p.X, p.Y, []byte{0, 0})
		test.That(t, errors.Is(err, ErrOutOfBounds), test.ShouldBeTrue)
	}
	test.That(t, b.log.Events(), test.ShouldBeEmpty)
}

func TestSendRect(t *testing.T) {
	b := newBench(t)
	d := b.open(t)

	err := d.SendRect(image.Rect(2, 3, 4, 4), []byte{1, 2, 3, 4})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.summary(), test.ShouldResemble, []string{
		"[15 02 03]",
		"[75 03 03]",
		"DC=1",
		"[01 02 03 04]",
		"DC=0",
	})

	err = d.SendRect(image.Rect(2, 3, 4, 4), []byte{1, 2})
	test.That(t, err, test.ShouldEqual, ErrInvalidSize)
	err = d.SendRect(image.Rect(90, 0, 100, 1), make([]byte, 20))
	test.That(t, errors.Is(err, ErrOutOfBounds), test.ShouldBeTrue)
}

func TestRun(t *testing.T) {
	b := newBench(t)
	d := b.open(t)

	err := d.Run(NewProgram(NewOp(CmdContrastA, 0x20), NewOp(CmdDisplayAllOn)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.summary(), test.ShouldResemble, []string{"[81 20]", "[a5]"})
}

func TestRunMalformedSendsNothing(t *testing.T) {
	b := newBench(t)
	d := b.open(t)

	err := d.Run(Program{1, CmdDisplayOff, 3, CmdContrastA})
	test.That(t, errors.Is(err, ErrMalformedProgram), test.ShouldBeTrue)
	test.That(t, b.log.Events(), test.ShouldBeEmpty)
}

func TestNotInitialized(t *testing.T) {
	d := &Dev{rect: image.Rect(0, 0, 96, 64), buffer: make([]byte, 2*96*64)}
	test.That(t, d.Send(0, 0, nil), test.ShouldEqual, ErrNotInitialized)
	test.That(t, d.Run(NewProgram()), test.ShouldEqual, ErrNotInitialized)
	test.That(t, d.SetContrast(1, 2, 3), test.ShouldEqual, ErrNotInitialized)
	_, err := d.Write(make([]byte, 2*96*64))
	test.That(t, err, test.ShouldEqual, ErrNotInitialized)
}

func TestHalt(t *testing.T) {
	b := newBench(t)
	d := b.open(t)

	test.That(t, d.Halt(), test.ShouldBeNil)
	test.That(t, b.summary(), test.ShouldResemble, []string{"[ae]", "VCCEN=0", "PMODEN=0"})
	test.That(t, b.delays.Delays(), test.ShouldResemble, []time.Duration{400 * time.Millisecond})
	test.That(t, d.Session(), test.ShouldResemble, Session{})

	// Halting twice is a no-op.
	b.log.Reset()
	test.That(t, d.Halt(), test.ShouldBeNil)
	test.That(t, b.log.Events(), test.ShouldBeEmpty)

	test.That(t, d.Send(0, 0, []byte{0, 0}), test.ShouldEqual, ErrHalted)
	test.That(t, d.Dim(true), test.ShouldEqual, ErrHalted)
	_, err := d.Write(make([]byte, 2*96*64))
	test.That(t, err, test.ShouldEqual, ErrHalted)
	err = d.Draw(d.Bounds(), image.NewUniform(color.White), image.Point{})
	test.That(t, err, test.ShouldEqual, ErrHalted)
}

func TestWrite(t *testing.T) {
	b := newBench(t)
	d := b.open(t)

	pix := make([]byte, 2*96*64)
	pix[0], pix[len(pix)-1] = 0xAB, 0xCD
	n, err := d.Write(pix)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, len(pix))

	frames := b.log.Frames(busNames)
	test.That(t, frames, test.ShouldHaveLength, 3)
	test.That(t, frames[0], test.ShouldResemble, []byte{0x15, 0x00, 0x5F})
	test.That(t, frames[1], test.ShouldResemble, []byte{0x75, 0x00, 0x3F})
	test.That(t, frames[2], test.ShouldResemble, pix)
}

func TestWriteInvalidBufferSize(t *testing.T) {
	b := newBench(t)
	d := b.open(t)

	for _, size := range []int{0, 1, 2*96*64 - 1, 2*96*64 + 2} {
		_, err := d.Write(make([]byte, size))
		test.That(t, err, test.ShouldEqual, ErrInvalidSize)
	}
	test.That(t, b.log.Events(), test.ShouldBeEmpty)
}

func TestDrawSendsChangedRegion(t *testing.T) {
	b := newBench(t)
	d := b.open(t)
	red := image.NewUniform(color.RGBA{0xFF, 0, 0, 0xFF})

	err := d.Draw(image.Rect(5, 7, 7, 8), red, image.Point{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.summary(), test.ShouldResemble, []string{
		"[15 05 06]",
		"[75 07 07]",
		"DC=1",
		"[f8 00 f8 00]",
		"DC=0",
	})

	// Same content: nothing to send.
	b.log.Reset()
	err = d.Draw(image.Rect(5, 7, 7, 8), red, image.Point{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.log.Events(), test.ShouldBeEmpty)

	// Outside the panel: nothing to draw.
	err = d.Draw(image.Rect(100, 100, 110, 110), red, image.Point{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.log.Events(), test.ShouldBeEmpty)
}

func TestCalculateDiffNoChanges(t *testing.T) {
	d := &Dev{rect: image.Rect(0, 0, 4, 2), buffer: make([]byte, 16)}
	d.next = image16bit.NewImage(d.rect)
	test.That(t, d.calculateDiff().Empty(), test.ShouldBeTrue)
}

func TestCalculateDiffWithChanges(t *testing.T) {
	d := &Dev{rect: image.Rect(0, 0, 4, 3), buffer: make([]byte, 24)}
	d.next = image16bit.NewImage(d.rect)
	d.next.SetRGB565(1, 1, 0x0001)
	d.next.SetRGB565(3, 2, 0x8000)
	test.That(t, d.calculateDiff(), test.ShouldResemble, image.Rect(1, 1, 4, 3))
}

func TestExtractRegion(t *testing.T) {
	d := &Dev{rect: image.Rect(0, 0, 3, 2)}
	d.next = image16bit.NewImage(d.rect)
	d.next.SetRGB565(1, 0, 0x1122)
	d.next.SetRGB565(2, 0, 0x3344)
	d.next.SetRGB565(1, 1, 0x5566)
	d.next.SetRGB565(2, 1, 0x7788)
	got := d.extractRegion(image.Rect(1, 0, 3, 2))
	test.That(t, got, test.ShouldResemble, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88})
}

func TestDevBoundsAndString(t *testing.T) {
	b := newBench(t)
	o := b.opts(t)
	o.W, o.H = 64, 32
	d, err := New(b.port, b.pins, o)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.Bounds(), test.ShouldResemble, image.Rect(0, 0, 64, 32))
	test.That(t, d.ColorModel().Convert(color.White), test.ShouldEqual, d.ColorModel().Convert(color.RGBA{0xFF, 0xFF, 0xFF, 0xFF}))
	test.That(t, d.String(), test.ShouldStartWith, "ssd1331.Dev{")
	test.That(t, d.String(), test.ShouldContainSubstring, "64x32")
}

func TestRecordedConn(t *testing.T) {
	rec := &conntest.Record{}
	dc := &gpiotest.Pin{N: "DC"}
	vcc := &gpiotest.Pin{N: "VCCEN"}
	d, err := newDev(rec, Pins{DC: dc, VCCEN: vcc}, &Opts{
		Program: NewProgram(NewOp(CmdDisplayOff)),
		Delay:   bitbang.DelayerFunc(func(time.Duration) {}),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.Ops, test.ShouldResemble, []conntest.IO{
		{W: []byte{0xAE}},
		{W: []byte{0xAF}},
	})
	test.That(t, bool(vcc.L), test.ShouldBeTrue)

	rec.Ops = nil
	test.That(t, d.Send(0, 0, []byte{0x12, 0x34}), test.ShouldBeNil)
	test.That(t, rec.Ops, test.ShouldResemble, []conntest.IO{
		{W: []byte{0x15, 0x00, 0x5F}},
		{W: []byte{0x75, 0x00, 0x3F}},
		{W: []byte{0x12, 0x34}},
	})
	test.That(t, bool(dc.L), test.ShouldBeFalse)
}

// failConn fails every transfer.
type failConn struct{ conntest.Record }

func (f *failConn) Tx(w, r []byte) error {
	return errors.New("bus fault")
}

func TestSendRestoresCommandModeOnError(t *testing.T) {
	dc := &gpiotest.Pin{N: "DC"}
	d := &Dev{
		c:    &failConn{},
		pins: Pins{DC: dc, VCCEN: &gpiotest.Pin{N: "VCCEN"}},
		rect: image.Rect(0, 0, 96, 64),
		s:    Session{Initialized: true},
	}
	err := d.sendData([]byte{1, 2})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, bool(dc.L), test.ShouldBeFalse)
	test.That(t, d.Session().DataMode, test.ShouldBeFalse)
}

// spiPort hands out a recording connection.
type spiPort struct {
	rec  *conntest.Record
	f    physic.Frequency
	mode spi.Mode
}

type spiConn struct{ *conntest.Record }

func (spiConn) TxPackets(p []spi.Packet) error {
	return errors.New("not supported")
}

func (p *spiPort) String() string { return "spiPort" }

func (p *spiPort) LimitSpeed(f physic.Frequency) error { return nil }

func (p *spiPort) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	p.f, p.mode = f, mode
	return spiConn{p.rec}, nil
}

func TestNewSPI(t *testing.T) {
	port := &spiPort{rec: &conntest.Record{}}
	_, err := NewSPI(port, Pins{DC: &gpiotest.Pin{N: "DC"}, VCCEN: &gpiotest.Pin{N: "VCCEN"}}, &Opts{
		Delay: bitbang.DelayerFunc(func(time.Duration) {}),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, port.f, test.ShouldEqual, 6250*physic.KiloHertz)
	test.That(t, port.mode, test.ShouldEqual, spi.Mode3)

	ops, err := DefaultProgram(96, 64, false).Ops()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, port.rec.Ops, test.ShouldHaveLength, len(ops)+1)
}

var _ conn.Conn = &failConn{}
