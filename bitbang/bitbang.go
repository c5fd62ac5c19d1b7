// Package bitbang drives an SPI-like bus by toggling GPIO lines in software.
//
// Bytes are shifted most significant bit first. For every bit the clock is
// driven low, the output bit is placed on COPI, and the clock is driven high
// half a bit period later; CIPO is sampled just before the rising edge. The
// clock therefore idles high during a transaction.
//
// Between transactions the clock and data lines are released to high
// impedance so other devices sharing them can be selected safely.
package bitbang

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

var (
	// ErrNotSelected is returned by transfers issued outside a chip-select bracket.
	ErrNotSelected = errors.New("bitbang: no device selected")
	// ErrAlreadySelected is returned when a device is selected while another one still holds the bus.
	ErrAlreadySelected = errors.New("bitbang: bus already selected")
	// ErrNoChipSelect is returned when neither the call nor the Bus names a chip-select line.
	ErrNoChipSelect = errors.New("bitbang: no chip-select line")
	// ErrWrongChipSelect is returned when deselecting a line that does not hold the bus.
	ErrWrongChipSelect = errors.New("bitbang: chip-select line does not hold the bus")
	// ErrNoCIPO is returned by reads on a write-only bus.
	ErrNoCIPO = errors.New("bitbang: bus has no CIPO line")
	// ErrLengthMismatch is returned by full duplex transfers with unequal buffers.
	ErrLengthMismatch = errors.New("bitbang: tx and rx buffers differ in length")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bitbang: port closed")
)

// Bus names the GPIO lines of one bus.
type Bus struct {
	CLK  gpio.PinIO  // Clock
	COPI gpio.PinIO  // Controller out, peripheral in
	CIPO gpio.PinIn  // Controller in, peripheral out; nil on write-only buses
	CS   gpio.PinOut // Fixed chip select (active low); nil when passed per call
}

// Opts is the configuration of a Port.
//
// Zero delays are honoured as given; pass nil to New for DefaultOpts.
type Opts struct {
	// HalfPeriod is how long each clock level is held (default: 1µs).
	HalfPeriod time.Duration
	// Settle is held after chip-select changes (default: 5µs).
	Settle time.Duration
	// Delay implements the waits (default: NewDelayer(nil)).
	Delay Delayer
	// Logger receives bus events at debug level (default: no-op).
	Logger *zap.Logger
}

// DefaultOpts are the timings the PmodOLEDrgb bus runs at.
var DefaultOpts = Opts{
	HalfPeriod: time.Microsecond,
	Settle:     5 * time.Microsecond,
}

// Port is an initialized bus.
//
// At most one transfer is in flight at a time. Transfers started while
// another one is running block until it has completed.
type Port struct {
	bus    Bus
	half   time.Duration
	settle time.Duration
	delay  Delayer
	log    *zap.Logger

	// slot is held for the duration of a transfer or a bus state change.
	slot *semaphore.Weighted
	busy atomic.Bool

	mu       sync.Mutex
	selected gpio.PinOut
	done     CompletionFunc
	closed   bool
}

// New initializes the bus and returns a Port.
//
// CLK, COPI and CIPO are left as inputs (high impedance) until a device is
// selected. A fixed CS line is driven high (deasserted).
//
// opts can be nil to use DefaultOpts.
func New(b Bus, opts *Opts) (*Port, error) {
	if b.CLK == nil || b.COPI == nil {
		return nil, errors.New("bitbang: CLK and COPI are required")
	}
	o := DefaultOpts
	if opts != nil {
		o = *opts
	}
	if o.HalfPeriod < 0 || o.Settle < 0 {
		return nil, errors.New("bitbang: delays must not be negative")
	}
	if o.Delay == nil {
		o.Delay = NewDelayer(nil)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	p := &Port{
		bus:    b,
		half:   o.HalfPeriod,
		settle: o.Settle,
		delay:  o.Delay,
		log:    o.Logger,
		slot:   semaphore.NewWeighted(1),
	}

	if b.CIPO != nil {
		if err := b.CIPO.In(gpio.Float, gpio.NoEdge); err != nil {
			return nil, errors.Wrapf(err, "bitbang: configure CIPO %s", b.CIPO)
		}
	}
	if err := p.release(); err != nil {
		return nil, err
	}
	if b.CS != nil {
		if err := b.CS.Out(gpio.High); err != nil {
			return nil, errors.Wrapf(err, "bitbang: deassert CS %s", b.CS)
		}
	}
	p.log.Debug("bus initialized",
		zap.Stringer("clk", b.CLK),
		zap.Stringer("copi", b.COPI),
		zap.Duration("half_period", p.half))
	return p, nil
}

// ChipSelect takes the bus for the device behind cs.
//
// The clock is driven low and COPI high before both become outputs, then cs is
// pulled low and held for the settle time. A nil cs selects the Bus CS line.
func (p *Port) ChipSelect(cs gpio.PinOut) error {
	if err := p.slot.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer p.slot.Release(1)

	cs, err := p.resolve(cs)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.selected != nil {
		return ErrAlreadySelected
	}
	if err := p.bus.CLK.Out(gpio.Low); err != nil {
		return errors.Wrap(err, "bitbang: drive CLK")
	}
	if err := p.bus.COPI.Out(gpio.High); err != nil {
		return errors.Wrap(err, "bitbang: drive COPI")
	}
	if err := cs.Out(gpio.Low); err != nil {
		return errors.Wrapf(err, "bitbang: assert CS %s", cs)
	}
	p.selected = cs
	p.delay.Sleep(p.settle)
	p.log.Debug("chip select", zap.Stringer("cs", cs))
	return nil
}

// ChipDeselect releases the bus held by cs.
//
// cs is deasserted, then CLK and COPI go back to high impedance. It must be
// paired with the ChipSelect call that took the bus.
func (p *Port) ChipDeselect(cs gpio.PinOut) error {
	if err := p.slot.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer p.slot.Release(1)

	cs, err := p.resolve(cs)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.selected == nil {
		return ErrNotSelected
	}
	if p.selected != cs {
		return ErrWrongChipSelect
	}
	if err := p.bus.COPI.Out(gpio.High); err != nil {
		return errors.Wrap(err, "bitbang: drive COPI")
	}
	if err := cs.Out(gpio.High); err != nil {
		return errors.Wrapf(err, "bitbang: deassert CS %s", cs)
	}
	p.selected = nil
	p.delay.Sleep(p.settle)
	p.log.Debug("chip deselect", zap.Stringer("cs", cs))
	return p.release()
}

// Selected reports the chip-select line currently holding the bus, or nil.
func (p *Port) Selected() gpio.PinOut {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected
}

// Write shifts out buf and waits for completion.
func (p *Port) Write(buf []byte) error {
	ctx := context.Background()
	if err := p.StartWrite(ctx, buf); err != nil {
		return err
	}
	return p.Wait(ctx)
}

// Read fills buf with bytes shifted in from CIPO, sending tx on every byte,
// and waits for completion.
func (p *Port) Read(tx byte, buf []byte) error {
	ctx := context.Background()
	if err := p.StartRead(ctx, tx, buf); err != nil {
		return err
	}
	return p.Wait(ctx)
}

// Tx shifts out w while filling r. Both must have the same length, and
// reading requires a CIPO line.
func (p *Port) Tx(w, r []byte) error {
	if len(w) != len(r) {
		return ErrLengthMismatch
	}
	if len(r) != 0 && p.bus.CIPO == nil {
		return ErrNoCIPO
	}
	ctx := context.Background()
	if err := p.start(ctx, w, r, 0); err != nil {
		return err
	}
	return p.Wait(ctx)
}

// Close deselects any device and releases CLK and COPI to high impedance.
func (p *Port) Close() error {
	if err := p.slot.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer p.slot.Release(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.selected != nil {
		err = multierr.Append(err, p.selected.Out(gpio.High))
		p.selected = nil
	}
	p.closed = true
	return multierr.Append(err, p.release())
}

// Frequency returns the bit rate of the bus.
func (p *Port) Frequency() physic.Frequency {
	if p.half <= 0 {
		return 0
	}
	return physic.Hertz * physic.Frequency(time.Second/(2*p.half))
}

func (p *Port) String() string {
	return fmt.Sprintf("bitbang.Port{%s, %s, %s}", p.bus.CLK, p.bus.COPI, p.Frequency())
}

// resolve picks the Bus CS line when cs is nil.
func (p *Port) resolve(cs gpio.PinOut) (gpio.PinOut, error) {
	if cs != nil {
		return cs, nil
	}
	if p.bus.CS == nil {
		return nil, ErrNoChipSelect
	}
	return p.bus.CS, nil
}

// release puts CLK and COPI in high impedance.
func (p *Port) release() error {
	return multierr.Combine(
		errors.Wrap(p.bus.CLK.In(gpio.Float, gpio.NoEdge), "bitbang: release CLK"),
		errors.Wrap(p.bus.COPI.In(gpio.Float, gpio.NoEdge), "bitbang: release COPI"),
	)
}

// shift transfers n bytes. Bytes come from w, or fill when w is nil; received
// bytes are stored in r when it is not nil.
func (p *Port) shift(n int, w, r []byte, fill byte) (int, error) {
	for i := 0; i < n; i++ {
		tx := fill
		if w != nil {
			tx = w[i]
		}
		rx, err := p.transferByte(tx)
		if err != nil {
			return i, err
		}
		if r != nil {
			r[i] = rx
		}
	}
	return n, nil
}

func (p *Port) transferByte(tx byte) (byte, error) {
	var rx byte
	for i := 0; i < 8; i++ {
		// Update COPI right after the falling edge.
		if err := p.bus.CLK.Out(gpio.Low); err != nil {
			return rx, errors.Wrap(err, "bitbang: drive CLK")
		}
		if err := p.bus.COPI.Out(gpio.Level(tx&0x80 != 0)); err != nil {
			return rx, errors.Wrap(err, "bitbang: drive COPI")
		}
		tx <<= 1
		p.delay.Sleep(p.half)

		// Sample CIPO as the rising edge is set.
		rx <<= 1
		if p.bus.CIPO != nil && p.bus.CIPO.Read() == gpio.High {
			rx |= 1
		}
		if err := p.bus.CLK.Out(gpio.High); err != nil {
			return rx, errors.Wrap(err, "bitbang: drive CLK")
		}
		p.delay.Sleep(p.half)
	}
	return rx, nil
}
