// Package bitbangtest records GPIO activity for tests of bit-banged buses.
//
// All pins created from one Log append to it in call order, and the Log also
// implements the Delayer interface so waits show up between pin changes.
package bitbangtest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// Kind is the type of a recorded Event.
type Kind uint8

// Event kinds.
const (
	Out Kind = iota
	In
	Sleep
)

// Event is one recorded operation.
type Event struct {
	Kind  Kind
	Pin   string
	Level gpio.Level
	D     time.Duration
}

func (e Event) String() string {
	switch e.Kind {
	case Out:
		if e.Level {
			return e.Pin + "=1"
		}
		return e.Pin + "=0"
	case In:
		return e.Pin + "=z"
	default:
		return fmt.Sprintf("sleep(%s)", e.D)
	}
}

// Log is an ordered record of pin changes and delays.
type Log struct {
	mu     sync.Mutex
	events []Event
}

// Events returns a copy of the recorded events.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Reset drops all recorded events.
func (l *Log) Reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

// Sleep records a delay without waiting.
func (l *Log) Sleep(d time.Duration) {
	l.append(Event{Kind: Sleep, D: d})
}

// Delays returns the recorded delays in order.
func (l *Log) Delays() []time.Duration {
	var out []time.Duration
	for _, e := range l.Events() {
		if e.Kind == Sleep {
			out = append(out, e.D)
		}
	}
	return out
}

// Count returns how many events of kind k were recorded on pin.
func (l *Log) Count(pin string, k Kind) int {
	n := 0
	for _, e := range l.Events() {
		if e.Pin == pin && e.Kind == k {
			n++
		}
	}
	return n
}

func (l *Log) append(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

// BusNames are the pin names Frames and Summarize decode.
type BusNames struct {
	CS, CLK, COPI string
}

// Frames decodes the bytes sent in each chip-select bracket. COPI is sampled on
// every rising clock edge; trailing bits that do not make a full byte are
// dropped.
func (l *Log) Frames(b BusNames) [][]byte {
	var frames [][]byte
	d := decoder{names: b}
	for _, e := range l.Events() {
		if f, ok := d.feed(e); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

// Summarize collapses the log into one entry per chip-select bracket, written
// as the hex bytes of the frame ("[15 0a 5f]"), interleaved with changes of the
// watched pins ("DC=1").
func (l *Log) Summarize(b BusNames, watch ...string) []string {
	watched := map[string]bool{}
	for _, w := range watch {
		watched[w] = true
	}
	var out []string
	d := decoder{names: b}
	for _, e := range l.Events() {
		if f, ok := d.feed(e); ok {
			out = append(out, fmt.Sprintf("[% x]", f))
			continue
		}
		if e.Kind == Out && watched[e.Pin] {
			out = append(out, e.String())
		}
	}
	return out
}

type decoder struct {
	names  BusNames
	active bool
	copi   gpio.Level
	bits   int
	cur    byte
	frame  []byte
}

// feed consumes e and returns a frame when e closes a bracket.
func (d *decoder) feed(e Event) ([]byte, bool) {
	if e.Kind != Out {
		return nil, false
	}
	switch e.Pin {
	case d.names.CS:
		if !e.Level {
			d.active, d.bits, d.cur, d.frame = true, 0, 0, []byte{}
			return nil, false
		}
		if d.active {
			d.active = false
			return d.frame, true
		}
	case d.names.COPI:
		d.copi = e.Level
	case d.names.CLK:
		if d.active && bool(e.Level) {
			d.cur <<= 1
			if d.copi {
				d.cur |= 1
			}
			if d.bits++; d.bits == 8 {
				d.frame = append(d.frame, d.cur)
				d.bits, d.cur = 0, 0
			}
		}
	}
	return nil, false
}

// Pin is a gpio.PinIO that records Out and In calls to a Log.
type Pin struct {
	gpiotest.Pin
	log    *Log
	name   string
	output bool
	level  gpio.Level

	// Source, when set, supplies the levels returned by Read.
	Source func() gpio.Level
}

// NewPin returns a pin named name that records to l. It starts as a floating
// input at low level.
func (l *Log) NewPin(name string) *Pin {
	return &Pin{log: l, name: name}
}

func (p *Pin) String() string {
	return p.name
}

// Name implements pin.Pin.
func (p *Pin) Name() string {
	return p.name
}

// Out implements gpio.PinOut.
func (p *Pin) Out(l gpio.Level) error {
	p.log.mu.Lock()
	p.output, p.level = true, l
	p.log.events = append(p.log.events, Event{Kind: Out, Pin: p.name, Level: l})
	p.log.mu.Unlock()
	return nil
}

// In implements gpio.PinIn.
func (p *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	p.log.mu.Lock()
	p.output = false
	p.log.events = append(p.log.events, Event{Kind: In, Pin: p.name})
	p.log.mu.Unlock()
	return nil
}

// Read implements gpio.PinIn.
func (p *Pin) Read() gpio.Level {
	if p.Source != nil {
		return p.Source()
	}
	p.log.mu.Lock()
	defer p.log.mu.Unlock()
	return p.level
}

// IsOutput reports whether the pin was last configured as an output.
func (p *Pin) IsOutput() bool {
	p.log.mu.Lock()
	defer p.log.mu.Unlock()
	return p.output
}

// Level returns the last level driven on the pin.
func (p *Pin) Level() gpio.Level {
	p.log.mu.Lock()
	defer p.log.mu.Unlock()
	return p.level
}

// Bits returns a Source that replays the bits of data MSB first, then low.
func Bits(data ...byte) func() gpio.Level {
	var mu sync.Mutex
	i := 0
	return func() gpio.Level {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(data)*8 {
			return gpio.Low
		}
		b := data[i/8] >> (7 - uint(i%8)) & 1
		i++
		return b == 1
	}
}

// Join renders events one per line, for failure messages.
func Join(events []Event) string {
	s := make([]string, len(events))
	for i, e := range events {
		s[i] = e.String()
	}
	return strings.Join(s, "\n")
}
