package bitbang

import (
	"time"

	"github.com/benbjohnson/clock"
	"periph.io/x/host/v3/cpu"
)

// Delayer holds the calling goroutine for at least d.
//
// Bit timing and controller bring-up delays all go through a Delayer so they
// can be replaced in tests.
type Delayer interface {
	Sleep(d time.Duration)
}

// spinThreshold is the longest delay that is busy-waited instead of slept.
const spinThreshold = time.Millisecond

type spinDelayer struct {
	clk clock.Clock
}

// NewDelayer returns a Delayer that busy-waits for delays shorter than a
// millisecond and sleeps on clk for longer ones.
//
// The scheduler cannot honour microsecond sleeps, so bit periods and reset
// pulses spin.
func NewDelayer(clk clock.Clock) Delayer {
	if clk == nil {
		clk = clock.New()
	}
	return &spinDelayer{clk: clk}
}

func (s *spinDelayer) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if d < spinThreshold {
		cpu.Nanospin(d)
		return
	}
	s.clk.Sleep(d)
}

// DelayerFunc adapts a function to the Delayer interface.
type DelayerFunc func(d time.Duration)

// Sleep calls f(d).
func (f DelayerFunc) Sleep(d time.Duration) {
	f(d)
}
