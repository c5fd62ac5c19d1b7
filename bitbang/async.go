package bitbang

import (
	"context"

	"go.uber.org/zap"
)

// State is the transfer state of a Port.
type State uint8

// Transfer states.
const (
	Idle State = iota
	Busy
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Busy:
		return "Busy"
	default:
		return "State(?)"
	}
}

// CompletionFunc is called when a transfer has shifted its last byte, with the
// number of bytes transferred and the error that stopped it, if any.
//
// It runs while the Port is still Busy, so it must not start another transfer
// on the same Port.
type CompletionFunc func(n int, err error)

// OnComplete registers fn to be called at the end of every transfer. A nil fn
// removes the callback.
func (p *Port) OnComplete(fn CompletionFunc) {
	p.mu.Lock()
	p.done = fn
	p.mu.Unlock()
}

// State reports whether a transfer is in flight.
func (p *Port) State() State {
	if p.busy.Load() {
		return Busy
	}
	return Idle
}

// StartWrite begins shifting out buf.
//
// It blocks while another transfer is in flight. The bytes are currently
// shifted on the calling goroutine, so the transfer has completed when
// StartWrite returns; callers that need completion must still call Wait.
func (p *Port) StartWrite(ctx context.Context, buf []byte) error {
	return p.start(ctx, buf, nil, 0)
}

// StartRead begins filling buf from CIPO, sending tx for every byte.
func (p *Port) StartRead(ctx context.Context, tx byte, buf []byte) error {
	if p.bus.CIPO == nil {
		return ErrNoCIPO
	}
	return p.start(ctx, nil, buf, tx)
}

// Wait blocks until no transfer is in flight.
func (p *Port) Wait(ctx context.Context) error {
	if err := p.slot.Acquire(ctx, 1); err != nil {
		return err
	}
	p.slot.Release(1)
	return nil
}

// start runs one transfer. w is sent when not nil, otherwise fill is sent
// len(r) times.
func (p *Port) start(ctx context.Context, w, r []byte, fill byte) error {
	if err := p.begin(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	selected, closed := p.selected, p.closed
	p.mu.Unlock()
	if closed {
		p.abort()
		return ErrClosed
	}
	if selected == nil {
		p.abort()
		return ErrNotSelected
	}

	n := len(r)
	if w != nil {
		n = len(w)
	}
	got, err := p.shift(n, w, r, fill)
	p.finish(got, err)
	return err
}

// begin takes the transfer slot and marks the Port Busy.
func (p *Port) begin(ctx context.Context) error {
	if err := p.slot.Acquire(ctx, 1); err != nil {
		return err
	}
	p.busy.Store(true)
	return nil
}

// abort gives the slot back without completing a transfer.
func (p *Port) abort() {
	p.busy.Store(false)
	p.slot.Release(1)
}

// finish calls the completion callback, then returns to Idle.
func (p *Port) finish(n int, err error) {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if err != nil {
		p.log.Debug("transfer failed", zap.Int("bytes", n), zap.Error(err))
	}
	if done != nil {
		done(n, err)
	}
	p.busy.Store(false)
	p.slot.Release(1)
}
