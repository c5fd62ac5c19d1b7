package ssd1331

import (
	"fmt"
	"image"
)

// Rails is the power state of the panel.
type Rails uint8

// Power states, in bring-up order.
const (
	RailsOff    Rails = iota // Both rails disabled
	RailsGround              // Ground rail (PMODEN) enabled, high voltage rail off
	RailsFull                // Both rails enabled
)

func (r Rails) String() string {
	switch r {
	case RailsOff:
		return "off"
	case RailsGround:
		return "ground"
	case RailsFull:
		return "full"
	default:
		return fmt.Sprintf("Rails(%d)", uint8(r))
	}
}

// Session is the state of the controller as last driven by a Dev.
type Session struct {
	Initialized bool
	Rails       Rails
	InReset     bool // RST held active
	DataMode    bool // DC high: bytes are pixel data
	DisplayOn   bool
	// Window is the addressed write window, Max exclusive.
	Window image.Rectangle
}

func (s Session) String() string {
	return fmt.Sprintf("Session{init:%t rails:%s reset:%t data:%t on:%t window:%v}",
		s.Initialized, s.Rails, s.InReset, s.DataMode, s.DisplayOn, s.Window)
}
