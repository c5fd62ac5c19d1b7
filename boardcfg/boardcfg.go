// Package boardcfg loads the wiring of a PmodOLEDrgb from a JSON5 file.
//
// A board file names the GPIO lines of the bus and the panel control pins,
// and optionally overrides timings and panel options:
//
//	{
//	  // Raspberry Pi, Pmod HAT port JA
//	  bus: {clk: "GPIO11", copi: "GPIO10", cs: "GPIO8"},
//	  panel: {dc: "GPIO24", rst: "GPIO25", vccen: "GPIO23", pmoden: "GPIO22"},
//	  timing: {half_period: "500ns", power_settle: "150ms"},
//	}
//
// Durations are strings accepted by time.ParseDuration.
package boardcfg

import (
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"periph.io/x/devices/v3/ssd1331"
	"periph.io/x/devices/v3/ssd1331/bitbang"
)

// Bus names the lines of the bit-banged bus.
type Bus struct {
	CLK  string `json:"clk"`
	COPI string `json:"copi"`
	CIPO string `json:"cipo"`
	CS   string `json:"cs"`
}

// Panel names the control lines of the display.
type Panel struct {
	DC     string `json:"dc"`
	RST    string `json:"rst"`
	VCCEN  string `json:"vccen"`
	PMODEN string `json:"pmoden"`

	VCCActiveLow    bool `json:"vcc_active_low"`
	PMODENActiveLow bool `json:"pmoden_active_low"`
}

// Timing overrides the bus and bring-up delays.
type Timing struct {
	HalfPeriod    time.Duration `json:"half_period"`
	Settle        time.Duration `json:"settle"`
	RailSettle    time.Duration `json:"rail_settle"`
	ResetPulse    time.Duration `json:"reset_pulse"`
	PowerSettle   time.Duration `json:"power_settle"`
	DisplaySettle time.Duration `json:"display_settle"`
	HaltSettle    time.Duration `json:"halt_settle"`
}

// Config is a board file.
type Config struct {
	Bus    Bus    `json:"bus"`
	Panel  Panel  `json:"panel"`
	Timing Timing `json:"timing"`

	Width  int  `json:"width"`
	Height int  `json:"height"`
	Unlock bool `json:"unlock"`
}

// Default returns a Config with the PmodOLEDrgb timings and no pins.
func Default() Config {
	return Config{
		Timing: Timing{
			HalfPeriod:    bitbang.DefaultOpts.HalfPeriod,
			Settle:        bitbang.DefaultOpts.Settle,
			RailSettle:    ssd1331.DefaultOpts.RailSettle,
			ResetPulse:    ssd1331.DefaultOpts.ResetPulse,
			PowerSettle:   ssd1331.DefaultOpts.PowerSettle,
			DisplaySettle: ssd1331.DefaultOpts.DisplaySettle,
			HaltSettle:    ssd1331.DefaultOpts.HaltSettle,
		},
		Width:  ssd1331.MaxWidth,
		Height: ssd1331.MaxHeight,
	}
}

// Load reads and parses the board file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "boardcfg: read")
	}
	c, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "boardcfg: %s", path)
	}
	return c, nil
}

// Parse decodes a board file over Default and validates it. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parse")
	}

	c := Default()
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "json",
		Result:     &c,
		Metadata:   &md,
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	if len(md.Unused) != 0 {
		return nil, errors.Errorf("unknown keys: %s", strings.Join(md.Unused, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that the required lines are named and the values are in
// range.
func (c *Config) Validate() error {
	var err error
	required := []struct{ key, name string }{
		{"bus.clk", c.Bus.CLK},
		{"bus.copi", c.Bus.COPI},
		{"bus.cs", c.Bus.CS},
		{"panel.dc", c.Panel.DC},
		{"panel.vccen", c.Panel.VCCEN},
	}
	for _, r := range required {
		if r.name == "" {
			err = multierr.Append(err, errors.Errorf("%s is required", r.key))
		}
	}
	if c.Width < 1 || c.Width > ssd1331.MaxWidth {
		err = multierr.Append(err, errors.Errorf("width must be between 1 and %d", ssd1331.MaxWidth))
	}
	if c.Height < 1 || c.Height > ssd1331.MaxHeight {
		err = multierr.Append(err, errors.Errorf("height must be between 1 and %d", ssd1331.MaxHeight))
	}
	for _, d := range []time.Duration{
		c.Timing.HalfPeriod, c.Timing.Settle, c.Timing.RailSettle, c.Timing.ResetPulse,
		c.Timing.PowerSettle, c.Timing.DisplaySettle, c.Timing.HaltSettle,
	} {
		if d < 0 {
			err = multierr.Append(err, errors.New("timings must not be negative"))
			break
		}
	}
	return err
}

// Lookup resolves a line name to a pin. gpioreg.ByName is used when nil.
type Lookup func(name string) gpio.PinIO

// Resolve looks up every named line. Optional lines left empty stay nil.
func (c *Config) Resolve(lookup Lookup) (bitbang.Bus, ssd1331.Pins, error) {
	if lookup == nil {
		lookup = gpioreg.ByName
	}
	var err error
	get := func(name string) gpio.PinIO {
		if name == "" {
			return nil
		}
		p := lookup(name)
		if p == nil {
			err = multierr.Append(err, errors.Errorf("boardcfg: no pin named %q", name))
		}
		return p
	}

	bus := bitbang.Bus{
		CLK:  get(c.Bus.CLK),
		COPI: get(c.Bus.COPI),
		CIPO: get(c.Bus.CIPO),
		CS:   get(c.Bus.CS),
	}
	pins := ssd1331.Pins{
		DC:     get(c.Panel.DC),
		RST:    get(c.Panel.RST),
		VCCEN:  get(c.Panel.VCCEN),
		PMODEN: get(c.Panel.PMODEN),
	}
	if err != nil {
		return bitbang.Bus{}, ssd1331.Pins{}, err
	}
	return bus, pins, nil
}

// BusOpts returns the bus options of the board.
func (c *Config) BusOpts() *bitbang.Opts {
	return &bitbang.Opts{
		HalfPeriod: c.Timing.HalfPeriod,
		Settle:     c.Timing.Settle,
	}
}

// PanelOpts returns the display options of the board.
func (c *Config) PanelOpts() *ssd1331.Opts {
	o := ssd1331.DefaultOpts
	o.W, o.H = c.Width, c.Height
	o.Unlock = c.Unlock
	o.VCCActiveLow = c.Panel.VCCActiveLow
	o.PMODENActiveLow = c.Panel.PMODENActiveLow
	o.RailSettle = c.Timing.RailSettle
	o.ResetPulse = c.Timing.ResetPulse
	o.PowerSettle = c.Timing.PowerSettle
	o.DisplaySettle = c.Timing.DisplaySettle
	o.HaltSettle = c.Timing.HaltSettle
	return &o
}
