// Package ssd1331 controls a SSD1331 color OLED display, as found on the
// Digilent PmodOLEDrgb.
//
// The SSD1331 is a 96×64 RGB controller. This driver runs it in 65k color
// mode (RGB565, two bytes per pixel) and implements the display.Drawer
// interface from periph.io.
//
// # Hardware Connection
//
// The PmodOLEDrgb exposes a write-mostly SPI bus plus four control lines:
//
//	Pmod Pin → System Pin
//	CS       → GPIO or SPI chip select
//	MOSI     → GPIO or SPI MOSI
//	SCK      → GPIO or SPI clock
//	DC       → GPIO (low: command, high: pixel data)
//	RES      → GPIO (active low)
//	VCCEN    → GPIO (14V panel supply enable)
//	PMODEN   → GPIO (logic supply enable)
//
// The bus can be a hardware SPI port (NewSPI) or any four GPIO lines driven
// by package bitbang (New).
//
// # Basic Usage
//
//	package main
//
//	import (
//		"image"
//		"image/color"
//		"image/draw"
//
//		"periph.io/x/conn/v3/gpio/gpioreg"
//		"periph.io/x/devices/v3/ssd1331"
//		"periph.io/x/devices/v3/ssd1331/bitbang"
//		"periph.io/x/host/v3"
//	)
//
//	func main() {
//		host.Init()
//
//		port, _ := bitbang.New(bitbang.Bus{
//			CLK:  gpioreg.ByName("GPIO11"),
//			COPI: gpioreg.ByName("GPIO10"),
//			CS:   gpioreg.ByName("GPIO8"),
//		}, nil)
//
//		dev, _ := ssd1331.New(port, ssd1331.Pins{
//			DC:     gpioreg.ByName("GPIO24"),
//			RST:    gpioreg.ByName("GPIO25"),
//			VCCEN:  gpioreg.ByName("GPIO23"),
//			PMODEN: gpioreg.ByName("GPIO22"),
//		}, nil)
//		defer dev.Halt()
//
//		img := image.NewRGBA(dev.Bounds())
//		draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{0, 0, 255, 255}}, image.Point{}, draw.Src)
//		dev.Draw(dev.Bounds(), img, image.Point{})
//	}
//
// # Power Sequence
//
// New and NewSPI bring the panel up before returning:
//
//  1. CS high, DC low (command), RST high.
//  2. High voltage rail off, ground rail on, wait RailSettle.
//  3. Pulse RST low then high, ResetPulse each.
//  4. Run the configuration Program, one chip-select bracket per register
//     write.
//  5. High voltage rail on, wait PowerSettle.
//  6. Display on, wait DisplaySettle.
//
// Halt reverses it: display off, high voltage rail off, wait HaltSettle,
// ground rail off.
//
// # Programs
//
// Register writes are batched into a Program, a byte table of
// [length][register][values...] records terminated by a zero length.
// DefaultProgram returns the PmodOLEDrgb configuration; custom tables can be
// passed through Opts.Program or run later with Dev.Run.
//
// # Drawing
//
// Send and SendRect stream raw RGB565 bytes into an address window. Write
// sends a full frame. Draw converts any image.Image and only sends the
// bounding box of the pixels that changed.
//
// The controller also has accelerated primitives: DrawLine, DrawRect and
// ClearWindow.
//
// # Datasheet
//
// https://cdn-shop.adafruit.com/datasheets/SSD1331_1.2.pdf
package ssd1331
