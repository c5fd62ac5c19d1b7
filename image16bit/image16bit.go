// Package image16bit implements the 16 bits per pixel RGB565 image format
// used by the SSD1331 in 65k color mode.
//
// Each pixel takes two bytes, most significant byte first, so Pix can be
// streamed to the controller as-is:
//
//	bit  15..11  10..5  4..0
//	     red     green  blue
package image16bit

import (
	"image"
	"image/color"
)

// RGB565 is a 16 bits color with 5 bits of red, 6 bits of green and 5 bits of
// blue.
type RGB565 uint16

// RGB packs 8 bits channels into a RGB565, dropping the low bits.
func RGB(r, g, b uint8) RGB565 {
	return RGB565(uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(b>>3))
}

// Components returns the raw 5 bits red, 6 bits green and 5 bits blue values.
func (c RGB565) Components() (r, g, b uint8) {
	return uint8(c>>11) & 0x1F, uint8(c>>5) & 0x3F, uint8(c) & 0x1F
}

// RGBA implements color.Color.
func (c RGB565) RGBA() (r, g, b, a uint32) {
	r5, g6, b5 := c.Components()
	// Replicate the high bits into the low bits so 0x1F maps to 0xFF.
	r8 := uint32(r5<<3 | r5>>2)
	g8 := uint32(g6<<2 | g6>>4)
	b8 := uint32(b5<<3 | b5>>2)
	return r8 * 0x101, g8 * 0x101, b8 * 0x101, 0xFFFF
}

func toRGB565(c color.Color) color.Color {
	if v, ok := c.(RGB565); ok {
		return v
	}
	r, g, b, _ := c.RGBA()
	return RGB(uint8(r>>8), uint8(g>>8), uint8(b>>8))
}

// RGB565Model converts colors to RGB565. Alpha is ignored.
var RGB565Model = color.ModelFunc(toRGB565)

// Image is a RGB565 image with big endian pixels.
type Image struct {
	Pix    []byte          // 2 bytes per pixel
	Stride int             // Bytes per row
	Rect   image.Rectangle // Image bounds
}

// NewImage returns a black image with the given bounds.
func NewImage(r image.Rectangle) *Image {
	w, h := r.Dx(), r.Dy()
	if w < 0 || h < 0 {
		return &Image{Rect: r}
	}
	return &Image{
		Pix:    make([]byte, 2*w*h),
		Stride: 2 * w,
		Rect:   r,
	}
}

// ColorModel implements image.Image.
func (p *Image) ColorModel() color.Model {
	return RGB565Model
}

// Bounds implements image.Image.
func (p *Image) Bounds() image.Rectangle {
	return p.Rect
}

// At implements image.Image.
func (p *Image) At(x, y int) color.Color {
	return p.RGB565At(x, y)
}

// RGB565At returns the pixel at (x, y), or black outside the bounds.
func (p *Image) RGB565At(x, y int) RGB565 {
	if !(image.Point{X: x, Y: y}.In(p.Rect)) {
		return 0
	}
	i := p.PixOffset(x, y)
	return RGB565(p.Pix[i])<<8 | RGB565(p.Pix[i+1])
}

// Set implements draw.Image.
func (p *Image) Set(x, y int, c color.Color) {
	p.SetRGB565(x, y, RGB565Model.Convert(c).(RGB565))
}

// SetRGB565 sets the pixel at (x, y) without color conversion.
func (p *Image) SetRGB565(x, y int, c RGB565) {
	if !(image.Point{X: x, Y: y}.In(p.Rect)) {
		return
	}
	i := p.PixOffset(x, y)
	p.Pix[i] = byte(c >> 8)
	p.Pix[i+1] = byte(c)
}

// PixOffset returns the index of the first byte of the pixel at (x, y).
func (p *Image) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*2
}
