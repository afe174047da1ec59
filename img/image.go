// Package img contains routines for loading and transforming sets of X-ray images.
package img

import (
	"image"
	"image/color"
)

// Image stores pixel data as float32 values in range 0-1, one plane per
// channel in row major order.
type Image struct {
	Pix      []float32
	Height   int
	Width    int
	Channels int
}

// NewImage creates a zeroed image with the given geometry.
func NewImage(width, height, channels int) *Image {
	return &Image{
		Pix:      make([]float32, width*height*channels),
		Height:   height,
		Width:    width,
		Channels: channels,
	}
}

// NewImageLike creates a zeroed image with the same geometry as src.
func NewImageLike(src *Image) *Image {
	return NewImage(src.Width, src.Height, src.Channels)
}

// Shape returns channels, height, width.
func (m *Image) Shape() []int {
	return []int{m.Channels, m.Height, m.Width}
}

// Pixels returns the plane for the given channel.
func (m *Image) Pixels(ch int) []float32 {
	return m.Pix[ch*m.Width*m.Height : (ch+1)*m.Width*m.Height]
}

// Pixel returns the value at x, y in the given channel, clamping coordinates
// to the image bounds so that resampling fills edges with the nearest pixel.
func (m *Image) Pixel(ch, x, y int) float32 {
	if x < 0 {
		x = 0
	}
	if x >= m.Width {
		x = m.Width - 1
	}
	if y < 0 {
		y = 0
	}
	if y >= m.Height {
		y = m.Height - 1
	}
	return m.Pix[ch*m.Width*m.Height+y*m.Width+x]
}

// SetPixel sets the value at x, y in the given channel.
func (m *Image) SetPixel(ch, x, y int, val float32) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	m.Pix[ch*m.Width*m.Height+y*m.Width+x] = val
}

func (m *Image) ColorModel() color.Model {
	return color.RGBAModel
}

func (m *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *Image) At(x, y int) color.Color {
	if m.Channels == 1 {
		y8 := uint8(clamp(m.Pixel(0, x, y), 0, 1) * 255)
		return color.Gray{Y: y8}
	}
	return color.RGBA{
		R: uint8(clamp(m.Pixel(0, x, y), 0, 1) * 255),
		G: uint8(clamp(m.Pixel(1, x, y), 0, 1) * 255),
		B: uint8(clamp(m.Pixel(2, x, y), 0, 1) * 255),
		A: 0xff,
	}
}

// FromImage converts a decoded image to float32 planes scaled by 1/255,
// expanding grayscale sources to the requested channel count.
func FromImage(src image.Image, channels int) *Image {
	b := src.Bounds()
	m := NewImage(b.Dx(), b.Dy(), channels)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			if channels == 1 {
				lum := 0.299*float32(r) + 0.587*float32(g) + 0.114*float32(bl)
				m.SetPixel(0, x, y, lum/0xffff)
			} else {
				m.SetPixel(0, x, y, float32(r)/0xffff)
				m.SetPixel(1, x, y, float32(g)/0xffff)
				m.SetPixel(2, x, y, float32(bl)/0xffff)
			}
		}
	}
	return m
}

func clamp(x, x0, x1 float32) float32 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}
