// Package bitmap provides the pixel-level building blocks for the print
// pipeline: grayscale conversion, scaling, rotation and one-bit dithering.
package bitmap

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

const (
	// DefaultThreshold is the default threshold for dark pixels.
	DefaultThreshold = 128
	// DefaultGamma is a special value that instructs to use the default gamma
	// for the diffusion algorithms.
	DefaultGamma = 0.0
)

// PixelBit reports whether the pixel at (x, y) is "on" (dark) for the given
// threshold. Coordinates outside the image bounds are off, which lets callers
// walk padded rows without bounds checks.
func PixelBit(img image.Image, x, y int, threshold uint8) bool {
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	b := img.Bounds()
	if y < b.Min.Y || y >= b.Max.Y {
		return false // padded line
	}
	if x < b.Min.X || x >= b.Max.X {
		return false // image narrower than the output row
	}

	return ColorToGray(img.At(x, y)) < threshold
}

// ColorToGray converts a color to an 8-bit luminance value using the
// ITU-R 601 weights.
func ColorToGray(c color.Color) uint8 {
	if gray, ok := c.(color.Gray); ok {
		return gray.Y
	}
	r, g, b, _ := c.RGBA()
	gray := (299*r + 587*g + 114*b) / 1000
	return uint8(gray >> 8)
}

// ToGray8 renders the image as 8-bit grayscale over a white background.
// Transparent regions come out white, which is what paper looks like.
func ToGray8(img image.Image) *image.Gray {
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for i := range dst.Pix {
		dst.Pix[i] = 0xff
	}
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}
