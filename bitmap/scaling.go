package bitmap

import (
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// Orientation mirrors the IPP orientation-requested enum values.
type Orientation int

const (
	Portrait         Orientation = 3 // no rotation
	Landscape        Orientation = 4 // 90 degrees counter-clockwise
	ReverseLandscape Orientation = 5 // 90 degrees clockwise
	ReversePortrait  Orientation = 6 // 180 degrees
)

// Rotate applies the requested page orientation to the image.
func Rotate(img image.Image, o Orientation) image.Image {
	switch o {
	case Landscape:
		return imaging.Rotate90(img)
	case ReverseLandscape:
		return imaging.Rotate270(img)
	case ReversePortrait:
		return imaging.Rotate180(img)
	default:
		return img
	}
}

// ScaleToFit scales the image so it fits inside a maxW x maxH box while
// preserving the aspect ratio. The result fills the box in at least one
// dimension.
func ScaleToFit(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 || maxW <= 0 || maxH <= 0 {
		return img
	}

	tw := maxW
	th := h * maxW / w
	if th > maxH {
		th = maxH
		tw = w * maxH / h
	}
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}
	if tw == w && th == h {
		return img
	}

	resized := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, b, draw.Over, nil)
	return resized
}
