package bitmap

import (
	"image"
	"image/color"
	"sort"

	"github.com/disintegration/imaging"
	"github.com/makeworld-the-better-one/dither/v2"
	"golang.org/x/image/draw"
)

// Matrix is a 16x16 threshold matrix. The raster pipeline indexes it with
// (y&15, x&15) to pick the per-pixel threshold, so a constant matrix degrades
// to plain thresholding and a Bayer-style matrix gives ordered dithering.
type Matrix [16][16]uint8

// Row returns the threshold row for output line y.
func (m *Matrix) Row(y int) *[16]uint8 {
	return &m[y&15]
}

// Threshold returns the threshold for pixel (x, y).
func (m *Matrix) Threshold(x, y int) uint8 {
	return m[y&15][x&15]
}

var (
	// MatrixThreshold thresholds every pixel at mid-gray; used for the
	// "bi-level" print-color-mode where text and line art must stay crisp.
	MatrixThreshold = constantMatrix(127)
	// MatrixOrdered is a 16x16 Bayer matrix for the "monochrome" mode where
	// photographic content needs ordered dithering.
	MatrixOrdered = bayerMatrix()
)

func constantMatrix(v uint8) Matrix {
	var m Matrix
	for y := range m {
		for x := range m[y] {
			m[y][x] = v
		}
	}
	return m
}

// bayerMatrix builds the 16x16 Bayer matrix by recursive doubling from the
// 2x2 base, scaled to the 0..255 range.
func bayerMatrix() Matrix {
	size := 1
	cur := [][]int{{0}}
	for size < 16 {
		next := make([][]int, size*2)
		for y := range next {
			next[y] = make([]int, size*2)
		}
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				v := cur[y][x] * 4
				next[y][x] = v
				next[y][x+size] = v + 2
				next[y+size][x] = v + 3
				next[y+size][x+size] = v + 1
			}
		}
		cur = next
		size *= 2
	}
	var m Matrix
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			m[y][x] = uint8(cur[y][x]) // 0..255 for a 16x16 matrix
		}
	}
	return m
}

// DitherFunc converts an image to a black-and-white image, optionally
// applying gamma correction first.
type DitherFunc func(img image.Image, gamma float64) image.Image

var ditherFunctions = map[string]DitherFunc{
	"floyd-steinberg": DFloydSteinberg,
	"atkinson":        DAtkinson,
	"stucki":          DStucki,
	"bayer":           DBayer,
	"no-dither":       DitherThresholdFn(DefaultThreshold),
}

// DitherFunction returns a registered dither function by name.
func DitherFunction(name string) (DitherFunc, bool) {
	if name == "" {
		return DitherDefault, true
	}
	fn, ok := ditherFunctions[name]
	if !ok {
		return nil, false
	}
	return fn, true
}

// RegisterDitherFunction registers a new dither function by name.
func RegisterDitherFunction(name string, fn DitherFunc) {
	if name == "" {
		panic("dither function name cannot be empty")
	}
	if fn == nil {
		panic("dither function cannot be nil")
	}
	if _, exists := ditherFunctions[name]; exists {
		panic("dither function already registered: " + name)
	}
	ditherFunctions[name] = fn
}

// AllDitherFunctions returns a sorted list of all available dither function
// names.
func AllDitherFunctions() []string {
	keys := make([]string, 0, len(ditherFunctions))
	for k := range ditherFunctions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DitherDefault is the default dither function used by the raster pipeline.
func DitherDefault(img image.Image, gamma float64) image.Image {
	return DFloydSteinberg(img, gamma)
}

func diffusionDither(matrix dither.ErrorDiffusionMatrix, defaultGamma float64) DitherFunc {
	return func(img image.Image, gamma float64) image.Image {
		if gamma == DefaultGamma {
			gamma = defaultGamma
		}
		dithered := image.NewRGBA(img.Bounds())
		d := dither.NewDitherer([]color.Color{color.Black, color.White})
		d.Matrix = matrix
		d.Draw(dithered, dithered.Bounds(), imaging.AdjustGamma(img, gamma), image.Point{})
		return dithered
	}
}

func patternDither(matrix dither.PixelMapper, defaultGamma float64) DitherFunc {
	return func(img image.Image, gamma float64) image.Image {
		if gamma == DefaultGamma {
			gamma = defaultGamma
		}
		dithered := image.NewRGBA(img.Bounds())
		d := dither.NewDitherer([]color.Color{color.Black, color.White})
		d.Mapper = matrix
		d.Draw(dithered, dithered.Bounds(), imaging.AdjustGamma(img, gamma), image.Point{})
		return dithered
	}
}

var (
	// DAtkinson applies Atkinson error diffusion dithering with a gamma value of 3.0.
	DAtkinson = diffusionDither(dither.Atkinson, 3.0)
	// DStucki applies Stucki error diffusion dithering with a gamma value of 3.5.
	DStucki = diffusionDither(dither.Stucki, 3.5)
	// DBayer applies Bayer ordered dithering with a gamma value of 3.5.
	DBayer = patternDither(dither.Bayer(8, 8, 1.0), 3.5)
)

// DFloydSteinberg applies Floyd-Steinberg dithering using the standard
// library drawer.
func DFloydSteinberg(img image.Image, gamma float64) image.Image {
	const defaultGamma = 1.5
	if gamma == DefaultGamma {
		gamma = defaultGamma
	}
	dstImage := imaging.AdjustGamma(img, gamma)
	dithered := image.NewPaletted(img.Bounds(), []color.Color{color.Black, color.White})
	draw.FloydSteinberg.Draw(dithered, dithered.Bounds(), dstImage, image.Point{})
	return dithered
}

// DitherThresholdFn returns a dither function that thresholds every pixel at
// the given value.
func DitherThresholdFn(threshold uint8) DitherFunc {
	return func(img image.Image, _ float64) image.Image {
		if threshold == 0 {
			threshold = DefaultThreshold
		}
		trg := image.NewPaletted(img.Bounds(), []color.Color{color.Black, color.White})
		for x := img.Bounds().Min.X; x < img.Bounds().Max.X; x++ {
			for y := img.Bounds().Min.Y; y < img.Bounds().Max.Y; y++ {
				if PixelBit(img, x, y, threshold) {
					trg.SetColorIndex(x, y, 0) // black
				} else {
					trg.SetColorIndex(x, y, 1) // white
				}
			}
		}
		return trg
	}
}
