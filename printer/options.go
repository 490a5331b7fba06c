package printer

import (
	"github.com/OpenPrinting/goipp"

	"github.com/printkit/printkit/bitmap"
	"github.com/printkit/printkit/raster"
)

// Print quality enum values (print-quality attribute).
const (
	QualityDraft  = 3
	QualityNormal = 4
	QualityHigh   = 5
)

// Options is the per-job resolved option set handed to every driver
// callback. Values come from the job attributes, falling back to printer
// defaults and then driver defaults.
type Options struct {
	Copies      int
	Media       MediaSize
	Orientation bitmap.Orientation
	ColorMode   string
	Quality     int
	Resolution  Resolution
	Speed       int
	Darkness    int

	// Dither is the 16x16 threshold matrix the raster pipeline applies;
	// rows are selected with y & 15.
	Dither *bitmap.Matrix

	// DitherFn, when set, pre-renders PNG pages with error diffusion
	// instead of the threshold matrix. Selected for high print quality.
	DitherFn bitmap.DitherFunc

	// Header describes the output page in PWG raster terms; the raster
	// path overwrites it per input page.
	Header raster.Header

	// Imageable box in device pixels.
	Left, Top, Width, Height int

	// TotalPages is the page count across all copies, when known.
	TotalPages int
}

// buildOptions resolves the option set for one job against the driver
// capabilities.
func buildOptions(job *Job, caps *Capabilities) *Options {
	attrs := job.Attrs()
	o := &Options{
		Copies:      1,
		Orientation: bitmap.Portrait,
		ColorMode:   caps.DefaultColorMode,
		Quality:     QualityNormal,
		Resolution:  caps.DefaultResolution,
		Darkness:    caps.Darkness,
	}

	if v, ok := attrInt(attrs, "copies"); ok && v > 0 {
		o.Copies = v
	}
	if v, ok := attrInt(attrs, "orientation-requested"); ok && v >= int(bitmap.Portrait) && v <= int(bitmap.ReversePortrait) {
		o.Orientation = bitmap.Orientation(v)
	}
	if v, ok := attrString(attrs, "print-color-mode"); ok {
		o.ColorMode = v
	}
	if v, ok := attrInt(attrs, "print-quality"); ok && v >= QualityDraft && v <= QualityHigh {
		o.Quality = v
	}
	if v, ok := attrResolution(attrs, "printer-resolution"); ok {
		o.Resolution = v
	} else {
		o.Resolution = resolutionForQuality(caps, o.Quality)
	}
	if v, ok := attrInt(attrs, "print-speed"); ok {
		o.Speed = v
	}
	if v, ok := attrInt(attrs, "print-darkness"); ok {
		o.Darkness = v
	}

	o.Media = mediaForJob(attrs, caps)
	o.Dither = ditherForMode(o.ColorMode)
	if o.Quality == QualityHigh && o.ColorMode != "bi-level" {
		fn, ok := bitmap.DitherFunction(caps.Dither)
		if !ok {
			fn = bitmap.DitherDefault
		}
		o.DitherFn = fn
	}
	o.computeGeometry()
	return o
}

// mediaForJob picks the media size: the job's media attribute, the first
// ready slot, then the driver default.
func mediaForJob(attrs goipp.Attributes, caps *Capabilities) MediaSize {
	if name, ok := attrString(attrs, "media"); ok {
		if m, found := caps.MediaByName(name); found {
			return m
		}
	}
	for _, name := range caps.MediaReady {
		if m, found := caps.MediaByName(name); found {
			return m
		}
	}
	if m, found := caps.MediaByName(caps.MediaDefault); found {
		return m
	}
	if len(caps.Media) > 0 {
		return caps.Media[0]
	}
	return MediaSize{}
}

// ditherForMode maps print-color-mode to a threshold matrix: bi-level
// output uses a flat 50% threshold, everything else ordered dithering.
func ditherForMode(mode string) *bitmap.Matrix {
	if mode == "bi-level" {
		return &bitmap.MatrixThreshold
	}
	return &bitmap.MatrixOrdered
}

func resolutionForQuality(caps *Capabilities, quality int) Resolution {
	if len(caps.Resolutions) == 0 {
		return caps.DefaultResolution
	}
	switch quality {
	case QualityDraft:
		return caps.Resolutions[0]
	case QualityHigh:
		return caps.Resolutions[len(caps.Resolutions)-1]
	default:
		return caps.DefaultResolution
	}
}

// computeGeometry derives page pixels and the imageable box from the
// media dimensions (1/100 mm) and the resolution.
func (o *Options) computeGeometry() {
	pw := o.Media.Width * o.Resolution.X / 2540
	ph := o.Media.Height * o.Resolution.Y / 2540
	o.Left = o.Media.LeftMargin * o.Resolution.X / 2540
	o.Top = o.Media.TopMargin * o.Resolution.Y / 2540
	o.Width = pw - o.Left - o.Media.RightMargin*o.Resolution.X/2540
	o.Height = ph - o.Top - o.Media.BottomMargin*o.Resolution.Y/2540
	if o.Width < 0 {
		o.Width = 0
	}
	if o.Height < 0 {
		o.Height = 0
	}

	o.Header = raster.Header{
		XResolution:  uint32(o.Resolution.X),
		YResolution:  uint32(o.Resolution.Y),
		NumCopies:    uint32(o.Copies),
		Orientation:  uint32(o.Orientation) - uint32(bitmap.Portrait),
		PageWidth:    uint32(o.Media.Width * 72 / 2540),
		PageHeight:   uint32(o.Media.Height * 72 / 2540),
		Width:        uint32(pw),
		Height:       uint32(ph),
		BitsPerColor: 1,
		BitsPerPixel: 1,
		BytesPerLine: uint32((pw + 7) / 8),
		ColorSpace:   raster.ColorSpaceBlack,
		NumColors:    1,
		PageSizeName: o.Media.Name,
		ImageBox: [4]uint32{
			uint32(o.Left),
			uint32(o.Top),
			uint32(o.Left + o.Width),
			uint32(o.Top + o.Height),
		},
	}
}

// findAttr locates an attribute by name.
func findAttr(attrs goipp.Attributes, name string) (goipp.Attribute, bool) {
	for _, a := range attrs {
		if a.Name == name {
			return a, true
		}
	}
	return goipp.Attribute{}, false
}

func attrInt(attrs goipp.Attributes, name string) (int, bool) {
	a, ok := findAttr(attrs, name)
	if !ok || len(a.Values) == 0 {
		return 0, false
	}
	if v, ok := a.Values[0].V.(goipp.Integer); ok {
		return int(v), true
	}
	return 0, false
}

func attrString(attrs goipp.Attributes, name string) (string, bool) {
	a, ok := findAttr(attrs, name)
	if !ok || len(a.Values) == 0 {
		return "", false
	}
	if v, ok := a.Values[0].V.(goipp.String); ok {
		return string(v), true
	}
	return "", false
}

func attrResolution(attrs goipp.Attributes, name string) (Resolution, bool) {
	a, ok := findAttr(attrs, name)
	if !ok || len(a.Values) == 0 {
		return Resolution{}, false
	}
	if v, ok := a.Values[0].V.(goipp.Resolution); ok {
		return Resolution{X: v.Xres, Y: v.Yres}, true
	}
	return Resolution{}, false
}
