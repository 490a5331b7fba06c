// Package printer implements the printer and job model: each printer owns
// a worker goroutine that pops pending jobs and drives them through the
// registered driver's raster callbacks onto an open device.
package printer

import "fmt"

// Resolution is a print resolution in dots per inch.
type Resolution struct {
	X, Y int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%ddpi", r.X, r.Y)
}

// MediaSize describes one supported media, PWG self-describing name plus
// dimensions and hardware margins in 1/100 mm.
type MediaSize struct {
	Name   string
	Width  int
	Height int

	LeftMargin   int
	BottomMargin int
	RightMargin  int
	TopMargin    int
}

// Capabilities is the driver-declared feature set a printer exposes
// through its attributes and uses to resolve job options.
type Capabilities struct {
	// MakeAndModel is the printer-make-and-model attribute.
	MakeAndModel string
	// DeviceID is the IEEE-1284 device ID the driver matches.
	DeviceID string

	// NativeFormat is the PDL MIME type handed verbatim to Print.
	NativeFormat string
	// Formats lists further document formats accepted beyond the raster
	// and PNG pipelines.
	Formats []string

	Resolutions       []Resolution
	DefaultResolution Resolution

	// ColorModes holds print-color-mode-supported keywords.
	ColorModes       []string
	DefaultColorMode string

	Media        []MediaSize
	MediaDefault string
	// MediaReady names the media loaded in each ready slot.
	MediaReady []string

	Sides []string
	Kind  []string

	// Dither names the registered dither function applied to high-quality
	// PNG output (bitmap.DitherFunction); empty selects the default.
	Dither string

	// Darkness is the default print-darkness percentage; -1 when the
	// device has no darkness control.
	Darkness int
	// Speed is the supported print-speed range in mm/s; both zero when
	// unsupported.
	Speed [2]int

	HasSupplies bool
}

// MediaByName finds a supported media size.
func (c *Capabilities) MediaByName(name string) (MediaSize, bool) {
	for _, m := range c.Media {
		if m.Name == name {
			return m, true
		}
	}
	return MediaSize{}, false
}

// Driver is the callback contract a printer driver implements. The raster
// callbacks return false to abort the job; the worker stops calling into
// the driver as soon as one does.
type Driver interface {
	// Capabilities returns the static feature set. The printer reads it
	// once at creation.
	Capabilities() *Capabilities

	// StartJob and EndJob bracket one print job.
	StartJob(job *Job, opts *Options) bool
	EndJob(job *Job, opts *Options) bool

	// StartPage and EndPage bracket one page; page numbers are 1-based.
	StartPage(job *Job, opts *Options, page int) bool
	EndPage(job *Job, opts *Options, page int) bool

	// WriteLine emits one 1-bit output row; y is 0-based from the top of
	// the page.
	WriteLine(job *Job, opts *Options, y int, line []byte) bool

	// Print consumes a native-format job in one call (raw path).
	Print(job *Job, opts *Options) bool

	// Status refreshes printer state from the hardware; called from the
	// worker between jobs.
	Status(p *Printer) bool
}
