package main

import (
	"io"
	"log/slog"

	"github.com/printkit/printkit/printer"
	"github.com/printkit/printkit/spool"
)

// rawDriver forwards job bytes to the device unmodified. It declares no
// native darkness or speed control and accepts any raster the pipeline
// produces; each output row goes to the device as-is.
type rawDriver struct {
	spool *spool.Spool
}

func (d *rawDriver) Capabilities() *printer.Capabilities {
	return &printer.Capabilities{
		MakeAndModel:      "Generic Raw Printer",
		NativeFormat:      "application/octet-stream",
		Resolutions:       []printer.Resolution{{X: 203, Y: 203}, {X: 300, Y: 300}},
		DefaultResolution: printer.Resolution{X: 203, Y: 203},
		ColorModes:        []string{"monochrome"},
		DefaultColorMode:  "monochrome",
		Media: []printer.MediaSize{
			{Name: "custom_58x100mm", Width: 5800, Height: 10000},
			{Name: "custom_80x100mm", Width: 8000, Height: 10000},
		},
		MediaDefault: "custom_58x100mm",
		Darkness:     -1,
	}
}

func (d *rawDriver) StartJob(*printer.Job, *printer.Options) bool { return true }
func (d *rawDriver) EndJob(*printer.Job, *printer.Options) bool   { return true }

func (d *rawDriver) StartPage(*printer.Job, *printer.Options, int) bool { return true }
func (d *rawDriver) EndPage(*printer.Job, *printer.Options, int) bool   { return true }

func (d *rawDriver) WriteLine(job *printer.Job, opts *printer.Options, y int, line []byte) bool {
	if _, err := job.Device().Write(line); err != nil {
		slog.Error("raw: device write failed", "job", job.ID, "row", y, "error", err)
		return false
	}
	return true
}

func (d *rawDriver) Print(job *printer.Job, opts *printer.Options) bool {
	f, err := d.spool.OpenJob(job.ID)
	if err != nil {
		slog.Error("raw: cannot open spooled document", "job", job.ID, "error", err)
		return false
	}
	defer f.Close()
	if _, err := io.Copy(job.Device(), f); err != nil {
		slog.Error("raw: device write failed", "job", job.ID, "error", err)
		return false
	}
	return true
}

func (d *rawDriver) Status(*printer.Printer) bool { return true }
