package printer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"time"

	"github.com/printkit/printkit/bitmap"
	"github.com/printkit/printkit/device"
	"github.com/printkit/printkit/notify"
	"github.com/printkit/printkit/raster"
)

var (
	errDriverAborted     = errors.New("printer: driver aborted the job")
	errJobCanceled       = errors.New("printer: job canceled")
	errUnsupportedFormat = errors.New("printer: unsupported document format")
)

// processJob drives one job through the driver. It owns the terminal
// transition: cancellation elsewhere only sets the advisory flag.
func (p *Printer) processJob(ctx context.Context, job *Job) {
	if err := job.event(ctx, jobEvtProcess); err != nil {
		slog.Error("job transition failed", "job_id", job.ID, "error", err)
		return
	}
	p.mu.Lock()
	p.processing = job
	p.mu.Unlock()
	p.setState(StateProcessing)
	p.publishJob(job, notify.JobStateChanged)

	dev := p.acquireDevice(ctx, job)
	if dev == nil && !job.Canceled() {
		// Shutdown interrupted the device wait; leave the job stopped so a
		// restart can pick it up.
		_ = job.event(context.Background(), jobEvtStop)
		p.mu.Lock()
		p.processing = nil
		p.mu.Unlock()
		return
	}

	var err error
	if dev == nil {
		err = errJobCanceled
	} else {
		job.setDevice(dev)
		opts := buildOptions(job, p.caps)
		err = p.dispatch(job, opts)
		job.setDevice(nil)
		p.driver.Status(p)
	}

	// Terminal transitions must land even when ctx is already canceled.
	tctx := context.Background()
	switch {
	case job.Canceled():
		_ = job.event(tctx, jobEvtCancel, JSRJobCanceledByUser)
	case err != nil:
		job.SetMessage(err.Error())
		_ = job.event(tctx, jobEvtAbort, abortReason(err))
	default:
		_ = job.event(tctx, jobEvtComplete)
	}

	p.mu.Lock()
	p.processing = nil
	p.mu.Unlock()
	if p.retire(job) {
		p.publishJob(job, notify.JobStateChanged)
		p.publishJob(job, notify.JobCompleted)
	}
	if err != nil && !job.Canceled() {
		slog.Error("job failed", "job_id", job.ID, "printer", p.Name, "error", err)
	}
}

func abortReason(err error) JobStateReason {
	switch {
	case errors.Is(err, errUnsupportedFormat):
		return JSRUnsupportedDocumentFormat
	case errors.Is(err, image.ErrFormat), errors.Is(err, raster.ErrBadSync):
		return JSRDocumentFormatError
	default:
		return JSRAbortedBySystem
	}
}

// acquireDevice returns the printer's open device, connecting if needed.
// An unavailable device stops the printer and is retried every 5 seconds
// until it comes back, the job is canceled, or the system shuts down.
// Jobs queue behind the device in the meantime.
func (p *Printer) acquireDevice(ctx context.Context, job *Job) *device.Device {
	p.mu.Lock()
	if p.devTimer != nil {
		p.devTimer.Stop()
		p.devTimer = nil
	}
	dev := p.dev
	uri := p.deviceURI
	p.mu.Unlock()
	if dev != nil {
		return dev
	}

	logged := false
	for {
		if job.Canceled() || ctx.Err() != nil {
			return nil
		}
		dev, err := device.Open(ctx, uri, job.Name)
		if err == nil {
			p.mu.Lock()
			p.dev = dev
			p.reasons &^= device.ReasonOffline
			p.mu.Unlock()
			return dev
		}
		if !logged {
			// One log line per outage.
			slog.Error("device unavailable", "printer", p.Name, "uri", uri, "error", err)
			logged = true
		}
		p.mu.Lock()
		p.state = StateStopped
		p.reasons |= device.ReasonOffline
		p.mu.Unlock()
		p.publish(notify.PrinterStateChanged, nil)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(deviceRetry):
		}
	}
}

// dispatch routes the job body by MIME type.
func (p *Printer) dispatch(job *Job, opts *Options) error {
	switch job.Format {
	case "image/pwg-raster", "image/urf":
		return p.processRaster(job, opts)
	case "image/png":
		return p.processPNG(job, opts)
	case p.caps.NativeFormat:
		return p.processRaw(job, opts)
	default:
		return fmt.Errorf("%w: %s", errUnsupportedFormat, job.Format)
	}
}

// processRaw hands the spooled file to the driver in one call.
func (p *Printer) processRaw(job *Job, opts *Options) error {
	if !p.driver.Print(job, opts) {
		return errDriverAborted
	}
	return nil
}

// processRaster streams a PWG raster document page by page.
func (p *Printer) processRaster(job *Job, opts *Options) error {
	f, err := p.spool.OpenJob(job.ID)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := raster.NewReader(f)
	if err != nil {
		return err
	}
	if !p.driver.StartJob(job, opts) {
		return errDriverAborted
	}
	defer p.driver.EndJob(job, opts)

	line := make([]byte, 0)
	for page := 1; ; page++ {
		hdr, err := r.NextPage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		opts.Header = *hdr
		if cap(line) < int(hdr.BytesPerLine) {
			line = make([]byte, hdr.BytesPerLine)
		}
		line = line[:hdr.BytesPerLine]

		if !p.driver.StartPage(job, opts, page) {
			return errDriverAborted
		}
		for y := 0; y < int(hdr.Height); y++ {
			if job.Canceled() {
				p.driver.EndPage(job, opts, page)
				return errJobCanceled
			}
			if err := r.ReadLine(line); err != nil {
				p.driver.EndPage(job, opts, page)
				return err
			}
			if !p.driver.WriteLine(job, opts, y, line) {
				p.driver.EndPage(job, opts, page)
				return errDriverAborted
			}
		}
		if !p.driver.EndPage(job, opts, page) {
			return errDriverAborted
		}
		p.pageDone(job)
	}
	return nil
}

// processPNG renders a PNG onto the imageable box: rotate for the
// requested orientation, scale to fit preserving aspect, and emit 1-bit
// rows through the dither matrix.
func (p *Printer) processPNG(job *Job, opts *Options) error {
	f, err := p.spool.OpenJob(job.ID)
	if err != nil {
		return err
	}
	img, err := png.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%w: %v", errUnsupportedFormat, err)
	}

	src := bitmap.Rotate(img, opts.Orientation)
	if opts.DitherFn != nil {
		// Error diffusion needs the final pixel grid: scale to the
		// imageable box first, then let the flat threshold pass the
		// diffused pixels through unchanged.
		src = opts.DitherFn(bitmap.ScaleToFit(src, opts.Width, opts.Height), bitmap.DefaultGamma)
		opts.Dither = &bitmap.MatrixThreshold
	}
	gray := bitmap.ToGray8(src)
	sb := gray.Bounds()
	srcW, srcH := sb.Dx(), sb.Dy()
	if srcW == 0 || srcH == 0 || opts.Width <= 0 || opts.Height <= 0 {
		return fmt.Errorf("%w: empty page", errUnsupportedFormat)
	}

	// Fit the image inside the imageable box, preserving aspect ratio and
	// centering the result.
	outW := opts.Width
	outH := srcH * outW / srcW
	if outH > opts.Height {
		outH = opts.Height
		outW = srcW * outH / srcH
	}
	xoff := opts.Left + (opts.Width-outW)/2
	yoff := opts.Top + (opts.Height-outH)/2

	hdr := &opts.Header
	line := make([]byte, hdr.BytesPerLine)
	blank := make([]byte, hdr.BytesPerLine)
	pageH := int(hdr.Height)

	if !p.driver.StartJob(job, opts) {
		return errDriverAborted
	}
	defer p.driver.EndJob(job, opts)
	job.SetImpressions(opts.Copies)

	for c := 0; c < opts.Copies; c++ {
		if job.Canceled() {
			return errJobCanceled
		}
		if !p.driver.StartPage(job, opts, c+1) {
			return errDriverAborted
		}
		// Bresenham-style stepping maps output rows/columns back to
		// source pixels without floating point.
		ystep, ymod := srcH/outH, srcH%outH
		yerr := 0
		sy := sb.Min.Y

		for y := 0; y < pageH; y++ {
			if job.Canceled() {
				p.driver.EndPage(job, opts, c+1)
				return errJobCanceled
			}
			out := blank
			if y >= yoff && y < yoff+outH && sy < sb.Max.Y {
				dither := opts.Dither.Row(y)
				copy(line, blank)
				xstep, xmod := srcW/outW, srcW%outW
				xerr := 0
				sx := sb.Min.X
				for x := 0; x < outW; x++ {
					px := gray.GrayAt(sx, sy).Y
					if px < dither[(xoff+x)&15] {
						ox := xoff + x
						line[ox>>3] |= 0x80 >> (ox & 7)
					}
					sx += xstep
					xerr += xmod
					if xerr >= outW {
						xerr -= outW
						sx++
					}
				}
				out = line
				sy += ystep
				yerr += ymod
				if yerr >= outH {
					yerr -= outH
					sy++
				}
			}
			if !p.driver.WriteLine(job, opts, y, out) {
				p.driver.EndPage(job, opts, c+1)
				return errDriverAborted
			}
		}
		if !p.driver.EndPage(job, opts, c+1) {
			return errDriverAborted
		}
		p.pageDone(job)
	}
	return nil
}

func (p *Printer) pageDone(job *Job) {
	job.addCompletedImpression()
	p.mu.Lock()
	p.impressionsCompleted++
	p.mu.Unlock()
	p.publishJob(job, notify.JobProgress)
}
