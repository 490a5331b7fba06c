package raster

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Writer encodes a PWG raster stream.
type Writer struct {
	w *bufio.Writer

	header Header
	bpp    int
	open   bool
	lines  int // lines written on the current page
	prev   []byte
	repeat int
}

// NewWriter writes the sync word and returns a stream writer.
func NewWriter(w io.Writer) (*Writer, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(SyncWord); err != nil {
		return nil, fmt.Errorf("raster: writing sync word: %w", err)
	}
	return &Writer{w: bw}, nil
}

// StartPage writes the page header and prepares for WriteLine calls.
func (w *Writer) StartPage(h *Header) error {
	if w.open {
		return errors.New("raster: page already open")
	}
	if err := h.Validate(); err != nil {
		return err
	}
	w.header = *h
	w.bpp = int(h.BitsPerPixel) / 8
	if w.bpp < 1 {
		w.bpp = 1
	}
	if _, err := w.w.Write(h.marshal()); err != nil {
		return fmt.Errorf("raster: writing page header: %w", err)
	}
	w.open = true
	w.lines = 0
	w.prev = nil
	w.repeat = 0
	return nil
}

// WriteLine appends one scan line to the current page. Identical consecutive
// lines are folded into the line-repeat count.
func (w *Writer) WriteLine(row []byte) error {
	if !w.open {
		return errors.New("raster: no open page")
	}
	if len(row) < int(w.header.BytesPerLine) {
		return fmt.Errorf("raster: short line %d < %d", len(row), w.header.BytesPerLine)
	}
	row = row[:w.header.BytesPerLine]
	if w.lines >= int(w.header.Height) {
		return fmt.Errorf("raster: page already has %d lines", w.header.Height)
	}

	if w.prev != nil && w.repeat < 255 && bytesEqual(w.prev, row) {
		w.repeat++
		w.lines++
		return nil
	}
	if err := w.flushLine(); err != nil {
		return err
	}
	w.prev = append(w.prev[:0], row...)
	w.repeat = 0
	w.lines++
	return nil
}

// EndPage flushes the last line and closes the page.
func (w *Writer) EndPage() error {
	if !w.open {
		return errors.New("raster: no open page")
	}
	if w.lines != int(w.header.Height) {
		return fmt.Errorf("raster: page has %d of %d lines", w.lines, w.header.Height)
	}
	if err := w.flushLine(); err != nil {
		return err
	}
	w.open = false
	return w.w.Flush()
}

// Close flushes buffered output. The caller owns the underlying writer.
func (w *Writer) Close() error {
	if w.open {
		return errors.New("raster: page still open")
	}
	return w.w.Flush()
}

func (w *Writer) flushLine() error {
	if w.prev == nil {
		return nil
	}
	if err := w.w.WriteByte(byte(w.repeat)); err != nil {
		return err
	}
	if err := w.encodeLine(w.prev); err != nil {
		return err
	}
	w.prev = w.prev[:0]
	w.prev = nil
	w.repeat = 0
	return nil
}

// encodeLine emits PackBits-style runs over bpp-sized coding units.
func (w *Writer) encodeLine(line []byte) error {
	units := len(line) / w.bpp
	unit := func(i int) []byte { return line[i*w.bpp : (i+1)*w.bpp] }

	for i := 0; i < units; {
		// Count the run of identical units starting at i.
		run := 1
		for i+run < units && run < 128 && bytesEqual(unit(i), unit(i+run)) {
			run++
		}
		if run > 1 {
			if err := w.w.WriteByte(byte(run - 1)); err != nil {
				return err
			}
			if _, err := w.w.Write(unit(i)); err != nil {
				return err
			}
			i += run
			continue
		}
		// Literal: collect units until the next run of 2+ or the cap.
		lit := 1
		for i+lit < units && lit < 128 {
			if i+lit+1 < units && bytesEqual(unit(i+lit), unit(i+lit+1)) {
				break
			}
			lit++
		}
		if lit == 1 {
			// A lone trailing unit is a run of one (control 0); literal
			// controls only encode lengths of two or more.
			if err := w.w.WriteByte(0); err != nil {
				return err
			}
			if _, err := w.w.Write(unit(i)); err != nil {
				return err
			}
			i++
			continue
		}
		if err := w.w.WriteByte(byte(257 - lit)); err != nil {
			return err
		}
		if _, err := w.w.Write(line[i*w.bpp : (i+lit)*w.bpp]); err != nil {
			return err
		}
		i += lit
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
