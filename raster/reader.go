package raster

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ErrBadSync is returned when the stream does not start with the PWG sync
// word.
var ErrBadSync = errors.New("raster: not a PWG raster stream")

// Reader decodes a PWG raster stream page by page.
type Reader struct {
	r *bufio.Reader

	header     Header
	bpp        int // bytes per pixel for run coding, minimum 1
	remaining  int // scan lines left on the current page
	lineRepeat int
	line       []byte
}

// NewReader checks the sync word and returns a stream reader.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	sync := make([]byte, 4)
	if err := readFull(br, sync); err != nil {
		return nil, fmt.Errorf("raster: reading sync word: %w", err)
	}
	if string(sync) != SyncWord {
		return nil, ErrBadSync
	}
	return &Reader{r: br}, nil
}

// NextPage reads the next page header. It returns io.EOF after the last
// page.
func (r *Reader) NextPage() (*Header, error) {
	if r.remaining > 0 {
		// Skip over unread lines of the previous page.
		buf := make([]byte, r.header.BytesPerLine)
		for r.remaining > 0 {
			if err := r.ReadLine(buf); err != nil {
				return nil, err
			}
		}
	}

	buf := make([]byte, HeaderSize)
	if err := readFull(r.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("raster: reading page header: %w", err)
	}
	r.header.unmarshal(buf)
	if err := r.header.Validate(); err != nil {
		return nil, err
	}
	r.bpp = int(r.header.BitsPerPixel) / 8
	if r.bpp < 1 {
		r.bpp = 1
	}
	r.remaining = int(r.header.Height)
	r.lineRepeat = 0
	r.line = make([]byte, r.header.BytesPerLine)
	return &r.header, nil
}

// ReadLine decodes the next scan line into buf, which must be at least
// BytesPerLine long. Line repeats are expanded transparently.
func (r *Reader) ReadLine(buf []byte) error {
	if r.remaining <= 0 {
		return io.EOF
	}
	if len(buf) < len(r.line) {
		return fmt.Errorf("raster: line buffer %d smaller than bytes-per-line %d", len(buf), len(r.line))
	}

	if r.lineRepeat > 0 {
		// Repeat of the previously decoded line.
		r.lineRepeat--
		r.remaining--
		copy(buf, r.line)
		return nil
	}

	repeat, err := r.r.ReadByte()
	if err != nil {
		return fmt.Errorf("raster: reading line repeat: %w", err)
	}
	r.lineRepeat = int(repeat)

	if err := r.decodeLine(); err != nil {
		return err
	}
	r.remaining--
	copy(buf, r.line)
	return nil
}

// decodeLine reads one PackBits-coded scan line into r.line.
func (r *Reader) decodeLine() error {
	pos := 0
	total := len(r.line)
	for pos < total {
		ctrl, err := r.r.ReadByte()
		if err != nil {
			return fmt.Errorf("raster: reading run control: %w", err)
		}
		if ctrl <= 127 {
			// One pixel value repeated ctrl+1 times.
			n := (int(ctrl) + 1) * r.bpp
			if pos+n > total {
				return fmt.Errorf("raster: pixel run overflows line (%d+%d > %d)", pos, n, total)
			}
			pixel := make([]byte, r.bpp)
			if err := readFull(r.r, pixel); err != nil {
				return fmt.Errorf("raster: reading run pixel: %w", err)
			}
			for i := 0; i < n; i += r.bpp {
				copy(r.line[pos+i:], pixel)
			}
			pos += n
		} else {
			// 257-ctrl literal pixels.
			n := (257 - int(ctrl)) * r.bpp
			if pos+n > total {
				return fmt.Errorf("raster: literal run overflows line (%d+%d > %d)", pos, n, total)
			}
			if err := readFull(r.r, r.line[pos:pos+n]); err != nil {
				return fmt.Errorf("raster: reading literal run: %w", err)
			}
			pos += n
		}
	}
	return nil
}

// Remaining reports how many scan lines are left on the current page.
func (r *Reader) Remaining() int {
	return r.remaining
}
