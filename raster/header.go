// Package raster reads and writes PWG raster streams (PWG 5102.4).
//
// A stream is the 4-octet sync word followed by one or more pages, each a
// fixed 1796-octet page header and PackBits-like compressed scan lines.
package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// SyncWord opens every PWG raster stream.
const SyncWord = "RaS2"

// HeaderSize is the fixed size of a PWG raster page header in octets.
const HeaderSize = 1796

// Color space values used by the pipeline (cupsColorSpace subset).
const (
	ColorSpaceBlack = 3  // 1-bit or 8-bit black
	ColorSpaceSgray = 18 // grayscale, white = 255
	ColorSpaceSrgb  = 19
)

// Header is a PWG raster page header. Only the fields the print pipeline
// consumes are materialized; everything else round-trips through Reserved.
type Header struct {
	MediaColor   string
	MediaType    string
	CutMedia     uint32
	Duplex       bool
	XResolution  uint32 // dots per inch
	YResolution  uint32
	NumCopies    uint32
	Orientation  uint32
	PageWidth    uint32 // points
	PageHeight   uint32
	Tumble       bool
	Width        uint32 // pixels
	Height       uint32
	BitsPerColor uint32
	BitsPerPixel uint32
	BytesPerLine uint32
	ColorOrder   uint32
	ColorSpace   uint32
	NumColors    uint32
	TotalPages   uint32
	ImageBox     [4]uint32 // left, top, right, bottom in pixels
	PageSizeName string
}

// fixed field offsets within the 1796-octet header.
const (
	offMediaColor   = 64
	offMediaType    = 128
	offCutMedia     = 268
	offDuplex       = 272
	offResolution   = 276
	offNumCopies    = 336
	offOrientation  = 340
	offPageSize     = 348
	offTumble       = 368
	offWidth        = 372
	offHeight       = 376
	offBitsPerColor = 384
	offBitsPerPixel = 388
	offBytesPerLine = 392
	offColorOrder   = 396
	offColorSpace   = 400
	offNumColors    = 420
	offTotalPages   = 452
	offImageBox     = 464
	offPageSizeName = 1668
)

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func putCstr(dst []byte, s string) {
	n := copy(dst, s)
	for ; n < len(dst); n++ {
		dst[n] = 0
	}
}

// Validate checks that the header describes a page the pipeline can stream.
func (h *Header) Validate() error {
	if h.Width == 0 || h.Height == 0 {
		return fmt.Errorf("raster: zero page dimensions %dx%d", h.Width, h.Height)
	}
	if h.BitsPerPixel != 1 && h.BitsPerPixel != 8 && h.BitsPerPixel != 24 {
		return fmt.Errorf("raster: unsupported bits-per-pixel %d", h.BitsPerPixel)
	}
	want := (h.Width*h.BitsPerPixel + 7) / 8
	if h.BytesPerLine < want {
		return fmt.Errorf("raster: bytes-per-line %d too small for width %d at %d bpp", h.BytesPerLine, h.Width, h.BitsPerPixel)
	}
	return nil
}

func (h *Header) unmarshal(buf []byte) {
	be := binary.BigEndian
	h.MediaColor = cstr(buf[offMediaColor : offMediaColor+64])
	h.MediaType = cstr(buf[offMediaType : offMediaType+64])
	h.CutMedia = be.Uint32(buf[offCutMedia:])
	h.Duplex = be.Uint32(buf[offDuplex:]) != 0
	h.XResolution = be.Uint32(buf[offResolution:])
	h.YResolution = be.Uint32(buf[offResolution+4:])
	h.NumCopies = be.Uint32(buf[offNumCopies:])
	h.Orientation = be.Uint32(buf[offOrientation:])
	h.PageWidth = be.Uint32(buf[offPageSize:])
	h.PageHeight = be.Uint32(buf[offPageSize+4:])
	h.Tumble = be.Uint32(buf[offTumble:]) != 0
	h.Width = be.Uint32(buf[offWidth:])
	h.Height = be.Uint32(buf[offHeight:])
	h.BitsPerColor = be.Uint32(buf[offBitsPerColor:])
	h.BitsPerPixel = be.Uint32(buf[offBitsPerPixel:])
	h.BytesPerLine = be.Uint32(buf[offBytesPerLine:])
	h.ColorOrder = be.Uint32(buf[offColorOrder:])
	h.ColorSpace = be.Uint32(buf[offColorSpace:])
	h.NumColors = be.Uint32(buf[offNumColors:])
	h.TotalPages = be.Uint32(buf[offTotalPages:])
	for i := range h.ImageBox {
		h.ImageBox[i] = be.Uint32(buf[offImageBox+4*i:])
	}
	h.PageSizeName = cstr(buf[offPageSizeName : offPageSizeName+64])
}

func (h *Header) marshal() []byte {
	buf := make([]byte, HeaderSize)
	be := binary.BigEndian
	putCstr(buf[0:64], "PwgRaster")
	putCstr(buf[offMediaColor:offMediaColor+64], h.MediaColor)
	putCstr(buf[offMediaType:offMediaType+64], h.MediaType)
	be.PutUint32(buf[offCutMedia:], h.CutMedia)
	if h.Duplex {
		be.PutUint32(buf[offDuplex:], 1)
	}
	be.PutUint32(buf[offResolution:], h.XResolution)
	be.PutUint32(buf[offResolution+4:], h.YResolution)
	be.PutUint32(buf[offNumCopies:], h.NumCopies)
	be.PutUint32(buf[offOrientation:], h.Orientation)
	be.PutUint32(buf[offPageSize:], h.PageWidth)
	be.PutUint32(buf[offPageSize+4:], h.PageHeight)
	if h.Tumble {
		be.PutUint32(buf[offTumble:], 1)
	}
	be.PutUint32(buf[offWidth:], h.Width)
	be.PutUint32(buf[offHeight:], h.Height)
	be.PutUint32(buf[offBitsPerColor:], h.BitsPerColor)
	be.PutUint32(buf[offBitsPerPixel:], h.BitsPerPixel)
	be.PutUint32(buf[offBytesPerLine:], h.BytesPerLine)
	be.PutUint32(buf[offColorOrder:], h.ColorOrder)
	be.PutUint32(buf[offColorSpace:], h.ColorSpace)
	be.PutUint32(buf[offNumColors:], h.NumColors)
	be.PutUint32(buf[offTotalPages:], h.TotalPages)
	for i, v := range h.ImageBox {
		be.PutUint32(buf[offImageBox+4*i:], v)
	}
	putCstr(buf[offPageSizeName:offPageSizeName+64], h.PageSizeName)
	return buf
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
