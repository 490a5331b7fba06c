package raster

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grayHeader(w, h uint32) *Header {
	return &Header{
		MediaType:    "stationery",
		XResolution:  203,
		YResolution:  203,
		NumCopies:    1,
		Width:        w,
		Height:       h,
		BitsPerColor: 8,
		BitsPerPixel: 8,
		BytesPerLine: w,
		ColorSpace:   ColorSpaceSgray,
		PageSizeName: "na_index-4x6_4x6in",
	}
}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	// Page 1: blank lines then a gradient, to exercise line repeats, runs
	// and literals.
	hdr := grayHeader(16, 8)
	require.NoError(t, w.StartPage(hdr))
	blank := bytes.Repeat([]byte{0xff}, 16)
	for i := 0; i < 4; i++ {
		require.NoError(t, w.WriteLine(blank))
	}
	grad := make([]byte, 16)
	for i := range grad {
		grad[i] = byte(i * 16)
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, w.WriteLine(grad))
	}
	require.NoError(t, w.EndPage())

	// Page 2: single line page.
	hdr2 := grayHeader(4, 1)
	require.NoError(t, w.StartPage(hdr2))
	require.NoError(t, w.WriteLine([]byte{1, 2, 2, 1}))
	require.NoError(t, w.EndPage())
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)

	got, err := r.NextPage()
	require.NoError(t, err)
	assert.EqualValues(t, 16, got.Width)
	assert.EqualValues(t, 8, got.Height)
	assert.EqualValues(t, 203, got.XResolution)
	assert.EqualValues(t, ColorSpaceSgray, got.ColorSpace)
	assert.Equal(t, "stationery", got.MediaType)
	assert.Equal(t, "na_index-4x6_4x6in", got.PageSizeName)

	line := make([]byte, got.BytesPerLine)
	for i := 0; i < 4; i++ {
		require.NoError(t, r.ReadLine(line))
		assert.Equal(t, blank, line, "line %d", i)
	}
	for i := 4; i < 8; i++ {
		require.NoError(t, r.ReadLine(line))
		assert.Equal(t, grad, line, "line %d", i)
	}
	require.ErrorIs(t, r.ReadLine(line), io.EOF)

	got2, err := r.NextPage()
	require.NoError(t, err)
	assert.EqualValues(t, 1, got2.Height)
	line2 := make([]byte, got2.BytesPerLine)
	require.NoError(t, r.ReadLine(line2))
	assert.Equal(t, []byte{1, 2, 2, 1}, line2)

	_, err = r.NextPage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestNextPageSkipsUnreadLines(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	hdr := grayHeader(8, 4)
	require.NoError(t, w.StartPage(hdr))
	for i := 0; i < 4; i++ {
		require.NoError(t, w.WriteLine(bytes.Repeat([]byte{byte(i)}, 8)))
	}
	require.NoError(t, w.EndPage())
	require.NoError(t, w.StartPage(grayHeader(8, 1)))
	require.NoError(t, w.WriteLine(bytes.Repeat([]byte{0xaa}, 8)))
	require.NoError(t, w.EndPage())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	_, err = r.NextPage()
	require.NoError(t, err)
	// Read only one of four lines, then ask for the next page.
	line := make([]byte, 8)
	require.NoError(t, r.ReadLine(line))

	p2, err := r.NextPage()
	require.NoError(t, err)
	require.NoError(t, r.ReadLine(line))
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, 8), line)
	assert.EqualValues(t, 1, p2.Height)
}

func TestBadSync(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("NOPE....")))
	assert.ErrorIs(t, err, ErrBadSync)
}

func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Header)
		ok     bool
	}{
		{"valid", func(h *Header) {}, true},
		{"zero width", func(h *Header) { h.Width = 0 }, false},
		{"odd bpp", func(h *Header) { h.BitsPerPixel = 4 }, false},
		{"short line", func(h *Header) { h.BytesPerLine = 1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := grayHeader(16, 16)
			tt.mutate(h)
			err := h.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestOneBitLine(t *testing.T) {
	h := &Header{
		Width:        203,
		Height:       2,
		BitsPerColor: 1,
		BitsPerPixel: 1,
		BytesPerLine: 26, // ceil(203/8)
		ColorSpace:   ColorSpaceBlack,
		XResolution:  203,
		YResolution:  203,
	}
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.StartPage(h))
	row := make([]byte, 26)
	row[0] = 0x80
	row[25] = 0x01
	require.NoError(t, w.WriteLine(row))
	require.NoError(t, w.WriteLine(row))
	require.NoError(t, w.EndPage())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	got, err := r.NextPage()
	require.NoError(t, err)
	assert.EqualValues(t, 26, got.BytesPerLine)

	out := make([]byte, 26)
	require.NoError(t, r.ReadLine(out))
	assert.Equal(t, row, out)
	require.NoError(t, r.ReadLine(out))
	assert.Equal(t, row, out)
}
