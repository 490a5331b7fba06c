package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

func encodeWith(t *testing.T, enc encoding.Encoding, s string) []byte {
	t.Helper()
	b, err := enc.NewEncoder().Bytes([]byte(s))
	require.NoError(t, err)
	return b
}

// The same description must decode to identical UTF-8 regardless of the
// charset the device reports.
func TestDecoderEquivalence(t *testing.T) {
	const want = "Black Toner"

	tests := []struct {
		name string
		mib  int
		raw  []byte
	}{
		{"us-ascii", csASCII, []byte(want)},
		{"iso-8859-1", csLatin1, encodeWith(t, charmap.ISO8859_1, want)},
		{"utf-8", csUTF8, []byte(want)},
		{"shift-jis", csShiftJIS, encodeWith(t, japanese.ShiftJIS, want)},
		{"windows-31j", csWin31J, encodeWith(t, japanese.ShiftJIS, want)},
		{"utf-16be", csUTF16BE, encodeWith(t, unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), want)},
		{"utf-16le", csUTF16LE, encodeWith(t, unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), want)},
		{"utf-32be", csUTF32BE, encodeWith(t, utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM), want)},
		{"utf-32le", csUTF32LE, encodeWith(t, utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM), want)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decode := decoderForMIBEnum(tt.mib)
			assert.Equal(t, want, decode(tt.raw))
		})
	}
}

func TestDecoderJapanese(t *testing.T) {
	const want = "ブラック トナー"

	sjis := encodeWith(t, japanese.ShiftJIS, want)
	assert.Equal(t, want, decoderForMIBEnum(csShiftJIS)(sjis))
	assert.Equal(t, want, decoderForMIBEnum(csUTF8)([]byte(want)))

	u16 := encodeWith(t, unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), want)
	assert.Equal(t, want, decoderForMIBEnum(csUTF16BE)(u16))
}

func TestDecodeASCIIFallback(t *testing.T) {
	// Unknown charset ids fall back to ASCII with '?' substitution.
	decode := decoderForMIBEnum(9999)
	assert.Equal(t, "Cyan ??", decode([]byte("Cyan \x80\xff")))

	// NUL terminates the string.
	assert.Equal(t, "Cyan", decode([]byte("Cyan\x00garbage")))
}

func TestDecodeUTF8Invalid(t *testing.T) {
	// Broken UTF-8 degrades to the ASCII path instead of producing mojibake.
	decode := decoderForMIBEnum(csUTF8)
	assert.Equal(t, "?Toner", decode([]byte{0xC0, 'T', 'o', 'n', 'e', 'r'}))
}

func TestDecodeTrimsTrailingNULs(t *testing.T) {
	decode := decoderForMIBEnum(csLatin1)
	assert.Equal(t, "Magenta", decode([]byte("Magenta\x00\x00")))
}
