package device

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

// decodeFunc converts a supply description in the device's charset to
// UTF-8.
type decodeFunc func([]byte) string

// IANA MIBenum values reported through prtLocalizationCharacterSet.
const (
	csASCII    = 3
	csLatin1   = 4
	csShiftJIS = 17
	csUTF8     = 106
	csUTF16BE  = 1013
	csUTF16LE  = 1014
	csUTF16    = 1015
	csUTF32    = 1017
	csUTF32BE  = 1018
	csUTF32LE  = 1019
	csWin31J   = 2024
)

// decoderForMIBEnum maps a MIBenum charset id to a decoder. Unknown
// charsets fall back to ASCII with '?' for non-printables.
func decoderForMIBEnum(mib int) decodeFunc {
	switch mib {
	case csASCII:
		return decodeASCII
	case csLatin1:
		return textDecoder(charmap.ISO8859_1)
	case csShiftJIS, csWin31J:
		return textDecoder(japanese.ShiftJIS)
	case csUTF8:
		return decodeUTF8
	case csUTF16BE:
		return textDecoder(unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM))
	case csUTF16LE:
		return textDecoder(unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM))
	case csUTF16:
		return textDecoder(unicode.UTF16(unicode.BigEndian, unicode.UseBOM))
	case csUTF32BE:
		return textDecoder(utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM))
	case csUTF32LE:
		return textDecoder(utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM))
	case csUTF32:
		return textDecoder(utf32.UTF32(utf32.BigEndian, utf32.UseBOM))
	default:
		return decodeASCII
	}
}

func textDecoder(enc encoding.Encoding) decodeFunc {
	return func(b []byte) string {
		out, err := enc.NewDecoder().Bytes(b)
		if err != nil {
			return decodeASCII(b)
		}
		return strings.TrimRight(string(out), "\x00")
	}
}

func decodeUTF8(b []byte) string {
	s := strings.TrimRight(string(b), "\x00")
	if utf8.ValidString(s) {
		return s
	}
	return decodeASCII(b)
}

// decodeASCII keeps printable ASCII and substitutes '?' for everything
// else.
func decodeASCII(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c == 0 {
			break
		}
		if c >= 0x20 && c < 0x7f {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('?')
		}
	}
	return sb.String()
}
