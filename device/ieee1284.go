package device

import (
	"sort"
	"strings"
)

// ParseID splits an IEEE-1284 device ID into its key/value pairs. Keys are
// normalized to their long forms (MANUFACTURER -> MFG, etc.).
func ParseID(id string) map[string]string {
	out := make(map[string]string)
	for _, kv := range strings.Split(id, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, ":")
		if !ok {
			continue
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		switch k {
		case "MANUFACTURER":
			k = "MFG"
		case "MODEL":
			k = "MDL"
		case "COMMAND SET":
			k = "CMD"
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

// BuildID assembles an IEEE-1284 device ID from key/value pairs. MFG, MDL
// and CMD come first in that order; remaining keys follow sorted.
func BuildID(kv map[string]string) string {
	var sb strings.Builder
	emit := func(k string) {
		if v := kv[k]; v != "" {
			sb.WriteString(k)
			sb.WriteByte(':')
			sb.WriteString(v)
			sb.WriteByte(';')
		}
	}
	emit("MFG")
	emit("MDL")
	emit("CMD")

	rest := make([]string, 0, len(kv))
	for k := range kv {
		if k == "MFG" || k == "MDL" || k == "CMD" {
			continue
		}
		rest = append(rest, k)
	}
	sort.Strings(rest)
	for _, k := range rest {
		emit(k)
	}
	return sb.String()
}

// mimeCommandSets maps PDL MIME types to IEEE-1284 command-set names, used
// to synthesize a CMD value when a discovered printer does not advertise
// one.
var mimeCommandSets = map[string]string{
	"application/postscript":      "PS",
	"application/vnd.hp-PCL":      "PCL",
	"application/vnd.hp-PCLXL":    "PCLXL",
	"application/pdf":             "PDF",
	"image/pwg-raster":            "PWGRaster",
	"image/urf":                   "URF",
	"image/jpeg":                  "JPEG",
	"image/png":                   "PNG",
	"application/vnd.zebra-zpl":   "ZPL",
	"application/vnd.zebra-epl":   "EPL",
	"application/vnd.epson-escpr": "ESCPR",
	"application/octet-stream":    "",
}

// CommandSetForMIME returns the IEEE-1284 command-set name for a PDL MIME
// type.
func CommandSetForMIME(mime string) (string, bool) {
	cs, ok := mimeCommandSets[strings.TrimSpace(mime)]
	if !ok || cs == "" {
		return "", false
	}
	return cs, true
}
