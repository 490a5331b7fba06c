package device

import "strings"

// Reason is a printer-state-reasons bitset.
type Reason uint32

const (
	ReasonNone     Reason = 0
	ReasonMediaLow Reason = 1 << iota
	ReasonMediaEmpty
	ReasonTonerLow
	ReasonTonerEmpty
	ReasonDoorOpen
	ReasonMediaJam
	ReasonOffline
	ReasonServiceNeeded
	ReasonInputTrayMissing
	ReasonOutputTrayMissing
	ReasonMarkerSupplyMissing
	ReasonOutputAreaAlmostFull
	ReasonOutputAreaFull
	ReasonMediaNeeded
	ReasonOther
)

var reasonKeywords = []struct {
	bit     Reason
	keyword string
}{
	{ReasonMediaLow, "media-low"},
	{ReasonMediaEmpty, "media-empty"},
	{ReasonTonerLow, "toner-low"},
	{ReasonTonerEmpty, "toner-empty"},
	{ReasonDoorOpen, "door-open"},
	{ReasonMediaJam, "media-jam"},
	{ReasonOffline, "offline-report"},
	{ReasonServiceNeeded, "service-needed"},
	{ReasonInputTrayMissing, "input-tray-missing"},
	{ReasonOutputTrayMissing, "output-tray-missing"},
	{ReasonMarkerSupplyMissing, "marker-supply-missing"},
	{ReasonOutputAreaAlmostFull, "output-area-almost-full"},
	{ReasonOutputAreaFull, "output-area-full"},
	{ReasonMediaNeeded, "media-needed"},
	{ReasonOther, "other"},
}

// Keywords expands the bitset to IPP printer-state-reasons keywords.
func (r Reason) Keywords() []string {
	if r == ReasonNone {
		return []string{"none"}
	}
	var out []string
	for _, rk := range reasonKeywords {
		if r&rk.bit != 0 {
			out = append(out, rk.keyword)
		}
	}
	return out
}

func (r Reason) String() string {
	return strings.Join(r.Keywords(), ",")
}

// reasonsFromErrorState maps the hrPrinterDetectedErrorState octets
// (RFC 2790) onto the reason bitset.
func reasonsFromErrorState(state []byte) Reason {
	var r Reason
	if len(state) > 0 {
		b := state[0]
		if b&0x80 != 0 {
			r |= ReasonMediaLow
		}
		if b&0x40 != 0 {
			r |= ReasonMediaEmpty
		}
		if b&0x20 != 0 {
			r |= ReasonTonerLow
		}
		if b&0x10 != 0 {
			r |= ReasonTonerEmpty
		}
		if b&0x08 != 0 {
			r |= ReasonDoorOpen
		}
		if b&0x04 != 0 {
			r |= ReasonMediaJam
		}
		if b&0x02 != 0 {
			r |= ReasonOffline
		}
		if b&0x01 != 0 {
			r |= ReasonServiceNeeded
		}
	}
	if len(state) > 1 {
		b := state[1]
		if b&0x80 != 0 {
			r |= ReasonInputTrayMissing
		}
		if b&0x40 != 0 {
			r |= ReasonOutputTrayMissing
		}
		if b&0x20 != 0 {
			r |= ReasonMarkerSupplyMissing
		}
		if b&0x10 != 0 {
			r |= ReasonOutputAreaAlmostFull
		}
		if b&0x08 != 0 {
			r |= ReasonOutputAreaFull
		}
		if b&0x04 != 0 {
			r |= ReasonMediaNeeded
		}
	}
	return r
}
