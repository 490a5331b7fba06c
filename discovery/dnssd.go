package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/printkit/printkit/device"
)

const (
	// pdlService is the DNS-SD service type for raw-socket printers.
	pdlService = "_pdl-datastream._tcp"

	// browseTimeout caps one DNS-SD browse.
	browseTimeout = 10 * time.Second
	// settleWindow ends the browse early once responses stop arriving.
	settleWindow = 250 * time.Millisecond
)

// DNSSD browses for _pdl-datastream._tcp instances on the local network.
// The browse runs until the callback stops it, responses dry up for the
// settle window, or the overall timeout elapses.
func DNSSD(ctx context.Context, cb Callback) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("discovery: creating DNS-SD resolver: %w", err)
	}

	bctx, cancel := context.WithTimeout(ctx, browseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(bctx, pdlService, "local.", entries); err != nil {
		return fmt.Errorf("discovery: DNS-SD browse: %w", err)
	}

	settle := time.NewTimer(browseTimeout)
	defer settle.Stop()
	for {
		select {
		case <-bctx.Done():
			return nil
		case <-settle.C:
			return nil
		case e, ok := <-entries:
			if !ok {
				return nil
			}
			if cb(printerFromEntry(e)) {
				return nil
			}
			if !settle.Stop() {
				select {
				case <-settle.C:
				default:
				}
			}
			settle.Reset(settleWindow)
		}
	}
}

func printerFromEntry(e *zeroconf.ServiceEntry) Printer {
	domain := e.Domain
	if !strings.HasSuffix(domain, ".") {
		domain += "."
	}
	return Printer{
		Name:     e.Instance,
		URI:      fmt.Sprintf("dnssd://%s.%s.%s/", e.Instance, pdlService, domain),
		DeviceID: deviceIDFromTXT(e.Instance, parseTXT(e.Text)),
	}
}

// parseTXT splits DNS-SD TXT records into key/value pairs. Keys are
// case-insensitive per RFC 6763; they are lowered here.
func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		k, v, _ := strings.Cut(rec, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			out[k] = v
		}
	}
	return out
}

// deviceIDFromTXT synthesizes an IEEE-1284 device ID from the TXT records
// a printer advertises. Most network printers publish usb_MFG/usb_MDL and
// a pdl list of MIME types instead of a ready-made ID.
func deviceIDFromTXT(instance string, txt map[string]string) string {
	kv := map[string]string{}

	mfg := txt["usb_mfg"]
	if mfg == "" {
		mfg = txt["usb_manufacturer"]
	}
	if mfg == "" {
		if ty := txt["ty"]; ty != "" {
			mfg, _, _ = strings.Cut(ty, " ")
		}
	}
	kv["MFG"] = mfg

	mdl := txt["usb_mdl"]
	if mdl == "" {
		mdl = txt["usb_model"]
	}
	if mdl == "" {
		mdl = txt["ty"]
	}
	if mdl == "" {
		mdl = strings.Trim(txt["product"], "()")
	}
	if mdl == "" {
		mdl = instance
	}
	kv["MDL"] = mdl

	cmd := txt["usb_cmd"]
	if cmd == "" {
		var sets []string
		for _, mime := range strings.Split(txt["pdl"], ",") {
			if cs, ok := device.CommandSetForMIME(mime); ok {
				sets = append(sets, cs)
			}
		}
		cmd = strings.Join(sets, ",")
	}
	// Epson devices speak ESC/Page even when the pdl record does not say
	// so.
	if strings.EqualFold(mfg, "EPSON") && !strings.Contains(cmd, "ESCPL2") {
		if cmd != "" {
			cmd += ","
		}
		cmd += "ESCPL2"
	}
	kv["CMD"] = cmd

	if sn := txt["usb_sn"]; sn != "" {
		kv["SN"] = sn
	}
	return device.BuildID(kv)
}
