package system

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/printkit/printkit/device"
	"github.com/printkit/printkit/printer"
)

const mdnsDomain = "local."

// announcer owns the zeroconf registrations for the system and each
// printer. With DNS-SD disabled every method is a no-op.
type announcer struct {
	enabled bool

	mu      sync.Mutex
	servers map[string][]*zeroconf.Server
}

func newAnnouncer(enabled bool) *announcer {
	return &announcer{enabled: enabled, servers: make(map[string][]*zeroconf.Server)}
}

// addSystem registers the system-wide _ipp._tcp and _ipp-system._tcp
// instances.
func (a *announcer) addSystem(s *System) {
	if !a.enabled {
		return
	}
	txt := []string{
		"txtvers=1",
		"UUID=" + s.UUID(),
		"ty=" + s.Name(),
	}
	var servers []*zeroconf.Server
	for _, service := range []string{"_ipp._tcp", "_ipp-system._tcp"} {
		srv, err := zeroconf.Register(s.Name(), service, mdnsDomain, s.Port(), txt, nil)
		if err != nil {
			slog.Warn("dns-sd registration failed",
				"instance", s.Name(), "service", service, "error", err)
			continue
		}
		servers = append(servers, srv)
	}
	a.mu.Lock()
	a.servers["\x00system"] = servers
	a.mu.Unlock()
}

// addPrinter registers the per-printer services with the PWG Bonjour
// Printing TXT keys.
func (a *announcer) addPrinter(s *System, p *printer.Printer) {
	if !a.enabled {
		return
	}
	caps := p.Capabilities()
	id := device.ParseID(caps.DeviceID)

	txt := []string{
		"txtvers=1",
		"qtotal=1",
		"rp=" + strings.TrimPrefix(p.ResourcePath(), "/"),
		"ty=" + caps.MakeAndModel,
		"product=(" + caps.MakeAndModel + ")",
		"note=" + p.Location(),
		"pdl=" + strings.Join(caps.Formats, ","),
		"UUID=" + p.UUID(),
		fmt.Sprintf("adminurl=http://%s:%d/%s/", s.Hostname(), s.Port(), p.Name),
		"Color=F",
		"Duplex=" + flag(len(caps.Sides) > 1),
		"TLS=" + tlsVersion(s.Features().TLS),
		"priority=0",
	}
	if len(caps.Kind) > 0 {
		txt = append(txt, "kind="+strings.Join(caps.Kind, ","))
	}
	if mfg := id["MFG"]; mfg != "" {
		txt = append(txt, "usb_MFG="+mfg)
	}
	if mdl := id["MDL"]; mdl != "" {
		txt = append(txt, "usb_MDL="+mdl)
	}

	var servers []*zeroconf.Server
	for _, service := range []string{"_ipp._tcp", "_pdl-datastream._tcp", "_printer._tcp"} {
		srv, err := zeroconf.Register(p.Name, service, mdnsDomain, s.Port(), txt, nil)
		if err != nil {
			slog.Warn("dns-sd registration failed",
				"instance", p.Name, "service", service, "error", err)
			continue
		}
		servers = append(servers, srv)
	}
	a.mu.Lock()
	a.servers[p.Name] = servers
	a.mu.Unlock()
}

// removePrinter withdraws a printer's registrations.
func (a *announcer) removePrinter(name string) {
	a.mu.Lock()
	servers := a.servers[name]
	delete(a.servers, name)
	a.mu.Unlock()
	for _, srv := range servers {
		srv.Shutdown()
	}
}

// shutdown withdraws everything.
func (a *announcer) shutdown() {
	a.mu.Lock()
	all := a.servers
	a.servers = make(map[string][]*zeroconf.Server)
	a.mu.Unlock()
	for _, servers := range all {
		for _, srv := range servers {
			srv.Shutdown()
		}
	}
}

func flag(b bool) string {
	if b {
		return "T"
	}
	return "F"
}

func tlsVersion(enabled bool) string {
	if enabled {
		return "1.2"
	}
	return ""
}
