// Package discovery finds network printers over DNS-SD and SNMP and
// reports them with synthesized IEEE-1284 device IDs, ready to be handed
// to device.Open.
package discovery

import (
	"context"
	"log/slog"
)

// Printer is one discovered print endpoint.
type Printer struct {
	// Name is the human-readable instance or system name.
	Name string
	// URI is a device URI usable with device.Open.
	URI string
	// DeviceID is the IEEE-1284 device ID, reported by the device or
	// synthesized from what it advertises.
	DeviceID string
}

// Callback receives each discovered printer. Returning true stops the
// scan early.
type Callback func(p Printer) bool

// List runs the DNS-SD browse and the SNMP broadcast probe in sequence,
// reporting every printer found. Duplicate URIs are suppressed.
func List(ctx context.Context, cb Callback) error {
	seen := make(map[string]bool)
	dedup := func(p Printer) bool {
		if seen[p.URI] {
			return false
		}
		seen[p.URI] = true
		return cb(p)
	}

	if err := DNSSD(ctx, dedup); err != nil {
		slog.Warn("discovery: DNS-SD browse failed", "error", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := SNMP(ctx, dedup); err != nil {
		slog.Warn("discovery: SNMP probe failed", "error", err)
	}
	return ctx.Err()
}
