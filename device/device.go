// Package device abstracts a place to write printer bytes to and read
// status from. Transports are registered per URI scheme; network devices
// carry a secondary SNMP connection for status and supply queries.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"sync"
	"time"
)

// DefaultReadTimeout bounds a single Read when the caller does not specify
// one.
const DefaultReadTimeout = 10 * time.Second

var (
	// ErrUnknownScheme is returned by Open for unregistered URI schemes.
	ErrUnknownScheme = errors.New("device: unknown URI scheme")
	// ErrReadTimeout is returned when no data arrives within the read
	// timeout.
	ErrReadTimeout = errors.New("device: read timeout")
	// ErrClosed is returned for operations on a closed device.
	ErrClosed = errors.New("device: closed")
)

// Transport is one open connection to a printing endpoint.
type Transport interface {
	io.ReadWriteCloser
	// SetReadDeadline bounds the next Read. Transports that cannot enforce
	// deadlines return nil and let Read block.
	SetReadDeadline(t time.Time) error
}

// Opener opens a transport for a parsed device URI. The host returned is
// the resolved network host ("" for local transports) used to attach the
// SNMP side channel.
type Opener func(ctx context.Context, uri *url.URL, jobName string) (tr Transport, host string, err error)

var (
	schemesMu sync.RWMutex
	schemes   = make(map[string]Opener)
)

// RegisterScheme registers a transport for a URI scheme. Registering an
// already-registered scheme replaces it, which lets tests install fakes.
func RegisterScheme(scheme string, opener Opener) {
	if scheme == "" || opener == nil {
		panic("device: empty scheme or nil opener")
	}
	schemesMu.Lock()
	schemes[scheme] = opener
	schemesMu.Unlock()
}

// IsRegistered reports whether the scheme has a transport.
func IsRegistered(scheme string) bool {
	schemesMu.RLock()
	_, ok := schemes[scheme]
	schemesMu.RUnlock()
	return ok
}

// Schemes returns the sorted list of registered schemes.
func Schemes() []string {
	schemesMu.RLock()
	defer schemesMu.RUnlock()
	out := make([]string, 0, len(schemes))
	for s := range schemes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Device is an open connection to a printer, exclusively owned by one job
// at a time.
type Device struct {
	uri  string
	tr   Transport
	snmp SNMPClient

	mu           sync.Mutex
	closed       bool
	charsetKnown bool
	decode       decodeFunc
	supplyIndex  []supplyKey // cached between Supplies calls
	supplies     []Supply
}

// Open parses the URI, resolves its transport and, for network devices,
// attaches the SNMP side channel.
func Open(ctx context.Context, deviceURI, jobName string) (*Device, error) {
	u, err := url.Parse(deviceURI)
	if err != nil {
		return nil, fmt.Errorf("device: parsing %q: %w", deviceURI, err)
	}
	schemesMu.RLock()
	opener, ok := schemes[u.Scheme]
	schemesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}

	tr, host, err := opener(ctx, u, jobName)
	if err != nil {
		return nil, err
	}
	d := &Device{uri: deviceURI, tr: tr}
	if host != "" {
		snmp, err := NewSNMPClient(host, 2*time.Second)
		if err != nil {
			// Status and supplies degrade gracefully without SNMP.
			slog.Debug("device: no SNMP side channel", "host", host, "error", err)
		} else {
			d.snmp = snmp
		}
	}
	slog.Info("device opened", "uri", deviceURI, "job", jobName)
	return d, nil
}

// URI returns the device URI this device was opened with.
func (d *Device) URI() string { return d.uri }

// Write sends bytes to the device, looping over partial writes until the
// whole buffer is gone or a terminal error occurs.
func (d *Device) Write(p []byte) (int, error) {
	if d.isClosed() {
		return 0, ErrClosed
	}
	total := 0
	for total < len(p) {
		n, err := d.tr.Write(p[total:])
		total += n
		if err != nil {
			if retryable(err) {
				continue
			}
			return total, fmt.Errorf("device: write: %w", err)
		}
	}
	return total, nil
}

// Read reads with the default timeout.
func (d *Device) Read(p []byte) (int, error) {
	return d.ReadWithTimeout(p, DefaultReadTimeout)
}

// ReadWithTimeout reads from the device, returning ErrReadTimeout if no
// data arrives in time.
func (d *Device) ReadWithTimeout(p []byte, timeout time.Duration) (int, error) {
	if d.isClosed() {
		return 0, ErrClosed
	}
	if err := d.tr.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("device: setting read deadline: %w", err)
	}
	n, err := d.tr.Read(p)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, ErrReadTimeout
		}
		return n, fmt.Errorf("device: read: %w", err)
	}
	return n, nil
}

// Close releases the transport and the SNMP side channel.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var errs error
	if d.snmp != nil {
		errs = errors.Join(errs, d.snmp.Close())
	}
	errs = errors.Join(errs, d.tr.Close())
	slog.Debug("device closed", "uri", d.uri)
	return errs
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func retryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// EINTR/EAGAIN surface as temporary conditions from the runtime poller;
	// a zero-byte write with no terminal error is safe to retry.
	return false
}
