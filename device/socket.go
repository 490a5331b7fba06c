package device

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"
)

// DefaultRawPort is the AppSocket/JetDirect port used when a socket URI
// does not carry one.
const DefaultRawPort = "9100"

func init() {
	RegisterScheme("socket", openSocket)
	RegisterScheme("usb", openUSB)
	RegisterScheme("dnssd", openDNSSD)
	RegisterScheme("snmp", openSNMPScheme)
}

// openSocket dials a raw TCP connection for socket://host[:port]/ URIs.
func openSocket(ctx context.Context, u *url.URL, _ string) (Transport, string, error) {
	host := u.Hostname()
	if host == "" {
		return nil, "", fmt.Errorf("device: socket URI %q has no host", u)
	}
	port := u.Port()
	if port == "" {
		port = DefaultRawPort
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, "", fmt.Errorf("device: connecting to %s: %w", net.JoinHostPort(host, port), err)
	}
	return conn.(*net.TCPConn), host, nil
}

// fileTransport adapts a character device node to the Transport interface.
// Deadlines are best effort: os.File supports them for pollable files and
// reports ErrNoDeadline otherwise.
type fileTransport struct {
	*os.File
}

func (f fileTransport) SetReadDeadline(t time.Time) error {
	if err := f.File.SetReadDeadline(t); err != nil {
		// USB printer-class nodes are not always pollable; fall back to a
		// blocking read rather than failing the I/O.
		return nil
	}
	return nil
}

// openUSB opens a USB printer-class device node. The URI carries the node
// path (usb:///dev/usb/lp0) or a VID:PID pair already resolved by the
// caller to a node via the usblp sysfs layout.
func openUSB(_ context.Context, u *url.URL, _ string) (Transport, string, error) {
	path := u.Path
	if path == "" || path == "/" {
		return nil, "", fmt.Errorf("device: usb URI %q has no device node path", u)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, "", fmt.Errorf("device: opening USB node %s: %w", path, err)
	}
	return fileTransport{f}, "", nil
}
