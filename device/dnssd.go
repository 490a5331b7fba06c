package device

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// resolveTimeout bounds a DNS-SD instance resolution for the dnssd scheme.
const resolveTimeout = 10 * time.Second

// openDNSSD resolves dnssd://instance._pdl-datastream._tcp.domain./ to a
// host and port, then behaves as a socket transport.
func openDNSSD(ctx context.Context, u *url.URL, jobName string) (Transport, string, error) {
	instance, service, domain, err := splitServiceName(u.Host)
	if err != nil {
		return nil, "", err
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, "", fmt.Errorf("device: creating DNS-SD resolver: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := resolver.Lookup(rctx, instance, service, domain, entries); err != nil {
		return nil, "", fmt.Errorf("device: DNS-SD lookup %q: %w", u.Host, err)
	}

	for {
		select {
		case <-rctx.Done():
			return nil, "", fmt.Errorf("device: DNS-SD resolution of %q timed out", u.Host)
		case e, ok := <-entries:
			if !ok {
				return nil, "", fmt.Errorf("device: DNS-SD resolution of %q found nothing", u.Host)
			}
			host := pickHost(e)
			if host == "" {
				continue
			}
			sock := &url.URL{Scheme: "socket", Host: net.JoinHostPort(host, strconv.Itoa(e.Port))}
			return openSocket(ctx, sock, jobName)
		}
	}
}

// splitServiceName splits "Instance._pdl-datastream._tcp.local." into its
// instance, service type and domain parts.
func splitServiceName(name string) (instance, service, domain string, err error) {
	name = strings.TrimSuffix(name, ".")
	i := strings.Index(name, "._")
	if i < 0 {
		return "", "", "", fmt.Errorf("device: %q is not a DNS-SD service instance name", name)
	}
	instance = name[:i]
	rest := name[i+1:]

	// Service type is the leading two labels (_app._proto).
	labels := strings.Split(rest, ".")
	if len(labels) < 2 {
		return "", "", "", fmt.Errorf("device: %q has no service type", name)
	}
	service = labels[0] + "." + labels[1]
	domain = strings.Join(labels[2:], ".")
	if domain == "" {
		domain = "local"
	}
	return instance, service, domain + ".", nil
}

func pickHost(e *zeroconf.ServiceEntry) string {
	if len(e.AddrIPv4) > 0 {
		return e.AddrIPv4[0].String()
	}
	if len(e.AddrIPv6) > 0 {
		return e.AddrIPv6[0].String()
	}
	return strings.TrimSuffix(e.HostName, ".")
}

// openSNMPScheme resolves snmp://host/ by asking the device for its raw
// port via the vendor port OIDs, then behaves as a socket transport.
func openSNMPScheme(ctx context.Context, u *url.URL, jobName string) (Transport, string, error) {
	host := u.Hostname()
	if host == "" {
		return nil, "", fmt.Errorf("device: snmp URI %q has no host", u)
	}

	port := DefaultRawPort
	if client, err := NewSNMPClient(host, 2*time.Second); err == nil {
		if p, ok := QueryRawPort(client); ok {
			port = strconv.Itoa(p)
		}
		client.Close()
	}

	sock := &url.URL{Scheme: "socket", Host: net.JoinHostPort(host, port)}
	return openSocket(ctx, sock, jobName)
}
