package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/printkit/printkit/device"
)

const (
	// probeTimeout caps one SNMP broadcast scan.
	probeTimeout = 30 * time.Second
	// probeInterval re-sends the broadcast while the scan runs; printers
	// waking from power save miss the first datagram.
	probeInterval = 5 * time.Second

	snmpPort = 161
)

// SNMP probes the local broadcast domains with an SNMPv1 get-request and
// verifies each responder as a printer before reporting it. Raw ports
// advertised as LPD (515) or IPP (631) are ignored in favor of 9100.
func SNMP(ctx context.Context, cb Callback) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("discovery: opening probe socket: %w", err)
	}
	defer conn.Close()

	targets := broadcastAddrs()
	if len(targets) == 0 {
		targets = []net.IP{net.IPv4bcast}
	}
	probe := probePacket(rand.Int31())
	send := func() {
		for _, ip := range targets {
			conn.WriteToUDP(probe, &net.UDPAddr{IP: ip, Port: snmpPort})
		}
	}
	send()

	deadline := time.Now().Add(probeTimeout)
	nextSend := time.Now().Add(probeInterval)
	seen := make(map[string]bool)
	buf := make([]byte, 2048)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(nextSend) {
			send()
			nextSend = time.Now().Add(probeInterval)
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("discovery: reading probe responses: %w", err)
		}
		host := from.IP.String()
		if seen[host] {
			continue
		}
		seen[host] = true
		if p, ok := verifySNMPTarget(host); ok {
			if cb(p) {
				return nil
			}
		}
	}
	return nil
}

// verifySNMPTarget confirms a probe responder is a printer and collects
// its name, device ID and raw port over unicast SNMP.
func verifySNMPTarget(host string) (Printer, bool) {
	client, err := device.NewSNMPClient(host, 2*time.Second)
	if err != nil {
		return Printer{}, false
	}
	defer client.Close()

	pkt, err := client.Get([]string{device.OIDHrDeviceType})
	if err != nil || len(pkt.Variables) == 0 {
		return Printer{}, false
	}
	devType, _ := pkt.Variables[0].Value.(string)
	if strings.TrimPrefix(devType, ".") != device.OIDDeviceTypePrinter {
		return Printer{}, false
	}

	name := host
	if pkt, err := client.Get([]string{device.OIDSysName}); err == nil && len(pkt.Variables) > 0 {
		switch v := pkt.Variables[0].Value.(type) {
		case string:
			if v != "" {
				name = v
			}
		case []byte:
			if len(v) > 0 {
				name = string(v)
			}
		}
	}

	id, _ := device.QueryDeviceID(client)

	port := 9100
	if p, ok := device.QueryRawPort(client); ok && p != 515 && p != 631 {
		port = p
	}

	return Printer{
		Name:     name,
		URI:      "socket://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/",
		DeviceID: id,
	}, true
}

// broadcastAddrs returns the directed broadcast address of every up IPv4
// interface, plus the limited broadcast address.
func broadcastAddrs() []net.IP {
	out := []net.IP{net.IPv4bcast}
	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipn.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipn.Mask
			if len(mask) == 16 {
				mask = mask[12:]
			}
			bcast := make(net.IP, 4)
			for i := range bcast {
				bcast[i] = ip4[i] | ^mask[i]
			}
			out = append(out, bcast)
		}
	}
	return out
}

// probePacket builds a minimal SNMPv1 get-request for sysName.0. gosnmp
// cannot send to broadcast addresses, so the probe datagram is encoded by
// hand; responses are verified over ordinary unicast.
func probePacket(requestID int32) []byte {
	null := []byte{0x05, 0x00}
	varbind := berSequence(append(berOID(device.OIDSysName), null...))
	varbinds := berSequence(varbind)

	var pduBody []byte
	pduBody = append(pduBody, berInt(int(requestID))...)
	pduBody = append(pduBody, berInt(0)...) // error-status
	pduBody = append(pduBody, berInt(0)...) // error-index
	pduBody = append(pduBody, varbinds...)
	pdu := berTLV(0xa0, pduBody) // GetRequest-PDU

	var msgBody []byte
	msgBody = append(msgBody, berInt(0)...) // version-1
	msgBody = append(msgBody, berTLV(0x04, []byte("public"))...)
	msgBody = append(msgBody, pdu...)
	return berSequence(msgBody)
}

func berSequence(body []byte) []byte { return berTLV(0x30, body) }

func berTLV(tag byte, body []byte) []byte {
	out := []byte{tag}
	n := len(body)
	switch {
	case n < 0x80:
		out = append(out, byte(n))
	case n <= 0xff:
		out = append(out, 0x81, byte(n))
	default:
		out = append(out, 0x82, byte(n>>8), byte(n))
	}
	return append(out, body...)
}

func berInt(v int) []byte {
	// Minimal two's-complement encoding.
	b := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	n := 4
	for n > 1 && ((b[n-1] == 0 && b[n-2]&0x80 == 0) || (b[n-1] == 0xff && b[n-2]&0x80 != 0)) {
		n--
	}
	body := make([]byte, n)
	for i := 0; i < n; i++ {
		body[i] = b[n-1-i]
	}
	return berTLV(0x02, body)
}

func berOID(oid string) []byte {
	parts := strings.Split(oid, ".")
	if len(parts) < 2 {
		return berTLV(0x06, nil)
	}
	first, _ := strconv.Atoi(parts[0])
	second, _ := strconv.Atoi(parts[1])
	body := []byte{byte(first*40 + second)}
	for _, p := range parts[2:] {
		arc, _ := strconv.Atoi(p)
		body = append(body, base128(arc)...)
	}
	return berTLV(0x06, body)
}

func base128(v int) []byte {
	if v == 0 {
		return []byte{0}
	}
	var tmp []byte
	for v > 0 {
		tmp = append(tmp, byte(v&0x7f))
		v >>= 7
	}
	out := make([]byte, len(tmp))
	for i := range tmp {
		out[i] = tmp[len(tmp)-1-i]
		if i < len(tmp)-1 {
			out[i] |= 0x80
		}
	}
	return out
}
