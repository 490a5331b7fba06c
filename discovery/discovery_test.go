package discovery

import (
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printkit/printkit/device"
)

func TestParseTXT(t *testing.T) {
	txt := parseTXT([]string{"usb_MFG=Example", "TY=Example Widget 2000", "pdl=image/pwg-raster,application/pdf", "note="})
	assert.Equal(t, "Example", txt["usb_mfg"])
	assert.Equal(t, "Example Widget 2000", txt["ty"])
	assert.Equal(t, "image/pwg-raster,application/pdf", txt["pdl"])
	assert.Equal(t, "", txt["note"])
}

func TestDeviceIDFromTXT(t *testing.T) {
	tests := []struct {
		name string
		txt  map[string]string
		want string
	}{
		{
			name: "full usb records",
			txt: map[string]string{
				"usb_mfg": "Example",
				"usb_mdl": "Widget 2000",
				"usb_cmd": "PCL,PS",
				"usb_sn":  "A1B2",
			},
			want: "MFG:Example;MDL:Widget 2000;CMD:PCL,PS;SN:A1B2;",
		},
		{
			name: "synthesized from ty and pdl",
			txt: map[string]string{
				"ty":  "Example Widget 2000",
				"pdl": "image/pwg-raster,application/pdf",
			},
			want: "MFG:Example;MDL:Example Widget 2000;CMD:PWGRaster,PDF;",
		},
		{
			name: "epson gains escpl2",
			txt: map[string]string{
				"usb_mfg": "EPSON",
				"usb_mdl": "WF-1000",
				"pdl":     "image/urf",
			},
			want: "MFG:EPSON;MDL:WF-1000;CMD:URF,ESCPL2;",
		},
		{
			name: "epson with no pdl",
			txt: map[string]string{
				"usb_mfg": "EPSON",
				"usb_mdl": "WF-1000",
			},
			want: "MFG:EPSON;MDL:WF-1000;CMD:ESCPL2;",
		},
		{
			name: "instance as fallback model",
			txt:  map[string]string{},
			want: "MDL:Basement Printer;",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deviceIDFromTXT("Basement Printer", tt.txt))
		})
	}
}

func TestPrinterFromEntry(t *testing.T) {
	e := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: "Example Widget",
			Service:  "_pdl-datastream._tcp",
			Domain:   "local",
		},
		Text: []string{"usb_MFG=Example", "usb_MDL=Widget 2000"},
	}
	p := printerFromEntry(e)
	assert.Equal(t, "Example Widget", p.Name)
	assert.Equal(t, "dnssd://Example Widget._pdl-datastream._tcp.local./", p.URI)
	assert.Equal(t, "MFG:Example;MDL:Widget 2000;", p.DeviceID)
}

func TestProbePacket(t *testing.T) {
	pkt := probePacket(0x0102)

	// Outer SEQUENCE wrapping the whole message.
	require.Greater(t, len(pkt), 4)
	assert.Equal(t, byte(0x30), pkt[0])
	assert.Equal(t, len(pkt)-2, int(pkt[1]))

	// version-1 is INTEGER 0.
	assert.Equal(t, []byte{0x02, 0x01, 0x00}, pkt[2:5])
	// community "public".
	assert.Equal(t, append([]byte{0x04, 0x06}, []byte("public")...), pkt[5:13])
	// GetRequest-PDU tag.
	assert.Equal(t, byte(0xa0), pkt[13])
}

func TestBERInt(t *testing.T) {
	assert.Equal(t, []byte{0x02, 0x01, 0x00}, berInt(0))
	assert.Equal(t, []byte{0x02, 0x01, 0x7f}, berInt(127))
	assert.Equal(t, []byte{0x02, 0x02, 0x00, 0x80}, berInt(128))
	assert.Equal(t, []byte{0x02, 0x02, 0x01, 0x02}, berInt(0x0102))
}

func TestBEROID(t *testing.T) {
	// 1.3.6.1.2.1.1.5.0 encodes to 2b 06 01 02 01 01 05 00.
	assert.Equal(t,
		[]byte{0x06, 0x08, 0x2b, 0x06, 0x01, 0x02, 0x01, 0x01, 0x05, 0x00},
		berOID("1.3.6.1.2.1.1.5.0"))
	// Multi-byte arc: 2699 -> 0x95 0x0b.
	assert.Equal(t, []byte{0x95, 0x0b}, base128(2699))
}

type stubSNMP struct {
	values map[string]interface{}
}

func (s *stubSNMP) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	pkt := &gosnmp.SnmpPacket{}
	for _, oid := range oids {
		if v, ok := s.values[oid]; ok {
			pkt.Variables = append(pkt.Variables, gosnmp.SnmpPDU{Name: oid, Value: v})
		}
	}
	return pkt, nil
}

func (s *stubSNMP) Walk(string, gosnmp.WalkFunc) error { return nil }
func (s *stubSNMP) Close() error                       { return nil }

func withStubSNMP(t *testing.T, stub *stubSNMP) {
	t.Helper()
	orig := device.NewSNMPClient
	device.NewSNMPClient = func(string, time.Duration) (device.SNMPClient, error) {
		return stub, nil
	}
	t.Cleanup(func() { device.NewSNMPClient = orig })
}

func TestVerifySNMPTarget(t *testing.T) {
	withStubSNMP(t, &stubSNMP{values: map[string]interface{}{
		device.OIDHrDeviceType: "." + device.OIDDeviceTypePrinter,
		device.OIDSysName:      []byte("warehouse-printer"),
		device.OIDHPDeviceID:   []byte("MFG:HP;MDL:LaserJet 4;CMD:PCL"),
		device.OIDHPPort:       9101,
	}})

	p, ok := verifySNMPTarget("192.0.2.9")
	require.True(t, ok)
	assert.Equal(t, "warehouse-printer", p.Name)
	assert.Equal(t, "socket://192.0.2.9:9101/", p.URI)
	assert.Equal(t, "MFG:HP;MDL:LaserJet 4;CMD:PCL", p.DeviceID)
}

func TestVerifySNMPTargetNotAPrinter(t *testing.T) {
	withStubSNMP(t, &stubSNMP{values: map[string]interface{}{
		device.OIDHrDeviceType: ".1.3.6.1.2.1.25.3.1.6", // storage device
	}})
	_, ok := verifySNMPTarget("192.0.2.10")
	assert.False(t, ok)
}

func TestVerifySNMPTargetSkipsLPDPort(t *testing.T) {
	withStubSNMP(t, &stubSNMP{values: map[string]interface{}{
		device.OIDHrDeviceType: "." + device.OIDDeviceTypePrinter,
		device.OIDHPPort:       515,
	}})
	p, ok := verifySNMPTarget("192.0.2.11")
	require.True(t, ok)
	assert.Equal(t, "socket://192.0.2.11:9100/", p.URI)
}
