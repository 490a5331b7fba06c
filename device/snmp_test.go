package device

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSNMP is an in-memory SNMP agent keyed by OID.
type fakeSNMP struct {
	values map[string]interface{}
	gets   int
	walks  int
}

func (f *fakeSNMP) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	f.gets++
	pkt := &gosnmp.SnmpPacket{}
	for _, oid := range oids {
		v, ok := f.values[oid]
		if !ok {
			pkt.Variables = append(pkt.Variables, gosnmp.SnmpPDU{Name: oid, Type: gosnmp.NoSuchObject})
			continue
		}
		pkt.Variables = append(pkt.Variables, gosnmp.SnmpPDU{Name: oid, Value: v})
	}
	return pkt, nil
}

func (f *fakeSNMP) Walk(root string, walkFn gosnmp.WalkFunc) error {
	f.walks++
	var oids []string
	for oid := range f.values {
		if strings.HasPrefix(oid, root+".") {
			oids = append(oids, oid)
		}
	}
	sort.Strings(oids)
	for _, oid := range oids {
		if err := walkFn(gosnmp.SnmpPDU{Name: "." + oid, Value: f.values[oid]}); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSNMP) Close() error { return nil }

func supplyAgent() *fakeSNMP {
	return &fakeSNMP{values: map[string]interface{}{
		OIDPrtGeneralCurrentLocalization:      1,
		OIDPrtLocalizationCharacterSet + ".1": 106, // UTF-8
		OIDPrtMarkerSuppliesEntry + ".3.1.1":  1,   // colorant index
		OIDPrtMarkerSuppliesEntry + ".4.1.1":  3,   // class: consumed
		OIDPrtMarkerSuppliesEntry + ".5.1.1":  3,   // type: toner
		OIDPrtMarkerSuppliesEntry + ".6.1.1":  []byte("ブラック トナー"),
		OIDPrtMarkerSuppliesEntry + ".8.1.1":  100, // max capacity
		OIDPrtMarkerSuppliesEntry + ".9.1.1":  42,  // level
		OIDPrtMarkerColorantValue + ".1.1":    []byte("black"),
	}}
}

func TestSupplies(t *testing.T) {
	agent := supplyAgent()
	d := &Device{uri: "socket://printer.test/", snmp: agent}

	supplies, err := d.Supplies(0)
	require.NoError(t, err)
	require.Len(t, supplies, 1)

	s := supplies[0]
	assert.Equal(t, SupplyToner, s.Type)
	assert.Equal(t, "ブラック トナー", s.Description)
	assert.Equal(t, 42, s.Level)
	assert.True(t, s.IsConsumed)
	assert.Equal(t, "black", s.Color)

	// A refresh walks only the level column and picks up the new value.
	walksAfterFirst := agent.walks
	agent.values[OIDPrtMarkerSuppliesEntry+".9.1.1"] = 17
	supplies, err = d.Supplies(0)
	require.NoError(t, err)
	require.Len(t, supplies, 1)
	assert.Equal(t, 17, supplies[0].Level)
	assert.Equal(t, walksAfterFirst+1, agent.walks)
}

func TestSuppliesMax(t *testing.T) {
	agent := supplyAgent()
	agent.values[OIDPrtMarkerSuppliesEntry+".4.2.1"] = 4 // waste, received
	agent.values[OIDPrtMarkerSuppliesEntry+".5.2.1"] = 4
	agent.values[OIDPrtMarkerSuppliesEntry+".6.2.1"] = []byte("Waste Toner Box")
	agent.values[OIDPrtMarkerSuppliesEntry+".8.2.1"] = 100
	agent.values[OIDPrtMarkerSuppliesEntry+".9.2.1"] = 3

	d := &Device{uri: "socket://printer.test/", snmp: agent}
	supplies, err := d.Supplies(1)
	require.NoError(t, err)
	require.Len(t, supplies, 1)

	supplies, err = d.Supplies(0)
	require.NoError(t, err)
	require.Len(t, supplies, 2)
	assert.False(t, supplies[1].IsConsumed)
	assert.Equal(t, "Waste Toner Box", supplies[1].Description)
}

func TestLevelPercent(t *testing.T) {
	tests := []struct {
		level, maxCap, want int
	}{
		{42, 100, 42},
		{50, 200, 25},
		{-2, 100, -1},
		{-3, 100, 50},
		{120, 100, 100},
		{7, 0, 7},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, levelPercent(tt.level, tt.maxCap), "level=%d max=%d", tt.level, tt.maxCap)
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name  string
		state []byte
		want  Reason
	}{
		{"clean", []byte{0x00}, ReasonNone},
		{"no paper + door open", []byte{0x48}, ReasonMediaEmpty | ReasonDoorOpen},
		{"low toner", []byte{0x20}, ReasonTonerLow},
		{"tray missing", []byte{0x00, 0x80}, ReasonInputTrayMissing},
		{"jam offline", []byte{0x06}, ReasonMediaJam | ReasonOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Device{snmp: &fakeSNMP{values: map[string]interface{}{
				OIDHrPrinterDetectedErrorState: tt.state,
			}}}
			assert.Equal(t, tt.want, d.Status())
		})
	}
}

func TestStatusWithoutSNMP(t *testing.T) {
	d := &Device{}
	assert.Equal(t, ReasonNone, d.Status())
}

func TestReasonKeywords(t *testing.T) {
	assert.Equal(t, []string{"none"}, ReasonNone.Keywords())
	got := (ReasonMediaEmpty | ReasonDoorOpen).Keywords()
	assert.ElementsMatch(t, []string{"media-empty", "door-open"}, got)
}

func TestDeviceID(t *testing.T) {
	d := &Device{uri: "snmp://printer.test/", snmp: &fakeSNMP{values: map[string]interface{}{
		OIDHPDeviceID: []byte("MFG:HP\nMDL:LaserJet 4\nCMD:PCL"),
	}}}
	id, err := d.DeviceID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "MFG:HP;MDL:LaserJet 4;CMD:PCL", id)
}

func TestDeviceIDMissing(t *testing.T) {
	d := &Device{uri: "snmp://printer.test/", snmp: &fakeSNMP{values: map[string]interface{}{}}}
	_, err := d.DeviceID(context.Background())
	assert.Error(t, err)
}

func TestQueryRawPort(t *testing.T) {
	client := &fakeSNMP{values: map[string]interface{}{OIDHPPort: 9101}}
	port, ok := QueryRawPort(client)
	require.True(t, ok)
	assert.Equal(t, 9101, port)

	_, ok = QueryRawPort(&fakeSNMP{values: map[string]interface{}{}})
	assert.False(t, ok)
}

func TestSplitColumn(t *testing.T) {
	col, idx, ok := splitColumn("."+OIDPrtMarkerSuppliesEntry+".9.1.4", OIDPrtMarkerSuppliesEntry)
	require.True(t, ok)
	assert.Equal(t, 9, col)
	assert.Equal(t, 4, idx)

	_, _, ok = splitColumn("1.2.3", OIDPrtMarkerSuppliesEntry)
	assert.False(t, ok)
}
