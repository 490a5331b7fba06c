package device

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

// SNMPClient abstracts gosnmp so the status and supply paths can be tested
// against a fake agent.
type SNMPClient interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	Walk(root string, walkFn gosnmp.WalkFunc) error
	Close() error
}

// NewSNMPClient is the factory used by production code; tests replace this
// variable to inject mock clients.
var NewSNMPClient = func(target string, timeout time.Duration) (SNMPClient, error) {
	snmp := &gosnmp.GoSNMP{
		Target:    target,
		Port:      161,
		Version:   gosnmp.Version1,
		Community: "public",
		Timeout:   timeout,
		Retries:   1,
	}
	if err := snmp.Connect(); err != nil {
		return nil, err
	}
	return &gosnmpWrapper{snmp: snmp}, nil
}

type gosnmpWrapper struct {
	snmp *gosnmp.GoSNMP
}

func (w *gosnmpWrapper) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	return w.snmp.Get(oids)
}

func (w *gosnmpWrapper) Walk(root string, walkFn gosnmp.WalkFunc) error {
	return w.snmp.Walk(root, walkFn)
}

func (w *gosnmpWrapper) Close() error {
	if w.snmp != nil && w.snmp.Conn != nil {
		return w.snmp.Conn.Close()
	}
	return nil
}

// Status queries hrPrinterDetectedErrorState and maps the flag octets to
// printer-state-reasons. Devices without SNMP report no reasons.
func (d *Device) Status() Reason {
	if d.snmp == nil {
		return ReasonNone
	}
	pkt, err := d.snmp.Get([]string{OIDHrPrinterDetectedErrorState})
	if err != nil || len(pkt.Variables) == 0 {
		return ReasonNone
	}
	state, ok := pduBytes(pkt.Variables[0])
	if !ok {
		return ReasonNone
	}
	return reasonsFromErrorState(state)
}

// SupplyType classifies a marker supply (prtMarkerSuppliesType subset).
type SupplyType int

const (
	SupplyOther          SupplyType = 1
	SupplyUnknown        SupplyType = 2
	SupplyToner          SupplyType = 3
	SupplyWasteToner     SupplyType = 4
	SupplyInk            SupplyType = 5
	SupplyInkCartridge   SupplyType = 6
	SupplyInkRibbon      SupplyType = 7
	SupplyWasteInk       SupplyType = 8
	SupplyOPC            SupplyType = 9
	SupplyDeveloper      SupplyType = 10
	SupplyFuserOil       SupplyType = 11
	SupplySolidWax       SupplyType = 12
	SupplyRibbonWax      SupplyType = 13
	SupplyWasteWax       SupplyType = 14
	SupplyFuser          SupplyType = 15
	SupplyCoronaWire     SupplyType = 16
	SupplyFuserOilWick   SupplyType = 17
	SupplyCleanerUnit    SupplyType = 18
	SupplyFuserCleaning  SupplyType = 19
	SupplyTransferUnit   SupplyType = 20
	SupplyTonerCartridge SupplyType = 21
)

// Supply is one marker supply slot.
type Supply struct {
	Type        SupplyType
	Color       string
	Level       int // percent, -1 when unknown
	IsConsumed  bool
	Description string
}

type supplyKey struct {
	index    int
	typ      SupplyType
	consumed bool
	color    string
	desc     string
	maxCap   int
}

// Supplies walks the marker supply table. The first call fetches the
// localization charset, the full supply entries and the colorant names;
// subsequent calls refresh only the levels.
func (d *Device) Supplies(max int) ([]Supply, error) {
	if d.snmp == nil {
		return nil, fmt.Errorf("device: %s has no SNMP side channel", d.uri)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.supplyIndex == nil {
		if err := d.loadSupplyTable(); err != nil {
			return nil, err
		}
	} else if err := d.refreshSupplyLevels(); err != nil {
		return nil, err
	}

	out := d.supplies
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	// Copy so callers cannot alias the cache.
	res := make([]Supply, len(out))
	copy(res, out)
	return res, nil
}

func (d *Device) loadSupplyTable() error {
	if !d.charsetKnown {
		d.decode = d.fetchCharset()
		d.charsetKnown = true
	}

	type row struct {
		class   int
		typ     int
		desc    []byte
		maxCap  int
		level   int
		colorID int
	}
	rows := map[int]*row{}
	get := func(idx int) *row {
		r, ok := rows[idx]
		if !ok {
			r = &row{class: 3, typ: int(SupplyUnknown), maxCap: -1, level: -1}
			rows[idx] = r
		}
		return r
	}

	err := d.snmp.Walk(OIDPrtMarkerSuppliesEntry, func(pdu gosnmp.SnmpPDU) error {
		column, idx, ok := splitColumn(pdu.Name, OIDPrtMarkerSuppliesEntry)
		if !ok {
			return nil
		}
		r := get(idx)
		switch column {
		case 3:
			r.colorID, _ = pduInt(pdu)
		case 4:
			r.class, _ = pduInt(pdu)
		case 5:
			r.typ, _ = pduInt(pdu)
		case 6:
			r.desc, _ = pduBytes(pdu)
		case 8:
			r.maxCap, _ = pduInt(pdu)
		case 9:
			r.level, _ = pduInt(pdu)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("device: walking supply table: %w", err)
	}

	colorants := map[int]string{}
	err = d.snmp.Walk(OIDPrtMarkerColorantValue, func(pdu gosnmp.SnmpPDU) error {
		if idx, ok := lastIndex(pdu.Name); ok {
			if b, ok := pduBytes(pdu); ok {
				colorants[idx] = string(b)
			}
		}
		return nil
	})
	if err != nil {
		slog.Debug("device: colorant walk failed", "uri", d.uri, "error", err)
	}

	idxs := make([]int, 0, len(rows))
	for idx := range rows {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	d.supplyIndex = d.supplyIndex[:0]
	d.supplies = d.supplies[:0]
	for _, idx := range idxs {
		r := rows[idx]
		key := supplyKey{
			index:    idx,
			typ:      SupplyType(r.typ),
			consumed: r.class == 3, // classSupplyThatIsConsumed
			color:    colorants[r.colorID],
			desc:     d.decode(r.desc),
			maxCap:   r.maxCap,
		}
		d.supplyIndex = append(d.supplyIndex, key)
		d.supplies = append(d.supplies, Supply{
			Type:        key.typ,
			Color:       key.color,
			Level:       levelPercent(r.level, r.maxCap),
			IsConsumed:  key.consumed,
			Description: key.desc,
		})
	}
	return nil
}

func (d *Device) refreshSupplyLevels() error {
	levels := map[int]int{}
	err := d.snmp.Walk(OIDPrtMarkerSuppliesLevel, func(pdu gosnmp.SnmpPDU) error {
		if idx, ok := lastIndex(pdu.Name); ok {
			if v, ok := pduInt(pdu); ok {
				levels[idx] = v
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("device: walking supply levels: %w", err)
	}
	for i, key := range d.supplyIndex {
		if v, ok := levels[key.index]; ok {
			d.supplies[i].Level = levelPercent(v, key.maxCap)
		}
	}
	return nil
}

// levelPercent normalizes a raw supply level against its maximum capacity.
// The Printer MIB uses -2 for unknown and -3 for "some remaining".
func levelPercent(level, maxCap int) int {
	switch {
	case level == -3:
		return 50
	case level < 0:
		return -1
	case maxCap > 0:
		p := level * 100 / maxCap
		if p > 100 {
			p = 100
		}
		return p
	default:
		return level
	}
}

// DeviceID queries the device's IEEE-1284 device ID over the SNMP side
// channel.
func (d *Device) DeviceID(ctx context.Context) (string, error) {
	if d.snmp == nil {
		return "", fmt.Errorf("device: %s has no SNMP side channel", d.uri)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	id, ok := QueryDeviceID(d.snmp)
	if !ok {
		return "", fmt.Errorf("device: %s did not report an IEEE-1284 device ID", d.uri)
	}
	return id, nil
}

// QueryDeviceID probes the standard and vendor IEEE-1284 device-ID OIDs in
// sequence, converting embedded newlines to semicolons.
func QueryDeviceID(client SNMPClient) (string, bool) {
	for _, oid := range deviceIDOIDs {
		pkt, err := client.Get([]string{oid})
		if err != nil || len(pkt.Variables) == 0 {
			continue
		}
		if b, ok := pduBytes(pkt.Variables[0]); ok && len(b) > 0 {
			id := strings.ReplaceAll(string(b), "\n", ";")
			id = strings.ReplaceAll(id, "\r", "")
			return id, true
		}
	}
	return "", false
}

// fetchCharset resolves the device's current localization charset and
// returns the matching description decoder.
func (d *Device) fetchCharset() decodeFunc {
	pkt, err := d.snmp.Get([]string{OIDPrtGeneralCurrentLocalization})
	if err != nil || len(pkt.Variables) == 0 {
		return decodeASCII
	}
	loc, ok := pduInt(pkt.Variables[0])
	if !ok {
		return decodeASCII
	}
	pkt, err = d.snmp.Get([]string{OIDPrtLocalizationCharacterSet + "." + strconv.Itoa(loc)})
	if err != nil || len(pkt.Variables) == 0 {
		return decodeASCII
	}
	mib, ok := pduInt(pkt.Variables[0])
	if !ok {
		return decodeASCII
	}
	return decoderForMIBEnum(mib)
}

// QueryRawPort probes the vendor port OIDs for the raw print port.
func QueryRawPort(client SNMPClient) (int, bool) {
	for _, oid := range rawPortOIDs {
		pkt, err := client.Get([]string{oid})
		if err != nil || len(pkt.Variables) == 0 {
			continue
		}
		if v, ok := pduInt(pkt.Variables[0]); ok && v > 0 && v < 65536 {
			return v, true
		}
	}
	return 0, false
}

// pduInt extracts an integer value from a PDU.
func pduInt(pdu gosnmp.SnmpPDU) (int, bool) {
	switch v := pdu.Value.(type) {
	case int:
		return v, true
	case uint:
		return int(v), true
	case uint32:
		return int(v), true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	default:
		return 0, false
	}
}

// pduBytes extracts an octet-string value from a PDU.
func pduBytes(pdu gosnmp.SnmpPDU) ([]byte, bool) {
	switch v := pdu.Value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	default:
		return nil, false
	}
}

// splitColumn splits a table cell OID like <entry>.<column>.<index> into
// its column and row index.
func splitColumn(name, entryRoot string) (column, index int, ok bool) {
	name = strings.TrimPrefix(name, ".")
	rest, found := strings.CutPrefix(name, entryRoot+".")
	if !found {
		return 0, 0, false
	}
	parts := strings.Split(rest, ".")
	if len(parts) < 2 {
		return 0, 0, false
	}
	column, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	// Row index is the last sub-identifier; the hrDeviceIndex in between is
	// ignored.
	index, err = strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0, 0, false
	}
	return column, index, true
}

// lastIndex returns the final sub-identifier of an OID.
func lastIndex(name string) (int, bool) {
	name = strings.TrimPrefix(name, ".")
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return 0, false
	}
	v, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return 0, false
	}
	return v, true
}
