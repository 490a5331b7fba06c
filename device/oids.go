package device

// SNMP OIDs consumed by the device layer. The constants mirror the Host
// Resources MIB (RFC 2790), Printer MIB v2 (RFC 3805) and the PWG Port
// Monitor MIB so callers never scatter raw dotted strings.
const (
	// --- Host Resources MIB ---

	OIDSysName                     = "1.3.6.1.2.1.1.5.0"
	OIDHrDeviceType                = "1.3.6.1.2.1.25.3.2.1.2.1"
	OIDHrPrinterDetectedErrorState = "1.3.6.1.2.1.25.3.5.1.2.1"

	// OIDDeviceTypePrinter is the hrDeviceType value identifying a printer.
	OIDDeviceTypePrinter = "1.3.6.1.2.1.25.3.1.5"

	// --- Printer MIB v2 ---

	OIDPrtGeneralCurrentLocalization = "1.3.6.1.2.1.43.5.1.1.2.1"
	OIDPrtLocalizationCharacterSet   = "1.3.6.1.2.1.43.7.1.1.4.1"

	OIDPrtMarkerSuppliesEntry       = "1.3.6.1.2.1.43.11.1.1"
	OIDPrtMarkerSuppliesClass       = "1.3.6.1.2.1.43.11.1.1.4"
	OIDPrtMarkerSuppliesType        = "1.3.6.1.2.1.43.11.1.1.5"
	OIDPrtMarkerSuppliesDescription = "1.3.6.1.2.1.43.11.1.1.6"
	OIDPrtMarkerSuppliesMaxCapacity = "1.3.6.1.2.1.43.11.1.1.8"
	OIDPrtMarkerSuppliesLevel       = "1.3.6.1.2.1.43.11.1.1.9"
	OIDPrtMarkerSuppliesColorantIdx = "1.3.6.1.2.1.43.11.1.1.3"
	OIDPrtMarkerColorantValue       = "1.3.6.1.2.1.43.12.1.1.4"

	// --- IEEE-1284 device ID, standard and vendor flavors ---

	OIDPwgDeviceID     = "1.3.6.1.4.1.2699.1.2.1.2.1.1.3.1" // PWG Port Monitor MIB
	OIDHPDeviceID      = "1.3.6.1.4.1.11.2.3.9.1.1.7.0"
	OIDLexmarkDeviceID = "1.3.6.1.4.1.641.2.1.2.1.3.1"
	OIDZebraDeviceID   = "1.3.6.1.4.1.10642.1.3.0"

	// --- Raw port discovery ---

	OIDPwgPort      = "1.3.6.1.4.1.2699.1.2.1.3.1.1.6.1.1"
	OIDHPPort       = "1.3.6.1.4.1.11.2.4.3.7.29.0"
	OIDLexmarkPort  = "1.3.6.1.4.1.641.1.5.7.11.0"
	OIDExtendedPort = "1.3.6.1.4.1.683.6.3.1.4.17.0"
)

// deviceIDOIDs is the probe order for IEEE-1284 device IDs.
var deviceIDOIDs = []string{
	OIDPwgDeviceID,
	OIDHPDeviceID,
	OIDLexmarkDeviceID,
	OIDZebraDeviceID,
}

// rawPortOIDs is the probe order for the raw print port number.
var rawPortOIDs = []string{
	OIDPwgPort,
	OIDHPPort,
	OIDLexmarkPort,
	OIDExtendedPort,
}
