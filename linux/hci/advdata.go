package hci

import "github.com/srg/blecentral/bleuuid"

// Advertising data element type codes (spec §4.1). Unknown types are kept
// (not skipped) in the parsed element list so callers can choose to ignore
// them; ParseAdvertisingData itself never drops a well-formed TLV.
const (
	ADFlags                        = 0x01
	ADServiceClassUUID16            = 0x02
	ADServiceClassUUID16Complete     = 0x03
	ADServiceClassUUID128           = 0x06
	ADServiceClassUUID128Complete    = 0x07
	ADLocalNameShort                = 0x08
	ADLocalNameComplete             = 0x09
	ADTxPowerLevel                  = 0x0A
	ADSlaveConnIntervalRange        = 0x12
	ADSolicitationUUID16            = 0x14
	ADSolicitationUUID128           = 0x15
	ADServiceData16                 = 0x16
	ADSolicitationUUID32            = 0x1F
	ADServiceData32                 = 0x20
	ADServiceData128                = 0x21
	ADManufacturerSpecific          = 0xFF
)

// AdvertisingElement is one decoded length-type-value element.
type AdvertisingElement struct {
	Type  byte
	Value []byte
}

// ParseAdvertisingData decodes a sequence of length-type-value elements
// (spec §4.1, §8). A TLV with len=1 (no payload beyond the type byte) is
// accepted and contributes an element with an empty Value. A TLV whose
// declared length would run past the end of data is a parse failure for the
// whole report, per spec: "a malformed length shorter than 1 is a parse
// failure for the whole report" is the len==0 case; we additionally reject
// a length that overruns the buffer, since that byte range cannot be
// trusted either.
func ParseAdvertisingData(data []byte) ([]AdvertisingElement, error) {
	var out []AdvertisingElement
	for len(data) > 0 {
		l := int(data[0])
		if l == 0 {
			// A zero-length element terminates the AD structure early;
			// trailing padding bytes are common and not an error.
			break
		}
		if 1+l > len(data) {
			return nil, ErrMalformed
		}
		typ := data[1]
		value := append([]byte(nil), data[2:1+l]...)
		out = append(out, AdvertisingElement{Type: typ, Value: value})
		data = data[1+l:]
	}
	return out, nil
}

// LocalName extracts the first ADLocalNameComplete or ADLocalNameShort
// element, if any.
func LocalName(elems []AdvertisingElement) (string, bool) {
	for _, e := range elems {
		if e.Type == ADLocalNameComplete || e.Type == ADLocalNameShort {
			return string(e.Value), true
		}
	}
	return "", false
}

// TxPowerLevel extracts the ADTxPowerLevel element, if any.
func TxPowerLevel(elems []AdvertisingElement) (int8, bool) {
	for _, e := range elems {
		if e.Type == ADTxPowerLevel && len(e.Value) >= 1 {
			return int8(e.Value[0]), true
		}
	}
	return 0, false
}

// SlaveConnectionIntervalRange extracts the ADSlaveConnIntervalRange
// element's (min, max) pair, if present.
func SlaveConnectionIntervalRange(elems []AdvertisingElement) (min, max uint16, ok bool) {
	for _, e := range elems {
		if e.Type == ADSlaveConnIntervalRange && len(e.Value) >= 4 {
			min = uint16(e.Value[0]) | uint16(e.Value[1])<<8
			max = uint16(e.Value[2]) | uint16(e.Value[3])<<8
			return min, max, true
		}
	}
	return 0, 0, false
}

// ManufacturerData extracts every ADManufacturerSpecific element, keyed by
// the leading little-endian company id.
func ManufacturerData(elems []AdvertisingElement) map[uint16][]byte {
	out := map[uint16][]byte{}
	for _, e := range elems {
		if e.Type == ADManufacturerSpecific && len(e.Value) >= 2 {
			id := uint16(e.Value[0]) | uint16(e.Value[1])<<8
			out[id] = append([]byte(nil), e.Value[2:]...)
		}
	}
	return out
}

// ServiceUUIDs extracts every 16- and 128-bit service class UUID element
// (both partial and complete variants), expanding 16-bit UUIDs via the
// Bluetooth base UUID.
func ServiceUUIDs(elems []AdvertisingElement) []bleuuid.UUID {
	var out []bleuuid.UUID
	for _, e := range elems {
		switch e.Type {
		case ADServiceClassUUID16, ADServiceClassUUID16Complete:
			for i := 0; i+2 <= len(e.Value); i += 2 {
				short := uint16(e.Value[i]) | uint16(e.Value[i+1])<<8
				out = append(out, bleuuid.FromU16(short))
			}
		case ADServiceClassUUID128, ADServiceClassUUID128Complete:
			for i := 0; i+16 <= len(e.Value); i += 16 {
				var u bleuuid.UUID
				// AD 128-bit UUIDs are little-endian on the wire; our
				// canonical UUID is stored MSB-first, so reverse.
				for j := 0; j < 16; j++ {
					u[j] = e.Value[i+15-j]
				}
				out = append(out, u)
			}
		}
	}
	return out
}

// ServiceData16 extracts every 16-bit-keyed Service Data element.
func ServiceData16(elems []AdvertisingElement) map[bleuuid.UUID][]byte {
	out := map[bleuuid.UUID][]byte{}
	for _, e := range elems {
		if e.Type == ADServiceData16 && len(e.Value) >= 2 {
			short := uint16(e.Value[0]) | uint16(e.Value[1])<<8
			out[bleuuid.FromU16(short)] = append([]byte(nil), e.Value[2:]...)
		}
	}
	return out
}
