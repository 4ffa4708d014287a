// Package central defines the portable BLE central-role data model and the
// Manager/Adapter/Peripheral contract every backend (Linux HCI, BlueZ D-Bus,
// Darwin, Windows, Android, Web) implements identically.
package central

import (
	"github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blecentral/bdaddr"
	"github.com/srg/blecentral/bleuuid"
)

// AddressType distinguishes a public (IEEE-assigned) address from a random
// one (static or resolvable private).
type AddressType int

const (
	AddressUnknown AddressType = iota
	AddressPublic
	AddressRandom
)

func (t AddressType) String() string {
	switch t {
	case AddressPublic:
		return "public"
	case AddressRandom:
		return "random"
	default:
		return "unknown"
	}
}

// PeripheralId is the opaque, platform-defined stable identity of a
// peripheral on a given adapter. Concrete backends supply their own
// comparable representation (a D-Bus path, a CoreBluetooth UUID string, a
// BDAddr) wrapped behind this interface so the registry can key on it
// without caring which backend produced it.
type PeripheralId interface {
	String() string
	Equal(other PeripheralId) bool
}

// BDAddrId is the PeripheralId used by backends where the stable identity is
// simply the device's BDAddr (Linux HCI, Windows, Android).
type BDAddrId struct {
	Addr bdaddr.BDAddr
}

func (id BDAddrId) String() string { return id.Addr.String() }

func (id BDAddrId) Equal(other PeripheralId) bool {
	o, ok := other.(BDAddrId)
	return ok && o.Addr == id.Addr
}

// PeripheralProperties is the last-known advertisement snapshot for a
// peripheral, per spec §3. ManufacturerData/ServiceData/Services accumulate
// across advertisement reports; Services preserves first-seen order.
type PeripheralProperties struct {
	Address          bdaddr.BDAddr
	AddressType      AddressType // AddressUnknown if not reported
	LocalName        string      // empty if never advertised
	HasLocalName     bool
	TxPowerLevel     int8
	HasTxPowerLevel  bool
	RSSI             int8
	HasRSSI          bool
	ManufacturerData map[uint16][]byte
	ServiceData      map[bleuuid.UUID][]byte
	Services         []bleuuid.UUID // ordered, first-seen
	DiscoveryCount   uint32
	HasScanResponse  bool
}

// NewPeripheralProperties returns a zero-value snapshot for addr, with maps
// initialized so callers can merge into it immediately.
func NewPeripheralProperties(addr bdaddr.BDAddr) *PeripheralProperties {
	return &PeripheralProperties{
		Address:          addr,
		ManufacturerData: map[uint16][]byte{},
		ServiceData:      map[bleuuid.UUID][]byte{},
	}
}

// CharPropFlags is the bitmask of operations a characteristic supports.
type CharPropFlags uint8

const (
	CharBroadcast                  CharPropFlags = 1 << iota // 0x01
	CharRead                                                 // 0x02
	CharWriteWithoutResponse                                 // 0x04
	CharWrite                                                // 0x08
	CharNotify                                                // 0x10
	CharIndicate                                              // 0x20
	CharAuthenticatedSignedWrites                             // 0x40
	CharExtendedProperties                                    // 0x80
)

func (f CharPropFlags) Has(bit CharPropFlags) bool { return f&bit != 0 }

func (f CharPropFlags) String() string {
	names := []struct {
		bit  CharPropFlags
		name string
	}{
		{CharBroadcast, "broadcast"},
		{CharRead, "read"},
		{CharWriteWithoutResponse, "write-without-response"},
		{CharWrite, "write"},
		{CharNotify, "notify"},
		{CharIndicate, "indicate"},
		{CharAuthenticatedSignedWrites, "signed-writes"},
		{CharExtendedProperties, "extended"},
	}
	out := ""
	for _, n := range names {
		if f.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "none"
	}
	return out
}

// Descriptor identifies a GATT descriptor attribute.
type Descriptor struct {
	ServiceUUID        bleuuid.UUID
	CharacteristicUUID bleuuid.UUID
	UUID               bleuuid.UUID
}

// Characteristic identifies a GATT characteristic and its descriptors, in
// ATT-discovery order.
type Characteristic struct {
	ServiceUUID bleuuid.UUID
	UUID        bleuuid.UUID
	Properties  CharPropFlags
	Descriptors *orderedmap.OrderedMap[bleuuid.UUID, Descriptor]
}

// NewCharacteristic returns a Characteristic with an initialized, empty
// descriptor set.
func NewCharacteristic(serviceUUID, uuid bleuuid.UUID, props CharPropFlags) *Characteristic {
	return &Characteristic{
		ServiceUUID: serviceUUID,
		UUID:        uuid,
		Properties:  props,
		Descriptors: orderedmap.New[bleuuid.UUID, Descriptor](),
	}
}

// DescriptorList returns the descriptors in discovery order.
func (c *Characteristic) DescriptorList() []Descriptor {
	out := make([]Descriptor, 0, c.Descriptors.Len())
	for pair := c.Descriptors.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Service identifies a GATT service and its characteristics, in
// ATT-discovery order.
type Service struct {
	UUID            bleuuid.UUID
	Primary         bool
	Characteristics *orderedmap.OrderedMap[bleuuid.UUID, *Characteristic]
}

// NewService returns a Service with an initialized, empty characteristic set.
func NewService(uuid bleuuid.UUID, primary bool) *Service {
	return &Service{
		UUID:            uuid,
		Primary:         primary,
		Characteristics: orderedmap.New[bleuuid.UUID, *Characteristic](),
	}
}

// CharacteristicList returns the characteristics in discovery order.
func (s *Service) CharacteristicList() []*Characteristic {
	out := make([]*Characteristic, 0, s.Characteristics.Len())
	for pair := s.Characteristics.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// ValueNotification is a characteristic value change delivered by the
// notification bus.
type ValueNotification struct {
	UUID  bleuuid.UUID
	Value []byte
}

// ScanFilter restricts discovery to peripherals advertising one of Services;
// an empty set accepts all advertisements.
type ScanFilter struct {
	Services []bleuuid.UUID
}

// Matches reports whether props advertises at least one of the filter's
// services, or the filter is empty.
func (f ScanFilter) Matches(props *PeripheralProperties) bool {
	if len(f.Services) == 0 {
		return true
	}
	for _, want := range f.Services {
		for _, have := range props.Services {
			if want == have {
				return true
			}
		}
	}
	return false
}

// WriteType selects whether a characteristic write expects an ATT response.
type WriteType int

const (
	WriteWithResponse WriteType = iota
	WriteWithoutResponse
)

// AdapterState mirrors the controller's power state.
type AdapterState int

const (
	StateUnknown AdapterState = iota
	StatePoweredOn
	StatePoweredOff
)

func (s AdapterState) String() string {
	switch s {
	case StatePoweredOn:
		return "poweredOn"
	case StatePoweredOff:
		return "poweredOff"
	default:
		return "unknown"
	}
}
