package hci

import "fmt"

// EventCode identifies an HCI event packet's subtype.
type EventCode uint8

const (
	EventDisconnectionComplete EventCode = 0x05
	EventEncryptionChange      EventCode = 0x08
	EventCommandComplete       EventCode = 0x0E
	EventCommandStatus         EventCode = 0x0F
	EventLEMeta                EventCode = 0x3E
)

func (c EventCode) String() string {
	switch c {
	case EventDisconnectionComplete:
		return "DisconnectionComplete"
	case EventEncryptionChange:
		return "EncryptionChange"
	case EventCommandComplete:
		return "CommandComplete"
	case EventCommandStatus:
		return "CommandStatus"
	case EventLEMeta:
		return "LEMeta"
	default:
		return fmt.Sprintf("Event(0x%02X)", uint8(c))
	}
}

// EventFilterMask is the set of events the adapter's socket filter accepts
// (spec §4.3): DisconnComplete, EncryptChange, CmdComplete, CmdStatus,
// LEMetaEvent.
var EventFilterMask = []EventCode{
	EventDisconnectionComplete,
	EventEncryptionChange,
	EventCommandComplete,
	EventCommandStatus,
	EventLEMeta,
}

// LESubeventCode identifies an LE Meta event's subevent.
type LESubeventCode uint8

const (
	LESubeventConnectionComplete             LESubeventCode = 0x01
	LESubeventAdvertisingReport               LESubeventCode = 0x02
	LESubeventConnectionUpdateComplete        LESubeventCode = 0x03
	LESubeventReadRemoteUsedFeaturesComplete  LESubeventCode = 0x04
)

// CommandCompleteEvent is the decoded payload of a Command Complete event.
type CommandCompleteEvent struct {
	NumHCICommandPackets uint8
	Opcode               uint16
	ReturnParameters      []byte
}

// DecodeCommandComplete decodes a Command Complete event payload.
func DecodeCommandComplete(b []byte) (CommandCompleteEvent, error) {
	if len(b) < 3 {
		return CommandCompleteEvent{}, ErrMalformed
	}
	return CommandCompleteEvent{
		NumHCICommandPackets: b[0],
		Opcode:               uint16(b[1]) | uint16(b[2])<<8,
		ReturnParameters:     append([]byte(nil), b[3:]...),
	}, nil
}

// CommandStatusEvent is the decoded payload of a Command Status event.
type CommandStatusEvent struct {
	Status               uint8
	NumHCICommandPackets uint8
	Opcode               uint16
}

// DecodeCommandStatus decodes a Command Status event payload.
func DecodeCommandStatus(b []byte) (CommandStatusEvent, error) {
	if len(b) < 4 {
		return CommandStatusEvent{}, ErrMalformed
	}
	return CommandStatusEvent{
		Status:               b[0],
		NumHCICommandPackets: b[1],
		Opcode:               uint16(b[2]) | uint16(b[3])<<8,
	}, nil
}

// DisconnectionCompleteEvent is the decoded payload of a Disconnection
// Complete event.
type DisconnectionCompleteEvent struct {
	Status           uint8
	ConnectionHandle uint16
	Reason           uint8
}

// DecodeDisconnectionComplete decodes a Disconnection Complete event payload.
func DecodeDisconnectionComplete(b []byte) (DisconnectionCompleteEvent, error) {
	if len(b) < 4 {
		return DisconnectionCompleteEvent{}, ErrMalformed
	}
	return DisconnectionCompleteEvent{
		Status:           b[0],
		ConnectionHandle: uint16(b[1]) | uint16(b[2])<<8,
		Reason:           b[3],
	}, nil
}

// LEConnectionCompleteEvent is the decoded payload of an LE Connection
// Complete subevent.
type LEConnectionCompleteEvent struct {
	Status              uint8
	ConnectionHandle    uint16
	Role                uint8
	PeerAddressType     uint8
	PeerAddress         [6]byte
	ConnInterval        uint16
	ConnLatency         uint16
	SupervisionTimeout  uint16
	MasterClockAccuracy uint8
}

// DecodeLEConnectionComplete decodes an LE Connection Complete subevent
// payload (b starts after the subevent code byte).
func DecodeLEConnectionComplete(b []byte) (LEConnectionCompleteEvent, error) {
	if len(b) < 18 {
		return LEConnectionCompleteEvent{}, ErrMalformed
	}
	var ev LEConnectionCompleteEvent
	ev.Status = b[0]
	ev.ConnectionHandle = uint16(b[1]) | uint16(b[2])<<8
	ev.Role = b[3]
	ev.PeerAddressType = b[4]
	copy(ev.PeerAddress[:], b[5:11])
	ev.ConnInterval = uint16(b[11]) | uint16(b[12])<<8
	ev.ConnLatency = uint16(b[13]) | uint16(b[14])<<8
	ev.SupervisionTimeout = uint16(b[15]) | uint16(b[16])<<8
	ev.MasterClockAccuracy = b[17]
	return ev, nil
}

// LEConnectionUpdateCompleteEvent is the decoded payload of an LE Connection
// Update Complete subevent.
type LEConnectionUpdateCompleteEvent struct {
	Status             uint8
	ConnectionHandle   uint16
	ConnInterval       uint16
	ConnLatency        uint16
	SupervisionTimeout uint16
}

// DecodeLEConnectionUpdateComplete decodes an LE Connection Update Complete
// subevent payload.
func DecodeLEConnectionUpdateComplete(b []byte) (LEConnectionUpdateCompleteEvent, error) {
	if len(b) < 9 {
		return LEConnectionUpdateCompleteEvent{}, ErrMalformed
	}
	return LEConnectionUpdateCompleteEvent{
		Status:             b[0],
		ConnectionHandle:   uint16(b[1]) | uint16(b[2])<<8,
		ConnInterval:       uint16(b[3]) | uint16(b[4])<<8,
		ConnLatency:        uint16(b[5]) | uint16(b[6])<<8,
		SupervisionTimeout: uint16(b[7]) | uint16(b[8])<<8,
	}, nil
}

// LEReadRemoteUsedFeaturesCompleteEvent is the decoded payload of an LE Read
// Remote Used Features Complete subevent.
type LEReadRemoteUsedFeaturesCompleteEvent struct {
	Status           uint8
	ConnectionHandle uint16
	LEFeatures       uint64
}

// DecodeLEReadRemoteUsedFeaturesComplete decodes that subevent's payload.
func DecodeLEReadRemoteUsedFeaturesComplete(b []byte) (LEReadRemoteUsedFeaturesCompleteEvent, error) {
	if len(b) < 11 {
		return LEReadRemoteUsedFeaturesCompleteEvent{}, ErrMalformed
	}
	var features uint64
	for i := 0; i < 8; i++ {
		features |= uint64(b[3+i]) << (8 * i)
	}
	return LEReadRemoteUsedFeaturesCompleteEvent{
		Status:           b[0],
		ConnectionHandle: uint16(b[1]) | uint16(b[2])<<8,
		LEFeatures:       features,
	}, nil
}

// AdvertisingReport is one report within an LE Advertising Report subevent.
type AdvertisingReport struct {
	EventType   uint8
	AddressType uint8
	Address     [6]byte
	Data        []byte
	RSSI        int8
}

// LEAdvertisingReportEvent is the decoded payload of an LE Advertising
// Report subevent, which packs N reports as parallel arrays.
type LEAdvertisingReportEvent struct {
	Reports []AdvertisingReport
}

// DecodeLEAdvertisingReport decodes an LE Advertising Report subevent
// payload (b starts after the subevent code byte).
func DecodeLEAdvertisingReport(b []byte) (LEAdvertisingReportEvent, error) {
	if len(b) < 1 {
		return LEAdvertisingReportEvent{}, ErrMalformed
	}
	n := int(b[0])
	b = b[1:]

	need := n * (1 + 1 + 6 + 1) // eventType + addressType + address + length, before variable data
	if len(b) < need {
		return LEAdvertisingReportEvent{}, ErrMalformed
	}

	eventTypes := make([]uint8, n)
	addressTypes := make([]uint8, n)
	addresses := make([][6]byte, n)
	lengths := make([]uint8, n)

	for i := 0; i < n; i++ {
		eventTypes[i] = b[0]
		b = b[1:]
	}
	for i := 0; i < n; i++ {
		addressTypes[i] = b[0]
		b = b[1:]
	}
	for i := 0; i < n; i++ {
		copy(addresses[i][:], b[:6])
		b = b[6:]
	}
	for i := 0; i < n; i++ {
		lengths[i] = b[0]
		b = b[1:]
	}

	data := make([][]byte, n)
	for i := 0; i < n; i++ {
		l := int(lengths[i])
		if len(b) < l {
			return LEAdvertisingReportEvent{}, ErrMalformed
		}
		data[i] = append([]byte(nil), b[:l]...)
		b = b[l:]
	}

	if len(b) < n {
		return LEAdvertisingReportEvent{}, ErrMalformed
	}
	rssis := make([]int8, n)
	for i := 0; i < n; i++ {
		rssis[i] = int8(b[i])
	}

	reports := make([]AdvertisingReport, n)
	for i := 0; i < n; i++ {
		reports[i] = AdvertisingReport{
			EventType:   eventTypes[i],
			AddressType: addressTypes[i],
			Address:     addresses[i],
			Data:        data[i],
			RSSI:        rssis[i],
		}
	}
	return LEAdvertisingReportEvent{Reports: reports}, nil
}
