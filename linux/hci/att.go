package hci

import "github.com/srg/blecentral/bleuuid"

// ATT opcodes (spec §4.1, Bluetooth Core Spec Vol 3 Part F).
const (
	AttOpError           = 0x01
	AttOpMTUReq          = 0x02
	AttOpMTUResp         = 0x03
	AttOpFindInfoReq     = 0x04
	AttOpFindInfoResp    = 0x05
	AttOpFindByTypeReq   = 0x06
	AttOpFindByTypeResp  = 0x07
	AttOpReadByTypeReq   = 0x08
	AttOpReadByTypeResp  = 0x09
	AttOpReadReq         = 0x0A
	AttOpReadResp        = 0x0B
	AttOpReadBlobReq     = 0x0C
	AttOpReadBlobResp    = 0x0D
	AttOpReadMultiReq    = 0x0E
	AttOpReadByGroupReq  = 0x10
	AttOpReadByGroupResp = 0x11
	AttOpWriteReq        = 0x12
	AttOpWriteResp       = 0x13
	AttOpPrepWriteReq    = 0x16
	AttOpExecWriteReq    = 0x18
	AttOpHandleNotify    = 0x1B
	AttOpHandleInd       = 0x1D
	AttOpHandleCnf       = 0x1E
	AttOpSignedWriteCmd  = 0xD2
	AttOpWriteCmd        = 0x52
)

// ATT error codes.
const (
	AttEcodeInvalidHandle     = 0x01
	AttEcodeReadNotPerm       = 0x02
	AttEcodeWriteNotPerm      = 0x03
	AttEcodeInvalidPDU        = 0x04
	AttEcodeAuthentication    = 0x05
	AttEcodeReqNotSupp        = 0x06
	AttEcodeInvalidOffset     = 0x07
	AttEcodeAuthorization     = 0x08
	AttEcodeInvalAttrValueLen = 0x0D
	AttEcodeAttrNotFound      = 0x0A
	AttEcodeUnsuppGrpType     = 0x10
)

// Primary service / characteristic declaration attribute type UUIDs.
var (
	PrimaryServiceUUID   = bleuuid.PrimaryService
	CharacteristicUUID   = bleuuid.CharacteristicDecl
	ClientConfigUUID     = bleuuid.ClientCharacteristicConfig
)

// ErrorResponse is the decoded payload of an ATT Error Response (opcode
// 0x01).
type ErrorResponse struct {
	RequestOpcode byte
	Handle        uint16
	ErrorCode     byte
}

// DecodeErrorResponse decodes an ATT Error Response PDU (b includes the
// leading opcode byte).
func DecodeErrorResponse(b []byte) (ErrorResponse, error) {
	if len(b) < 5 || b[0] != AttOpError {
		return ErrorResponse{}, ErrMalformed
	}
	return ErrorResponse{
		RequestOpcode: b[1],
		Handle:        uint16(b[2]) | uint16(b[3])<<8,
		ErrorCode:     b[4],
	}, nil
}

// PrimaryServiceRange is one element of a Read-By-Group-Type Response
// enumerating primary services.
type PrimaryServiceRange struct {
	StartHandle uint16
	EndHandle   uint16
	UUID        bleuuid.UUID
}

// DecodeReadByGroupResponse decodes a Read-By-Group-Type Response PDU
// (b includes the leading opcode byte). Each UUID is expanded to its
// canonical 128-bit form.
func DecodeReadByGroupResponse(b []byte) ([]PrimaryServiceRange, error) {
	if len(b) < 2 || b[0] != AttOpReadByGroupResp {
		return nil, ErrMalformed
	}
	elemLen := int(b[1])
	uuidLen := elemLen - 4
	if uuidLen != 2 && uuidLen != 16 {
		return nil, ErrMalformed
	}
	rest := b[2:]
	var out []PrimaryServiceRange
	for len(rest) >= elemLen {
		start := uint16(rest[0]) | uint16(rest[1])<<8
		end := uint16(rest[2]) | uint16(rest[3])<<8
		u := decodeAttrUUID(rest[4 : 4+uuidLen])
		out = append(out, PrimaryServiceRange{StartHandle: start, EndHandle: end, UUID: u})
		rest = rest[elemLen:]
	}
	return out, nil
}

// CharacteristicDeclaration is one element of a Read-By-Type Response
// enumerating characteristic declarations (spec §4.1: 7 bytes for a 16-bit
// UUID, 21 bytes for a 128-bit UUID).
type CharacteristicDeclaration struct {
	Handle      uint16
	Properties  byte
	ValueHandle uint16
	UUID        bleuuid.UUID
}

// DecodeCharacteristicDeclarations decodes a Read-By-Type Response PDU whose
// elements are characteristic declaration records.
func DecodeCharacteristicDeclarations(b []byte) ([]CharacteristicDeclaration, error) {
	if len(b) < 2 || b[0] != AttOpReadByTypeResp {
		return nil, ErrMalformed
	}
	elemLen := int(b[1])
	uuidLen := elemLen - 5
	if uuidLen != 2 && uuidLen != 16 {
		return nil, ErrMalformed
	}
	rest := b[2:]
	var out []CharacteristicDeclaration
	for len(rest) >= elemLen {
		handle := uint16(rest[0]) | uint16(rest[1])<<8
		props := rest[2]
		valueHandle := uint16(rest[3]) | uint16(rest[4])<<8
		u := decodeAttrUUID(rest[5 : 5+uuidLen])
		out = append(out, CharacteristicDeclaration{
			Handle: handle, Properties: props, ValueHandle: valueHandle, UUID: u,
		})
		rest = rest[elemLen:]
	}
	return out, nil
}

// AttributeHandleValue is one element of a generic Read-By-Type Response
// (used for descriptor enumeration, where the value is opaque).
type AttributeHandleValue struct {
	Handle uint16
	Value  []byte
}

// DecodeReadByTypeValues decodes a Read-By-Type Response PDU whose elements
// carry an opaque attribute value (as opposed to a characteristic
// declaration record).
func DecodeReadByTypeValues(b []byte) ([]AttributeHandleValue, error) {
	if len(b) < 2 || b[0] != AttOpReadByTypeResp {
		return nil, ErrMalformed
	}
	elemLen := int(b[1])
	if elemLen < 3 {
		return nil, ErrMalformed
	}
	rest := b[2:]
	var out []AttributeHandleValue
	for len(rest) >= elemLen {
		handle := uint16(rest[0]) | uint16(rest[1])<<8
		value := append([]byte(nil), rest[2:elemLen]...)
		out = append(out, AttributeHandleValue{Handle: handle, Value: value})
		rest = rest[elemLen:]
	}
	return out, nil
}

// HandleValueNotification is the decoded payload of an ATT Handle Value
// Notification (opcode 0x1B).
type HandleValueNotification struct {
	Handle uint16
	Value  []byte
}

// DecodeHandleValueNotification decodes an ATT Handle Value Notification PDU
// (b includes the leading opcode byte).
func DecodeHandleValueNotification(b []byte) (HandleValueNotification, error) {
	if len(b) < 3 || b[0] != AttOpHandleNotify {
		return HandleValueNotification{}, ErrMalformed
	}
	return HandleValueNotification{
		Handle: uint16(b[1]) | uint16(b[2])<<8,
		Value:  append([]byte(nil), b[3:]...),
	}, nil
}

// decodeAttrUUID expands a little-endian 2- or 16-byte ATT UUID field into
// its canonical 128-bit form (spec I6).
func decodeAttrUUID(b []byte) bleuuid.UUID {
	if len(b) == 2 {
		return bleuuid.FromU16(uint16(b[0]) | uint16(b[1])<<8)
	}
	var u bleuuid.UUID
	for i := 0; i < 16; i++ {
		u[i] = b[15-i]
	}
	return u
}

// EncodeReadByGroupRequest builds a Read-By-Group-Type Request PDU
// enumerating attributes of the given group type (spec §4.6 step 1: primary
// services use group type 0x2800).
func EncodeReadByGroupRequest(startHandle, endHandle uint16, groupType bleuuid.UUID) []byte {
	return append([]byte{AttOpReadByGroupReq,
		byte(startHandle), byte(startHandle >> 8),
		byte(endHandle), byte(endHandle >> 8)},
		encodeShortUUID(groupType)...)
}

// EncodeReadByTypeRequest builds a Read-By-Type Request PDU (spec §4.6 steps
// 2-3: characteristic declarations with type 0x2803, or a specific
// descriptor UUID).
func EncodeReadByTypeRequest(startHandle, endHandle uint16, attrType bleuuid.UUID) []byte {
	return append([]byte{AttOpReadByTypeReq,
		byte(startHandle), byte(startHandle >> 8),
		byte(endHandle), byte(endHandle >> 8)},
		encodeShortUUID(attrType)...)
}

// encodeShortUUID emits the attribute-type UUID in its shortest wire form:
// 2 bytes if the UUID matches the 16-bit Bluetooth base, otherwise the full
// 16-byte little-endian form.
func encodeShortUUID(u bleuuid.UUID) []byte {
	if short, ok := u.ToU16(); ok {
		return []byte{byte(short), byte(short >> 8)}
	}
	out := make([]byte, 16)
	for i := 0; i < 16; i++ {
		out[i] = u[15-i]
	}
	return out
}

// EncodeWriteRequest builds an ATT Write Request PDU (opcode 0x12),
// expecting a Write Response.
func EncodeWriteRequest(handle uint16, value []byte) []byte {
	return encodeWrite(AttOpWriteReq, handle, value)
}

// EncodeWriteCommand builds an ATT Write Command PDU (opcode 0x52); the
// peer never replies.
func EncodeWriteCommand(handle uint16, value []byte) []byte {
	return encodeWrite(AttOpWriteCmd, handle, value)
}

func encodeWrite(opcode byte, handle uint16, value []byte) []byte {
	out := make([]byte, 0, 3+len(value))
	out = append(out, opcode, byte(handle), byte(handle>>8))
	out = append(out, value...)
	return out
}

// CCCD write values (spec glossary): 0x0001 enables notify, 0x0002 enables
// indicate, 0x0000 disables both.
var (
	CCCDNotifyEnable   = []byte{0x01, 0x00}
	CCCDIndicateEnable = []byte{0x02, 0x00}
	CCCDDisable        = []byte{0x00, 0x00}
)

// EncodeExchangeMTURequest builds an ATT Exchange MTU Request PDU (opcode
// 0x02).
func EncodeExchangeMTURequest(clientMTU uint16) []byte {
	return []byte{AttOpMTUReq, byte(clientMTU), byte(clientMTU >> 8)}
}

// ExchangeMTUNotSupportedResponse is the fixed response the ACL stream sends
// for any inbound Exchange MTU Request (spec §4.2, §8 test vector 6): an
// Error Response for opcode 0x02, handle 0x0000, error 0x06 (Request Not
// Supported). The library keeps ATT at the default 23-byte MTU.
var ExchangeMTUNotSupportedResponse = []byte{AttOpError, AttOpMTUReq, 0x00, 0x00, AttEcodeReqNotSupp}
