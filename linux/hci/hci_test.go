package hci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecentral/bleuuid"
)

// Test vector 1 (spec §8): decode an LE Advertising Report.
func TestDecodeLEAdvertisingReportVector(t *testing.T) {
	raw := []byte{
		0x04, 0x3E, 0x28, 0x02, 0x01, 0x04, 0x00, 0xC0, 0x4A, 0x96, 0xEA, 0xDA, 0x74,
		0x1C,
		0x12, 0x09, 0x4C, 0x45, 0x44, 0x42, 0x6C, 0x75, 0x65, 0x2D, 0x45, 0x41, 0x39, 0x36, 0x34, 0x41, 0x43, 0x30, 0x20,
		0x05, 0x12, 0x10, 0x00, 0x14, 0x00,
		0x02, 0x0A, 0x04,
		0xBE,
	}

	pkt, consumed, status := SplitPacket(raw)
	require.Equal(t, StatusDone, status)
	assert.Equal(t, len(raw), consumed)
	require.Equal(t, PacketEvent, pkt.Type)
	require.Equal(t, EventLEMeta, pkt.EventCode)

	require.Equal(t, LESubeventAdvertisingReport, LESubeventCode(pkt.EventData[0]))
	ev, err := DecodeLEAdvertisingReport(pkt.EventData[1:])
	require.NoError(t, err)
	require.Len(t, ev.Reports, 1)

	r := ev.Reports[0]
	assert.Equal(t, uint8(4), r.EventType)
	assert.Equal(t, uint8(0), r.AddressType)
	assert.Equal(t, [6]byte{0xC0, 0x4A, 0x96, 0xEA, 0xDA, 0x74}, r.Address)
	assert.Equal(t, int8(-66), r.RSSI)

	elems, err := ParseAdvertisingData(r.Data)
	require.NoError(t, err)
	require.Len(t, elems, 3)

	name, ok := LocalName(elems)
	require.True(t, ok)
	assert.Equal(t, "LEDBlue-EA964AC0 ", name)

	min, max, ok := SlaveConnectionIntervalRange(elems)
	require.True(t, ok)
	assert.Equal(t, uint16(16), min)
	assert.Equal(t, uint16(20), max)

	tx, ok := TxPowerLevel(elems)
	require.True(t, ok)
	assert.Equal(t, int8(4), tx)
}

// Test vector 2 (spec §8): decode a Read-By-Type response.
func TestDecodeReadByTypeResponseVector(t *testing.T) {
	b := []byte{
		0x09, 0x07,
		0x02, 0x00, 0x02, 0x03, 0x00, 0x00, 0x2A,
		0x04, 0x00, 0x02, 0x05, 0x00, 0x01, 0x2A,
		0x06, 0x00, 0x0A, 0x07, 0x00, 0x02, 0x2A,
	}
	decls, err := DecodeCharacteristicDeclarations(b)
	require.NoError(t, err)
	require.Len(t, decls, 3)

	assert.Equal(t, uint16(2), decls[0].Handle)
	assert.Equal(t, uint16(3), decls[0].ValueHandle)
	assert.Equal(t, bleuuid.FromU16(0x2A00), decls[0].UUID)
	assert.Equal(t, byte(0x02), decls[0].Properties)

	assert.Equal(t, uint16(4), decls[1].Handle)
	assert.Equal(t, uint16(5), decls[1].ValueHandle)
	assert.Equal(t, bleuuid.FromU16(0x2A01), decls[1].UUID)
	assert.Equal(t, byte(0x02), decls[1].Properties)

	assert.Equal(t, uint16(6), decls[2].Handle)
	assert.Equal(t, uint16(7), decls[2].ValueHandle)
	assert.Equal(t, bleuuid.FromU16(0x2A02), decls[2].UUID)
	assert.Equal(t, byte(0x0A), decls[2].Properties) // READ|WRITE
}

// Test vector 3 (spec §8): decode an ATT Error Response.
func TestDecodeErrorResponseVector(t *testing.T) {
	b := []byte{0x01, 0x08, 0x20, 0x00, 0x0A}
	resp, err := DecodeErrorResponse(b)
	require.NoError(t, err)
	assert.Equal(t, byte(0x08), resp.RequestOpcode)
	assert.Equal(t, uint16(0x0020), resp.Handle)
	assert.Equal(t, byte(0x0A), resp.ErrorCode)
}

// Test vector 5 (spec §8): notify round-trip bytes.
func TestNotifyRoundTripVector(t *testing.T) {
	writeReq := EncodeWriteRequest(0x000F, CCCDNotifyEnable)
	assert.Equal(t, []byte{0x12, 0x0F, 0x00, 0x01, 0x00}, writeReq)

	inbound := []byte{0x1B, 0x0E, 0x00, 0xAA, 0xBB}
	notif, err := DecodeHandleValueNotification(inbound)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x000E), notif.Handle)
	assert.Equal(t, []byte{0xAA, 0xBB}, notif.Value)
}

// Test vector 6 (spec §8): MTU exchange reply bytes.
func TestMTUExchangeVector(t *testing.T) {
	inbound := []byte{0x02, 0x17, 0x00}
	assert.Equal(t, byte(AttOpMTUReq), inbound[0])
	assert.Equal(t, []byte{0x01, 0x02, 0x00, 0x00, 0x06}, ExchangeMTUNotSupportedResponse)
}

func TestParseAdvertisingDataLenOneYieldsEmptyElement(t *testing.T) {
	elems, err := ParseAdvertisingData([]byte{0x01, 0x09})
	require.NoError(t, err)
	require.Len(t, elems, 1)
	assert.Equal(t, byte(0x09), elems[0].Type)
	assert.Empty(t, elems[0].Value)
}

func TestParseAdvertisingDataOverrunIsMalformed(t *testing.T) {
	_, err := ParseAdvertisingData([]byte{0x05, 0x09, 0x41})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseAdvertisingDataZeroLengthEndsReportWithoutError(t *testing.T) {
	elems, err := ParseAdvertisingData([]byte{0x02, 0x09, 'X', 0x00, 0x00, 0x00})
	require.NoError(t, err)
	require.Len(t, elems, 1)
	assert.Equal(t, byte(0x09), elems[0].Type)
	assert.Equal(t, []byte{'X'}, elems[0].Value)
}

func TestParseAdvertisingDataAllZeroPaddingYieldsNoElements(t *testing.T) {
	elems, err := ParseAdvertisingData([]byte{0x00, 0x00, 0x00})
	require.NoError(t, err)
	assert.Empty(t, elems)
}

func TestACLReassemblerDropsContWithoutStart(t *testing.T) {
	var r Reassembler
	out, done := r.Feed(PBCont, []byte{0xAA, 0xBB})
	assert.False(t, done)
	assert.Nil(t, out)
}

func TestACLReassemblerSingleFragment(t *testing.T) {
	var r Reassembler
	// L2CAP header: length=2, cid=0x0004, then 2-byte ATT payload.
	frame := []byte{0x02, 0x00, 0x04, 0x00, 0xAA, 0xBB}
	out, done := r.Feed(PBStart, frame)
	require.True(t, done)
	assert.Equal(t, []byte{0xAA, 0xBB}, out)
}

func TestACLReassemblerMultiFragment(t *testing.T) {
	var r Reassembler
	start := []byte{0x04, 0x00, 0x04, 0x00, 0xAA, 0xBB} // declares 4 bytes total
	out, done := r.Feed(PBStart, start)
	assert.False(t, done)
	assert.Nil(t, out)

	cont := []byte{0xCC, 0xDD}
	out, done = r.Feed(PBCont, cont)
	require.True(t, done)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, out)
}

func TestSplitPacketIncompleteOnShortBuffer(t *testing.T) {
	_, consumed, status := SplitPacket([]byte{0x04, 0x3E})
	assert.Equal(t, StatusIncomplete, status)
	assert.Equal(t, 0, consumed)
}

func TestSplitPacketErrorOnUnknownType(t *testing.T) {
	_, consumed, status := SplitPacket([]byte{0xFF, 0x00})
	assert.Equal(t, StatusError, status)
	assert.Equal(t, 0, consumed)
}

func TestEncodeReadByGroupRequestUsesShortUUID(t *testing.T) {
	req := EncodeReadByGroupRequest(1, 0xFFFF, bleuuid.PrimaryService)
	assert.Equal(t, []byte{AttOpReadByGroupReq, 0x01, 0x00, 0xFF, 0xFF, 0x00, 0x28}, req)
}
