package gatt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecentral/bleuuid"
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/linux/hci"
)

// fakeRequester answers SendRequest calls from a fixed queue, one response
// per call, so discovery can be exercised without a real ACL stream.
type fakeRequester struct {
	responses [][]byte
	requests  [][]byte
	commands  [][]byte
	bindings  map[uint16]bleuuid.UUID
}

func newFakeRequester(responses ...[]byte) *fakeRequester {
	return &fakeRequester{responses: responses, bindings: map[uint16]bleuuid.UUID{}}
}

func (f *fakeRequester) SendRequest(b []byte) ([]byte, error) {
	f.requests = append(f.requests, b)
	if len(f.responses) == 0 {
		return hci.ExchangeMTUNotSupportedResponse, nil
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, nil
}

func (f *fakeRequester) SendCommand(b []byte) error {
	f.commands = append(f.commands, b)
	return nil
}

func (f *fakeRequester) BindCharacteristic(valueHandle uint16, uuid bleuuid.UUID) {
	f.bindings[valueHandle] = uuid
}

func attrNotFoundResponse(opcode byte) []byte {
	return []byte{hci.AttOpError, opcode, 0x00, 0x00, hci.AttEcodeAttrNotFound}
}

func readByGroupResponse(t *testing.T, elemLen byte, elems ...[]byte) []byte {
	t.Helper()
	out := []byte{hci.AttOpReadByGroupResp, elemLen}
	for _, e := range elems {
		out = append(out, e...)
	}
	return out
}

func u16le(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }

func TestDiscoverServicesOneServiceWithCharacteristic(t *testing.T) {
	batteryUUID := bleuuid.FromU16(0x180F)
	levelUUID := bleuuid.FromU16(0x2A19)

	svcElem := append(append(u16le(0x0001), u16le(0x0003)...), u16le(0x180F)...)
	svcResp := readByGroupResponse(t, 6, svcElem)

	charElem := append([]byte{}, u16le(0x0002)...)
	charElem = append(charElem, 0x0A) // Read|Write properties
	charElem = append(charElem, u16le(0x0003)...)
	charElem = append(charElem, u16le(0x2A19)...)
	charResp := append([]byte{hci.AttOpReadByTypeResp, byte(len(charElem))}, charElem...)

	req := newFakeRequester(
		svcResp,
		attrNotFoundResponse(hci.AttOpReadByGroupReq),
		charResp,
		attrNotFoundResponse(hci.AttOpReadByTypeReq),
	)

	sess := NewSession(req)
	services, err := sess.DiscoverServices(context.Background())
	require.NoError(t, err)
	require.Len(t, services, 1)

	svc := services[0]
	assert.Equal(t, batteryUUID, svc.UUID)
	assert.True(t, svc.Primary)

	chars := svc.CharacteristicList()
	require.Len(t, chars, 1)
	assert.Equal(t, levelUUID, chars[0].UUID)
	assert.True(t, chars[0].Properties.Has(central.CharRead))
	assert.Equal(t, levelUUID, req.bindings[0x0003])
}

func TestSubscribeDiscoversCCCDThenWrites(t *testing.T) {
	svcUUID := bleuuid.FromU16(0x180D)
	charUUID := bleuuid.FromU16(0x2A37)

	svcElem := append(append(u16le(0x0001), u16le(0x0005)...), u16le(0x180D)...)
	svcResp := readByGroupResponse(t, 6, svcElem)

	charElem := append([]byte{}, u16le(0x0002)...)
	charElem = append(charElem, 0x10) // Notify property
	charElem = append(charElem, u16le(0x0003)...)
	charElem = append(charElem, u16le(0x2A37)...)
	charResp := append([]byte{hci.AttOpReadByTypeResp, byte(len(charElem))}, charElem...)

	cccdElem := append(u16le(0x0004), byte(0x00), byte(0x00))
	cccdResp := append([]byte{hci.AttOpReadByTypeResp, byte(len(cccdElem))}, cccdElem...)

	req := newFakeRequester(
		svcResp,
		attrNotFoundResponse(hci.AttOpReadByGroupReq),
		charResp,
		attrNotFoundResponse(hci.AttOpReadByTypeReq),
		cccdResp,
		[]byte{hci.AttOpWriteResp},
	)

	sess := NewSession(req)
	services, err := sess.DiscoverServices(context.Background())
	require.NoError(t, err)

	svc := services[0]
	assert.Equal(t, svcUUID, svc.UUID)
	c := svc.CharacteristicList()[0]
	require.Equal(t, charUUID, c.UUID)

	err = sess.Subscribe(context.Background(), c)
	require.NoError(t, err)

	last := req.requests[len(req.requests)-1]
	assert.Equal(t, byte(hci.AttOpWriteReq), last[0])
	assert.Equal(t, uint16(0x0004), uint16(last[1])|uint16(last[2])<<8)
	assert.Equal(t, hci.CCCDNotifyEnable, last[3:])
}

func TestWriteWithoutResponseUpgradedWhenPropertyMissing(t *testing.T) {
	svcElem := append(append(u16le(0x0001), u16le(0x0003)...), u16le(0x1234)...)
	svcResp := readByGroupResponse(t, 6, svcElem)

	charElem := append([]byte{}, u16le(0x0002)...)
	charElem = append(charElem, 0x08) // Write (with response) only, no WriteWithoutResponse
	charElem = append(charElem, u16le(0x0003)...)
	charElem = append(charElem, u16le(0xABCD)...)
	charResp := append([]byte{hci.AttOpReadByTypeResp, byte(len(charElem))}, charElem...)

	req := newFakeRequester(
		svcResp,
		attrNotFoundResponse(hci.AttOpReadByGroupReq),
		charResp,
		attrNotFoundResponse(hci.AttOpReadByTypeReq),
		[]byte{hci.AttOpWriteResp},
	)

	sess := NewSession(req)
	services, err := sess.DiscoverServices(context.Background())
	require.NoError(t, err)
	c := services[0].CharacteristicList()[0]
	assert.False(t, c.Properties.Has(central.CharWriteWithoutResponse))

	err = sess.Write(context.Background(), c, []byte{0x01}, central.WriteWithoutResponse)
	require.NoError(t, err)

	// Upgraded to Write Request: went through SendRequest, not SendCommand.
	assert.Empty(t, req.commands)
	last := req.requests[len(req.requests)-1]
	assert.Equal(t, byte(hci.AttOpWriteReq), last[0])
}

func TestReadCharacteristicValue(t *testing.T) {
	svcElem := append(append(u16le(0x0001), u16le(0x0003)...), u16le(0x1234)...)
	svcResp := readByGroupResponse(t, 6, svcElem)

	charElem := append([]byte{}, u16le(0x0002)...)
	charElem = append(charElem, 0x02) // Read
	charElem = append(charElem, u16le(0x0003)...)
	charElem = append(charElem, u16le(0xABCD)...)
	charResp := append([]byte{hci.AttOpReadByTypeResp, byte(len(charElem))}, charElem...)

	req := newFakeRequester(
		svcResp,
		attrNotFoundResponse(hci.AttOpReadByGroupReq),
		charResp,
		attrNotFoundResponse(hci.AttOpReadByTypeReq),
		append([]byte{hci.AttOpReadResp}, 0x2A, 0x00),
	)

	sess := NewSession(req)
	services, err := sess.DiscoverServices(context.Background())
	require.NoError(t, err)
	c := services[0].CharacteristicList()[0]

	val, err := sess.Read(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x2A, 0x00}, val)
}
