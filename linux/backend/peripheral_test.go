package backend

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecentral/bdaddr"
	"github.com/srg/blecentral/bleuuid"
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/linux/hci"
	"github.com/srg/blecentral/registry"
)

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Adapter{
		devID:    0,
		reg:      registry.New(),
		byHandle: map[uint16]*peripheral{},
		log:      log.WithField("adapter", "hci0"),
	}
}

func testPeripheral(t *testing.T, a *Adapter) *peripheral {
	t.Helper()
	addr := bdaddr.New([6]byte{0xAA, 0xBB, 0xCC, 0x11, 0x22, 0x33})
	id := central.BDAddrId{Addr: addr}
	return newPeripheral(a, id, addr, central.AddressPublic, 0x00)
}

func TestMergeAdvertisementAccumulatesAcrossReports(t *testing.T) {
	a := testAdapter(t)
	p := testPeripheral(t, a)

	first := []hci.AdvertisingElement{
		{Type: hci.ADLocalNameComplete, Value: []byte("widget")},
		{Type: hci.ADManufacturerSpecific, Value: []byte{0x4C, 0x00, 0x01, 0x02}},
	}
	p.mergeAdvertisement(hci.AdvertisingReport{RSSI: -50, EventType: 0x00}, first)

	props := p.Properties()
	require.True(t, props.HasLocalName)
	assert.Equal(t, "widget", props.LocalName)
	require.Contains(t, props.ManufacturerData, uint16(0x004C))
	assert.False(t, props.HasScanResponse)
	assert.Equal(t, uint32(1), props.DiscoveryCount)

	// A later scan-response report must add to, never erase, what's known.
	second := []hci.AdvertisingElement{
		{Type: hci.ADTxPowerLevel, Value: []byte{0xF6}},
	}
	p.mergeAdvertisement(hci.AdvertisingReport{RSSI: -48, EventType: 0x04}, second)

	props = p.Properties()
	assert.True(t, props.HasScanResponse)
	assert.True(t, props.HasLocalName, "earlier local name must survive a later report")
	assert.Equal(t, "widget", props.LocalName)
	assert.True(t, props.HasTxPowerLevel)
	assert.Equal(t, int8(-10), props.TxPowerLevel)
	assert.Equal(t, uint32(2), props.DiscoveryCount)
}

func TestPropertiesReturnsIndependentClone(t *testing.T) {
	a := testAdapter(t)
	p := testPeripheral(t, a)
	p.mergeAdvertisement(hci.AdvertisingReport{RSSI: -60}, []hci.AdvertisingElement{
		{Type: hci.ADManufacturerSpecific, Value: []byte{0x01, 0x00, 0x09}},
	})

	snapshot := p.Properties()
	snapshot.ManufacturerData[0x0001][0] = 0xFF
	snapshot.LocalName = "tampered"

	fresh := p.Properties()
	assert.NotEqual(t, byte(0xFF), fresh.ManufacturerData[0x0001][0])
	assert.Equal(t, "", fresh.LocalName)
}

type fakeEmitter struct {
	events []central.CentralEvent
}

func (f *fakeEmitter) Emit(ev central.CentralEvent) { f.events = append(f.events, ev) }

func TestEmitAdvertisementEventsEmitsOnlyPresentCategories(t *testing.T) {
	a := testAdapter(t)
	p := testPeripheral(t, a)
	emitter := &fakeEmitter{}

	elems := []hci.AdvertisingElement{
		{Type: hci.ADServiceData16, Value: []byte{0x0F, 0x18, 0x64}},
		{Type: hci.ADServiceClassUUID16Complete, Value: []byte{0x0F, 0x18}},
	}
	p.emitAdvertisementEvents(emitter, elems)

	require.Len(t, emitter.events, 2)
	assert.Equal(t, central.EventServiceDataAdvertisement, emitter.events[0].Kind)
	assert.Equal(t, central.EventServicesAdvertisement, emitter.events[1].Kind)
}

func TestEmitAdvertisementEventsEmitsNothingWhenNoTLVsMatch(t *testing.T) {
	a := testAdapter(t)
	p := testPeripheral(t, a)
	emitter := &fakeEmitter{}

	p.emitAdvertisementEvents(emitter, []hci.AdvertisingElement{
		{Type: hci.ADFlags, Value: []byte{0x06}},
	})
	assert.Empty(t, emitter.events)
}

func TestHandleDisconnectIsIdempotentAndUnregistersHandle(t *testing.T) {
	a := testAdapter(t)
	p := testPeripheral(t, a)
	p.connected = true
	p.connHandle = 7
	a.byHandle[7] = p

	ch, unsubscribe := a.reg.EventStream()
	defer unsubscribe()

	p.handleDisconnect()
	p.handleDisconnect() // must not double-emit

	select {
	case ev := <-ch:
		assert.Equal(t, central.EventDeviceDisconnected, ev.Kind)
	default:
		t.Fatal("expected a DeviceDisconnected event")
	}
	select {
	case <-ch:
		t.Fatal("handleDisconnect fired twice")
	default:
	}

	_, ok := a.peripheralByHandle(7)
	assert.False(t, ok)
	assert.False(t, p.IsConnected())
}

func TestGATTOperationsFailWhenNotConnected(t *testing.T) {
	a := testAdapter(t)
	p := testPeripheral(t, a)
	ctx := context.Background()

	_, err := p.DiscoverServices(ctx)
	assert.ErrorIs(t, err, central.ErrNotConnected)

	_, err = p.Notifications(ctx)
	assert.ErrorIs(t, err, central.ErrNotConnected)

	c := central.NewCharacteristic(bleuuid.FromU16(0x180F), bleuuid.FromU16(0x2A19), central.CharRead)
	_, err = p.Read(ctx, c)
	assert.ErrorIs(t, err, central.ErrNotConnected)

	err = p.Write(ctx, c, []byte{0x01}, central.WriteWithResponse)
	assert.ErrorIs(t, err, central.ErrNotConnected)

	err = p.Subscribe(ctx, c)
	assert.ErrorIs(t, err, central.ErrNotConnected)
}

func TestIDAndAddressReflectConstructionArguments(t *testing.T) {
	a := testAdapter(t)
	p := testPeripheral(t, a)
	assert.Equal(t, "aa:bb:cc:11:22:33", p.Address().String())
	assert.True(t, p.ID().Equal(central.BDAddrId{Addr: p.Address()}))
}
