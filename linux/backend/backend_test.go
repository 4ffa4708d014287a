package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecentral/bdaddr"
	"github.com/srg/blecentral/bleuuid"
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/linux/hci"
)

func TestWireToCanonicalAndBackIsLosslessAndReverses(t *testing.T) {
	wire := [6]byte{0x33, 0x22, 0x11, 0xCC, 0xBB, 0xAA}
	canonical := wireToCanonical(wire)
	assert.Equal(t, "aa:bb:cc:11:22:33", canonical.String())
	assert.Equal(t, wire, canonicalToWire(canonical))
}

func TestToCentralAddressType(t *testing.T) {
	assert.Equal(t, central.AddressPublic, toCentralAddressType(0x00))
	assert.Equal(t, central.AddressRandom, toCentralAddressType(0x01))
	assert.Equal(t, central.AddressUnknown, toCentralAddressType(0x02))
}

func TestOnAdvertisingReportFirstSeenEmitsDiscoveredThenUpdated(t *testing.T) {
	a := testAdapter(t)
	ch, unsubscribe := a.reg.EventStream()
	defer unsubscribe()

	report := hci.AdvertisingReport{
		EventType:   0x00,
		AddressType: 0x00,
		Address:     [6]byte{0x33, 0x22, 0x11, 0xCC, 0xBB, 0xAA},
		RSSI:        -40,
		Data:        encodeLocalName("thermo"),
	}
	a.OnAdvertisingReport(report)

	ev := requireEvent(t, ch)
	assert.Equal(t, central.EventDeviceDiscovered, ev.Kind)

	peripherals, err := a.Peripherals(context.Background())
	require.NoError(t, err)
	require.Len(t, peripherals, 1)
	assert.Equal(t, "thermo", peripherals[0].Properties().LocalName)

	// A second report for the same address is a known peripheral: Updated.
	a.OnAdvertisingReport(report)
	ev = requireEvent(t, ch)
	assert.Equal(t, central.EventDeviceUpdated, ev.Kind)
}

func TestOnAdvertisingReportDroppedWhenScanFilterDoesNotMatch(t *testing.T) {
	a := testAdapter(t)
	a.scanFilter = central.ScanFilter{Services: []bleuuid.UUID{bleuuid.FromU16(0x180D)}}
	ch, unsubscribe := a.reg.EventStream()
	defer unsubscribe()

	report := hci.AdvertisingReport{
		Address: [6]byte{0x33, 0x22, 0x11, 0xCC, 0xBB, 0xAA},
		RSSI:    -40,
		Data:    encodeLocalName("unwanted"),
	}
	a.OnAdvertisingReport(report)

	select {
	case <-ch:
		t.Fatal("expected no event for a non-matching advertisement")
	default:
	}
}

func TestOnAdvertisingReportDropsMalformedData(t *testing.T) {
	a := testAdapter(t)
	ch, unsubscribe := a.reg.EventStream()
	defer unsubscribe()

	a.OnAdvertisingReport(hci.AdvertisingReport{
		Address: [6]byte{0x33, 0x22, 0x11, 0xCC, 0xBB, 0xAA},
		Data:    []byte{0x05, 0x09, 0x01}, // declared length overruns buffer
	})

	select {
	case <-ch:
		t.Fatal("expected no event for a malformed advertisement")
	default:
	}
	assert.Equal(t, 0, a.reg.Len())
}

func TestAddPeripheralRejectsNonBDAddrId(t *testing.T) {
	a := testAdapter(t)
	_, err := a.AddPeripheral(context.Background(), stubPeripheralId{})
	var cerr *central.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, central.KindNotSupported, cerr.Kind)
}

func TestAddPeripheralRegistersAndPeripheralLooksItUp(t *testing.T) {
	a := testAdapter(t)
	addr := bdaddr.New([6]byte{1, 2, 3, 4, 5, 6})
	id := central.BDAddrId{Addr: addr}

	p, err := a.AddPeripheral(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, p.IsConnected())

	got, err := a.Peripheral(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, got.ID().Equal(id))
}

func TestPeripheralReturnsDeviceNotFound(t *testing.T) {
	a := testAdapter(t)
	_, err := a.Peripheral(context.Background(), central.BDAddrId{Addr: bdaddr.New([6]byte{9, 9, 9, 9, 9, 9})})
	assert.ErrorIs(t, err, central.ErrDeviceNotFound)
}

func TestAdapterStateIsAlwaysPoweredOn(t *testing.T) {
	a := testAdapter(t)
	state, err := a.AdapterState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, central.StatePoweredOn, state)
}

func TestWrapTransportErrMapsDeadlineExceeded(t *testing.T) {
	err := wrapTransportErr(context.DeadlineExceeded)
	var cerr *central.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, central.KindTimedOut, cerr.Kind)
	assert.Nil(t, wrapTransportErr(nil))
}

type stubPeripheralId struct{}

func (stubPeripheralId) String() string                        { return "stub" }
func (stubPeripheralId) Equal(other central.PeripheralId) bool { return false }

func requireEvent(t *testing.T, ch <-chan central.CentralEvent) central.CentralEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	default:
		t.Fatal("expected an event on the stream")
		return central.CentralEvent{}
	}
}

// encodeLocalName builds a single-element AD structure carrying a Complete
// Local Name TLV, for feeding synthetic advertising reports.
func encodeLocalName(name string) []byte {
	b := []byte(name)
	out := make([]byte, 0, len(b)+2)
	out = append(out, byte(len(b)+1), hci.ADLocalNameComplete)
	out = append(out, b...)
	return out
}
