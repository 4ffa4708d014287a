package darwin

import (
	"context"
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecentral/bleuuid"
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
)

func TestPeripheralIDFromAddrIsDeterministicAndCaseInsensitive(t *testing.T) {
	a := peripheralIDFromAddr("12AB-34CD-EF")
	b := peripheralIDFromAddr("12ab-34cd-ef")
	assert.True(t, a.Equal(b))

	other := peripheralIDFromAddr("different-identifier")
	assert.False(t, a.Equal(other))
}

func TestNormalizeErrorMapsKnownGoBLEMessages(t *testing.T) {
	assert.Nil(t, normalizeError(nil))
	assert.Equal(t, context.Canceled, normalizeError(context.Canceled))

	err := normalizeError(context.DeadlineExceeded)
	var cerr *central.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, central.KindTimedOut, cerr.Kind)

	err = normalizeError(assertError{"device not connected"})
	assert.ErrorIs(t, err, central.ErrNotConnected)

	err = normalizeError(assertError{"central manager has invalid state: have=4 want=5: is Bluetooth turned on?"})
	assert.ErrorIs(t, err, central.ErrPermissionDenied)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestPropsFromBLEMapsEveryBit(t *testing.T) {
	flags := propsFromBLE(ble.CharRead | ble.CharWrite | ble.CharNotify)
	assert.True(t, flags.Has(central.CharRead))
	assert.True(t, flags.Has(central.CharWrite))
	assert.True(t, flags.Has(central.CharNotify))
	assert.False(t, flags.Has(central.CharIndicate))
}

type fakeAdv struct {
	localName string
	rssi      int
	mfgData   []byte
	addr      fakeAddr
}

type fakeAddr struct{ s string }

func (a fakeAddr) String() string { return a.s }
func (a fakeAddr) Network() string { return "ble" }

func (f fakeAdv) LocalName() string                                     { return f.localName }
func (f fakeAdv) ManufacturerData() []byte                              { return f.mfgData }
func (f fakeAdv) TxPowerLevel() int                                     { return 0 }
func (f fakeAdv) Connectable() bool                                     { return true }
func (f fakeAdv) RSSI() int                                             { return f.rssi }
func (f fakeAdv) Addr() ble.Addr                                        { return f.addr }
func (f fakeAdv) Services() []ble.UUID                                  { return nil }
func (f fakeAdv) OverflowService() []ble.UUID                           { return nil }
func (f fakeAdv) SolicitedService() []ble.UUID                          { return nil }
func (f fakeAdv) ServiceData() []ble.ServiceData                        { return nil }

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	cfg := config.Default()
	return &Adapter{cfg: cfg, log: cfg.NewLogger().WithField("adapter", "darwin0")}
}

func TestMergeAdvertisementAccumulates(t *testing.T) {
	id := peripheralIDFromAddr("aa-bb-cc")
	p := newPeripheral(testAdapter(t), id, "aa-bb-cc")

	adv := fakeAdv{localName: "widget", rssi: -42, mfgData: []byte{0x4C, 0x00, 0x01}}
	changed := p.mergeAdvertisement(adv)
	require.True(t, changed)

	props := p.Properties()
	assert.Equal(t, "widget", props.LocalName)
	assert.True(t, props.HasLocalName)
	assert.Equal(t, int8(-42), props.RSSI)
	assert.Contains(t, props.ManufacturerData, uint16(0x004C))
	assert.Equal(t, uint32(1), props.DiscoveryCount)
}

func TestGATTOperationsFailWhenNotConnected(t *testing.T) {
	id := peripheralIDFromAddr("dd-ee-ff")
	p := newPeripheral(testAdapter(t), id, "dd-ee-ff")
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
