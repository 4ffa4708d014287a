//go:build android

package android

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecentral/bleuuid"
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
)

func TestAddrRoundTrip(t *testing.T) {
	addr, err := parseAndroidAddr("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", formatAndroidAddr(addr))
}

func TestPropsFromAndroidMapsKnownBits(t *testing.T) {
	const (
		propertyRead   = 0x02
		propertyWrite  = 0x08
		propertyNotify = 0x10
	)
	flags := propsFromAndroid(propertyRead | propertyWrite | propertyNotify)
	assert.True(t, flags.Has(central.CharRead))
	assert.True(t, flags.Has(central.CharWrite))
	assert.True(t, flags.Has(central.CharNotify))
	assert.False(t, flags.Has(central.CharIndicate))
}

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	cfg := config.Default()
	return newAdapter(cfg, cfg.NewLogger().WithField("adapter", "android0"), nil)
}

func TestMergeScanResultAccumulates(t *testing.T) {
	a := testAdapter(t)
	id := central.BDAddrId{}
	p := newPeripheral(a, id, "AA:BB:CC:DD:EE:FF")

	res := scanResult{
		addr:      "AA:BB:CC:DD:EE:FF",
		rssi:      -51,
		localName: "gizmo",
		mfgData:   map[uint16][]byte{0x004C: {0x01}},
	}
	changed := p.mergeScanResult(res)
	require.True(t, changed)

	props := p.Properties()
	assert.Equal(t, "gizmo", props.LocalName)
	assert.Equal(t, int8(-51), props.RSSI)
	assert.Contains(t, props.ManufacturerData, uint16(0x004C))
	assert.Equal(t, uint32(1), props.DiscoveryCount)

	// re-applying the identical result should not register as a change
	changed = p.mergeScanResult(res)
	assert.False(t, changed)
}

func TestGATTOperationsFailWhenNotConnected(t *testing.T) {
	a := testAdapter(t)
	id := central.BDAddrId{}
	p := newPeripheral(a, id, "AA:BB:CC:DD:EE:FF")
	ctx := context.Background()

	_, err := p.DiscoverServices(ctx)
	assert.ErrorIs(t, err, central.ErrNotConnected)

	c := central.NewCharacteristic(bleuuid.FromU16(0x180F), bleuuid.FromU16(0x2A19), central.CharRead)
	_, err = p.Read(ctx, c)
	assert.ErrorIs(t, err, central.ErrNotConnected)

	err = p.Write(ctx, c, []byte{0x01}, central.WriteWithResponse)
	assert.ErrorIs(t, err, central.ErrNotConnected)

	err = p.Subscribe(ctx, c)
	assert.ErrorIs(t, err, central.ErrNotConnected)
}
