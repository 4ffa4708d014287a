package linuxdbus

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecentral/central"
)

func TestDevicePathToBDAddrAndBack(t *testing.T) {
	path := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_11_22_33")
	addr, err := devicePathToBDAddr(path)
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:11:22:33", addr.String())
	assert.Equal(t, path, bdAddrToDevicePath("/org/bluez/hci0", addr))
}

func TestDevicePathToBDAddrRejectsNonDevicePath(t *testing.T) {
	_, err := devicePathToBDAddr(dbus.ObjectPath("/org/bluez/hci0"))
	assert.Error(t, err)
}

func TestFlagsToProps(t *testing.T) {
	flags := flagsToProps([]string{"read", "write", "notify"})
	assert.True(t, flags.Has(central.CharRead))
	assert.True(t, flags.Has(central.CharWrite))
	assert.True(t, flags.Has(central.CharNotify))
	assert.False(t, flags.Has(central.CharIndicate))
}

func TestMergeDevicePropsAccumulatesAndReportsChange(t *testing.T) {
	a := &Adapter{}
	id := central.BDAddrId{}
	p := newPeripheral(a, id, id.Addr, "/org/bluez/hci0/dev_AA_BB_CC_11_22_33", nil)

	changed := p.mergeDeviceProps(map[string]dbus.Variant{
		"Name": dbus.MakeVariant("thermostat"),
		"RSSI": dbus.MakeVariant(int16(-52)),
	})
	assert.True(t, changed)

	props := p.Properties()
	assert.Equal(t, "thermostat", props.LocalName)
	assert.True(t, props.HasLocalName)
	assert.Equal(t, int8(-52), props.RSSI)
	assert.Equal(t, uint32(1), props.DiscoveryCount)

	// Re-applying the identical Name is not a change; RSSI always is since
	// BlueZ only emits PropertiesChanged when the value differs, so any
	// delivered RSSI update is new information.
	changed = p.mergeDeviceProps(map[string]dbus.Variant{"Name": dbus.MakeVariant("thermostat")})
	assert.False(t, changed)
}

func TestWrapDBusErrMapsKnownBlueZErrors(t *testing.T) {
	err := wrapDBusErr(dbus.Error{Name: "org.bluez.Error.NotConnected"})
	assert.ErrorIs(t, err, central.ErrNotConnected)

	err = wrapDBusErr(dbus.Error{Name: "org.bluez.Error.DoesNotExist"})
	assert.ErrorIs(t, err, central.ErrDeviceNotFound)

	assert.Nil(t, wrapDBusErr(nil))
}

func TestPeripheralStartsDisconnectedWithoutDeviceProps(t *testing.T) {
	a := &Adapter{}
	id := central.BDAddrId{}
	p := newPeripheral(a, id, id.Addr, "/org/bluez/hci0/dev_AA_BB_CC_11_22_33", nil)
	assert.False(t, p.IsConnected())
}

func TestPeripheralReflectsConnectedFromDeviceProps(t *testing.T) {
	a := &Adapter{}
	id := central.BDAddrId{}
	p := newPeripheral(a, id, id.Addr, "/org/bluez/hci0/dev_AA_BB_CC_11_22_33", map[string]dbus.Variant{
		"Connected": dbus.MakeVariant(true),
	})
	assert.True(t, p.IsConnected())
}
