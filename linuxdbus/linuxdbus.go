// Package linuxdbus implements the central.Manager/Adapter/Peripheral
// contract (spec §4.3-§4.6) against BlueZ over D-Bus, the alternative Linux
// backend to linux/backend's raw HCI socket. Where linux/backend owns the
// controller directly, this backend delegates scanning, connection
// management and GATT entirely to bluetoothd and translates its
// InterfacesAdded/PropertiesChanged signals into the portable CentralEvent
// stream.
package linuxdbus

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/bdaddr"
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
	"github.com/srg/blecentral/registry"
)

const (
	bluezDest        = "org.bluez"
	ifaceAdapter     = "org.bluez.Adapter1"
	ifaceDevice      = "org.bluez.Device1"
	ifaceGattChar    = "org.bluez.GattCharacteristic1"
	ifaceGattDesc    = "org.bluez.GattDescriptor1"
	ifaceGattService = "org.bluez.GattService1"
	ifaceObjMgr      = "org.freedesktop.DBus.ObjectManager"
	ifaceProps       = "org.freedesktop.DBus.Properties"
)

// Manager enumerates BlueZ's registered adapters via ObjectManager, the
// D-Bus counterpart to linux/backend's HCIGETDEVLIST enumeration.
type Manager struct {
	conn *dbus.Conn
	cfg  *config.Config
	log  *logrus.Logger
}

// NewManager dials the system bus and returns a Manager using cfg
// (config.Default() if nil).
func NewManager(cfg *config.Config) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, central.Other(fmt.Errorf("linuxdbus: system bus: %w", err))
	}
	return &Manager{conn: conn, cfg: cfg, log: cfg.NewLogger()}, nil
}

// Adapters returns one Adapter per object exposing org.bluez.Adapter1.
func (m *Manager) Adapters(ctx context.Context) ([]central.Adapter, error) {
	objects, err := getManagedObjects(m.conn)
	if err != nil {
		return nil, central.Other(err)
	}
	var out []central.Adapter
	for path, ifaces := range objects {
		if _, ok := ifaces[ifaceAdapter]; !ok {
			continue
		}
		a, err := newAdapter(m.conn, path, m.cfg, m.log)
		if err != nil {
			m.log.WithField("path", path).WithError(err).Warn("linuxdbus: skipping adapter that failed to open")
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// getManagedObjects calls org.freedesktop.DBus.ObjectManager.GetManagedObjects
// on bluetoothd, the single call BlueZ clients use to learn the whole object
// tree (adapters, devices, services, characteristics, descriptors) at once.
func getManagedObjects(conn *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := conn.Object(bluezDest, dbus.ObjectPath("/")).Call(ifaceObjMgr+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&objects); err != nil {
		return nil, err
	}
	return objects, nil
}

// devicePathToBDAddr recovers the canonical address from a BlueZ device
// object path ("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF").
func devicePathToBDAddr(path dbus.ObjectPath) (bdaddr.BDAddr, error) {
	s := string(path)
	i := strings.LastIndex(s, "dev_")
	if i < 0 {
		return bdaddr.BDAddr{}, fmt.Errorf("linuxdbus: not a device path: %s", s)
	}
	hexPairs := strings.Split(s[i+4:], "_")
	if len(hexPairs) != 6 {
		return bdaddr.BDAddr{}, fmt.Errorf("linuxdbus: malformed device path: %s", s)
	}
	var b [6]byte
	for i, pair := range hexPairs {
		raw, err := hex.DecodeString(pair)
		if err != nil || len(raw) != 1 {
			return bdaddr.BDAddr{}, fmt.Errorf("linuxdbus: malformed address byte %q in %s", pair, s)
		}
		b[i] = raw[0]
	}
	return bdaddr.New(b), nil
}

// bdAddrToDevicePath is devicePathToBDAddr's inverse, given the owning
// adapter's object path.
func bdAddrToDevicePath(adapterPath dbus.ObjectPath, addr bdaddr.BDAddr) dbus.ObjectPath {
	b := addr.Bytes()
	parts := make([]string, 6)
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", adapterPath, strings.Join(parts, "_")))
}

func variantString(v dbus.Variant) (string, bool) {
	s, ok := v.Value().(string)
	return s, ok
}

func variantInt16(v dbus.Variant) (int16, bool) {
	switch n := v.Value().(type) {
	case int16:
		return n, true
	default:
		return 0, false
	}
}

func variantBool(v dbus.Variant) bool {
	b, _ := v.Value().(bool)
	return b
}
