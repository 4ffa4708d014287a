package linuxdbus

import (
	"context"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/srg/blecentral/bdaddr"
	"github.com/srg/blecentral/bleuuid"
	"github.com/srg/blecentral/central"
)

// peripheral is the BlueZ Device1 Peripheral implementation. Unlike
// linux/backend's raw-socket peripheral, connection and ATT transport are
// entirely bluetoothd's concern; this type only tracks the object paths of
// the characteristics/descriptors GATT discovery found, for Read/Write to
// address by.
type peripheral struct {
	adapter *Adapter
	id      central.BDAddrId
	addr    bdaddr.BDAddr
	path    dbus.ObjectPath

	mu    sync.RWMutex
	props *central.PeripheralProperties

	connMu      sync.Mutex
	connected   bool
	services    []*central.Service
	charPaths   map[bleuuid.UUID]dbus.ObjectPath
	descPaths   map[bleuuid.UUID]dbus.ObjectPath

	notifyMu  sync.Mutex
	notifySub []chan central.ValueNotification
}

func newPeripheral(a *Adapter, id central.BDAddrId, addr bdaddr.BDAddr, path dbus.ObjectPath, devProps map[string]dbus.Variant) *peripheral {
	props := central.NewPeripheralProperties(addr)
	p := &peripheral{
		adapter:   a,
		id:        id,
		addr:      addr,
		path:      path,
		props:     props,
		charPaths: map[bleuuid.UUID]dbus.ObjectPath{},
		descPaths: map[bleuuid.UUID]dbus.ObjectPath{},
	}
	if devProps != nil {
		p.mergeDeviceProps(devProps)
		p.connected = variantBool(devProps["Connected"])
	}
	return p
}

func (p *peripheral) ID() central.PeripheralId { return p.id }
func (p *peripheral) Address() bdaddr.BDAddr   { return p.addr }

func (p *peripheral) Properties() *central.PeripheralProperties {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := *p.props
	cp.ManufacturerData = cloneByteMap(p.props.ManufacturerData)
	cp.ServiceData = cloneUUIDByteMap(p.props.ServiceData)
	cp.Services = append([]bleuuid.UUID(nil), p.props.Services...)
	return &cp
}

func (p *peripheral) Services() []*central.Service {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.services
}

func (p *peripheral) IsConnected() bool {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.connected
}

// mergeDeviceProps folds a Device1 property map (from InterfacesAdded or a
// PropertiesChanged delta) into the accumulated snapshot. Returns whether
// anything actually changed.
func (p *peripheral) mergeDeviceProps(props map[string]dbus.Variant) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := false

	if v, ok := props["Name"]; ok {
		if name, ok := variantString(v); ok && name != p.props.LocalName {
			p.props.LocalName = name
			p.props.HasLocalName = true
			changed = true
		}
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := variantInt16(v); ok {
			p.props.RSSI = int8(rssi)
			p.props.HasRSSI = true
			changed = true
		}
	}
	if v, ok := props["TxPower"]; ok {
		if tx, ok := variantInt16(v); ok {
			p.props.TxPowerLevel = int8(tx)
			p.props.HasTxPowerLevel = true
			changed = true
		}
	}
	if v, ok := props["ManufacturerData"]; ok {
		if md, ok := v.Value().(map[uint16]dbus.Variant); ok {
			for id, val := range md {
				if raw, ok := val.Value().([]byte); ok {
					p.props.ManufacturerData[id] = raw
					changed = true
				}
			}
		}
	}
	if v, ok := props["ServiceData"]; ok {
		if sd, ok := v.Value().(map[string]dbus.Variant); ok {
			for uuidStr, val := range sd {
				u, err := bleuuid.Parse(uuidStr)
				if err != nil {
					continue
				}
				if raw, ok := val.Value().([]byte); ok {
					p.props.ServiceData[u] = raw
					changed = true
				}
			}
		}
	}
	if v, ok := props["UUIDs"]; ok {
		if uuids, ok := v.Value().([]string); ok {
			for _, s := range uuids {
				u, err := bleuuid.Parse(s)
				if err != nil {
					continue
				}
				if !containsUUID(p.props.Services, u) {
					p.props.Services = append(p.props.Services, u)
					changed = true
				}
			}
		}
	}
	if changed {
		p.props.DiscoveryCount++
	}
	return changed
}

// Connect calls Device1.Connect and blocks (via D-Bus Properties polling is
// unnecessary: the call itself only returns once bluetoothd has completed
// the ATT connection) until bluetoothd reports success.
func (p *peripheral) Connect(ctx context.Context) error {
	p.connMu.Lock()
	if p.connected {
		p.connMu.Unlock()
		return nil
	}
	p.connMu.Unlock()

	call := p.devObj().CallWithContext(ctx, ifaceDevice+".Connect", 0)
	if call.Err != nil {
		return wrapDBusErr(call.Err)
	}

	p.connMu.Lock()
	p.connected = true
	p.connMu.Unlock()
	p.adapter.reg.Emit(central.DeviceConnected(p.id))
	return nil
}

// Disconnect calls Device1.Disconnect.
func (p *peripheral) Disconnect(ctx context.Context) error {
	p.connMu.Lock()
	if !p.connected {
		p.connMu.Unlock()
		return nil
	}
	p.connMu.Unlock()

	call := p.devObj().CallWithContext(ctx, ifaceDevice+".Disconnect", 0)
	p.handleDisconnect()
	if call.Err != nil {
		return wrapDBusErr(call.Err)
	}
	return nil
}

// handleDisconnect transitions to disconnected exactly once, whether
// triggered by a Device1.Connected PropertiesChanged signal or by this
// peripheral's own Disconnect call.
func (p *peripheral) handleDisconnect() {
	p.connMu.Lock()
	if !p.connected {
		p.connMu.Unlock()
		return
	}
	p.connected = false
	p.connMu.Unlock()

	p.notifyMu.Lock()
	for _, ch := range p.notifySub {
		close(ch)
	}
	p.notifySub = nil
	p.notifyMu.Unlock()

	p.adapter.reg.Emit(central.DeviceDisconnected(p.id))
}

// DiscoverServices walks ObjectManager's tree for every GattService1,
// GattCharacteristic1 and GattDescriptor1 object nested under this device's
// path, the D-Bus analogue of the HCI backend's ATT Read-By-Group-Type walk.
func (p *peripheral) DiscoverServices(ctx context.Context) ([]*central.Service, error) {
	p.connMu.Lock()
	connected := p.connected
	p.connMu.Unlock()
	if !connected {
		return nil, central.ErrNotConnected
	}

	objects, err := getManagedObjects(p.adapter.conn)
	if err != nil {
		return nil, central.Other(err)
	}

	prefix := string(p.path) + "/"
	byServicePath := map[dbus.ObjectPath]*central.Service{}
	var services []*central.Service

	for path, ifaces := range objects {
		svcProps, ok := ifaces[ifaceGattService]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		uuidStr, _ := variantString(svcProps["UUID"])
		u, err := bleuuid.Parse(uuidStr)
		if err != nil {
			continue
		}
		primary := variantBool(svcProps["Primary"])
		svc := central.NewService(u, primary)
		byServicePath[path] = svc
		services = append(services, svc)
	}

	for path, ifaces := range objects {
		charProps, ok := ifaces[ifaceGattChar]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		svcPath, _ := charProps["Service"].Value().(dbus.ObjectPath)
		svc, ok := byServicePath[svcPath]
		if !ok {
			continue
		}
		uuidStr, _ := variantString(charProps["UUID"])
		u, err := bleuuid.Parse(uuidStr)
		if err != nil {
			continue
		}
		flags, _ := charProps["Flags"].Value().([]string)
		c := central.NewCharacteristic(svc.UUID, u, flagsToProps(flags))
		svc.Characteristics.Set(u, c)

		p.connMu.Lock()
		p.charPaths[u] = path
		p.connMu.Unlock()
	}

	for path, ifaces := range objects {
		descProps, ok := ifaces[ifaceGattDesc]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		charPath, _ := descProps["Characteristic"].Value().(dbus.ObjectPath)
		uuidStr, _ := variantString(descProps["UUID"])
		u, err := bleuuid.Parse(uuidStr)
		if err != nil {
			continue
		}
		for _, svc := range services {
			for pair := svc.Characteristics.Oldest(); pair != nil; pair = pair.Next() {
				c := pair.Value
				p.connMu.Lock()
				owns := p.charPaths[c.UUID] == charPath
				p.connMu.Unlock()
				if owns {
					c.Descriptors.Set(u, central.Descriptor{ServiceUUID: svc.UUID, CharacteristicUUID: c.UUID, UUID: u})
					p.connMu.Lock()
					p.descPaths[u] = path
					p.connMu.Unlock()
				}
			}
		}
	}

	p.connMu.Lock()
	p.services = services
	p.connMu.Unlock()
	return services, nil
}

func flagsToProps(flags []string) central.CharPropFlags {
	var out central.CharPropFlags
	for _, f := range flags {
		switch f {
		case "broadcast":
			out |= central.CharBroadcast
		case "read":
			out |= central.CharRead
		case "write-without-response":
			out |= central.CharWriteWithoutResponse
		case "write":
			out |= central.CharWrite
		case "notify":
			out |= central.CharNotify
		case "indicate":
			out |= central.CharIndicate
		case "authenticated-signed-writes":
			out |= central.CharAuthenticatedSignedWrites
		case "extended-properties", "reliable-write", "writable-auxiliaries":
			out |= central.CharExtendedProperties
		}
	}
	return out
}

func (p *peripheral) charPath(c *central.Characteristic) (dbus.ObjectPath, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if !p.connected {
		return "", central.ErrNotConnected
	}
	path, ok := p.charPaths[c.UUID]
	if !ok {
		return "", central.NotSupported("characteristic not discovered")
	}
	return path, nil
}

// Read calls GattCharacteristic1.ReadValue.
func (p *peripheral) Read(ctx context.Context, c *central.Characteristic) ([]byte, error) {
	path, err := p.charPath(c)
	if err != nil {
		return nil, err
	}
	var value []byte
	call := p.adapter.conn.Object(bluezDest, path).CallWithContext(ctx, ifaceGattChar+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, wrapDBusErr(call.Err)
	}
	if err := call.Store(&value); err != nil {
		return nil, central.Other(err)
	}
	return value, nil
}

// Write calls GattCharacteristic1.WriteValue, passing {"type": "command"}
// for WriteWithoutResponse (spec §4.6's write-type upgrade boundary is
// bluetoothd's concern here, not ours: it downgrades/upgrades as needed).
func (p *peripheral) Write(ctx context.Context, c *central.Characteristic, data []byte, wt central.WriteType) error {
	path, err := p.charPath(c)
	if err != nil {
		return err
	}
	opts := map[string]dbus.Variant{}
	if wt == central.WriteWithoutResponse {
		opts["type"] = dbus.MakeVariant("command")
	} else {
		opts["type"] = dbus.MakeVariant("request")
	}
	call := p.adapter.conn.Object(bluezDest, path).CallWithContext(ctx, ifaceGattChar+".WriteValue", 0, data, opts)
	if call.Err != nil {
		return wrapDBusErr(call.Err)
	}
	return nil
}

// Subscribe calls GattCharacteristic1.StartNotify; bluetoothd itself writes
// the CCCD and delivers updates as Value PropertiesChanged signals this
// adapter routes in routeNotificationIfOwned.
func (p *peripheral) Subscribe(ctx context.Context, c *central.Characteristic) error {
	path, err := p.charPath(c)
	if err != nil {
		return err
	}
	call := p.adapter.conn.Object(bluezDest, path).CallWithContext(ctx, ifaceGattChar+".StartNotify", 0)
	if call.Err != nil {
		return wrapDBusErr(call.Err)
	}
	return nil
}

// Unsubscribe calls GattCharacteristic1.StopNotify.
func (p *peripheral) Unsubscribe(ctx context.Context, c *central.Characteristic) error {
	path, err := p.charPath(c)
	if err != nil {
		return err
	}
	call := p.adapter.conn.Object(bluezDest, path).CallWithContext(ctx, ifaceGattChar+".StopNotify", 0)
	if call.Err != nil {
		return wrapDBusErr(call.Err)
	}
	return nil
}

func (p *peripheral) ReadDescriptor(ctx context.Context, d *central.Descriptor) ([]byte, error) {
	p.connMu.Lock()
	path, ok := p.descPaths[d.UUID]
	connected := p.connected
	p.connMu.Unlock()
	if !connected {
		return nil, central.ErrNotConnected
	}
	if !ok {
		return nil, central.NotSupported("descriptor not discovered")
	}
	var value []byte
	call := p.adapter.conn.Object(bluezDest, path).CallWithContext(ctx, ifaceGattDesc+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, wrapDBusErr(call.Err)
	}
	if err := call.Store(&value); err != nil {
		return nil, central.Other(err)
	}
	return value, nil
}

func (p *peripheral) WriteDescriptor(ctx context.Context, d *central.Descriptor, data []byte) error {
	p.connMu.Lock()
	path, ok := p.descPaths[d.UUID]
	connected := p.connected
	p.connMu.Unlock()
	if !connected {
		return central.ErrNotConnected
	}
	if !ok {
		return central.NotSupported("descriptor not discovered")
	}
	call := p.adapter.conn.Object(bluezDest, path).CallWithContext(ctx, ifaceGattDesc+".WriteValue", 0, data, map[string]dbus.Variant{})
	if call.Err != nil {
		return wrapDBusErr(call.Err)
	}
	return nil
}

// Notifications returns a fresh channel fed by this adapter's
// PropertiesChanged dispatch loop for as long as the peripheral stays
// connected and ctx stays live.
func (p *peripheral) Notifications(ctx context.Context) (<-chan central.ValueNotification, error) {
	p.connMu.Lock()
	connected := p.connected
	p.connMu.Unlock()
	if !connected {
		return nil, central.ErrNotConnected
	}

	sub := make(chan central.ValueNotification, 16)
	p.notifyMu.Lock()
	p.notifySub = append(p.notifySub, sub)
	p.notifyMu.Unlock()

	out := make(chan central.ValueNotification)
	go func() {
		defer close(out)
		for {
			select {
			case v, ok := <-sub:
				if !ok {
					return
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// routeNotificationIfOwned delivers value to every live Notifications()
// subscriber if charPath belongs to one of this peripheral's discovered
// characteristics, reporting whether it matched.
func (p *peripheral) routeNotificationIfOwned(charPath dbus.ObjectPath, value []byte) bool {
	p.connMu.Lock()
	var uuid bleuuid.UUID
	found := false
	for u, path := range p.charPaths {
		if path == charPath {
			uuid = u
			found = true
			break
		}
	}
	p.connMu.Unlock()
	if !found {
		return false
	}

	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	for _, ch := range p.notifySub {
		select {
		case ch <- central.ValueNotification{UUID: uuid, Value: value}:
		default:
		}
	}
	return true
}

func (p *peripheral) devObj() dbus.BusObject {
	return p.adapter.conn.Object(bluezDest, p.path)
}

func wrapDBusErr(err error) error {
	if err == nil {
		return nil
	}
	if dbusErr, ok := err.(dbus.Error); ok {
		switch dbusErr.Name {
		case "org.bluez.Error.NotPermitted", "org.freedesktop.DBus.Error.AccessDenied":
			return central.Wrap(central.KindPermissionDenied, err)
		case "org.bluez.Error.DoesNotExist", "org.freedesktop.DBus.Error.UnknownObject":
			return central.Wrap(central.KindDeviceNotFound, err)
		case "org.bluez.Error.NotConnected":
			return central.Wrap(central.KindNotConnected, err)
		case "org.bluez.Error.NotSupported":
			return central.NotSupported(dbusErr.Name)
		}
	}
	return central.Other(err)
}

func containsUUID(haystack []bleuuid.UUID, needle bleuuid.UUID) bool {
	for _, u := range haystack {
		if u == needle {
			return true
		}
	}
	return false
}

func cloneByteMap(m map[uint16][]byte) map[uint16][]byte {
	out := make(map[uint16][]byte, len(m))
	for k, v := range m {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

func cloneUUIDByteMap(m map[bleuuid.UUID][]byte) map[bleuuid.UUID][]byte {
	out := make(map[bleuuid.UUID][]byte, len(m))
	for k, v := range m {
		out[k] = append([]byte(nil), v...)
	}
	return out
}
