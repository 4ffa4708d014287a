package linuxdbus

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
	"github.com/srg/blecentral/registry"
)

// Adapter is one BlueZ Adapter1 object, identified by its D-Bus object path
// (e.g. "/org/bluez/hci0").
type Adapter struct {
	conn *dbus.Conn
	path dbus.ObjectPath
	cfg  *config.Config
	log  *logrus.Entry

	reg *registry.Registry

	mu         sync.Mutex
	scanFilter central.ScanFilter
	scanning   bool
	closed     bool

	sigCh    chan *dbus.Signal
	stopSigs chan struct{}
}

func newAdapter(conn *dbus.Conn, path dbus.ObjectPath, cfg *config.Config, log *logrus.Logger) (*Adapter, error) {
	a := &Adapter{
		conn:     conn,
		path:     path,
		cfg:      cfg,
		log:      log.WithField("adapter", string(path)),
		reg:      registry.NewWithBufferSize(cfg.NotificationBufferSize),
		sigCh:    make(chan *dbus.Signal, 64),
		stopSigs: make(chan struct{}),
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(ifaceObjMgr),
	); err != nil {
		return nil, err
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(ifaceProps),
	); err != nil {
		return nil, err
	}
	conn.Signal(a.sigCh)
	go a.dispatchSignals()

	// Prime the registry from whatever devices bluetoothd already knows
	// about for this adapter, so Peripherals() isn't empty until the next
	// discovery round touches each one.
	a.seedKnownDevices()

	return a, nil
}

// seedKnownDevices registers every Device1 object BlueZ already has cached
// under this adapter, without emitting DeviceDiscovered for them (spec §4.5
// reserves that event for newly-seen advertisements).
func (a *Adapter) seedKnownDevices() {
	objects, err := getManagedObjects(a.conn)
	if err != nil {
		a.log.WithError(err).Warn("linuxdbus: failed to seed known devices")
		return
	}
	for path, ifaces := range objects {
		dev, ok := ifaces[ifaceDevice]
		if !ok || !a.devicePathBelongsToAdapter(path) {
			continue
		}
		addr, err := devicePathToBDAddr(path)
		if err != nil {
			continue
		}
		id := central.BDAddrId{Addr: addr}
		a.reg.UpsertFromScan(id, func() central.Peripheral {
			return newPeripheral(a, id, addr, path, dev)
		})
	}
}

func (a *Adapter) devicePathBelongsToAdapter(devicePath dbus.ObjectPath) bool {
	prefix := string(a.path) + "/dev_"
	return len(devicePath) > len(prefix) && string(devicePath)[:len(prefix)] == prefix
}

// dispatchSignals is the adapter's single D-Bus signal-reader goroutine; it
// translates InterfacesAdded (new devices discovered) and PropertiesChanged
// (RSSI/ManufacturerData/ServiceData/Connected updates) into registry
// events until Close stops it.
func (a *Adapter) dispatchSignals() {
	for {
		select {
		case sig, ok := <-a.sigCh:
			if !ok {
				return
			}
			a.handleSignal(sig)
		case <-a.stopSigs:
			return
		}
	}
}

func (a *Adapter) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case ifaceObjMgr + ".InterfacesAdded":
		a.handleInterfacesAdded(sig)
	case ifaceProps + ".PropertiesChanged":
		a.handlePropertiesChanged(sig)
	}
}

func (a *Adapter) handleInterfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok || !a.devicePathBelongsToAdapter(path) {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}
	dev, ok := ifaces[ifaceDevice]
	if !ok {
		return
	}

	addr, err := devicePathToBDAddr(path)
	if err != nil {
		return
	}
	id := central.BDAddrId{Addr: addr}

	p, firstSeen := a.reg.UpsertFromScan(id, func() central.Peripheral {
		return newPeripheral(a, id, addr, path, dev)
	})
	dp := p.(*peripheral)
	changed := dp.mergeDeviceProps(dev)

	if !a.currentScanFilter().Matches(dp.Properties()) {
		return
	}
	if firstSeen {
		a.reg.Emit(central.DeviceDiscovered(id))
	} else if changed {
		a.reg.Emit(central.DeviceUpdated(id))
	}
}

func (a *Adapter) handlePropertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	switch iface {
	case ifaceDevice:
		a.handleDevicePropertiesChanged(sig.Path, changed)
	case ifaceGattChar:
		a.handleCharacteristicPropertiesChanged(sig.Path, changed)
	case ifaceAdapter:
		a.handleAdapterPropertiesChanged(changed)
	}
}

func (a *Adapter) handleDevicePropertiesChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	if !a.devicePathBelongsToAdapter(path) {
		return
	}
	addr, err := devicePathToBDAddr(path)
	if err != nil {
		return
	}
	id := central.BDAddrId{Addr: addr}
	p, ok := a.reg.Get(id)
	if !ok {
		return
	}
	dp := p.(*peripheral)

	if v, ok := changed["Connected"]; ok {
		if variantBool(v) {
			a.reg.Emit(central.DeviceConnected(id))
		} else {
			dp.handleDisconnect()
		}
		return
	}

	if dp.mergeDeviceProps(changed) {
		if a.currentScanFilter().Matches(dp.Properties()) {
			a.reg.Emit(central.DeviceUpdated(id))
		}
	}
}

func (a *Adapter) handleCharacteristicPropertiesChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	v, ok := changed["Value"]
	if !ok {
		return
	}
	raw, ok := v.Value().([]byte)
	if !ok {
		return
	}
	a.routeNotification(path, raw)
}

// handleAdapterPropertiesChanged surfaces bluetoothd's own Powered toggle as
// a portable StateUpdate event, the D-Bus backend's counterpart to the HCI
// backend's always-on AdapterState (spec §6, "Supplemented from
// original_source/": adapter power-state observation).
func (a *Adapter) handleAdapterPropertiesChanged(changed map[string]dbus.Variant) {
	v, ok := changed["Powered"]
	if !ok {
		return
	}
	state := central.StatePoweredOff
	if variantBool(v) {
		state = central.StatePoweredOn
	}
	a.reg.Emit(central.StateUpdateEvent(state))
}

// Events returns a fresh subscription to this adapter's CentralEvent stream.
func (a *Adapter) Events(ctx context.Context) (<-chan central.CentralEvent, error) {
	ch, unsubscribe := a.reg.EventStream()
	out := make(chan central.CentralEvent)
	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- ev:
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

// StartScan calls Adapter1.SetDiscoveryFilter then StartDiscovery.
func (a *Adapter) StartScan(ctx context.Context, filter central.ScanFilter) error {
	a.mu.Lock()
	a.scanFilter = filter
	a.mu.Unlock()

	dfilter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("le")}
	if len(filter.Services) > 0 {
		uuids := make([]string, len(filter.Services))
		for i, u := range filter.Services {
			uuids[i] = u.String()
		}
		dfilter["UUIDs"] = dbus.MakeVariant(uuids)
	}
	call := a.adapterObj().Call(ifaceAdapter+".SetDiscoveryFilter", 0, dfilter)
	if call.Err != nil {
		return central.Other(call.Err)
	}
	call = a.adapterObj().Call(ifaceAdapter+".StartDiscovery", 0)
	if call.Err != nil {
		return central.Other(call.Err)
	}
	a.mu.Lock()
	a.scanning = true
	a.mu.Unlock()
	return nil
}

// StopScan calls Adapter1.StopDiscovery.
func (a *Adapter) StopScan(ctx context.Context) error {
	call := a.adapterObj().Call(ifaceAdapter+".StopDiscovery", 0)
	a.mu.Lock()
	a.scanning = false
	a.mu.Unlock()
	if call.Err != nil {
		return central.Other(call.Err)
	}
	return nil
}

// Peripherals returns every peripheral currently live in the registry.
func (a *Adapter) Peripherals(ctx context.Context) ([]central.Peripheral, error) {
	return a.reg.List(), nil
}

// Peripheral looks up one peripheral by id.
func (a *Adapter) Peripheral(ctx context.Context, id central.PeripheralId) (central.Peripheral, error) {
	p, ok := a.reg.Get(id)
	if !ok {
		return nil, central.ErrDeviceNotFound
	}
	return p, nil
}

// AddPeripheral registers a peripheral by BDAddr without a prior
// advertisement, letting BlueZ originate the connection the moment
// Connect() is called.
func (a *Adapter) AddPeripheral(ctx context.Context, id central.PeripheralId) (central.Peripheral, error) {
	bid, ok := id.(central.BDAddrId)
	if !ok {
		return nil, central.NotSupported("BlueZ D-Bus backend requires a BDAddrId")
	}
	path := bdAddrToDevicePath(a.path, bid.Addr)
	p := newPeripheral(a, bid, bid.Addr, path, nil)
	a.reg.AddPeripheral(id, p)
	return p, nil
}

// AdapterInfo returns the adapter's D-Bus object path; the adapter's
// Bluetooth address is not included.
func (a *Adapter) AdapterInfo(ctx context.Context) (string, error) {
	return string(a.path), nil
}

// AdapterState reads Adapter1.Powered over D-Bus.
func (a *Adapter) AdapterState(ctx context.Context) (central.AdapterState, error) {
	var v dbus.Variant
	call := a.adapterObj().Call(ifaceProps+".Get", 0, ifaceAdapter, "Powered")
	if err := call.Store(&v); err != nil {
		return central.StateUnknown, central.Other(err)
	}
	if variantBool(v) {
		return central.StatePoweredOn, nil
	}
	return central.StatePoweredOff, nil
}

// Close stops discovery, unsubscribes this adapter's D-Bus signal matches,
// and tears down its registry.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	scanning := a.scanning
	a.mu.Unlock()

	if scanning {
		_ = a.adapterObj().Call(ifaceAdapter+".StopDiscovery", 0)
	}
	close(a.stopSigs)
	a.reg.Close()
	return nil
}

func (a *Adapter) adapterObj() dbus.BusObject {
	return a.conn.Object(bluezDest, a.path)
}

func (a *Adapter) currentScanFilter() central.ScanFilter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanFilter
}

// routeNotification delivers a GattCharacteristic1.Value PropertiesChanged
// update to whichever connected peripheral owns that characteristic path.
func (a *Adapter) routeNotification(charPath dbus.ObjectPath, value []byte) {
	for _, p := range a.reg.List() {
		dp, ok := p.(*peripheral)
		if ok && dp.routeNotificationIfOwned(charPath, value) {
			return
		}
	}
}
