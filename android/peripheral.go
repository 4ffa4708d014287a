//go:build android

package android

import (
	"context"
	"sync"

	"github.com/srg/blecentral/bdaddr"
	"github.com/srg/blecentral/bleuuid"
	"github.com/srg/blecentral/central"
)

// peripheral mediates between the blocking central.Peripheral contract and
// BluetoothGatt's callback-driven API: Connect, Read and a with-response
// Write issue a JNI request through the bridge and then block on a
// pending-reply channel the bridge's event loop resolves (DiscoverServices
// returns the tree Connect built; Subscribe/Unsubscribe return as soon as
// the bridge call does),
// mirroring the darwin/windows backends' connect-before-observable-connected
// invariant and the pendingReply-per-operation mediator shape described for
// this backend family.
type peripheral struct {
	adapter *Adapter
	id      central.BDAddrId
	addr    string // Android device address string

	mu    sync.Mutex
	props *central.PeripheralProperties

	connMu    sync.Mutex
	connected bool
	services  []*central.Service
	charProps map[bleuuid.UUID]int

	pending   map[pendingKey]chan gattEvent
	pendingMu sync.Mutex

	notifyMu sync.Mutex
	notify   map[bleuuid.UUID][]chan central.ValueNotification

	once      sync.Once
	eventDone chan struct{}
}

type pendingKey struct {
	kind gattEventKind
	uuid bleuuid.UUID
}

func newPeripheral(a *Adapter, id central.BDAddrId, addr string) *peripheral {
	p := &peripheral{
		adapter:   a,
		id:        id,
		addr:      addr,
		props:     central.NewPeripheralProperties(id.Addr),
		charProps: make(map[bleuuid.UUID]int),
		pending:   make(map[pendingKey]chan gattEvent),
		notify:    make(map[bleuuid.UUID][]chan central.ValueNotification),
		eventDone: make(chan struct{}),
	}
	if a.bridge != nil {
		go p.pumpEvents()
	}
	return p
}

// pumpEvents relays the shared bridge's event channel to this peripheral
// when the event's addr matches, matching the reference mediator pattern's
// per-peripheral callback routing.
func (p *peripheral) pumpEvents() {
	for {
		select {
		case ev, ok := <-p.adapter.bridge.events():
			if !ok {
				return
			}
			if ev.addr != p.addr {
				continue
			}
			p.handleEvent(ev)
		case <-p.eventDone:
			return
		}
	}
}

func (p *peripheral) handleEvent(ev gattEvent) {
	switch ev.kind {
	case eventDisconnected:
		p.handleDisconnect()
		return
	case eventCharacteristicChanged:
		p.dispatchNotification(ev.charUUID, ev.value)
		return
	}
	key := pendingKey{kind: ev.kind, uuid: ev.charUUID}
	p.pendingMu.Lock()
	ch, ok := p.pending[key]
	if ok {
		delete(p.pending, key)
	}
	p.pendingMu.Unlock()
	if ok {
		ch <- ev
	}
}

func (p *peripheral) await(ctx context.Context, key pendingKey) (gattEvent, error) {
	ch := make(chan gattEvent, 1)
	p.pendingMu.Lock()
	p.pending[key] = ch
	p.pendingMu.Unlock()

	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		p.pendingMu.Lock()
		delete(p.pending, key)
		p.pendingMu.Unlock()
		return gattEvent{}, ctx.Err()
	}
}

func (p *peripheral) ID() central.PeripheralId { return p.id }
func (p *peripheral) Address() bdaddr.BDAddr   { return p.id.Addr }

func (p *peripheral) Properties() *central.PeripheralProperties {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := *p.props
	clone.ManufacturerData = cloneByteMap(p.props.ManufacturerData)
	clone.ServiceData = cloneUUIDByteMap(p.props.ServiceData)
	clone.Services = append([]bleuuid.UUID(nil), p.props.Services...)
	return &clone
}

func (p *peripheral) Services() []*central.Service {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return append([]*central.Service(nil), p.services...)
}

func (p *peripheral) IsConnected() bool {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.connected
}

func (p *peripheral) mergeScanResult(res scanResult) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := false
	if res.localName != "" && p.props.LocalName != res.localName {
		p.props.LocalName = res.localName
		p.props.HasLocalName = true
		changed = true
	}
	if p.props.RSSI != res.rssi {
		p.props.RSSI = res.rssi
		p.props.HasRSSI = true
		changed = true
	}
	for id, data := range res.mfgData {
		if _, ok := p.props.ManufacturerData[id]; !ok {
			p.props.ManufacturerData[id] = data
			changed = true
		}
	}
	for u, data := range res.svcData {
		if _, ok := p.props.ServiceData[u]; !ok {
			p.props.ServiceData[u] = data
			changed = true
		}
	}
	for _, u := range res.services {
		if !containsUUID(p.props.Services, u) {
			p.props.Services = append(p.props.Services, u)
			changed = true
		}
	}
	if changed {
		p.props.DiscoveryCount++
	}
	return changed
}

func (p *peripheral) Connect(ctx context.Context) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.connected {
		return nil
	}
	if p.adapter.bridge == nil {
		return central.NotSupported("android backend requires a JNI gattBridge implementation")
	}
	if err := p.adapter.bridge.connect(p.addr); err != nil {
		return central.Other(err)
	}
	if _, err := p.await(ctx, pendingKey{kind: eventConnected}); err != nil {
		return central.Wrap(central.KindTimedOut, err)
	}
	if err := p.adapter.bridge.discoverServices(p.addr); err != nil {
		return central.Other(err)
	}
	ev, err := p.await(ctx, pendingKey{kind: eventServicesDiscovered})
	if err != nil {
		return central.Wrap(central.KindTimedOut, err)
	}
	p.buildServices(ev.services)
	p.connected = true
	p.adapter.reg.Emit(central.DeviceConnected(p.id))
	return nil
}

func (p *peripheral) buildServices(svcs []androidService) {
	var services []*central.Service
	for _, s := range svcs {
		svc := central.NewService(s.uuid, true)
		for _, c := range s.chars {
			flags := propsFromAndroid(c.props)
			ch := central.NewCharacteristic(s.uuid, c.uuid, flags)
			svc.Characteristics.Set(c.uuid, ch)
			p.charProps[c.uuid] = c.props
		}
		services = append(services, svc)
	}
	p.services = services
}

// propsFromAndroid maps BluetoothGattCharacteristic.PROPERTY_* bits onto
// the portable flag set (BROADCAST=0x01, READ=0x02,
// WRITE_NO_RESPONSE=0x04, WRITE=0x08, NOTIFY=0x10, INDICATE=0x20,
// SIGNED_WRITE=0x40, EXTENDED_PROPS=0x80 — the Android constants happen to
// share bit positions with the Bluetooth SIG characteristic properties
// field this module's other backends already use).
func propsFromAndroid(f int) central.CharPropFlags {
	return central.CharPropFlags(f)
}

func (p *peripheral) Disconnect(ctx context.Context) error {
	if p.adapter.bridge != nil {
		_ = p.adapter.bridge.disconnect(p.addr)
	}
	p.handleDisconnect()
	return nil
}

func (p *peripheral) handleDisconnect() {
	p.connMu.Lock()
	if !p.connected {
		p.connMu.Unlock()
		return
	}
	p.connected = false
	p.connMu.Unlock()

	p.notifyMu.Lock()
	for _, subs := range p.notify {
		for _, ch := range subs {
			close(ch)
		}
	}
	p.notify = make(map[bleuuid.UUID][]chan central.ValueNotification)
	p.notifyMu.Unlock()

	p.once.Do(func() { close(p.eventDone) })
	p.adapter.reg.Emit(central.DeviceDisconnected(p.id))
}

func (p *peripheral) DiscoverServices(ctx context.Context) ([]*central.Service, error) {
	if !p.IsConnected() {
		return nil, central.ErrNotConnected
	}
	return p.Services(), nil
}

func (p *peripheral) Read(ctx context.Context, c *central.Characteristic) ([]byte, error) {
	if !p.IsConnected() {
		return nil, central.ErrNotConnected
	}
	if err := p.adapter.bridge.readCharacteristic(p.addr, c.UUID); err != nil {
		return nil, central.Other(err)
	}
	ev, err := p.await(ctx, pendingKey{kind: eventCharacteristicRead, uuid: c.UUID})
	if err != nil {
		return nil, central.Wrap(central.KindTimedOut, err)
	}
	return ev.value, nil
}

func (p *peripheral) Write(ctx context.Context, c *central.Characteristic, data []byte, wt central.WriteType) error {
	if !p.IsConnected() {
		return central.ErrNotConnected
	}
	withResponse := wt == central.WriteWithResponse
	if err := p.adapter.bridge.writeCharacteristic(p.addr, c.UUID, data, withResponse); err != nil {
		return central.Other(err)
	}
	if !withResponse {
		return nil
	}
	_, err := p.await(ctx, pendingKey{kind: eventCharacteristicWrite, uuid: c.UUID})
	if err != nil {
		return central.Wrap(central.KindTimedOut, err)
	}
	return nil
}

func (p *peripheral) Subscribe(ctx context.Context, c *central.Characteristic) error {
	if !p.IsConnected() {
		return central.ErrNotConnected
	}
	return p.adapter.bridge.setCharacteristicNotification(p.addr, c.UUID, true)
}

func (p *peripheral) Unsubscribe(ctx context.Context, c *central.Characteristic) error {
	if !p.IsConnected() {
		return central.ErrNotConnected
	}
	return p.adapter.bridge.setCharacteristicNotification(p.addr, c.UUID, false)
}

func (p *peripheral) dispatchNotification(uuid bleuuid.UUID, data []byte) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	for _, ch := range p.notify[uuid] {
		select {
		case ch <- central.ValueNotification{UUID: uuid, Value: data}:
		default:
		}
	}
}

func (p *peripheral) Notifications(ctx context.Context) (<-chan central.ValueNotification, error) {
	if !p.IsConnected() {
		return nil, central.ErrNotConnected
	}
	out := make(chan central.ValueNotification, 16)
	p.notifyMu.Lock()
	for uuid := range p.charProps {
		p.notify[uuid] = append(p.notify[uuid], out)
	}
	p.notifyMu.Unlock()

	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

// ReadDescriptor/WriteDescriptor are not implemented: gattBridge's scope
// (matching BluetoothGatt's own CCCD handling) folds descriptor writes
// into setCharacteristicNotification rather than exposing a raw
// BluetoothGattDescriptor handle.
func (p *peripheral) ReadDescriptor(ctx context.Context, d *central.Descriptor) ([]byte, error) {
	return nil, central.NotSupported("android backend does not expose raw GATT descriptor access")
}

func (p *peripheral) WriteDescriptor(ctx context.Context, d *central.Descriptor, data []byte) error {
	return central.NotSupported("android backend does not expose raw GATT descriptor access")
}

func containsUUID(list []bleuuid.UUID, u bleuuid.UUID) bool {
	for _, x := range list {
		if x.Equal(u) {
			return true
		}
	}
	return false
}

func cloneByteMap(m map[uint16][]byte) map[uint16][]byte {
	if m == nil {
		return nil
	}
	out := make(map[uint16][]byte, len(m))
	for k, v := range m {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

func cloneUUIDByteMap(m map[bleuuid.UUID][]byte) map[bleuuid.UUID][]byte {
	if m == nil {
		return nil
	}
	out := make(map[bleuuid.UUID][]byte, len(m))
	for k, v := range m {
		out[k] = append([]byte(nil), v...)
	}
	return out
}
