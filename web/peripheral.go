//go:build js && wasm

package web

import (
	"context"
	"errors"
	"sync"
	"syscall/js"

	"github.com/srg/blecentral/bdaddr"
	"github.com/srg/blecentral/bleuuid"
	"github.com/srg/blecentral/central"
)

type peripheral struct {
	adapter *Adapter
	id      central.BDAddrId
	device  js.Value // BluetoothDevice

	mu    sync.Mutex
	props *central.PeripheralProperties

	connMu      sync.Mutex
	connected   bool
	server      js.Value // BluetoothRemoteGATTServer
	services    []*central.Service
	jsChars     map[bleuuid.UUID]js.Value // BluetoothRemoteGATTCharacteristic
	valueChange js.Func

	notifyMu sync.Mutex
	notify   map[bleuuid.UUID][]chan central.ValueNotification
}

func newPeripheral(a *Adapter, id central.BDAddrId, device js.Value) *peripheral {
	return &peripheral{
		adapter: a,
		id:      id,
		device:  device,
		props:   central.NewPeripheralProperties(id.Addr),
		jsChars: make(map[bleuuid.UUID]js.Value),
		notify:  make(map[bleuuid.UUID][]chan central.ValueNotification),
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

// mergeAdvertisement reads a BluetoothAdvertisingEvent, additive-only like
// every other backend's advertisement merge.
func (p *peripheral) mergeAdvertisement(ev js.Value) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := false

	if name := ev.Get("device").Get("name"); name.Truthy() {
		if local := name.String(); p.props.LocalName != local {
			p.props.LocalName = local
			p.props.HasLocalName = true
			changed = true
		}
	}
	if rssi := ev.Get("rssi"); rssi.Truthy() {
		if v := int8(rssi.Int()); p.props.RSSI != v {
			p.props.RSSI = v
			p.props.HasRSSI = true
			changed = true
		}
	}
	if txPower := ev.Get("txPower"); txPower.Truthy() {
		if v := int8(txPower.Int()); p.props.TxPowerLevel != v {
			p.props.TxPowerLevel = v
			p.props.HasTxPowerLevel = true
			changed = true
		}
	}
	if changed {
		p.props.DiscoveryCount++
	}
	return changed
}

// Connect resolves device.gatt.connect(), then enumerates every primary
// service and its characteristics before flipping connected, the same
// invariant the darwin, windows and android backends uphold.
func (p *peripheral) Connect(ctx context.Context) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.connected {
		return nil
	}

	gatt := p.device.Get("gatt")
	if !gatt.Truthy() {
		return central.Other(errNoGATTServer)
	}
	serverVal, err := jsAwait(ctx, gatt.Call("connect"))
	if err != nil {
		return normalizeError(err)
	}

	services, chars, err := p.discoverViaWeb(ctx, serverVal)
	if err != nil {
		return err
	}

	p.server = serverVal
	p.services = services
	p.jsChars = chars
	p.connected = true

	p.valueChange = js.FuncOf(func(this js.Value, args []js.Value) any {
		uuid := bleuuid.MustParse(this.Get("uuid").String())
		data := bytesFromDataView(this.Get("value"))
		p.dispatchNotification(uuid, data)
		return nil
	})

	p.adapter.reg.Emit(central.DeviceConnected(p.id))
	return nil
}

var errNoGATTServer = errors.New("web: device has no gatt server")

func (p *peripheral) discoverViaWeb(ctx context.Context, server js.Value) ([]*central.Service, map[bleuuid.UUID]js.Value, error) {
	svcRes, err := jsAwait(ctx, server.Call("getPrimaryServices"))
	if err != nil {
		return nil, nil, normalizeError(err)
	}

	var services []*central.Service
	chars := make(map[bleuuid.UUID]js.Value)

	n := svcRes.Length()
	for i := 0; i < n; i++ {
		wsvc := svcRes.Index(i)
		svcUUID := bleuuid.MustParse(wsvc.Get("uuid").String())
		svc := central.NewService(svcUUID, true)

		charRes, err := jsAwait(ctx, wsvc.Call("getCharacteristics"))
		if err != nil {
			return nil, nil, normalizeError(err)
		}
		cn := charRes.Length()
		for j := 0; j < cn; j++ {
			wc := charRes.Index(j)
			charUUID := bleuuid.MustParse(wc.Get("uuid").String())
			flags := propsFromWeb(wc.Get("properties"))
			c := central.NewCharacteristic(svcUUID, charUUID, flags)
			svc.Characteristics.Set(charUUID, c)
			chars[charUUID] = wc
		}
		services = append(services, svc)
	}
	return services, chars, nil
}

// propsFromWeb reads a BluetoothCharacteristicProperties dictionary's
// boolean fields onto the portable flag set.
func propsFromWeb(props js.Value) central.CharPropFlags {
	var out central.CharPropFlags
	set := func(field string, flag central.CharPropFlags) {
		if v := props.Get(field); v.Truthy() {
			out |= flag
		}
	}
	set("broadcast", central.CharBroadcast)
	set("read", central.CharRead)
	set("writeWithoutResponse", central.CharWriteWithoutResponse)
	set("write", central.CharWrite)
	set("notify", central.CharNotify)
	set("indicate", central.CharIndicate)
	set("authenticatedSignedWrites", central.CharAuthenticatedSignedWrites)
	set("reliableWrite", central.CharExtendedProperties)
	return out
}

func (p *peripheral) Disconnect(ctx context.Context) error {
	p.connMu.Lock()
	server := p.server
	p.connMu.Unlock()
	if server.Truthy() {
		server.Call("disconnect")
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
	p.server = js.Value{}
	valueChange := p.valueChange
	p.valueChange = js.Func{}
	p.connMu.Unlock()

	if valueChange.Truthy() {
		valueChange.Release()
	}

	p.notifyMu.Lock()
	for _, subs := range p.notify {
		for _, ch := range subs {
			close(ch)
		}
	}
	p.notify = make(map[bleuuid.UUID][]chan central.ValueNotification)
	p.notifyMu.Unlock()

	p.adapter.reg.Emit(central.DeviceDisconnected(p.id))
}

func (p *peripheral) DiscoverServices(ctx context.Context) ([]*central.Service, error) {
	if !p.IsConnected() {
		return nil, central.ErrNotConnected
	}
	return p.Services(), nil
}

func (p *peripheral) jsChar(c *central.Characteristic) (js.Value, error) {
	if !p.IsConnected() {
		return js.Value{}, central.ErrNotConnected
	}
	p.connMu.Lock()
	defer p.connMu.Unlock()
	wc, ok := p.jsChars[c.UUID]
	if !ok {
		return js.Value{}, central.NotSupported("characteristic not discovered")
	}
	return wc, nil
}

func (p *peripheral) Read(ctx context.Context, c *central.Characteristic) ([]byte, error) {
	wc, err := p.jsChar(c)
	if err != nil {
		return nil, err
	}
	v, err := jsAwait(ctx, wc.Call("readValue"))
	if err != nil {
		return nil, normalizeError(err)
	}
	return bytesFromDataView(v), nil
}

func (p *peripheral) Write(ctx context.Context, c *central.Characteristic, data []byte, wt central.WriteType) error {
	wc, err := p.jsChar(c)
	if err != nil {
		return err
	}
	buf := bytesToJSUint8Array(data)
	method := "writeValueWithResponse"
	if wt == central.WriteWithoutResponse {
		method = "writeValueWithoutResponse"
	}
	_, err = jsAwait(ctx, wc.Call(method, buf))
	return normalizeError(err)
}

func (p *peripheral) Subscribe(ctx context.Context, c *central.Characteristic) error {
	wc, err := p.jsChar(c)
	if err != nil {
		return err
	}
	if _, err := jsAwait(ctx, wc.Call("startNotifications")); err != nil {
		return normalizeError(err)
	}
	p.connMu.Lock()
	valueChange := p.valueChange
	p.connMu.Unlock()
	wc.Call("addEventListener", "characteristicvaluechanged", valueChange)
	return nil
}

func (p *peripheral) Unsubscribe(ctx context.Context, c *central.Characteristic) error {
	wc, err := p.jsChar(c)
	if err != nil {
		return err
	}
	p.connMu.Lock()
	valueChange := p.valueChange
	p.connMu.Unlock()
	wc.Call("removeEventListener", "characteristicvaluechanged", valueChange)
	_, err = jsAwait(ctx, wc.Call("stopNotifications"))
	return normalizeError(err)
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
	for uuid := range p.jsChars {
		p.notify[uuid] = append(p.notify[uuid], out)
	}
	p.notifyMu.Unlock()

	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

// ReadDescriptor/WriteDescriptor are implemented: unlike darwin/windows/
// android, BluetoothRemoteGATTCharacteristic.getDescriptor is a real,
// directly addressable Web Bluetooth API.
func (p *peripheral) ReadDescriptor(ctx context.Context, d *central.Descriptor) ([]byte, error) {
	wc, err := p.jsCharByUUID(d.CharacteristicUUID)
	if err != nil {
		return nil, err
	}
	wd, err := jsAwait(ctx, wc.Call("getDescriptor", d.UUID.String()))
	if err != nil {
		return nil, normalizeError(err)
	}
	v, err := jsAwait(ctx, wd.Call("readValue"))
	if err != nil {
		return nil, normalizeError(err)
	}
	return bytesFromDataView(v), nil
}

func (p *peripheral) WriteDescriptor(ctx context.Context, d *central.Descriptor, data []byte) error {
	wc, err := p.jsCharByUUID(d.CharacteristicUUID)
	if err != nil {
		return err
	}
	wd, err := jsAwait(ctx, wc.Call("getDescriptor", d.UUID.String()))
	if err != nil {
		return normalizeError(err)
	}
	_, err = jsAwait(ctx, wd.Call("writeValue", bytesToJSUint8Array(data)))
	return normalizeError(err)
}

func (p *peripheral) jsCharByUUID(uuid bleuuid.UUID) (js.Value, error) {
	if !p.IsConnected() {
		return js.Value{}, central.ErrNotConnected
	}
	p.connMu.Lock()
	defer p.connMu.Unlock()
	wc, ok := p.jsChars[uuid]
	if !ok {
		return js.Value{}, central.NotSupported("characteristic not discovered")
	}
	return wc, nil
}

func bytesFromDataView(dv js.Value) []byte {
	buffer := dv.Get("buffer")
	u8 := js.Global().Get("Uint8Array").New(buffer, dv.Get("byteOffset"), dv.Get("byteLength"))
	out := make([]byte, u8.Get("length").Int())
	js.CopyBytesToGo(out, u8)
	return out
}

func bytesToJSUint8Array(b []byte) js.Value {
	u8 := js.Global().Get("Uint8Array").New(len(b))
	js.CopyBytesToJS(u8, b)
	return u8
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
