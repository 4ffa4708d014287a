package darwin

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/bdaddr"
	"github.com/srg/blecentral/bleuuid"
	"github.com/srg/blecentral/central"
)

// peripheral is the CoreBluetooth Peripheral implementation. Connect only
// resolves once DiscoverProfile has fully populated charByUUID (spec
// invariant: Connected is never observable before service/characteristic
// enumeration completes), the same ordering the teacher's BLEConnection.Connect
// enforces by populating c.services before setting c.isConnected.
type peripheral struct {
	adapter *Adapter
	id      central.BDAddrId
	rawAddr string

	mu    sync.RWMutex
	props *central.PeripheralProperties

	connMu      sync.Mutex
	connected   bool
	client      ble.Client
	services    []*central.Service
	charByUUID  map[bleuuid.UUID]*ble.Characteristic
	subscribers map[bleuuid.UUID][]chan central.ValueNotification

	log *logrus.Entry
}

func newPeripheral(a *Adapter, id central.BDAddrId, rawAddr string) *peripheral {
	return &peripheral{
		adapter:     a,
		id:          id,
		rawAddr:     rawAddr,
		props:       central.NewPeripheralProperties(id.Addr),
		charByUUID:  map[bleuuid.UUID]*ble.Characteristic{},
		subscribers: map[bleuuid.UUID][]chan central.ValueNotification{},
		log:         a.log.WithField("peripheral", id.Addr.String()),
	}
}

func (p *peripheral) ID() central.PeripheralId { return p.id }
func (p *peripheral) Address() bdaddr.BDAddr   { return p.id.Addr }

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

// mergeAdvertisement folds one ble.Advertisement into the accumulated
// snapshot, mirroring linux/backend's mergeAdvertisement: later reports add
// to what's known, never reset it.
func (p *peripheral) mergeAdvertisement(adv ble.Advertisement) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.props.RSSI = int8(adv.RSSI())
	p.props.HasRSSI = true
	p.props.DiscoveryCount++

	if name := adv.LocalName(); name != "" {
		p.props.LocalName = name
		p.props.HasLocalName = true
	}
	if tx := adv.TxPowerLevel(); tx != 0 {
		p.props.TxPowerLevel = int8(tx)
		p.props.HasTxPowerLevel = true
	}
	if md := adv.ManufacturerData(); len(md) >= 2 {
		id := uint16(md[0]) | uint16(md[1])<<8
		p.props.ManufacturerData[id] = append([]byte(nil), md[2:]...)
	}
	for _, sd := range adv.ServiceData() {
		u, err := bleuuid.Parse(sd.UUID.String())
		if err == nil {
			p.props.ServiceData[u] = append([]byte(nil), sd.Data...)
		}
	}
	for _, svc := range adv.Services() {
		u, err := bleuuid.Parse(svc.String())
		if err == nil && !containsUUID(p.props.Services, u) {
			p.props.Services = append(p.props.Services, u)
		}
	}
	return true
}

func (p *peripheral) emitAdvertisementEvents(reg eventEmitter, adv ble.Advertisement) {
	if md := adv.ManufacturerData(); len(md) >= 2 {
		id := uint16(md[0]) | uint16(md[1])<<8
		reg.Emit(central.CentralEvent{
			Kind:             central.EventManufacturerDataAdvertisement,
			PeripheralId:     p.id,
			ManufacturerData: map[uint16][]byte{id: append([]byte(nil), md[2:]...)},
		})
	}
	if sds := adv.ServiceData(); len(sds) > 0 {
		keyed := make(map[string][]byte, len(sds))
		for _, sd := range sds {
			keyed[sd.UUID.String()] = sd.Data
		}
		reg.Emit(central.CentralEvent{Kind: central.EventServiceDataAdvertisement, PeripheralId: p.id, ServiceData: keyed})
	}
	if svcs := adv.Services(); len(svcs) > 0 {
		strs := make([]string, len(svcs))
		for i, s := range svcs {
			strs[i] = s.String()
		}
		reg.Emit(central.CentralEvent{Kind: central.EventServicesAdvertisement, PeripheralId: p.id, Services: strs})
	}
}

type eventEmitter interface {
	Emit(central.CentralEvent)
}

// Connect dials the peripheral and fully enumerates its GATT profile before
// returning, so a successful Connect guarantees Services()/Read()/Write()
// are immediately usable — mirroring the teacher's BLEConnection.Connect,
// which only flips isConnected after the DiscoverProfile loop finishes.
func (p *peripheral) Connect(ctx context.Context) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.connected {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, p.adapter.cfg.ConnectTimeout)
	defer cancel()

	client, err := ble.Dial(cctx, ble.NewAddr(p.rawAddr))
	if err != nil {
		return normalizeError(err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return normalizeError(err)
	}

	services, charByUUID := buildProfile(profile)

	p.client = client
	p.services = services
	p.charByUUID = charByUUID
	p.connected = true

	if darwinClient, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		go func() {
			<-darwinClient.Disconnected()
			p.handleDisconnect()
		}()
	}

	p.adapter.reg.Emit(central.DeviceConnected(p.id))
	return nil
}

func buildProfile(profile *ble.Profile) ([]*central.Service, map[bleuuid.UUID]*ble.Characteristic) {
	services := make([]*central.Service, 0, len(profile.Services))
	charByUUID := map[bleuuid.UUID]*ble.Characteristic{}

	for _, bsvc := range profile.Services {
		svcUUID, err := bleuuid.Parse(bsvc.UUID.String())
		if err != nil {
			continue
		}
		svc := central.NewService(svcUUID, true)
		for _, bchar := range bsvc.Characteristics {
			charUUID, err := bleuuid.Parse(bchar.UUID.String())
			if err != nil {
				continue
			}
			c := central.NewCharacteristic(svcUUID, charUUID, propsFromBLE(bchar.Property))
			for _, d := range bchar.Descriptors {
				descUUID, err := bleuuid.Parse(d.UUID.String())
				if err != nil {
					continue
				}
				c.Descriptors.Set(descUUID, central.Descriptor{ServiceUUID: svcUUID, CharacteristicUUID: charUUID, UUID: descUUID})
			}
			svc.Characteristics.Set(charUUID, c)
			charByUUID[charUUID] = bchar
		}
		services = append(services, svc)
	}
	return services, charByUUID
}

func propsFromBLE(p ble.Property) central.CharPropFlags {
	var out central.CharPropFlags
	if p&ble.CharBroadcast != 0 {
		out |= central.CharBroadcast
	}
	if p&ble.CharRead != 0 {
		out |= central.CharRead
	}
	if p&ble.CharWriteNR != 0 {
		out |= central.CharWriteWithoutResponse
	}
	if p&ble.CharWrite != 0 {
		out |= central.CharWrite
	}
	if p&ble.CharNotify != 0 {
		out |= central.CharNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= central.CharIndicate
	}
	if p&ble.CharSignedWrite != 0 {
		out |= central.CharAuthenticatedSignedWrites
	}
	if p&ble.CharExtended != 0 {
		out |= central.CharExtendedProperties
	}
	return out
}

func (p *peripheral) Disconnect(ctx context.Context) error {
	p.connMu.Lock()
	if !p.connected {
		p.connMu.Unlock()
		return nil
	}
	client := p.client
	p.connMu.Unlock()

	err := client.CancelConnection()
	p.handleDisconnect()
	if err != nil {
		return normalizeError(err)
	}
	return nil
}

// handleDisconnect is idempotent: both Disconnect() and the Disconnected()
// channel monitor goroutine call it, the same dual-entry-point shape
// linux/backend's handleDisconnect uses.
func (p *peripheral) handleDisconnect() {
	p.connMu.Lock()
	if !p.connected {
		p.connMu.Unlock()
		return
	}
	p.connected = false
	subs := p.subscribers
	p.subscribers = map[bleuuid.UUID][]chan central.ValueNotification{}
	p.connMu.Unlock()

	// Notifications registers one channel under every characteristic, so
	// close each distinct channel once.
	closed := map[chan central.ValueNotification]bool{}
	for _, chans := range subs {
		for _, ch := range chans {
			if !closed[ch] {
				closed[ch] = true
				close(ch)
			}
		}
	}
	p.adapter.reg.Emit(central.DeviceDisconnected(p.id))
}

func (p *peripheral) bleChar(c *central.Characteristic) (ble.Client, *ble.Characteristic, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if !p.connected {
		return nil, nil, central.ErrNotConnected
	}
	bchar, ok := p.charByUUID[c.UUID]
	if !ok {
		return nil, nil, central.NotSupported("characteristic not discovered")
	}
	return p.client, bchar, nil
}

func (p *peripheral) DiscoverServices(ctx context.Context) ([]*central.Service, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if !p.connected {
		return nil, central.ErrNotConnected
	}
	return p.services, nil
}

func (p *peripheral) Read(ctx context.Context, c *central.Characteristic) ([]byte, error) {
	client, bchar, err := p.bleChar(c)
	if err != nil {
		return nil, err
	}
	data, err := client.ReadCharacteristic(bchar)
	if err != nil {
		return nil, normalizeError(err)
	}
	return data, nil
}

// Write upgrades WriteWithoutResponse to WriteWithResponse when the
// characteristic doesn't advertise the write-without-response property
// (spec §4.6's write-type upgrade boundary), since go-ble's
// WriteCharacteristic takes a plain noRsp bool with no upgrade of its own.
func (p *peripheral) Write(ctx context.Context, c *central.Characteristic, data []byte, wt central.WriteType) error {
	client, bchar, err := p.bleChar(c)
	if err != nil {
		return err
	}
	noRsp := wt == central.WriteWithoutResponse && c.Properties.Has(central.CharWriteWithoutResponse)
	if err := client.WriteCharacteristic(bchar, data, noRsp); err != nil {
		return normalizeError(err)
	}
	return nil
}

func (p *peripheral) Subscribe(ctx context.Context, c *central.Characteristic) error {
	client, bchar, err := p.bleChar(c)
	if err != nil {
		return err
	}
	indicate := !c.Properties.Has(central.CharNotify) && c.Properties.Has(central.CharIndicate)
	handler := func(data []byte) {
		p.dispatchNotification(c.UUID, data)
	}
	if err := client.Subscribe(bchar, indicate, handler); err != nil {
		return normalizeError(err)
	}
	return nil
}

func (p *peripheral) Unsubscribe(ctx context.Context, c *central.Characteristic) error {
	client, bchar, err := p.bleChar(c)
	if err != nil {
		return err
	}
	indicate := !c.Properties.Has(central.CharNotify) && c.Properties.Has(central.CharIndicate)
	if err := client.Unsubscribe(bchar, indicate); err != nil {
		return normalizeError(err)
	}
	return nil
}

// ReadDescriptor is unsupported: go-ble/ble's Darwin implementation never
// populates a descriptor's attribute handle (documented in the teacher's
// own connection.go), so there is no handle to address a read request to.
func (p *peripheral) ReadDescriptor(ctx context.Context, d *central.Descriptor) ([]byte, error) {
	return nil, central.NotSupported("darwin backend cannot read descriptor values (CoreBluetooth exposes no descriptor handle)")
}

func (p *peripheral) WriteDescriptor(ctx context.Context, d *central.Descriptor, data []byte) error {
	return central.NotSupported("darwin backend cannot write descriptor values (CoreBluetooth exposes no descriptor handle)")
}

func (p *peripheral) dispatchNotification(uuid bleuuid.UUID, data []byte) {
	p.connMu.Lock()
	chans := append([]chan central.ValueNotification(nil), p.subscribers[uuid]...)
	p.connMu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- central.ValueNotification{UUID: uuid, Value: data}:
		default:
		}
	}
}

// Notifications returns a fresh channel that every Subscribe'd
// characteristic's handler feeds via dispatchNotification.
func (p *peripheral) Notifications(ctx context.Context) (<-chan central.ValueNotification, error) {
	p.connMu.Lock()
	if !p.connected {
		p.connMu.Unlock()
		return nil, central.ErrNotConnected
	}
	sub := make(chan central.ValueNotification, 16)
	for uuid := range p.charByUUID {
		p.subscribers[uuid] = append(p.subscribers[uuid], sub)
	}
	p.connMu.Unlock()

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
