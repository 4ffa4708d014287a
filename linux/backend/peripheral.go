package backend

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/bdaddr"
	"github.com/srg/blecentral/bleuuid"
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/linux/acl"
	"github.com/srg/blecentral/linux/gatt"
	"github.com/srg/blecentral/linux/hci"
)

// peripheral is the Linux HCI-socket Peripheral implementation. Before
// Connect succeeds, conn/stream/gattSession are nil and every GATT-facing
// method fails with ErrNotConnected.
type peripheral struct {
	adapter      *Adapter
	id           central.BDAddrId
	addr         bdaddr.BDAddr
	wireAddrType uint8 // HCI address-type byte, needed to reconnect

	mu    sync.RWMutex
	props *central.PeripheralProperties

	connMu     sync.Mutex
	connected  bool
	connHandle uint16
	conn       *l2capConn
	stream     *acl.Stream
	gattSess   *gatt.Session
	services   []*central.Service

	log *logrus.Entry
}

func newPeripheral(a *Adapter, id central.BDAddrId, addr bdaddr.BDAddr, addrType central.AddressType, wireAddrType uint8) *peripheral {
	props := central.NewPeripheralProperties(addr)
	props.AddressType = addrType
	return &peripheral{
		adapter:      a,
		id:           id,
		addr:         addr,
		wireAddrType: wireAddrType,
		props:        props,
		log:          a.log.WithField("peripheral", addr.String()),
	}
}

func (p *peripheral) ID() central.PeripheralId { return p.id }
func (p *peripheral) Address() bdaddr.BDAddr   { return p.addr }

// Properties returns a snapshot clone so callers can't mutate the
// peripheral's accumulated state through the returned pointer.
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

// Connect issues LE Create Connection and, once the controller reports
// Connection Complete, opens the dedicated L2CAP-over-ATT socket for GATT
// traffic (spec §4.3, §4.6; §5: "an internal one-second wait").
func (p *peripheral) Connect(ctx context.Context) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.connected {
		return nil
	}

	timeout := p.adapter.cfg.ConnectTimeout
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wireAddr := canonicalToWire(p.addr)
	ev, err := p.adapter.transport.Connect(cctx, wireAddr, p.wireAddrType)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return central.TimedOut(timeout)
		}
		return central.Other(err)
	}

	conn, err := openL2CAP(p.adapter.localAddr, p.addr, 0x00, p.wireAddrType)
	if err != nil {
		_ = p.adapter.transport.Disconnect(context.Background(), ev.ConnectionHandle)
		return central.Other(err)
	}

	stream := acl.New(conn, ev.ConnectionHandle)
	stream.OnFatal = func(error) { p.handleDisconnect() }

	p.conn = conn
	p.stream = stream
	p.gattSess = gatt.NewSession(stream)
	p.connHandle = ev.ConnectionHandle
	p.connected = true

	p.adapter.registerHandle(ev.ConnectionHandle, p)
	p.adapter.reg.Emit(central.DeviceConnected(p.id))
	return nil
}

// Disconnect issues the HCI Disconnect command and tears down the ACL
// stream and L2CAP socket.
func (p *peripheral) Disconnect(ctx context.Context) error {
	p.connMu.Lock()
	if !p.connected {
		p.connMu.Unlock()
		return nil
	}
	handle := p.connHandle
	stream := p.stream
	p.connMu.Unlock()

	err := p.adapter.transport.Disconnect(ctx, handle)
	stream.Close(nil)
	p.handleDisconnect()
	if err != nil {
		return central.Other(err)
	}
	return nil
}

// handleDisconnect transitions the peripheral to disconnected exactly once,
// whether triggered by the controller's Disconnection Complete event or by
// the ACL stream's own fatal-error path (a remote-initiated disconnect may
// surface either first).
func (p *peripheral) handleDisconnect() {
	p.connMu.Lock()
	if !p.connected {
		p.connMu.Unlock()
		return
	}
	p.connected = false
	handle := p.connHandle
	p.connMu.Unlock()

	p.adapter.unregisterHandle(handle)
	p.adapter.reg.Emit(central.DeviceDisconnected(p.id))
}

func (p *peripheral) DiscoverServices(ctx context.Context) ([]*central.Service, error) {
	sess, err := p.requireGATT()
	if err != nil {
		return nil, err
	}
	services, err := sess.DiscoverServices(ctx)
	if err != nil {
		return nil, err
	}
	p.connMu.Lock()
	p.services = services
	p.connMu.Unlock()
	return services, nil
}

func (p *peripheral) Read(ctx context.Context, c *central.Characteristic) ([]byte, error) {
	sess, err := p.requireGATT()
	if err != nil {
		return nil, err
	}
	return sess.Read(ctx, c)
}

func (p *peripheral) Write(ctx context.Context, c *central.Characteristic, data []byte, wt central.WriteType) error {
	sess, err := p.requireGATT()
	if err != nil {
		return err
	}
	return sess.Write(ctx, c, data, wt)
}

func (p *peripheral) Subscribe(ctx context.Context, c *central.Characteristic) error {
	sess, err := p.requireGATT()
	if err != nil {
		return err
	}
	return sess.Subscribe(ctx, c)
}

func (p *peripheral) Unsubscribe(ctx context.Context, c *central.Characteristic) error {
	sess, err := p.requireGATT()
	if err != nil {
		return err
	}
	return sess.Unsubscribe(ctx, c)
}

func (p *peripheral) ReadDescriptor(ctx context.Context, d *central.Descriptor) ([]byte, error) {
	sess, err := p.requireGATT()
	if err != nil {
		return nil, err
	}
	return sess.ReadDescriptor(ctx, d)
}

func (p *peripheral) WriteDescriptor(ctx context.Context, d *central.Descriptor, data []byte) error {
	sess, err := p.requireGATT()
	if err != nil {
		return err
	}
	return sess.WriteDescriptor(ctx, d, data)
}

// Notifications relays the ACL stream's notification bus through a
// ctx-scoped channel, closing when ctx is done or the peripheral
// disconnects (the stream closing ends its own Subscribe channel).
func (p *peripheral) Notifications(ctx context.Context) (<-chan central.ValueNotification, error) {
	p.connMu.Lock()
	if !p.connected {
		p.connMu.Unlock()
		return nil, central.ErrNotConnected
	}
	stream := p.stream
	p.connMu.Unlock()

	sub, unsubscribe := stream.Notifications()
	out := make(chan central.ValueNotification)
	go func() {
		defer close(out)
		defer unsubscribe()
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

func (p *peripheral) requireGATT() (*gatt.Session, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if !p.connected {
		return nil, central.ErrNotConnected
	}
	return p.gattSess, nil
}

// mergeAdvertisement merges one advertising report's fields into the
// accumulated PeripheralProperties, never clearing previously observed
// data (the evt_type=4 scan-response open question, resolved in DESIGN.md:
// a scan response only adds to what's known, it never resets it).
func (p *peripheral) mergeAdvertisement(r hci.AdvertisingReport, elems []hci.AdvertisingElement) bool {
	const scanResponseEventType = 0x04

	p.mu.Lock()
	defer p.mu.Unlock()

	p.props.RSSI = r.RSSI
	p.props.HasRSSI = true
	p.props.DiscoveryCount++
	if r.EventType == scanResponseEventType {
		p.props.HasScanResponse = true
	}
	if name, ok := hci.LocalName(elems); ok {
		p.props.LocalName = name
		p.props.HasLocalName = true
	}
	if tx, ok := hci.TxPowerLevel(elems); ok {
		p.props.TxPowerLevel = tx
		p.props.HasTxPowerLevel = true
	}
	for id, data := range hci.ManufacturerData(elems) {
		p.props.ManufacturerData[id] = data
	}
	for u, data := range hci.ServiceData16(elems) {
		p.props.ServiceData[u] = data
	}
	for _, u := range hci.ServiceUUIDs(elems) {
		if !containsUUID(p.props.Services, u) {
			p.props.Services = append(p.props.Services, u)
		}
	}
	return true
}

// emitAdvertisementEvents emits the per-field *Advertisement events spec §3
// names alongside DeviceDiscovered/DeviceUpdated, when this report carried
// the corresponding TLV.
func (p *peripheral) emitAdvertisementEvents(reg eventEmitter, elems []hci.AdvertisingElement) {
	if md := hci.ManufacturerData(elems); len(md) > 0 {
		reg.Emit(central.CentralEvent{Kind: central.EventManufacturerDataAdvertisement, PeripheralId: p.id, ManufacturerData: md})
	}
	if sd := hci.ServiceData16(elems); len(sd) > 0 {
		keyed := make(map[string][]byte, len(sd))
		for u, data := range sd {
			keyed[u.String()] = data
		}
		reg.Emit(central.CentralEvent{Kind: central.EventServiceDataAdvertisement, PeripheralId: p.id, ServiceData: keyed})
	}
	if uuids := hci.ServiceUUIDs(elems); len(uuids) > 0 {
		strs := make([]string, len(uuids))
		for i, u := range uuids {
			strs[i] = u.String()
		}
		reg.Emit(central.CentralEvent{Kind: central.EventServicesAdvertisement, PeripheralId: p.id, Services: strs})
	}
}

// eventEmitter is the single registry method emitAdvertisementEvents needs,
// kept narrow so it's easy to exercise with a fake in tests.
type eventEmitter interface {
	Emit(central.CentralEvent)
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
