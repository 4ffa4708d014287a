// Package backend wires linux/transport, linux/acl and linux/gatt into the
// central.Manager/Adapter/Peripheral contract (spec §4.3-§4.6), the Linux
// HCI-socket implementation of the library's backend abstraction.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kofalt/go-memoize/memoize"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/bdaddr"
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
	"github.com/srg/blecentral/linux/hci"
	"github.com/srg/blecentral/linux/transport"
	"github.com/srg/blecentral/registry"
)

// Manager enumerates the Bluetooth controllers the kernel exposes via
// HCIGETDEVLIST, generalizing the teacher's single-adapter assumption to
// spec §4.4's Manager.Adapters() contract.
type Manager struct {
	cfg *config.Config
	log *logrus.Logger
}

// NewManager returns a Manager using cfg (config.Default() if nil).
func NewManager(cfg *config.Config) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Manager{cfg: cfg, log: cfg.NewLogger()}
}

// Adapters opens every controller index the kernel reports.
func (m *Manager) Adapters(ctx context.Context) ([]central.Adapter, error) {
	ids, err := transport.ListDeviceIDs()
	if err != nil {
		return nil, central.Other(err)
	}
	out := make([]central.Adapter, 0, len(ids))
	for _, id := range ids {
		a, err := newAdapter(id, m.cfg, m.log)
		if err != nil {
			m.log.WithField("dev_id", id).WithError(err).Warn("backend: skipping adapter that failed to open")
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// wireToCanonical converts an HCI wire-order address (as it appears in
// hci.AdvertisingReport.Address / hci.LEConnectionCompleteEvent.PeerAddress)
// into the library's canonical MSB-first bdaddr.BDAddr.
func wireToCanonical(wire [6]byte) bdaddr.BDAddr {
	var rev [6]byte
	for i := 0; i < 6; i++ {
		rev[i] = wire[5-i]
	}
	return bdaddr.New(rev)
}

// canonicalToWire is wireToCanonical's inverse (reversal is its own
// inverse): used when building LE Create Connection parameters, which the
// transport documents as expecting wire order.
func canonicalToWire(addr bdaddr.BDAddr) [6]byte {
	b := addr.Bytes()
	var wire [6]byte
	for i := 0; i < 6; i++ {
		wire[i] = b[5-i]
	}
	return wire
}

// toCentralAddressType maps the HCI wire address-type byte (0 = public, 1 =
// random) onto the portable taxonomy.
func toCentralAddressType(hciType uint8) central.AddressType {
	switch hciType {
	case 0x00:
		return central.AddressPublic
	case 0x01:
		return central.AddressRandom
	default:
		return central.AddressUnknown
	}
}

// Adapter is the Linux HCI-socket Adapter implementation.
type Adapter struct {
	devID     int
	localAddr bdaddr.BDAddr

	transport *transport.Transport
	reg       *registry.Registry
	cfg       *config.Config
	log       *logrus.Entry

	infoMemo *memoize.Memoizer

	mu         sync.Mutex
	scanFilter central.ScanFilter
	byHandle   map[uint16]*peripheral
	closed     bool
}

func newAdapter(devID int, cfg *config.Config, log *logrus.Logger) (*Adapter, error) {
	info, err := transport.DeviceInfo(devID)
	if err != nil {
		return nil, fmt.Errorf("device info: %w", err)
	}
	sock, err := transport.OpenDevice(devID)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}

	a := &Adapter{
		devID:     devID,
		localAddr: bdaddr.New(info.BDAddr),
		reg:       registry.NewWithBufferSize(cfg.NotificationBufferSize),
		cfg:       cfg,
		log:       log.WithField("adapter", fmt.Sprintf("hci%d", devID)),
		infoMemo:  memoize.NewMemoizer(1*time.Minute, 10*time.Minute),
		byHandle:  map[uint16]*peripheral{},
	}
	a.transport = transport.New(sock, a)
	return a, nil
}

// Events returns a fresh subscription to this adapter's CentralEvent stream
// (spec §4.4).
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

// StartScan begins active LE scanning, remembering filter for incoming
// advertisement reports.
func (a *Adapter) StartScan(ctx context.Context, filter central.ScanFilter) error {
	a.mu.Lock()
	a.scanFilter = filter
	a.mu.Unlock()
	return wrapTransportErr(a.transport.StartScan(ctx))
}

// StopScan disables LE scanning.
func (a *Adapter) StopScan(ctx context.Context) error {
	return wrapTransportErr(a.transport.StopScan(ctx))
}

// Peripherals returns every peripheral this adapter currently has live in
// its registry.
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

// AddPeripheral registers a peripheral by BDAddr without having observed an
// advertisement from it (spec §4.4).
func (a *Adapter) AddPeripheral(ctx context.Context, id central.PeripheralId) (central.Peripheral, error) {
	bid, ok := id.(central.BDAddrId)
	if !ok {
		return nil, central.NotSupported("linux HCI backend requires a BDAddrId")
	}
	p := newPeripheral(a, bid, bid.Addr, central.AddressUnknown, 0x00)
	a.reg.AddPeripheral(id, p)
	return p, nil
}

// AdapterInfo returns a human-readable identifier, memoized since it never
// changes for the lifetime of an open device handle.
func (a *Adapter) AdapterInfo(ctx context.Context) (string, error) {
	result, err, _ := a.infoMemo.Memoize("info", func() (interface{}, error) {
		return fmt.Sprintf("hci%d (%s)", a.devID, a.localAddr.String()), nil
	})
	if err != nil {
		return "", central.Other(err)
	}
	return result.(string), nil
}

// AdapterState reports the controller's power state. The raw HCI backend
// always reports PoweredOn once its socket is open (spec §6: BlueZ D-Bus is
// the backend that observes Adapter1.Powered transitions).
func (a *Adapter) AdapterState(ctx context.Context) (central.AdapterState, error) {
	return central.StatePoweredOn, nil
}

// Close releases the adapter's HCI socket and tears down its registry.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.reg.Close()
	return a.transport.Close()
}

func (a *Adapter) registerHandle(handle uint16, p *peripheral) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byHandle[handle] = p
}

func (a *Adapter) unregisterHandle(handle uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byHandle, handle)
}

func (a *Adapter) peripheralByHandle(handle uint16) (*peripheral, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.byHandle[handle]
	return p, ok
}

func (a *Adapter) currentScanFilter() central.ScanFilter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanFilter
}

// OnAdvertisingReport implements transport.Handler: it merges the report's
// TLVs into the peripheral's accumulated PeripheralProperties and emits
// DeviceDiscovered/DeviceUpdated plus the per-field *Advertisement events.
func (a *Adapter) OnAdvertisingReport(r hci.AdvertisingReport) {
	elems, err := hci.ParseAdvertisingData(r.Data)
	if err != nil {
		a.log.WithError(err).Warn("backend: dropping malformed advertising report")
		return
	}

	addr := wireToCanonical(r.Address)
	id := central.BDAddrId{Addr: addr}
	addrType := toCentralAddressType(r.AddressType)

	p, firstSeen := a.reg.UpsertFromScan(id, func() central.Peripheral {
		return newPeripheral(a, id, addr, addrType, r.AddressType)
	})
	pp := p.(*peripheral)
	changed := pp.mergeAdvertisement(r, elems)

	if !a.currentScanFilter().Matches(pp.Properties()) {
		return
	}

	if firstSeen {
		a.reg.Emit(central.DeviceDiscovered(id))
	} else if changed {
		a.reg.Emit(central.DeviceUpdated(id))
	}
	pp.emitAdvertisementEvents(a.reg, elems)
}

// OnConnectionComplete implements transport.Handler and does nothing:
// LE Create Connection resolution already unblocks the waiting
// Peripheral.Connect call inside linux/transport, and this hook does not act
// on the event's status, failed or not.
func (a *Adapter) OnConnectionComplete(ev hci.LEConnectionCompleteEvent) {}

// OnConnectionUpdateComplete implements transport.Handler; connection
// parameter updates are not part of the portable event model.
func (a *Adapter) OnConnectionUpdateComplete(ev hci.LEConnectionUpdateCompleteEvent) {}

// OnDisconnectionComplete implements transport.Handler: routes the
// controller's disconnect notification to the owning peripheral.
func (a *Adapter) OnDisconnectionComplete(ev hci.DisconnectionCompleteEvent) {
	p, ok := a.peripheralByHandle(ev.ConnectionHandle)
	if !ok {
		return
	}
	p.handleDisconnect()
}

// OnACLData implements transport.Handler. GATT traffic is carried on each
// peripheral's dedicated L2CAP-over-ATT socket (opened in Peripheral.Connect),
// not on the raw HCI socket's own ACL channel; the kernel only delivers ACL
// data here for a connection with no L2CAP socket attached, which this
// backend never leaves unattached once connected. Kept as a no-op sink
// rather than removed, since Handler's contract requires every method.
func (a *Adapter) OnACLData(handle uint16, pb hci.PBFlag, data []byte) {}

// wrapTransportErr maps a context deadline/cancellation into the portable
// taxonomy and everything else into KindOther.
func wrapTransportErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return central.TimedOut(0)
	}
	return central.Other(err)
}
