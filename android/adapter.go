//go:build android

package android

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/bdaddr"
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
	"github.com/srg/blecentral/registry"
)

type Adapter struct {
	cfg    *config.Config
	log    *logrus.Entry
	bridge gattBridge
	reg    *registry.Registry

	scanCancel context.CancelFunc
}

func newAdapter(cfg *config.Config, log *logrus.Entry, bridge gattBridge) *Adapter {
	return &Adapter{
		cfg:    cfg,
		log:    log,
		bridge: bridge,
		reg:    registry.NewWithBufferSize(cfg.NotificationBufferSize),
	}
}

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

func (a *Adapter) StartScan(ctx context.Context, filter central.ScanFilter) error {
	if a.bridge == nil {
		return central.NotSupported("android backend requires a JNI gattBridge implementation")
	}
	_, cancel := context.WithCancel(ctx)
	a.scanCancel = cancel
	return a.bridge.startScan(func(res scanResult) {
		a.handleScanResult(res, filter)
	})
}

func (a *Adapter) handleScanResult(res scanResult, filter central.ScanFilter) {
	addrBytes, err := parseAndroidAddr(res.addr)
	if err != nil {
		a.log.WithError(err).Warn("android: malformed scan address")
		return
	}
	id := central.BDAddrId{Addr: addrBytes}

	p, firstSeen := a.reg.UpsertFromScan(id, func() central.Peripheral {
		return newPeripheral(a, id, res.addr)
	})
	dp := p.(*peripheral)
	changed := dp.mergeScanResult(res)

	if !filter.Matches(dp.Properties()) {
		return
	}
	if firstSeen {
		a.reg.Emit(central.DeviceDiscovered(id))
	} else if changed {
		a.reg.Emit(central.DeviceUpdated(id))
	}
}

func (a *Adapter) StopScan(ctx context.Context) error {
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	if a.bridge == nil {
		return nil
	}
	return a.bridge.stopScan()
}

func (a *Adapter) Peripherals(ctx context.Context) ([]central.Peripheral, error) {
	return a.reg.List(), nil
}

func (a *Adapter) Peripheral(ctx context.Context, id central.PeripheralId) (central.Peripheral, error) {
	p, ok := a.reg.Get(id)
	if !ok {
		return nil, central.ErrDeviceNotFound
	}
	return p, nil
}

// AddPeripheral registers a peripheral from a bare BDAddr; BluetoothDevice
// connectGatt can target any MAC Android's stack already knows about
// (bonded or previously seen), same as Windows's FromBluetoothAddressAsync.
func (a *Adapter) AddPeripheral(ctx context.Context, id central.PeripheralId) (central.Peripheral, error) {
	bid, ok := id.(central.BDAddrId)
	if !ok {
		return nil, central.NotSupported("android backend requires a BDAddrId")
	}
	p := newPeripheral(a, bid, formatAndroidAddr(bid.Addr))
	a.reg.AddPeripheral(id, p)
	return p, nil
}

func (a *Adapter) AdapterInfo(ctx context.Context) (string, error) {
	return "android0 (default BluetoothAdapter)", nil
}

// AdapterState always reports PoweredOn: observing BluetoothAdapter.STATE_*
// requires registering a BroadcastReceiver for
// BluetoothAdapter.ACTION_STATE_CHANGED, which is outside gattBridge's
// GATT-only scope.
func (a *Adapter) AdapterState(ctx context.Context) (central.AdapterState, error) {
	return central.StatePoweredOn, nil
}

func (a *Adapter) Close() error {
	if a.scanCancel != nil {
		a.scanCancel()
	}
	a.reg.Close()
	if a.bridge != nil {
		return a.bridge.close()
	}
	return nil
}

func parseAndroidAddr(s string) (bdaddr.BDAddr, error) {
	return bdaddr.Parse(s)
}

func formatAndroidAddr(addr bdaddr.BDAddr) string {
	return addr.StringUpper()
}
